package protocol

import "time"

// JobKind names the synthesis pipeline a job belongs to.
type JobKind string

const (
	JobKindSpeech JobKind = "tts"
	JobKindVideo  JobKind = "digital_human"
)

// JobResult is broadcast by a worker loop after each collaborator call.
type JobResult struct {
	Kind         JobKind   `json:"kind"`
	UserID       string    `json:"user_id"`
	RequestID    string    `json:"request_id"`
	Sequence     int       `json:"sequence"`
	ArtifactPath string    `json:"artifact_path"`
	OK           bool      `json:"ok"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	// SubjectJobResultPrefix is followed by ".<kind>.<request_id>".
	SubjectJobResultPrefix = "pipeline.job.result"
)

// JobResultSubject returns the subject a result for requestID is published on.
func JobResultSubject(kind JobKind, requestID string) string {
	return SubjectJobResultPrefix + "." + string(kind) + "." + requestID
}

// JobResultWildcard matches every result of every kind for requestID.
func JobResultWildcard(requestID string) string {
	return SubjectJobResultPrefix + ".*." + requestID
}
