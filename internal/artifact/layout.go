// Package artifact owns the files that synthesis collaborators leave on the
// shared filesystem: where they are named, how a request waits for them, and
// how per-sentence audio is stitched together.
package artifact

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FailureSuffix marks the failure twin of an expected artifact.
const FailureSuffix = ".failed"

// Layout derives artifact names from (request id, sequence). The names are the
// only link between a worker and the request waiting on it.
type Layout struct {
	SpeechDir string
	VideoDir  string
	AudioExt  string
}

func NewLayout(speechDir, videoDir string) Layout {
	return Layout{SpeechDir: speechDir, VideoDir: videoDir, AudioExt: ".wav"}
}

// Ensure creates both artifact directories.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.SpeechDir, l.VideoDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create artifact dir %s: %w", dir, err)
		}
	}
	return nil
}

func (l Layout) ext() string {
	if l.AudioExt == "" {
		return ".wav"
	}
	return l.AudioExt
}

// Speech is the per-sentence audio file, e.g. <speech_dir>/<id>-00000003.wav.
func (l Layout) Speech(requestID string, sequence int) string {
	return filepath.Join(l.SpeechDir, fmt.Sprintf("%s-%08d%s", requestID, sequence, l.ext()))
}

// SpeechRange lists Speech paths for sequences 1..n in order.
func (l Layout) SpeechRange(requestID string, n int) []string {
	paths := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		paths = append(paths, l.Speech(requestID, i))
	}
	return paths
}

// MergedSpeech is the concatenated audio of a whole request.
func (l Layout) MergedSpeech(requestID string) string {
	return filepath.Join(l.SpeechDir, requestID+l.ext())
}

// Video is the rendered digital-human video.
func (l Layout) Video(requestID string) string {
	return filepath.Join(l.VideoDir, requestID+".mp4")
}

// VideoSentinel appears once the video is fully written.
func (l Layout) VideoSentinel(requestID string) string {
	return filepath.Join(l.VideoDir, requestID+".txt")
}

// Artifacts lists every file path this layout can hold for requestID:
// per-sentence speech found on disk (including ones that only have a
// failure twin), the merged track, the video and its sentinel. Failure
// twins are not listed; Remove handles them.
func (l Layout) Artifacts(requestID string) ([]string, error) {
	pattern := filepath.Join(l.SpeechDir, requestID+"-"+strings.Repeat("[0-9]", 8)+l.ext()+"*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("list speech artifacts: %w", err)
	}
	seen := make(map[string]bool, len(matches))
	var paths []string
	for _, m := range matches {
		base := strings.TrimSuffix(m, FailureSuffix)
		if !strings.HasSuffix(base, l.ext()) || seen[base] {
			continue
		}
		seen[base] = true
		paths = append(paths, base)
	}
	sort.Strings(paths)
	return append(paths, l.MergedSpeech(requestID), l.Video(requestID), l.VideoSentinel(requestID)), nil
}

// Sweep removes every artifact of requestID and their failure twins.
func (l Layout) Sweep(requestID string, log *slog.Logger) error {
	paths, err := l.Artifacts(requestID)
	if err != nil {
		return err
	}
	return Remove(paths, log)
}

// FailurePath is where a worker records why the artifact at path was not
// produced.
func FailurePath(path string) string {
	return path + FailureSuffix
}

// WriteFailure records reason next to path so waiters can stop early.
func WriteFailure(path, reason string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(FailurePath(path), []byte(reason), 0o644)
}

// ReadFailure returns the recorded reason, if any.
func ReadFailure(path string) (string, bool) {
	data, err := os.ReadFile(FailurePath(path))
	if err != nil {
		return "", false
	}
	reason := strings.TrimSpace(string(data))
	if reason == "" {
		reason = "unknown failure"
	}
	return reason, true
}

// Remove deletes paths and their failure twins. Missing files are not an
// error; every other failure is logged and joined into the result.
func Remove(paths []string, log *slog.Logger) error {
	var errs []error
	for _, p := range paths {
		for _, target := range []string{p, FailurePath(p)} {
			if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
				if log != nil {
					log.Warn("failed to remove artifact", slog.String("path", target), slog.String("error", err.Error()))
				}
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
