// Package segment cuts an incremental LLM token stream into speakable
// sentences.
package segment

import (
	"strings"
	"unicode/utf8"
)

// DefaultMinRunes is the shortest sentence worth synthesizing; anything
// shorter is dropped from speech.
const DefaultMinRunes = 4

// Chunk is one speakable sentence of a request.
type Chunk struct {
	RequestID string
	Sequence  int // 1-based, strictly increasing per request
	Text      string
}

// Options tune a Segmenter.
type Options struct {
	Boundaries []string
	MinRunes   int
}

// Segmenter keeps per-request cut state. It is not safe for concurrent use;
// each request owns one.
type Segmenter struct {
	requestID  string
	boundaries []string
	minRunes   int

	text    strings.Builder
	lastCut int
	seq     int
}

func New(requestID string, opts Options) *Segmenter {
	minRunes := opts.MinRunes
	if minRunes <= 0 {
		minRunes = DefaultMinRunes
	}
	var boundaries []string
	for _, b := range opts.Boundaries {
		if b != "" {
			boundaries = append(boundaries, b)
		}
	}
	return &Segmenter{requestID: requestID, boundaries: boundaries, minRunes: minRunes}
}

// Feed appends delta and returns a sentence when delta contains a boundary
// symbol. At most one cut happens per call, at the earliest boundary inside
// delta. Candidates shorter than MinRunes are discarded but still consume
// their text.
func (s *Segmenter) Feed(delta string) (Chunk, bool) {
	offset := s.text.Len()
	s.text.WriteString(delta)

	idx, size := s.firstBoundary(delta)
	if idx < 0 {
		return Chunk{}, false
	}
	end := offset + idx + size
	candidate := s.text.String()[s.lastCut:end]
	s.lastCut = end
	return s.accept(candidate)
}

// Flush emits the unterminated tail, if long enough.
func (s *Segmenter) Flush() (Chunk, bool) {
	full := s.text.String()
	tail := full[s.lastCut:]
	s.lastCut = len(full)
	if strings.TrimSpace(tail) == "" {
		return Chunk{}, false
	}
	return s.accept(tail)
}

// Remainder is the text after the last cut.
func (s *Segmenter) Remainder() string {
	return s.text.String()[s.lastCut:]
}

// Text is everything fed so far.
func (s *Segmenter) Text() string { return s.text.String() }

// Count is the number of sentences emitted so far, which is also the
// highest sequence number handed out.
func (s *Segmenter) Count() int { return s.seq }

func (s *Segmenter) accept(candidate string) (Chunk, bool) {
	if utf8.RuneCountInString(candidate) < s.minRunes {
		return Chunk{}, false
	}
	s.seq++
	return Chunk{RequestID: s.requestID, Sequence: s.seq, Text: candidate}, true
}

// firstBoundary finds the earliest boundary symbol in delta. On a tie the
// longer symbol wins so "……" is not split in half.
func (s *Segmenter) firstBoundary(delta string) (int, int) {
	best, size := -1, 0
	for _, b := range s.boundaries {
		i := strings.Index(delta, b)
		if i < 0 {
			continue
		}
		if best < 0 || i < best || (i == best && len(b) > size) {
			best, size = i, len(b)
		}
	}
	return best, size
}

// Normalize applies replacement pairs to a delta in order.
func Normalize(delta string, pairs [][]string) string {
	for _, p := range pairs {
		if len(p) != 2 || p[0] == "" {
			continue
		}
		delta = strings.ReplaceAll(delta, p[0], p[1])
	}
	return delta
}
