package artifact

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrFormatMismatch is returned by a strict merge when inputs disagree on
// their audio parameters.
var ErrFormatMismatch = errors.New("artifact: audio parameters differ between inputs")

// Params is the format descriptor of a WAV file, ordered for comparison.
type Params struct {
	Channels    int
	BitDepth    int
	SampleRate  int
	AudioFormat int
}

// Less orders params lexicographically by channels, bit depth, sample rate
// and audio format.
func (p Params) Less(o Params) bool {
	if p.Channels != o.Channels {
		return p.Channels < o.Channels
	}
	if p.BitDepth != o.BitDepth {
		return p.BitDepth < o.BitDepth
	}
	if p.SampleRate != o.SampleRate {
		return p.SampleRate < o.SampleRate
	}
	return p.AudioFormat < o.AudioFormat
}

func (p Params) String() string {
	return fmt.Sprintf("%dch/%dbit/%dHz/fmt%d", p.Channels, p.BitDepth, p.SampleRate, p.AudioFormat)
}

// ReadWAV decodes the parameters and samples of one WAV file.
func ReadWAV(path string) (Params, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return Params{}, nil, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return Params{}, nil, fmt.Errorf("decode %s: not a valid wav file", path)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Params{}, nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if buf == nil {
		return Params{}, nil, fmt.Errorf("decode %s: no pcm data", path)
	}
	p := Params{
		Channels:    int(d.NumChans),
		BitDepth:    int(d.BitDepth),
		SampleRate:  int(d.SampleRate),
		AudioFormat: int(d.WavAudioFormat),
	}
	return p, buf.Data, nil
}

// WriteWAV encodes samples to path atomically.
func WriteWAV(path string, p Params, samples []int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".merge-*.wav")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc := wav.NewEncoder(tmp, p.SampleRate, p.BitDepth, p.Channels, p.AudioFormat)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: p.Channels, SampleRate: p.SampleRate},
		Data:           samples,
		SourceBitDepth: p.BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadPayload returns the parameters and the raw bytes of the data chunk of
// one WAV file, exactly as stored.
func ReadPayload(path string) (Params, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return Params{}, nil, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return Params{}, nil, fmt.Errorf("decode %s: not a valid wav file", path)
	}
	if err := d.FwdToPCM(); err != nil {
		return Params{}, nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if d.PCMChunk == nil || d.PCMChunk.Size < 0 {
		return Params{}, nil, fmt.Errorf("decode %s: no data chunk", path)
	}
	payload := make([]byte, d.PCMChunk.Size)
	if _, err := io.ReadFull(d.PCMChunk, payload); err != nil {
		return Params{}, nil, fmt.Errorf("read %s data chunk: %w", path, err)
	}
	p := Params{
		Channels:    int(d.NumChans),
		BitDepth:    int(d.BitDepth),
		SampleRate:  int(d.SampleRate),
		AudioFormat: int(d.WavAudioFormat),
	}
	return p, payload, nil
}

// canonicalHeader is the 44-byte RIFF/WAVE header with a single fmt and
// data chunk.
type canonicalHeader struct {
	RIFF        [4]byte
	RIFFSize    uint32
	WAVE        [4]byte
	Fmt         [4]byte
	FmtSize     uint32
	AudioFormat uint16
	Channels    uint16
	SampleRate  uint32
	ByteRate    uint32
	BlockAlign  uint16
	BitDepth    uint16
	Data        [4]byte
	DataSize    uint32
}

// WritePayload stores payload verbatim as the data chunk of a WAV file
// described by p. The file is written atomically.
func WritePayload(path string, p Params, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".merge-*.wav")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	pad := len(payload) % 2
	blockAlign := p.Channels * p.BitDepth / 8
	hdr := canonicalHeader{
		RIFF:        [4]byte{'R', 'I', 'F', 'F'},
		RIFFSize:    uint32(36 + len(payload) + pad),
		WAVE:        [4]byte{'W', 'A', 'V', 'E'},
		Fmt:         [4]byte{'f', 'm', 't', ' '},
		FmtSize:     16,
		AudioFormat: uint16(p.AudioFormat),
		Channels:    uint16(p.Channels),
		SampleRate:  uint32(p.SampleRate),
		ByteRate:    uint32(p.SampleRate * blockAlign),
		BlockAlign:  uint16(blockAlign),
		BitDepth:    uint16(p.BitDepth),
		Data:        [4]byte{'d', 'a', 't', 'a'},
		DataSize:    uint32(len(payload)),
	}
	w := bufio.NewWriter(tmp)
	err = binary.Write(w, binary.LittleEndian, hdr)
	if err == nil {
		_, err = w.Write(payload)
	}
	if err == nil && pad == 1 {
		err = w.WriteByte(0)
	}
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// MergeWAV concatenates the data chunks of inputs byte for byte, in the
// order given, into out. The output header carries the greatest input
// params; payloads are not converted. With strict set, any disagreement
// between inputs fails with ErrFormatMismatch instead. Callers are
// responsible for ordering inputs by sequence.
func MergeWAV(inputs []string, out string, strict bool) (Params, error) {
	if len(inputs) == 0 {
		return Params{}, errors.New("artifact: nothing to merge")
	}

	var (
		chosen  Params
		payload []byte
	)
	for i, in := range inputs {
		p, data, err := ReadPayload(in)
		if err != nil {
			return Params{}, err
		}
		switch {
		case i == 0:
			chosen = p
		case strict && p != chosen:
			return Params{}, fmt.Errorf("%w: %s is %s, expected %s", ErrFormatMismatch, in, p, chosen)
		case chosen.Less(p):
			chosen = p
		}
		payload = append(payload, data...)
	}

	if err := WritePayload(out, chosen, payload); err != nil {
		return Params{}, err
	}
	return chosen, nil
}
