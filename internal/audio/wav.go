package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-audio/wav"
)

// ErrTooShort marks a blob below the minimum chunk size. Such chunks are
// silence, not malformed input.
var ErrTooShort = errors.New("audio chunk too short")

// Clip is decoded single-channel PCM ready for recognition.
type Clip struct {
	PCM        []byte // little-endian int16 samples
	SampleRate int
	Channels   int
}

// DecodeWAV parses a RIFF/WAV blob into a mono PCM clip. Multi-channel
// input is downmixed by averaging. Blobs shorter than minBytes return
// ErrTooShort.
func DecodeWAV(raw []byte, minBytes int) (Clip, error) {
	if len(raw) < minBytes {
		return Clip{}, ErrTooShort
	}

	dec := wav.NewDecoder(bytes.NewReader(raw))
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("not a valid wav container")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav pcm: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return Clip{}, fmt.Errorf("wav container carries no samples")
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		return Clip{}, fmt.Errorf("wav header reports %d channels", channels)
	}

	samples := toInt16(buf.Data, int(dec.BitDepth))
	if channels > 1 {
		samples = DownmixMono(samples, channels)
	}

	return Clip{
		PCM:        Int16ToBytes(samples),
		SampleRate: buf.Format.SampleRate,
		Channels:   1,
	}, nil
}

// toInt16 scales samples of an arbitrary bit depth to 16 bits.
func toInt16(data []int, bitDepth int) []int16 {
	out := make([]int16, len(data))
	shift := uint(0)
	switch {
	case bitDepth > 16:
		shift = uint(bitDepth - 16)
		for i, s := range data {
			out[i] = int16(s >> shift)
		}
	case bitDepth > 0 && bitDepth < 16:
		shift = uint(16 - bitDepth)
		for i, s := range data {
			out[i] = int16(s << shift)
		}
	default:
		for i, s := range data {
			out[i] = int16(s)
		}
	}
	return out
}
