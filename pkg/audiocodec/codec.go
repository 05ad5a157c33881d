// Package audiocodec decodes base64 PCM segments and wraps raw PCM in a WAV
// container for upload or local playback.
package audiocodec

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

type Format struct {
	SampleRate int
	BitDepth   int
	Channels   int
}

func DefaultFormat() Format {
	return Format{SampleRate: 16000, BitDepth: 16, Channels: 1}
}

func (f Format) bytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

func (f Format) frameSize() int {
	return f.Channels * f.BitDepth / 8
}

// DecodeSegments decodes a list of base64 audio segments into one contiguous
// PCM buffer.
func DecodeSegments(segments []string) ([]byte, error) {
	var pcm bytes.Buffer
	for i, segment := range segments {
		data, err := base64.StdEncoding.DecodeString(segment)
		if err != nil {
			return nil, fmt.Errorf("segment %d is not valid base64: %w", i, err)
		}
		pcm.Write(data)
	}
	return pcm.Bytes(), nil
}

// EncodeWAV wraps raw little-endian PCM in a WAV container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	buf := &writeSeekBuffer{}
	enc := wav.NewEncoder(buf, f.SampleRate, f.BitDepth, f.Channels, 1)

	intBuf := &audio.IntBuffer{
		Data:   byteSliceToInts(pcm),
		Format: &audio.Format{SampleRate: f.SampleRate, NumChannels: f.Channels},
	}
	if err := enc.Write(intBuf); err != nil {
		return nil, fmt.Errorf("failed to write to WAV encoder: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize WAV container: %w", err)
	}
	return buf.data, nil
}

// PreviewWindow returns the trailing window of PCM audio, frame-aligned, for
// local playback of the most recent audio.
func PreviewWindow(pcm []byte, window time.Duration, f Format) []byte {
	want := int(window.Seconds() * float64(f.bytesPerSecond()))
	want = (want / f.frameSize()) * f.frameSize()
	if want >= len(pcm) {
		return pcm
	}
	start := len(pcm) - want
	start = (start / f.frameSize()) * f.frameSize()
	return pcm[start:]
}

// byteSliceToInts converts little-endian 16-bit PCM bytes into integer samples.
func byteSliceToInts(pcm []byte) []int {
	samples := make([]int, 0, len(pcm)/2)
	buf := bytes.NewBuffer(pcm)
	for {
		var sample int16
		if err := binary.Read(buf, binary.LittleEndian, &sample); err != nil {
			break
		}
		samples = append(samples, int(sample))
	}
	return samples
}

// writeSeekBuffer is an in-memory io.WriteSeeker; the WAV encoder seeks back
// to patch the header sizes on Close.
type writeSeekBuffer struct {
	data []byte
	pos  int
}

func (b *writeSeekBuffer) Write(p []byte) (int, error) {
	if end := b.pos + len(p); end > len(b.data) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *writeSeekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int
	switch whence {
	case io.SeekStart:
		next = int(offset)
	case io.SeekCurrent:
		next = b.pos + int(offset)
	case io.SeekEnd:
		next = len(b.data) + int(offset)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position %d", next)
	}
	b.pos = next
	return int64(next), nil
}
