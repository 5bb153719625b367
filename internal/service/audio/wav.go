package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// WAVHeaderSize is the fixed size of the canonical RIFF/WAVE header.
	WAVHeaderSize = 44
	bitsPerSample = 16
	bytesPerFrame = bitsPerSample / 8
)

var errInvalidWAV = errors.New("invalid wav container")

// PCMBuffer holds decoded samples, one slice per channel, all of equal length.
type PCMBuffer struct {
	SampleRate int
	Channels   [][]float32
}

// Frames returns the number of samples per channel.
func (b *PCMBuffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// WAVHeader describes the fields of a canonical 44-byte header.
type WAVHeader struct {
	RIFFSize      uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

// EncodeWAV 将多声道浮点采样编码为 16-bit PCM WAV 容器
//
// Frames are interleaved channel by channel (c0s0, c1s0, ..., c0s1, ...).
// Samples are clamped to [-1, 1]; negatives scale by 32768, the rest by 32767.
func EncodeWAV(buf *PCMBuffer) ([]byte, error) {
	if buf == nil || len(buf.Channels) == 0 {
		return nil, fmt.Errorf("encode wav: no channels")
	}
	if buf.SampleRate <= 0 {
		return nil, fmt.Errorf("encode wav: invalid sample rate %d", buf.SampleRate)
	}

	frames := len(buf.Channels[0])
	for i, ch := range buf.Channels {
		if len(ch) != frames {
			return nil, fmt.Errorf("encode wav: channel %d has %d samples, want %d", i, len(ch), frames)
		}
	}

	numChannels := len(buf.Channels)
	dataSize := frames * numChannels * bytesPerFrame
	out := make([]byte, WAVHeaderSize+dataSize)

	writeHeader(out, numChannels, buf.SampleRate, dataSize)

	offset := WAVHeaderSize
	for i := 0; i < frames; i++ {
		for c := 0; c < numChannels; c++ {
			binary.LittleEndian.PutUint16(out[offset:], uint16(floatToPCM16(buf.Channels[c][i])))
			offset += bytesPerFrame
		}
	}

	return out, nil
}

func writeHeader(out []byte, channels, sampleRate, dataSize int) {
	blockAlign := channels * bytesPerFrame
	byteRate := sampleRate * blockAlign

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataSize))
}

func floatToPCM16(sample float32) int16 {
	if math.IsNaN(float64(sample)) {
		return 0
	}
	if sample > 1 {
		sample = 1
	} else if sample < -1 {
		sample = -1
	}
	if sample < 0 {
		return int16(sample * 32768)
	}
	return int16(sample * 32767)
}

// ReadWAVHeader parses the canonical 44-byte header produced by EncodeWAV.
func ReadWAVHeader(data []byte) (WAVHeader, error) {
	if len(data) < WAVHeaderSize {
		return WAVHeader{}, fmt.Errorf("%w: %d bytes", errInvalidWAV, len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAVHeader{}, fmt.Errorf("%w: missing RIFF/WAVE tags", errInvalidWAV)
	}
	if string(data[12:16]) != "fmt " || string(data[36:40]) != "data" {
		return WAVHeader{}, fmt.Errorf("%w: unexpected chunk layout", errInvalidWAV)
	}

	return WAVHeader{
		RIFFSize:      binary.LittleEndian.Uint32(data[4:8]),
		AudioFormat:   binary.LittleEndian.Uint16(data[20:22]),
		Channels:      binary.LittleEndian.Uint16(data[22:24]),
		SampleRate:    binary.LittleEndian.Uint32(data[24:28]),
		ByteRate:      binary.LittleEndian.Uint32(data[28:32]),
		BlockAlign:    binary.LittleEndian.Uint16(data[32:34]),
		BitsPerSample: binary.LittleEndian.Uint16(data[34:36]),
		DataSize:      binary.LittleEndian.Uint32(data[40:44]),
	}, nil
}

// Duration returns the playback length in milliseconds.
func (h WAVHeader) Duration() int64 {
	if h.ByteRate == 0 {
		return 0
	}
	return int64(h.DataSize) * 1000 / int64(h.ByteRate)
}
