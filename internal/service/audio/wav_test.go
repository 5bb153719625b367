package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeWAVHeaderRoundtrip(t *testing.T) {
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) / 10))
	}

	wav, err := EncodeWAV(&PCMBuffer{SampleRate: 16000, Channels: [][]float32{samples}})
	require.NoError(t, err)
	require.Len(t, wav, WAVHeaderSize+2*len(samples))

	header, err := ReadWAVHeader(wav)
	require.NoError(t, err)
	require.Equal(t, uint16(1), header.Channels)
	require.Equal(t, uint32(16000), header.SampleRate)
	require.Equal(t, uint16(16), header.BitsPerSample)
	require.Equal(t, uint32(2*len(samples)), header.DataSize)
	require.Equal(t, uint32(36+2*len(samples)), header.RIFFSize)
	require.Equal(t, uint32(32000), header.ByteRate)
	require.Equal(t, uint16(2), header.BlockAlign)
	require.Equal(t, uint16(1), header.AudioFormat)
	require.Equal(t, int64(100), header.Duration())
}

func TestEncodeWAVInterleavesFrames(t *testing.T) {
	left := []float32{0.5, -0.5}
	right := []float32{1, -1}

	wav, err := EncodeWAV(&PCMBuffer{SampleRate: 8000, Channels: [][]float32{left, right}})
	require.NoError(t, err)

	header, err := ReadWAVHeader(wav)
	require.NoError(t, err)
	require.Equal(t, uint16(2), header.Channels)
	require.Equal(t, uint16(4), header.BlockAlign)
	require.Equal(t, uint32(8000*4), header.ByteRate)

	got := readSamples(wav)
	require.Equal(t, []int16{16383, 32767, -16384, -32768}, got)
}

func TestEncodeWAVClampLaw(t *testing.T) {
	cases := []struct {
		in   float32
		want float32
	}{
		{in: 1.5, want: 1},
		{in: 42, want: 1},
		{in: -1.0001, want: -1},
		{in: -7, want: -1},
	}

	for _, tc := range cases {
		a, err := EncodeWAV(&PCMBuffer{SampleRate: 16000, Channels: [][]float32{{tc.in}}})
		require.NoError(t, err)
		b, err := EncodeWAV(&PCMBuffer{SampleRate: 16000, Channels: [][]float32{{tc.want}}})
		require.NoError(t, err)
		require.Equal(t, b, a, "sample %v", tc.in)
	}
}

func TestFloatToPCM16AsymmetricScaling(t *testing.T) {
	require.Equal(t, int16(32767), floatToPCM16(1))
	require.Equal(t, int16(-32768), floatToPCM16(-1))
	require.Equal(t, int16(0), floatToPCM16(0))
	require.Equal(t, int16(0), floatToPCM16(float32(math.NaN())))
}

func TestEncodeWAVRejectsBadInput(t *testing.T) {
	_, err := EncodeWAV(nil)
	require.Error(t, err)

	_, err = EncodeWAV(&PCMBuffer{SampleRate: 16000})
	require.Error(t, err)

	_, err = EncodeWAV(&PCMBuffer{SampleRate: 0, Channels: [][]float32{{0}}})
	require.Error(t, err)

	_, err = EncodeWAV(&PCMBuffer{SampleRate: 16000, Channels: [][]float32{{0, 0}, {0}}})
	require.Error(t, err)
}

func TestEncodeWAVEmptyChannel(t *testing.T) {
	wav, err := EncodeWAV(&PCMBuffer{SampleRate: 16000, Channels: [][]float32{{}}})
	require.NoError(t, err)
	require.Len(t, wav, WAVHeaderSize)

	header, err := ReadWAVHeader(wav)
	require.NoError(t, err)
	require.Zero(t, header.DataSize)
}

func TestReadWAVHeaderRejectsGarbage(t *testing.T) {
	_, err := ReadWAVHeader([]byte("short"))
	require.ErrorIs(t, err, errInvalidWAV)

	garbage := make([]byte, WAVHeaderSize)
	copy(garbage, "OggS")
	_, err = ReadWAVHeader(garbage)
	require.ErrorIs(t, err, errInvalidWAV)
}

func readSamples(wav []byte) []int16 {
	data := wav[WAVHeaderSize:]
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out
}
