package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// FFmpegConfig 描述 ffmpeg 采集与解码参数
type FFmpegConfig struct {
	Binary      string
	InputFormat string // 为空时按操作系统选择 avfoundation / pulse / dshow
	InputDevice string
	SampleRate  int
	Channels    int
	ChunkSize   int
}

func (c FFmpegConfig) withDefaults() FFmpegConfig {
	if c.Binary == "" {
		c.Binary = "ffmpeg"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 4096
	}
	return c
}

// FFmpegMicrophone captures the default input device through an ffmpeg
// subprocess that emits an Ogg/Opus stream on stdout.
type FFmpegMicrophone struct {
	cfg FFmpegConfig
}

// NewFFmpegMicrophone 创建基于 ffmpeg 的麦克风采集器
func NewFFmpegMicrophone(cfg FFmpegConfig) *FFmpegMicrophone {
	return &FFmpegMicrophone{cfg: cfg.withDefaults()}
}

// Acquire starts ffmpeg. The process is owned by the returned stream.
func (m *FFmpegMicrophone) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(m.cfg.Binary); err != nil {
		return nil, fmt.Errorf("%s is required for microphone capture: %w", m.cfg.Binary, err)
	}

	input, err := micInputArgs(runtime.GOOS, m.cfg)
	if err != nil {
		return nil, err
	}

	args := append([]string{"-hide_banner", "-loglevel", "error"}, input...)
	args = append(args,
		"-ac", strconv.Itoa(m.cfg.Channels),
		"-ar", strconv.Itoa(m.cfg.SampleRate),
		"-c:a", "libopus",
		"-f", "ogg", "-",
	)

	cmd := exec.Command(m.cfg.Binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}

	s := &ffmpegStream{
		cmd:    cmd,
		stdin:  stdin,
		chunks: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go s.read(stdout, m.cfg.ChunkSize)
	return s, nil
}

func micInputArgs(goos string, cfg FFmpegConfig) ([]string, error) {
	if cfg.InputFormat != "" {
		device := cfg.InputDevice
		if device == "" {
			device = "default"
		}
		return []string{"-f", cfg.InputFormat, "-i", device}, nil
	}

	switch goos {
	case "darwin":
		device := cfg.InputDevice
		if device == "" {
			device = ":0"
		}
		return []string{"-f", "avfoundation", "-i", device}, nil
	case "linux":
		device := cfg.InputDevice
		if device == "" {
			device = "default"
		}
		return []string{"-f", "pulse", "-i", device}, nil
	case "windows":
		if cfg.InputDevice == "" {
			return nil, errors.New("AUDIO_INPUT_DEVICE is required on windows (dshow audio device name)")
		}
		return []string{"-f", "dshow", "-i", "audio=" + cfg.InputDevice}, nil
	default:
		return nil, fmt.Errorf("microphone capture is not implemented for %s", goos)
	}
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	chunks chan []byte
	done   chan struct{}

	finalizeOnce sync.Once
	releaseOnce  sync.Once
}

func (s *ffmpegStream) Chunks() <-chan []byte {
	return s.chunks
}

func (s *ffmpegStream) read(stdout io.Reader, size int) {
	defer close(s.done)
	defer close(s.chunks)

	buf := make([]byte, size)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.chunks <- chunk
		}
		if err != nil {
			return
		}
	}
}

// Finalize asks ffmpeg to quit so the container trailer is flushed, then
// waits for stdout to drain.
func (s *ffmpegStream) Finalize() error {
	var err error
	s.finalizeOnce.Do(func() {
		if _, werr := io.WriteString(s.stdin, "q"); werr != nil {
			if s.cmd.Process != nil {
				err = s.cmd.Process.Signal(os.Interrupt)
			}
		}
		_ = s.stdin.Close()
	})
	if err != nil {
		return fmt.Errorf("stop ffmpeg recorder: %w", err)
	}
	<-s.done
	return nil
}

func (s *ffmpegStream) Release() error {
	s.releaseOnce.Do(func() {
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			select {
			case <-s.done:
			default:
				_ = s.cmd.Process.Kill()
			}
		}
		// drain so the reader can observe EOF and close Chunks
		go func() {
			for range s.chunks {
			}
		}()
		<-s.done
		_ = s.cmd.Wait()
	})
	return nil
}

// FFmpegDecoder decodes any container ffmpeg understands into float32 channels.
type FFmpegDecoder struct {
	cfg FFmpegConfig
}

// NewFFmpegDecoder 创建 ffmpeg 解码器
func NewFFmpegDecoder(cfg FFmpegConfig) *FFmpegDecoder {
	return &FFmpegDecoder{cfg: cfg.withDefaults()}
}

// Decode runs ffmpeg with the blob on stdin and interleaved f32le on stdout.
func (d *FFmpegDecoder) Decode(ctx context.Context, blob []byte) (*PCMBuffer, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty audio blob")
	}

	cmd := exec.CommandContext(ctx, d.cfg.Binary,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "f32le",
		"-ac", strconv.Itoa(d.cfg.Channels),
		"-ar", strconv.Itoa(d.cfg.SampleRate),
		"pipe:1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(blob)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("ffmpeg decode failed: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("ffmpeg decode failed: %w", err)
	}

	return DeinterleaveFloat32(stdout.Bytes(), d.cfg.Channels, d.cfg.SampleRate)
}

// DeinterleaveFloat32 splits little-endian interleaved float32 frames into channels.
// A trailing partial frame is dropped.
func DeinterleaveFloat32(raw []byte, channels, sampleRate int) (*PCMBuffer, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}

	frameBytes := 4 * channels
	frames := len(raw) / frameBytes
	out := &PCMBuffer{SampleRate: sampleRate, Channels: make([][]float32, channels)}
	for c := range out.Channels {
		out.Channels[c] = make([]float32, frames)
	}

	for i := 0; i < frames; i++ {
		base := i * frameBytes
		for c := 0; c < channels; c++ {
			bits := binary.LittleEndian.Uint32(raw[base+4*c:])
			out.Channels[c][i] = math.Float32frombits(bits)
		}
	}
	return out, nil
}
