package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrCapture wraps microphone acquisition failures.
	ErrCapture = errors.New("audio capture failed")
	// ErrProcessing wraps decode/encode failures after Stop.
	ErrProcessing = errors.New("audio processing failed")
	// ErrAlreadyRecording is returned by Start while a recording is active.
	ErrAlreadyRecording = errors.New("recording already in progress")
	// ErrNotRecording is returned by Stop without an active recording.
	ErrNotRecording = errors.New("no active recording")
)

// DefaultPayloadMIME labels the WAV payload produced by Stop.
const DefaultPayloadMIME = "audio/wav"

// Microphone 抽象麦克风设备，便于测试与替换实现
type Microphone interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is an exclusively owned capture session.
//
// Chunks delivers compressed container chunks until Finalize, after which the
// final chunk is flushed and the channel closed. Release stops all tracks,
// closes Chunks if it is still open and must be safe to call more than once.
type Stream interface {
	Chunks() <-chan []byte
	Finalize() error
	Release() error
}

// Decoder turns a compressed container into per-channel float samples.
type Decoder interface {
	Decode(ctx context.Context, blob []byte) (*PCMBuffer, error)
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithTickInterval overrides the elapsed-time tick (one second by default).
func WithTickInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.tick = d
		}
	}
}

// WithFinalizeTimeout bounds how long Stop waits for the stream to flush
// before the capture is killed (five seconds by default).
func WithFinalizeTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.finalizeTimeout = d
		}
	}
}

// WithPayloadMIME overrides the media type declared in the payload prefix.
func WithPayloadMIME(mime string) Option {
	return func(r *Recorder) {
		if mime != "" {
			r.mime = mime
		}
	}
}

// Recorder captures microphone audio and produces a base64 WAV payload.
type Recorder struct {
	mic             Microphone
	decoder         Decoder
	tick            time.Duration
	mime            string
	finalizeTimeout time.Duration

	mu      sync.Mutex
	active  *recording
	elapsed atomic.Int64
}

type recording struct {
	stream    Stream
	mu        sync.Mutex
	chunks    [][]byte
	collected chan struct{}
	stopTick  chan struct{}
	tickDone  chan struct{}
}

// NewRecorder 创建录音器
func NewRecorder(mic Microphone, decoder Decoder, opts ...Option) *Recorder {
	r := &Recorder{
		mic:             mic,
		decoder:         decoder,
		tick:            time.Second,
		mime:            DefaultPayloadMIME,
		finalizeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsRecording reports whether a capture is active.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// ElapsedSeconds returns the ticks counted since the last Start.
func (r *Recorder) ElapsedSeconds() int {
	return int(r.elapsed.Load())
}

// Start acquires the microphone and begins buffering chunks.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return ErrAlreadyRecording
	}

	stream, err := r.mic.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCapture, err)
	}

	rec := &recording{
		stream:    stream,
		collected: make(chan struct{}),
		stopTick:  make(chan struct{}),
		tickDone:  make(chan struct{}),
	}
	r.elapsed.Store(0)
	r.active = rec

	go rec.collect()
	go r.runTicker(rec)

	log.Printf("[recorder] capture started")
	return nil
}

// Stop finalizes the capture and returns "data:<mime>;base64,<wav>".
// The stream is released before any decode error is reported; decoding runs
// outside the recorder lock.
func (r *Recorder) Stop(ctx context.Context) (string, error) {
	chunks, err := r.finish(ctx)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "", fmt.Errorf("%w: no audio captured", ErrProcessing)
	}

	blob := bytes.Join(chunks, nil)
	pcm, err := r.decoder.Decode(ctx, blob)
	if err != nil {
		return "", fmt.Errorf("%w: decode: %w", ErrProcessing, err)
	}

	wav, err := EncodeWAV(pcm)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProcessing, err)
	}

	log.Printf("[recorder] capture stopped chunks=%d blob=%d wav=%d elapsed=%ds", len(chunks), len(blob), len(wav), r.ElapsedSeconds())
	return r.payload(wav), nil
}

// finish detaches the active recording, flushes and releases its stream.
// The device is free again when it returns.
func (r *Recorder) finish(ctx context.Context) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.active
	if rec == nil {
		return nil, ErrNotRecording
	}
	r.active = nil

	flushCtx, cancel := context.WithTimeout(ctx, r.finalizeTimeout)
	defer cancel()

	shutdownErr := rec.shutdown(flushCtx)
	chunks := rec.take()
	if shutdownErr != nil {
		return nil, fmt.Errorf("%w: finalize recorder: %w", ErrProcessing, shutdownErr)
	}
	return chunks, nil
}

// Cancel releases the capture immediately and discards buffered audio.
func (r *Recorder) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.active
	if rec == nil {
		return nil
	}
	r.active = nil

	// 不等待 flush，直接释放设备
	rec.release()
	discarded := len(rec.take())
	log.Printf("[recorder] capture cancelled, discarded %d chunks", discarded)
	return nil
}

func (r *Recorder) payload(wav []byte) string {
	return "data:" + r.mime + ";base64," + base64.StdEncoding.EncodeToString(wav)
}

func (r *Recorder) runTicker(rec *recording) {
	defer close(rec.tickDone)

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-rec.stopTick:
			return
		case <-ticker.C:
			r.elapsed.Add(1)
		}
	}
}

func (rec *recording) collect() {
	defer close(rec.collected)
	for chunk := range rec.stream.Chunks() {
		if len(chunk) == 0 {
			continue
		}
		rec.mu.Lock()
		rec.chunks = append(rec.chunks, chunk)
		rec.mu.Unlock()
	}
}

// shutdown finalizes the recorder, stops the tick and releases the stream.
// Release runs on every path, including when ctx expires mid-flush.
func (rec *recording) shutdown(ctx context.Context) error {
	defer rec.release()

	finalized := make(chan error, 1)
	go func() { finalized <- rec.stream.Finalize() }()

	select {
	case err := <-finalized:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-rec.collected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rec *recording) release() {
	close(rec.stopTick)
	<-rec.tickDone
	if err := rec.stream.Release(); err != nil {
		log.Printf("[recorder] release stream failed: %v", err)
	}
}

func (rec *recording) take() [][]byte {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	chunks := rec.chunks
	rec.chunks = nil
	return chunks
}
