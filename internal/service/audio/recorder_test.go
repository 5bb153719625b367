package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	chunks  chan []byte
	pending [][]byte

	mu          sync.Mutex
	finalized   int
	released    int
	finalizeErr error
	closeOnce   sync.Once
}

func newFakeStream(pending ...[]byte) *fakeStream {
	return &fakeStream{chunks: make(chan []byte, 16), pending: pending}
}

func (s *fakeStream) Chunks() <-chan []byte { return s.chunks }

func (s *fakeStream) Finalize() error {
	s.mu.Lock()
	s.finalized++
	s.mu.Unlock()

	for _, chunk := range s.pending {
		s.chunks <- chunk
	}
	s.closeChunks()
	return s.finalizeErr
}

func (s *fakeStream) Release() error {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
	s.closeChunks()
	return nil
}

func (s *fakeStream) closeChunks() {
	s.closeOnce.Do(func() { close(s.chunks) })
}

func (s *fakeStream) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakeMic struct {
	mu       sync.Mutex
	streams  []*fakeStream
	acquired int
	err      error
}

func (m *fakeMic) Acquire(ctx context.Context) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s := m.streams[m.acquired]
	m.acquired++
	return s, nil
}

type fakeDecoder struct {
	mu   sync.Mutex
	blob []byte
	pcm  *PCMBuffer
	err  error
}

func (d *fakeDecoder) Decode(ctx context.Context, blob []byte) (*PCMBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blob = append([]byte(nil), blob...)
	if d.err != nil {
		return nil, d.err
	}
	return d.pcm, nil
}

func monoBuffer(frames int) *PCMBuffer {
	return &PCMBuffer{SampleRate: 16000, Channels: [][]float32{make([]float32, frames)}}
}

func TestRecorderStopProducesWAVPayload(t *testing.T) {
	stream := newFakeStream([]byte("cd"))
	mic := &fakeMic{streams: []*fakeStream{stream}}
	dec := &fakeDecoder{pcm: monoBuffer(320)}
	rec := NewRecorder(mic, dec)

	require.NoError(t, rec.Start(context.Background()))
	require.True(t, rec.IsRecording())
	stream.chunks <- []byte("ab")

	payload, err := rec.Stop(context.Background())
	require.NoError(t, err)
	require.False(t, rec.IsRecording())
	require.Equal(t, 1, stream.releaseCount())
	require.Equal(t, []byte("abcd"), dec.blob)

	prefix := "data:audio/wav;base64,"
	require.True(t, strings.HasPrefix(payload, prefix), payload)

	wav, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(payload, prefix))
	require.NoError(t, err)
	header, err := ReadWAVHeader(wav)
	require.NoError(t, err)
	require.Equal(t, uint16(1), header.Channels)
	require.Equal(t, uint32(16000), header.SampleRate)
	require.Equal(t, uint16(16), header.BitsPerSample)
	require.Equal(t, uint32(640), header.DataSize)
}

func TestRecorderPayloadMIMEOption(t *testing.T) {
	stream := newFakeStream([]byte("x"))
	rec := NewRecorder(&fakeMic{streams: []*fakeStream{stream}}, &fakeDecoder{pcm: monoBuffer(1)}, WithPayloadMIME("audio/webm"))

	require.NoError(t, rec.Start(context.Background()))
	payload, err := rec.Stop(context.Background())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(payload, "data:audio/webm;base64,"))
}

func TestRecorderCancelReleasesAndAllowsRestart(t *testing.T) {
	first := newFakeStream([]byte("discarded"))
	second := newFakeStream([]byte("kept"))
	mic := &fakeMic{streams: []*fakeStream{first, second}}
	dec := &fakeDecoder{pcm: monoBuffer(4)}
	rec := NewRecorder(mic, dec)

	require.NoError(t, rec.Start(context.Background()))
	require.NoError(t, rec.Cancel())
	require.False(t, rec.IsRecording())
	require.Equal(t, 1, first.releaseCount())
	require.Nil(t, dec.blob)

	require.NoError(t, rec.Start(context.Background()))
	_, err := rec.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("kept"), dec.blob)
	require.Equal(t, 2, mic.acquired)
}

func TestRecorderCancelWhenIdle(t *testing.T) {
	rec := NewRecorder(&fakeMic{}, &fakeDecoder{})
	require.NoError(t, rec.Cancel())
}

func TestRecorderDecodeFailureStillReleases(t *testing.T) {
	stream := newFakeStream([]byte("garbage"))
	dec := &fakeDecoder{err: errors.New("invalid data found when processing input")}
	rec := NewRecorder(&fakeMic{streams: []*fakeStream{stream}}, dec)

	require.NoError(t, rec.Start(context.Background()))
	payload, err := rec.Stop(context.Background())
	require.ErrorIs(t, err, ErrProcessing)
	require.Empty(t, payload)
	require.Equal(t, 1, stream.releaseCount())
	require.False(t, rec.IsRecording())
}

func TestRecorderStopWithoutAudio(t *testing.T) {
	stream := newFakeStream()
	rec := NewRecorder(&fakeMic{streams: []*fakeStream{stream}}, &fakeDecoder{pcm: monoBuffer(1)})

	require.NoError(t, rec.Start(context.Background()))
	_, err := rec.Stop(context.Background())
	require.ErrorIs(t, err, ErrProcessing)
	require.Equal(t, 1, stream.releaseCount())
}

func TestRecorderFinalizeFailure(t *testing.T) {
	stream := newFakeStream([]byte("x"))
	stream.finalizeErr = errors.New("broken pipe")
	rec := NewRecorder(&fakeMic{streams: []*fakeStream{stream}}, &fakeDecoder{pcm: monoBuffer(1)})

	require.NoError(t, rec.Start(context.Background()))
	_, err := rec.Stop(context.Background())
	require.ErrorIs(t, err, ErrProcessing)
	require.Equal(t, 1, stream.releaseCount())
}

func TestRecorderStartFailureWrapsCapture(t *testing.T) {
	denied := errors.New("permission denied")
	rec := NewRecorder(&fakeMic{err: denied}, &fakeDecoder{})

	err := rec.Start(context.Background())
	require.ErrorIs(t, err, ErrCapture)
	require.ErrorIs(t, err, denied)
	require.False(t, rec.IsRecording())

	_, err = rec.Stop(context.Background())
	require.ErrorIs(t, err, ErrNotRecording)
}

func TestRecorderRejectsDoubleStart(t *testing.T) {
	stream := newFakeStream()
	rec := NewRecorder(&fakeMic{streams: []*fakeStream{stream}}, &fakeDecoder{})

	require.NoError(t, rec.Start(context.Background()))
	require.ErrorIs(t, rec.Start(context.Background()), ErrAlreadyRecording)
	require.NoError(t, rec.Cancel())
}

func TestRecorderElapsedTicks(t *testing.T) {
	stream := newFakeStream()
	rec := NewRecorder(&fakeMic{streams: []*fakeStream{stream}}, &fakeDecoder{}, WithTickInterval(5*time.Millisecond))

	require.NoError(t, rec.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.ElapsedSeconds() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, rec.Cancel())

	stopped := rec.ElapsedSeconds()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, stopped, rec.ElapsedSeconds())
}

// stuckStream never flushes on Finalize; only Release (a kill) unblocks it.
type stuckStream struct {
	chunks    chan []byte
	killed    chan struct{}
	killOnce  sync.Once
	finalized chan struct{}
	finOnce   sync.Once
}

func newStuckStream() *stuckStream {
	return &stuckStream{
		chunks:    make(chan []byte, 1),
		killed:    make(chan struct{}),
		finalized: make(chan struct{}),
	}
}

func (s *stuckStream) Chunks() <-chan []byte { return s.chunks }

func (s *stuckStream) Finalize() error {
	s.finOnce.Do(func() { close(s.finalized) })
	<-s.killed
	return nil
}

func (s *stuckStream) Release() error {
	s.killOnce.Do(func() {
		close(s.killed)
		close(s.chunks)
	})
	return nil
}

type stuckMic struct {
	stream *stuckStream
}

func (m *stuckMic) Acquire(ctx context.Context) (Stream, error) {
	return m.stream, nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestRecorderStopHonorsContextWhenFlushHangs(t *testing.T) {
	stream := newStuckStream()
	rec := NewRecorder(&stuckMic{stream: stream}, &fakeDecoder{pcm: monoBuffer(1)})
	require.NoError(t, rec.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := rec.Stop(ctx)
	require.ErrorIs(t, err, ErrProcessing)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(started), 2*time.Second)
	require.True(t, isClosed(stream.killed), "stream must be released after the flush times out")
	require.False(t, rec.IsRecording())
}

func TestRecorderFinalizeTimeoutBoundsStop(t *testing.T) {
	stream := newStuckStream()
	rec := NewRecorder(&stuckMic{stream: stream}, &fakeDecoder{pcm: monoBuffer(1)}, WithFinalizeTimeout(20*time.Millisecond))
	require.NoError(t, rec.Start(context.Background()))

	_, err := rec.Stop(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, isClosed(stream.killed))
}

func TestRecorderCancelReleasesWithoutFlush(t *testing.T) {
	stream := newStuckStream()
	rec := NewRecorder(&stuckMic{stream: stream}, &fakeDecoder{})
	require.NoError(t, rec.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- rec.Cancel() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel blocked on a stream that never flushes")
	}
	require.False(t, isClosed(stream.finalized), "Cancel must not flush")
	require.True(t, isClosed(stream.killed))
}

type gatedDecoder struct {
	entered chan struct{}
	release chan struct{}
}

func (d *gatedDecoder) Decode(ctx context.Context, blob []byte) (*PCMBuffer, error) {
	close(d.entered)
	<-d.release
	return monoBuffer(2), nil
}

func TestRecorderDecodeRunsOutsideLock(t *testing.T) {
	stream := newFakeStream([]byte("x"))
	dec := &gatedDecoder{entered: make(chan struct{}), release: make(chan struct{})}
	rec := NewRecorder(&fakeMic{streams: []*fakeStream{stream}}, dec)
	require.NoError(t, rec.Start(context.Background()))

	result := make(chan error, 1)
	go func() {
		_, err := rec.Stop(context.Background())
		result <- err
	}()
	<-dec.entered

	checked := make(chan bool, 1)
	go func() {
		recording := rec.IsRecording()
		_ = rec.Cancel()
		checked <- recording
	}()
	select {
	case recording := <-checked:
		require.False(t, recording)
	case <-time.After(2 * time.Second):
		t.Fatal("IsRecording blocked while a decode was running")
	}

	close(dec.release)
	require.NoError(t, <-result)
	require.Equal(t, 1, stream.releaseCount())
}
