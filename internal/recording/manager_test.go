package recording

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/interview-agent/internal/faults"
)

type fakeStream struct {
	id      string
	kind    StreamKind
	stopped bool
}

func (s *fakeStream) ID() string       { return s.id }
func (s *fakeStream) Kind() StreamKind { return s.kind }
func (s *fakeStream) Stop()            { s.stopped = true }

type fakeSource struct {
	mic, camera, screen *fakeStream
	micErr, camErr      error
	screenErr           error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		mic:    &fakeStream{id: "mic", kind: KindAudio},
		camera: &fakeStream{id: "camera", kind: KindVideo},
		screen: &fakeStream{id: "screen", kind: KindVideo},
	}
}

func (f *fakeSource) Microphone(context.Context) (Stream, error) {
	if f.micErr != nil {
		return nil, f.micErr
	}
	return f.mic, nil
}

func (f *fakeSource) Camera(context.Context) (Stream, error) {
	if f.camErr != nil {
		return nil, f.camErr
	}
	return f.camera, nil
}

func (f *fakeSource) Screen(context.Context) (Stream, error) {
	if f.screenErr != nil {
		return nil, f.screenErr
	}
	return f.screen, nil
}

type fakeCompositor struct {
	out *fakeStream
	err error
}

func (c *fakeCompositor) Compose(_ context.Context, screen, camera Stream) (Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.out = &fakeStream{id: screen.ID() + "+" + camera.ID(), kind: KindVideo}
	return c.out, nil
}

// fakeRecorder delivers its final chunk only after release is closed, the
// way a browser recorder fires its stop event after the last data event.
type fakeRecorder struct {
	stream  Stream
	release chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	chunks  [][]byte
	stopped bool
}

func (r *fakeRecorder) Start() error {
	r.chunks = append(r.chunks, []byte(r.stream.ID()+":1"))
	return nil
}

func (r *fakeRecorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	go func() {
		<-r.release
		r.mu.Lock()
		r.chunks = append(r.chunks, []byte(r.stream.ID()+":last"))
		r.mu.Unlock()
		close(r.done)
	}()
}

func (r *fakeRecorder) Done() <-chan struct{} { return r.done }

func (r *fakeRecorder) Chunks() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.chunks...)
}

type fakeFactory struct {
	release chan struct{}
	built   []*fakeRecorder
	fail    map[string]error
}

func newFakeFactory() *fakeFactory {
	f := &fakeFactory{release: make(chan struct{}), fail: map[string]error{}}
	close(f.release)
	return f
}

func (f *fakeFactory) NewRecorder(s Stream) (Recorder, error) {
	if err := f.fail[s.ID()]; err != nil {
		return nil, err
	}
	r := &fakeRecorder{stream: s, release: f.release, done: make(chan struct{})}
	f.built = append(f.built, r)
	return r, nil
}

func TestManager_MobileRecordsCamera(t *testing.T) {
	src, comp, fac := newFakeSource(), &fakeCompositor{}, newFakeFactory()
	m := NewManager(src, comp, fac, true, zerolog.Nop())

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Recording())
	require.Len(t, fac.built, 2)
	assert.Equal(t, "camera", fac.built[1].stream.ID())
	assert.Nil(t, comp.out)

	out, err := m.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VideoCamera, out.VideoMode)
	assert.Equal(t, [][]byte{[]byte("mic:1"), []byte("mic:last")}, out.AudioChunks)
	assert.Equal(t, [][]byte{[]byte("camera:1"), []byte("camera:last")}, out.VideoChunks)
	assert.True(t, src.mic.stopped)
	assert.True(t, src.camera.stopped)
	assert.False(t, m.Recording())
}

func TestManager_DesktopRecordsComposite(t *testing.T) {
	src, comp, fac := newFakeSource(), &fakeCompositor{}, newFakeFactory()
	m := NewManager(src, comp, fac, false, zerolog.Nop())

	require.NoError(t, m.Start(context.Background()))
	require.Len(t, fac.built, 2)
	assert.Equal(t, "screen+camera", fac.built[1].stream.ID())

	out, err := m.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VideoComposite, out.VideoMode)
	assert.True(t, src.screen.stopped)
	assert.True(t, src.camera.stopped)
	assert.True(t, comp.out.stopped)
}

func TestManager_DegradesToAudioOnly(t *testing.T) {
	tests := []struct {
		name   string
		mobile bool
		setup  func(*fakeSource, *fakeCompositor, *fakeFactory)
	}{
		{"camera denied", true, func(s *fakeSource, _ *fakeCompositor, _ *fakeFactory) { s.camErr = errors.New("denied") }},
		{"screen share cancelled", false, func(s *fakeSource, _ *fakeCompositor, _ *fakeFactory) { s.screenErr = errors.New("cancelled") }},
		{"compositor failed", false, func(_ *fakeSource, c *fakeCompositor, _ *fakeFactory) { c.err = errors.New("no codec") }},
		{"video recorder failed", true, func(_ *fakeSource, _ *fakeCompositor, f *fakeFactory) { f.fail["camera"] = errors.New("unsupported") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src, comp, fac := newFakeSource(), &fakeCompositor{}, newFakeFactory()
			tc.setup(src, comp, fac)
			m := NewManager(src, comp, fac, tc.mobile, zerolog.Nop())

			err := m.Start(context.Background())
			require.ErrorIs(t, err, ErrVideoDegraded)
			assert.True(t, m.Recording())
			assert.True(t, src.camera.stopped || tc.name == "camera denied", "acquired video streams are released")

			out, err := m.Stop(context.Background())
			require.NoError(t, err)
			assert.Equal(t, VideoNone, out.VideoMode)
			assert.NotEmpty(t, out.AudioChunks)
			assert.Empty(t, out.VideoChunks)
		})
	}
}

func TestManager_MicrophoneDenied(t *testing.T) {
	src := newFakeSource()
	src.micErr = errors.New("NotAllowedError")
	m := NewManager(src, &fakeCompositor{}, newFakeFactory(), true, zerolog.Nop())

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrPermissionDenied)
	assert.False(t, m.Recording())
}

func TestManager_StopWaitsForRecorderStopEvent(t *testing.T) {
	src, fac := newFakeSource(), &fakeFactory{release: make(chan struct{}), fail: map[string]error{}}
	m := NewManager(src, &fakeCompositor{}, fac, true, zerolog.Nop())
	require.NoError(t, m.Start(context.Background()))

	type result struct {
		s   *Session
		err error
	}
	got := make(chan result, 1)
	go func() {
		s, err := m.Stop(context.Background())
		got <- result{s, err}
	}()

	select {
	case <-got:
		t.Fatal("Stop returned before the recorders reported stop")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, src.mic.stopped, "tracks stay live until the recorders have flushed")

	close(fac.release)
	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, []byte("mic:last"), r.s.AudioChunks[len(r.s.AudioChunks)-1])
	assert.Equal(t, []byte("camera:last"), r.s.VideoChunks[len(r.s.VideoChunks)-1])
}

func TestManager_StopHonoursContext(t *testing.T) {
	src, fac := newFakeSource(), &fakeFactory{release: make(chan struct{}), fail: map[string]error{}}
	m := NewManager(src, &fakeCompositor{}, fac, true, zerolog.Nop())
	require.NoError(t, m.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, src.mic.stopped)
}

func TestManager_StopTwiceReturnsSameResult(t *testing.T) {
	m := NewManager(newFakeSource(), &fakeCompositor{}, newFakeFactory(), true, zerolog.Nop())
	require.NoError(t, m.Start(context.Background()))
	first, err := m.Stop(context.Background())
	require.NoError(t, err)
	second, err := m.Stop(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestBytes(t *testing.T) {
	assert.Equal(t, []byte("abcd"), Bytes([][]byte{[]byte("ab"), nil, []byte("cd")}))
	assert.Empty(t, Bytes(nil))
}
