package rtc

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct{ writes int32 }

func (f *fakeTrack) WriteSample(s media.Sample) error {
	atomic.AddInt32(&f.writes, 1)
	return nil
}

// fakeEncoder records the first sample of each frame as the packet payload.
type fakeEncoder struct {
	mu     sync.Mutex
	frames [][]int16
}

func (e *fakeEncoder) Encode(pcm []int16, data []byte) (int, error) {
	e.mu.Lock()
	e.frames = append(e.frames, append([]int16(nil), pcm...))
	e.mu.Unlock()
	data[0] = 0x01
	return 1, nil
}

func (e *fakeEncoder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

func pcmOf(v int16, samples int) []byte {
	b := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

func TestOpusPacedWriter_PacerWritesFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := &OpusPacedWriter{
		track:        ft,
		frameSamples: 960,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
	}
	done := make(chan struct{})
	go func() { w.pacer(); close(done) }()

	for i := 0; i < 3; i++ {
		w.pushFrame([]byte{0x01, 0x02})
	}

	time.Sleep(50 * time.Millisecond)
	close(w.stopCh)
	<-done

	assert.NotZero(t, atomic.LoadInt32(&ft.writes), "pacer should write at least one frame")
}

func TestOpusPacedWriter_ResetDrains(t *testing.T) {
	w := &OpusPacedWriter{
		track:        &fakeTrack{},
		frameSamples: 960,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
		pcmBuf:       []int16{1, 2, 3},
	}
	w.pushFrame([]byte{0x01})
	w.pushFrame([]byte{0x02})
	w.Reset()

	select {
	case <-w.frames:
		t.Fatal("expected frames channel to be drained")
	default:
	}
	assert.Empty(t, w.pcmBuf)
	assert.Zero(t, w.queued.Load())
}

func TestOpusPacedWriter_StartsMutedAndSilent(t *testing.T) {
	enc := &fakeEncoder{}
	w := newPacedWriter(enc, &fakeTrack{}, 64)
	defer w.Close()

	assert.True(t, w.Muted())
	w.WritePCM(pcmOf(1000, 960))
	require.Equal(t, 1, enc.count())
	assert.Equal(t, int16(0), enc.frames[0][0])
}

func TestOpusPacedWriter_GainFollowsVolume(t *testing.T) {
	enc := &fakeEncoder{}
	w := newPacedWriter(enc, &fakeTrack{}, 64)
	defer w.Close()

	w.SetMuted(false)
	w.WritePCM(pcmOf(1000, 960))
	w.SetVolume(0.5)
	w.WritePCM(pcmOf(1000, 960))
	w.SetVolume(7)

	require.Equal(t, 2, enc.count())
	assert.Equal(t, int16(1000), enc.frames[0][0])
	assert.Equal(t, int16(500), enc.frames[1][0])
	assert.Equal(t, 1.0, w.Volume())
}

func TestOpusPacedWriter_BuffersPartialFrames(t *testing.T) {
	enc := &fakeEncoder{}
	w := newPacedWriter(enc, &fakeTrack{}, 64)
	defer w.Close()
	w.SetMuted(false)

	w.WritePCM(pcmOf(10, 500))
	assert.Zero(t, enc.count())
	w.WritePCM(pcmOf(10, 500))
	assert.Equal(t, 1, enc.count())

	// 40 samples left over, padded, plus the silence tail.
	w.FlushTail()
	assert.Equal(t, 12, enc.count())
}

func TestOpusPacedWriter_DrainWaitsForPlayout(t *testing.T) {
	ft := &fakeTrack{}
	w := newPacedWriter(&fakeEncoder{}, ft, 64)
	defer w.Close()

	w.FlushTail()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Drain(ctx))
	assert.Equal(t, int32(10), atomic.LoadInt32(&ft.writes))
}

func TestOpusPacedWriter_DrainHonoursContext(t *testing.T) {
	w := &OpusPacedWriter{frames: make(chan []byte, 8), stopCh: make(chan struct{})}
	w.pushFrame([]byte{0x01})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Drain(ctx), context.DeadlineExceeded)
}
