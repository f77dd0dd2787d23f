package rtc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	outputSampleRate = 48000
	frameDuration    = 20 * time.Millisecond
	// DefaultVolume is the gain applied when the channel is first unmuted.
	DefaultVolume = 1.0
)

// SampleWriter is the part of a local WebRTC track the writer needs.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// Encoder turns one frame of PCM into an Opus packet.
type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// OpusPacedWriter encodes incoming 48kHz PCM mono to Opus frames and writes
// them paced to a WebRTC track. It is the avatar's output audio channel:
// the gain stage applies mute and volume before encoding.
type OpusPacedWriter struct {
	enc          Encoder
	track        SampleWriter
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex

	// queued counts frames pushed but not yet written to the track.
	queued atomic.Int64

	gainMu sync.RWMutex
	muted  bool
	volume float64
}

// NewOpusPacedWriter constructs a paced writer with 20ms frames at 48kHz mono.
// The channel starts muted; the avatar driver unmutes it when speech begins.
func NewOpusPacedWriter(track SampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(outputSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	return newPacedWriter(enc, track, 512), nil
}

func newPacedWriter(enc Encoder, track SampleWriter, queue int) *OpusPacedWriter {
	w := &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: outputSampleRate / 50,
		frames:       make(chan []byte, queue),
		stopCh:       make(chan struct{}),
		muted:        true,
		volume:       DefaultVolume,
	}
	go w.pacer()
	return w
}

// Muted reports whether the channel is muted.
func (w *OpusPacedWriter) Muted() bool {
	w.gainMu.RLock()
	defer w.gainMu.RUnlock()
	return w.muted
}

// SetMuted mutes or unmutes the channel.
func (w *OpusPacedWriter) SetMuted(m bool) {
	w.gainMu.Lock()
	w.muted = m
	w.gainMu.Unlock()
}

// Volume returns the gain in [0, 1].
func (w *OpusPacedWriter) Volume() float64 {
	w.gainMu.RLock()
	defer w.gainMu.RUnlock()
	return w.volume
}

// SetVolume sets the gain, clamped to [0, 1].
func (w *OpusPacedWriter) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	w.gainMu.Lock()
	w.volume = v
	w.gainMu.Unlock()
}

func (w *OpusPacedWriter) gain() float64 {
	w.gainMu.RLock()
	defer w.gainMu.RUnlock()
	if w.muted {
		return 0
	}
	return w.volume
}

// WritePCM buffers PCM 48kHz mono data and emits encoded Opus frames paced to the track.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	g := w.gain()
	w.mu.Lock()
	defer w.mu.Unlock()
	need := len(pcmBytes) / 2
	startLen := len(w.pcmBuf)
	if cap(w.pcmBuf)-startLen < need {
		tmp := make([]int16, startLen, startLen+need+2048)
		copy(tmp, w.pcmBuf)
		w.pcmBuf = tmp
	}
	w.pcmBuf = w.pcmBuf[:startLen+need]
	for i := 0; i < need; i++ {
		s := int16(uint16(pcmBytes[2*i]) | uint16(pcmBytes[2*i+1])<<8)
		w.pcmBuf[startLen+i] = scale(s, g)
	}

	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= w.frameSamples {
		w.encodeFrame(w.pcmBuf[:w.frameSamples], opusBuf)
		copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-w.frameSamples]
	}
}

func scale(s int16, g float64) int16 {
	switch {
	case g >= 1:
		return s
	case g <= 0:
		return 0
	}
	return int16(float64(s) * g)
}

func (w *OpusPacedWriter) encodeFrame(frame []int16, opusBuf []byte) {
	n, _ := w.enc.Encode(frame, opusBuf)
	if n > 0 {
		pkt := make([]byte, n)
		copy(pkt, opusBuf[:n])
		w.pushFrame(pkt)
	}
}

// FlushTail pads the remaining PCM to a full frame and adds a short silence tail to avoid clipping.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	opusBuf := make([]byte, 4000)
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		w.encodeFrame(pad, opusBuf)
		w.pcmBuf = w.pcmBuf[:0]
	}
	// ~200ms of silence
	silence := make([]int16, w.frameSamples)
	for i := 0; i < 10; i++ {
		w.encodeFrame(silence, opusBuf)
	}
	w.mu.Unlock()
}

// Drain blocks until every queued frame has been written to the track.
func (w *OpusPacedWriter) Drain(ctx context.Context) error {
	t := time.NewTicker(frameDuration)
	defer t.Stop()
	for w.queued.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-t.C:
		}
	}
	return nil
}

// Close stops the pacer.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration})
				w.queued.Add(-1)
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	w.queued.Add(1)
	select {
	case <-w.stopCh:
		w.queued.Add(-1)
	case w.frames <- pkt:
	}
}

// Reset drops queued audio so an interrupted utterance stops immediately.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
			w.queued.Add(-1)
		default:
			w.pcmBuf = w.pcmBuf[:0]
			return
		}
	}
}
