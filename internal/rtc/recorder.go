package rtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"

	"github.com/chadiek/interview-agent/internal/recording"
)

// DefaultTimeslice is how often a recorder cuts a chunk.
const DefaultTimeslice = time.Second

// rtpWriter is implemented by oggwriter.OggWriter and ivfwriter.IVFWriter.
type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
	Close() error
}

// packetSource is what a TrackRecorder records from.
type packetSource interface {
	recording.Stream
	Subscribe(fn func(*rtp.Packet)) (cancel func())
	Codec() webrtc.RTPCodecParameters
}

// chunkBuffer collects container bytes and cuts them into chunks.
type chunkBuffer struct {
	mu     sync.Mutex
	cur    []byte
	chunks [][]byte
}

func (b *chunkBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.cur = append(b.cur, p...)
	b.mu.Unlock()
	return len(p), nil
}

func (b *chunkBuffer) cut() {
	b.mu.Lock()
	if len(b.cur) > 0 {
		b.chunks = append(b.chunks, b.cur)
		b.cur = nil
	}
	b.mu.Unlock()
}

func (b *chunkBuffer) all() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.chunks...)
}

// RecorderFactory builds ogg (Opus) and ivf (VP8) recorders for remote streams.
type RecorderFactory struct {
	Timeslice time.Duration
}

// NewRecorder implements recording.RecorderFactory.
func (f RecorderFactory) NewRecorder(s recording.Stream) (recording.Recorder, error) {
	src, ok := s.(packetSource)
	if !ok {
		return nil, fmt.Errorf("stream %s cannot be recorded", s.ID())
	}
	ts := f.Timeslice
	if ts <= 0 {
		ts = DefaultTimeslice
	}
	codec := src.Codec()
	mime := strings.ToLower(codec.MimeType)
	buf := &chunkBuffer{}
	var (
		w   rtpWriter
		err error
	)
	switch mime {
	case strings.ToLower(webrtc.MimeTypeOpus):
		channels := codec.Channels
		if channels == 0 {
			channels = 1
		}
		w, err = oggwriter.NewWith(buf, codec.ClockRate, channels)
	case strings.ToLower(webrtc.MimeTypeVP8):
		w, err = ivfwriter.NewWith(buf)
	default:
		return nil, fmt.Errorf("no container for codec %q", codec.MimeType)
	}
	if err != nil {
		return nil, err
	}
	return &TrackRecorder{src: src, w: w, buf: buf, timeslice: ts, done: make(chan struct{})}, nil
}

// TrackRecorder writes one remote stream into a container, cutting a chunk
// every timeslice. Done is closed after the final chunk has been cut.
type TrackRecorder struct {
	src       packetSource
	w         rtpWriter
	buf       *chunkBuffer
	timeslice time.Duration

	mu       sync.Mutex
	started  bool
	closed   bool
	unsub    func()
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// Start subscribes to the stream.
func (r *TrackRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("recorder already started")
	}
	r.started = true
	r.unsub = r.src.Subscribe(r.write)
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
	return nil
}

func (r *TrackRecorder) write(p *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if err := r.w.WriteRTP(p); err != nil && r.err == nil {
		r.err = err
	}
}

func (r *TrackRecorder) run(ctx context.Context) {
	t := time.NewTicker(r.timeslice)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.finish()
			return
		case <-t.C:
			r.buf.cut()
		}
	}
}

// finish closes the container and cuts the last chunk.
func (r *TrackRecorder) finish() {
	r.unsub()
	r.mu.Lock()
	r.closed = true
	if err := r.w.Close(); err != nil && r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.buf.cut()
	close(r.done)
}

// Stop requests the recorder to stop. Wait on Done for the last chunk.
func (r *TrackRecorder) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		cancel := r.cancel
		r.mu.Unlock()
		if cancel == nil {
			close(r.done)
			return
		}
		cancel()
	})
}

func (r *TrackRecorder) Done() <-chan struct{} { return r.done }

func (r *TrackRecorder) Chunks() [][]byte { return r.buf.all() }

// Err returns the first write error, if any.
func (r *TrackRecorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// ClientCompositor selects the composite the browser publishes. The client
// draws the screen capture and the camera preview onto one canvas and sends
// it as the screen track; the camera track stays live for the preview.
type ClientCompositor struct{}

// Compose implements recording.Compositor.
func (ClientCompositor) Compose(_ context.Context, screen, camera recording.Stream) (recording.Stream, error) {
	if screen == nil || camera == nil {
		return nil, errors.New("composite needs both screen and camera")
	}
	if _, ok := screen.(packetSource); !ok {
		return nil, fmt.Errorf("stream %s cannot be composited", screen.ID())
	}
	return screen, nil
}
