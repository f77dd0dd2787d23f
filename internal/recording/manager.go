// Package recording captures the interview's audio and video in parallel with
// the conversation. It never blocks the interview: video failures degrade the
// recording to audio-only and are reported separately.
package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chadiek/interview-agent/internal/faults"
)

// StreamKind distinguishes audio from video streams.
type StreamKind int

const (
	KindAudio StreamKind = iota
	KindVideo
)

func (k StreamKind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

// Stream is a live media stream. Stop releases the underlying track.
type Stream interface {
	ID() string
	Kind() StreamKind
	Stop()
}

// MediaSource hands out the candidate's capture streams.
type MediaSource interface {
	Microphone(ctx context.Context) (Stream, error)
	Camera(ctx context.Context) (Stream, error)
	Screen(ctx context.Context) (Stream, error)
}

// Compositor merges the screen capture and the camera preview into one
// recordable stream.
type Compositor interface {
	Compose(ctx context.Context, screen, camera Stream) (Stream, error)
}

// Recorder records a single stream into chunks. Done is closed once the
// recorder has stopped and flushed its last chunk.
type Recorder interface {
	Start() error
	Stop()
	Done() <-chan struct{}
	Chunks() [][]byte
}

// RecorderFactory builds a recorder for a stream.
type RecorderFactory interface {
	NewRecorder(s Stream) (Recorder, error)
}

// VideoMode describes what ended up on the video recording.
type VideoMode int

const (
	VideoNone VideoMode = iota
	VideoCamera
	VideoComposite
)

func (m VideoMode) String() string {
	switch m {
	case VideoCamera:
		return "camera"
	case VideoComposite:
		return "composite"
	default:
		return "none"
	}
}

// ErrVideoDegraded marks a recording that fell back to audio-only.
var ErrVideoDegraded = errors.New("video recording unavailable, recording audio only")

// Session is the recorded output of one interview.
type Session struct {
	AudioChunks [][]byte
	VideoChunks [][]byte
	IsRecording bool
	VideoMode   VideoMode
}

// Manager owns the recording streams for one interview.
type Manager struct {
	source     MediaSource
	compositor Compositor
	recorders  RecorderFactory
	mobile     bool
	log        zerolog.Logger

	mu      sync.Mutex
	streams []Stream
	audio   Recorder
	video   Recorder
	mode    VideoMode
	active  bool
	result  *Session
}

// NewManager creates a manager. Mobile sessions record the camera only;
// desktop sessions record a screen and camera composite.
func NewManager(source MediaSource, compositor Compositor, recorders RecorderFactory, mobile bool, log zerolog.Logger) *Manager {
	return &Manager{
		source:     source,
		compositor: compositor,
		recorders:  recorders,
		mobile:     mobile,
		log:        log.With().Str("component", "recording").Logger(),
	}
}

// Start acquires the streams and starts recording. A returned error wrapping
// ErrVideoDegraded means audio is being recorded without video; any other
// error means nothing is being recorded. Neither should stop the interview.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return nil
	}

	mic, err := m.source.Microphone(ctx)
	if err != nil {
		return faults.New(faults.KindPermissionDenied, "recording.microphone", err)
	}
	audio, err := m.recorders.NewRecorder(mic)
	if err == nil {
		err = audio.Start()
	}
	if err != nil {
		mic.Stop()
		return fmt.Errorf("recording.audio: %w", err)
	}
	m.streams = []Stream{mic}
	m.audio = audio
	m.active = true
	m.result = nil

	video, mode, verr := m.startVideo(ctx)
	if verr != nil {
		m.log.Warn().Err(verr).Bool("mobile", m.mobile).Msg("video capture failed, recording audio only")
		m.mode = VideoNone
		return fmt.Errorf("%w: %v", ErrVideoDegraded, verr)
	}
	m.video = video
	m.mode = mode
	m.log.Info().Str("video", mode.String()).Msg("recording started")
	return nil
}

// startVideo is called with mu held. Streams it acquired are released on failure.
func (m *Manager) startVideo(ctx context.Context) (Recorder, VideoMode, error) {
	var acquired []Stream
	release := func() {
		for _, s := range acquired {
			s.Stop()
		}
	}

	camera, err := m.source.Camera(ctx)
	if err != nil {
		return nil, VideoNone, fmt.Errorf("camera: %w", err)
	}
	acquired = append(acquired, camera)
	target, mode := camera, VideoCamera

	if !m.mobile {
		screen, err := m.source.Screen(ctx)
		if err != nil {
			release()
			return nil, VideoNone, fmt.Errorf("screen: %w", err)
		}
		acquired = append(acquired, screen)
		composite, err := m.compositor.Compose(ctx, screen, camera)
		if err != nil {
			release()
			return nil, VideoNone, fmt.Errorf("compose: %w", err)
		}
		if composite != screen && composite != camera {
			acquired = append(acquired, composite)
		}
		target, mode = composite, VideoComposite
	}

	rec, err := m.recorders.NewRecorder(target)
	if err == nil {
		err = rec.Start()
	}
	if err != nil {
		release()
		return nil, VideoNone, fmt.Errorf("video recorder: %w", err)
	}
	m.streams = append(m.streams, acquired...)
	return rec, mode, nil
}

// Recording reports whether the manager is recording.
func (m *Manager) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Stop stops every recorder, waits for each to report its stop, then stops
// the tracks. Calling Stop again returns the same result.
func (m *Manager) Stop(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		if m.result != nil {
			return m.result, nil
		}
		return &Session{}, nil
	}

	recs := []Recorder{m.audio}
	if m.video != nil {
		recs = append(recs, m.video)
	}
	for _, r := range recs {
		r.Stop()
	}
	var waitErr error
	for _, r := range recs {
		select {
		case <-r.Done():
		case <-ctx.Done():
			waitErr = fmt.Errorf("recording.stop: %w", ctx.Err())
		}
		if waitErr != nil {
			break
		}
	}
	for _, s := range m.streams {
		s.Stop()
	}

	out := &Session{AudioChunks: m.audio.Chunks(), VideoMode: m.mode}
	if m.video != nil {
		out.VideoChunks = m.video.Chunks()
	}
	m.streams = nil
	m.audio, m.video = nil, nil
	m.active = false
	m.result = out
	m.log.Info().Int("audio_chunks", len(out.AudioChunks)).Int("video_chunks", len(out.VideoChunks)).Msg("recording stopped")
	return out, waitErr
}

// Bytes concatenates chunks into one blob.
func Bytes(chunks [][]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
