package rtc

import (
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/chadiek/interview-agent/internal/recording"
)

// Track roles as announced by the client in the stream id.
const (
	RoleMicrophone = "microphone"
	RoleCamera     = "camera"
	RoleScreen     = "screen"
)

// roleOf classifies a remote track. Video tracks whose stream or track id
// mentions "screen" are the desktop capture; other video is the camera.
func roleOf(kind webrtc.RTPCodecType, streamID, trackID string) string {
	if kind == webrtc.RTPCodecTypeAudio {
		return RoleMicrophone
	}
	if strings.Contains(strings.ToLower(streamID), RoleScreen) || strings.Contains(strings.ToLower(trackID), RoleScreen) {
		return RoleScreen
	}
	return RoleCamera
}

// RemoteStream fans RTP packets of one remote track out to subscribers.
// Only the peer's reader goroutine reads the track itself.
type RemoteStream struct {
	id    string
	role  string
	kind  recording.StreamKind
	codec webrtc.RTPCodecParameters
	stop  func()

	mu      sync.Mutex
	subs    map[int]func(*rtp.Packet)
	next    int
	stopped bool
	first   chan struct{}
	seen    bool
}

func newRemoteStream(id, role string, codec webrtc.RTPCodecParameters, stop func()) *RemoteStream {
	kind := recording.KindAudio
	if role != RoleMicrophone {
		kind = recording.KindVideo
	}
	return &RemoteStream{
		id:    id,
		role:  role,
		kind:  kind,
		codec: codec,
		stop:  stop,
		subs:  map[int]func(*rtp.Packet){},
		first: make(chan struct{}),
	}
}

func (s *RemoteStream) ID() string                       { return s.id }
func (s *RemoteStream) Kind() recording.StreamKind       { return s.kind }
func (s *RemoteStream) Role() string                     { return s.role }
func (s *RemoteStream) Codec() webrtc.RTPCodecParameters { return s.codec }

// FirstPacket is closed when the first RTP packet arrives.
func (s *RemoteStream) FirstPacket() <-chan struct{} { return s.first }

// Subscribe registers fn for every subsequent packet. fn runs on the reader
// goroutine and must not block.
func (s *RemoteStream) Subscribe(fn func(*rtp.Packet)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *RemoteStream) deliver(pkt *rtp.Packet) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if !s.seen {
		s.seen = true
		close(s.first)
	}
	fns := make([]func(*rtp.Packet), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(pkt)
	}
}

// Stop stops the receiver for this track. Subscribers get no further packets.
func (s *RemoteStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.subs = map[int]func(*rtp.Packet){}
	s.mu.Unlock()
	if s.stop != nil {
		s.stop()
	}
}
