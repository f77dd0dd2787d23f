package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/chadiek/interview-agent/internal/faults"
	"github.com/chadiek/interview-agent/internal/recording"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// PCMConsumer receives 16 kHz little-endian mono PCM from the microphone.
type PCMConsumer interface {
	SendPCM16KLE(pcm []byte) error
}

const pcm16kChunkBytes = 3200 // 100ms at 16kHz

// Peer is the WebRTC connection of one interview. It publishes the avatar
// voice, feeds microphone audio to the recognizer and exposes the
// candidate's tracks to the recording manager.
type Peer struct {
	id  string
	pc  *webrtc.PeerConnection
	out *OpusPacedWriter
	log zerolog.Logger

	mu        sync.Mutex
	streams   map[string]*RemoteStream
	arrived   chan struct{}
	asr       PCMConsumer
	onControl func(cmd string)
	onClosed  func()
	connected chan struct{}
	connOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

// NewPeer prepares a PeerConnection with codecs and interceptors and the
// outgoing avatar audio track.
func NewPeer(id string, iceServers []webrtc.ICEServer, log zerolog.Logger) (*Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	if len(iceServers) == 0 {
		iceServers = ParseICEServers("")
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"avatar-audio", "avatar",
	)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, err
	}
	out, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	p := &Peer{
		id:        id,
		pc:        pc,
		out:       out,
		log:       log.With().Str("component", "rtc").Str("interview_id", id).Logger(),
		streams:   map[string]*RemoteStream{},
		arrived:   make(chan struct{}),
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
	}
	pc.OnConnectionStateChange(p.onConnectionState)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("ICE state")
	})
	pc.OnDataChannel(p.onDataChannel)
	pc.OnTrack(p.onTrack)
	return p, nil
}

// Output is the avatar's audio channel.
func (p *Peer) Output() *OpusPacedWriter { return p.out }

// SetRecognizer routes decoded microphone audio to c.
func (p *Peer) SetRecognizer(c PCMConsumer) {
	p.mu.Lock()
	p.asr = c
	p.mu.Unlock()
}

// OnControl registers a handler for commands on the "control" data channel.
func (p *Peer) OnControl(f func(cmd string)) {
	p.mu.Lock()
	p.onControl = f
	p.mu.Unlock()
}

// OnClosed registers a handler run once when the connection ends.
func (p *Peer) OnClosed(f func()) {
	p.mu.Lock()
	p.onClosed = f
	p.mu.Unlock()
}

// OnICECandidate forwards local candidates for trickle signaling. A nil
// candidate marks the end of gathering.
func (p *Peer) OnICECandidate(f func(*webrtc.ICECandidate)) { p.pc.OnICECandidate(f) }

// AddICECandidate adds a remote trickle candidate.
func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error { return p.pc.AddICECandidate(c) }

// Answer applies the offer and returns the answer. Without trickle the
// answer is returned once ICE gathering has completed.
func (p *Peer) Answer(ctx context.Context, offer SessionDescription, trickle bool) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	var gatherComplete <-chan struct{}
	if !trickle {
		gatherComplete = webrtc.GatheringCompletePromise(p.pc)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, err
	}
	if gatherComplete != nil {
		select {
		case <-gatherComplete:
		case <-ctx.Done():
			return SessionDescription{}, ctx.Err()
		}
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// Close tears the connection down and stops every remote track.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		p.mu.Lock()
		streams := make([]*RemoteStream, 0, len(p.streams))
		for _, s := range p.streams {
			streams = append(streams, s)
		}
		onClosed := p.onClosed
		p.mu.Unlock()
		for _, s := range streams {
			s.Stop()
		}
		p.out.Close()
		err = p.pc.Close()
		if onClosed != nil {
			onClosed()
		}
	})
	return err
}

// Connected is closed once the connection first reaches the connected state.
func (p *Peer) Connected() <-chan struct{} { return p.connected }

// Closed is closed once the peer has been torn down.
func (p *Peer) Closed() <-chan struct{} { return p.closed }

func (p *Peer) onConnectionState(state webrtc.PeerConnectionState) {
	p.log.Info().Str("state", state.String()).Msg("PeerConnection state")
	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.connOnce.Do(func() { close(p.connected) })
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
		go func() { _ = p.Close() }()
	}
}

func (p *Peer) onDataChannel(dc *webrtc.DataChannel) {
	if dc.Label() != "control" {
		return
	}
	p.log.Debug().Msg("control channel opened")
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		cmd := strings.TrimSpace(strings.ToLower(string(msg.Data)))
		p.mu.Lock()
		f := p.onControl
		p.mu.Unlock()
		if f != nil && cmd != "" {
			f(cmd)
		}
	})
}

func (p *Peer) onTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	role := roleOf(remote.Kind(), remote.StreamID(), remote.ID())
	s := newRemoteStream(remote.ID(), role, remote.Codec(), func() { _ = receiver.Stop() })
	p.log.Info().Str("role", role).Str("codec", remote.Codec().MimeType).Msg("remote track received")

	if role == RoleMicrophone {
		dec, err := opus.NewDecoder(16000, 1)
		if err != nil {
			p.log.Error().Err(err).Msg("opus decoder")
		} else {
			s.Subscribe(p.micDecoder(dec))
		}
	}

	p.mu.Lock()
	if old, ok := p.streams[role]; ok {
		p.mu.Unlock()
		old.Stop()
		p.mu.Lock()
	}
	p.streams[role] = s
	close(p.arrived)
	p.arrived = make(chan struct{})
	p.mu.Unlock()

	go p.readTrack(remote, s)
}

func (p *Peer) readTrack(remote *webrtc.TrackRemote, s *RemoteStream) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			p.log.Debug().Err(err).Str("role", s.Role()).Msg("RTP read ended")
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		s.deliver(pkt)
	}
}

// micDecoder decodes Opus to 16 kHz PCM and forwards it in 100ms chunks.
func (p *Peer) micDecoder(dec *opus.Decoder) func(*rtp.Packet) {
	buf := make([]byte, 0, pcm16kChunkBytes*4)
	samples := make([]int16, 1920)
	return func(pkt *rtp.Packet) {
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			p.log.Debug().Err(err).Msg("opus decode error")
			return
		}
		buf = appendPCM(buf, samples[:n])
		p.mu.Lock()
		asr := p.asr
		p.mu.Unlock()
		for len(buf) >= pcm16kChunkBytes {
			chunk := make([]byte, pcm16kChunkBytes)
			copy(chunk, buf[:pcm16kChunkBytes])
			if asr != nil {
				if err := asr.SendPCM16KLE(chunk); err != nil {
					p.log.Debug().Err(err).Msg("recognizer send error")
				}
			}
			copy(buf, buf[pcm16kChunkBytes:])
			buf = buf[:len(buf)-pcm16kChunkBytes]
		}
	}
}

func appendPCM(buf []byte, samples []int16) []byte {
	for _, v := range samples {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(v))
	}
	return buf
}

// stream waits until a track with role has arrived.
func (p *Peer) stream(ctx context.Context, role string) (*RemoteStream, error) {
	for {
		p.mu.Lock()
		s, ok := p.streams[role]
		arrived := p.arrived
		p.mu.Unlock()
		if ok {
			return s, nil
		}
		select {
		case <-arrived:
		case <-p.closed:
			return nil, errors.New("peer closed")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Microphone implements recording.MediaSource.
func (p *Peer) Microphone(ctx context.Context) (recording.Stream, error) {
	return p.stream(ctx, RoleMicrophone)
}

// Camera implements recording.MediaSource.
func (p *Peer) Camera(ctx context.Context) (recording.Stream, error) {
	return p.stream(ctx, RoleCamera)
}

// Screen implements recording.MediaSource.
func (p *Peer) Screen(ctx context.Context) (recording.Stream, error) {
	return p.stream(ctx, RoleScreen)
}

// Probe reports whether the candidate's microphone is delivering audio. A
// missing or silent track by the deadline is treated as a denied permission.
func (p *Peer) Probe(ctx context.Context) error {
	s, err := p.stream(ctx, RoleMicrophone)
	if err != nil {
		return faults.New(faults.KindPermissionDenied, "rtc.probe", errors.New("no microphone track"))
	}
	select {
	case <-s.FirstPacket():
		return nil
	case <-ctx.Done():
		return faults.New(faults.KindPermissionDenied, "rtc.probe", errors.New("microphone is not sending audio"))
	}
}

// ParseICEServers decodes a JSON list of ICE servers, falling back to a
// public STUN server.
func ParseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
