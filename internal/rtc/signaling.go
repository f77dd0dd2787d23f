package rtc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// SignalMessage is the websocket signaling frame.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "bye",
// "error", plus "notice" and client commands on interview sockets.
type SignalMessage struct {
	Type string `json:"type"`
	// auth
	Password string `json:"password,omitempty"`
	// offer/answer
	SDP string `json:"sdp,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	// answer: the interview created for the offer
	InterviewID string `json:"interviewId,omitempty"`
	// offer: client platform, "mobile" or "desktop"
	Platform string `json:"platform,omitempty"`
	Error    string `json:"error,omitempty"`
}

var errUnauthorized = errors.New("unauthorized")

// SignalConn serializes writes on a signaling websocket.
type SignalConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewSignalConn(conn *websocket.Conn) *SignalConn { return &SignalConn{conn: conn} }

// Send writes v as JSON.
func (s *SignalConn) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// SendError writes an error frame.
func (s *SignalConn) SendError(err error) error {
	return s.Send(SignalMessage{Type: "error", Error: err.Error()})
}

// Read returns the next text frame, skipping binary and malformed frames.
func (s *SignalConn) Read() (SignalMessage, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return SignalMessage{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m SignalMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		m.Type = strings.ToLower(m.Type)
		return m, nil
	}
}

// Authenticate accepts the request credentials, or else requires an auth
// frame as the first message. An empty password disables auth.
func (s *SignalConn) Authenticate(r *http.Request, password string) error {
	if password == "" || CheckAuth(r, password) {
		return nil
	}
	m, err := s.Read()
	if err != nil {
		return err
	}
	if m.Type != "auth" || m.Password != password {
		_ = s.SendError(errUnauthorized)
		return errUnauthorized
	}
	return nil
}

// ReadOffer reads until an offer arrives. A "bye" ends signaling.
func (s *SignalConn) ReadOffer() (SignalMessage, error) {
	for {
		m, err := s.Read()
		if err != nil {
			return SignalMessage{}, err
		}
		switch m.Type {
		case "offer":
			if m.SDP != "" {
				return m, nil
			}
		case "bye":
			return SignalMessage{}, errors.New("client left before offer")
		}
	}
}

// TrickleTo sends the peer's local candidates to the client.
func (s *SignalConn) TrickleTo(p *Peer) {
	p.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = s.Send(SignalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = s.Send(SignalMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})
}

// Serve reads client frames until the socket closes or the client says
// bye. Candidates go to the peer; other frames go to onOther.
func (s *SignalConn) Serve(p *Peer, onOther func(SignalMessage)) error {
	for {
		m, err := s.Read()
		if err != nil {
			return err
		}
		switch m.Type {
		case "candidate":
			if m.Candidate == "" || p == nil {
				continue
			}
			_ = p.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex})
		case "bye":
			return nil
		default:
			if onOther != nil {
				onOther(m)
			}
		}
	}
}

// CheckAuth accepts ?password=, "Authorization: Bearer" or X-Auth-Token.
func CheckAuth(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		tok := strings.TrimSpace(ah[len("Bearer "):])
		if tok == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}
