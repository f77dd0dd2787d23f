// Package transcript adapts AssemblyAI to the recognition engine contract
// (realtime websocket) and to the batch transcription used for recorded answers.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chadiek/interview-agent/internal/faults"
	"github.com/chadiek/interview-agent/internal/speech"
)

const defaultStreamingURL = "wss://streaming.assemblyai.com/v3/ws"

// Sink receives engine lifecycle and result events. It must not block.
type Sink func(speech.EngineEvent)

// AssemblyAI message types
type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnMessage struct {
	Type           string `json:"type"`
	TurnOrder      int    `json:"turn_order"`
	Transcript     string `json:"transcript"`
	EndOfTurn      bool   `json:"end_of_turn"`
	TurnFormatted  bool   `json:"turn_is_formatted"`
	AudioStartTime int64  `json:"audio_start_time,omitempty"`
	AudioEndTime   int64  `json:"audio_end_time,omitempty"`
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// AssemblyAIEngine is a speech.Engine backed by the AssemblyAI v3 streaming
// API. Each Start opens one websocket session; the session's end is reported
// as EngineEnded exactly once.
type AssemblyAIEngine struct {
	apiKey string
	URL    string
	Dialer websocket.Dialer
	sink   Sink
	log    zerolog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	running bool
	audio   chan []byte
	stopCh  chan struct{}
	runID   uint64
}

// NewAssemblyAIEngine creates an engine that reports to sink.
func NewAssemblyAIEngine(apiKey string, sink Sink, log zerolog.Logger) *AssemblyAIEngine {
	return &AssemblyAIEngine{
		apiKey: apiKey,
		URL:    defaultStreamingURL,
		Dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		sink:   sink,
		log:    log.With().Str("component", "assemblyai").Logger(),
	}
}

// Start opens a streaming session in the background. Connection failures
// are reported as an EngineError followed by EngineEnded.
func (s *AssemblyAIEngine) Start(cfg speech.EngineConfig) error {
	if s.apiKey == "" {
		return faults.Newf(faults.KindEngineUnavailable, "assemblyai.start", "AssemblyAI API key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.runID++
	s.audio = make(chan []byte, 1000)
	s.stopCh = make(chan struct{})
	go s.run(s.runID, cfg, s.audio, s.stopCh)
	return nil
}

// Stop terminates the current session. It is safe to call when idle.
func (s *AssemblyAIEngine) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		s.writeMu.Lock()
		_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		s.writeMu.Unlock()
		_ = s.conn.Close()
	}
	return nil
}

// SendPCM16KLE queues 16 kHz little-endian PCM for the active session.
// Audio is dropped while no session is running.
func (s *AssemblyAIEngine) SendPCM16KLE(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	select {
	case s.audio <- pcm:
	default:
		s.log.Debug().Msg("audio buffer full, dropping packet")
	}
	return nil
}

func (s *AssemblyAIEngine) run(id uint64, cfg speech.EngineConfig, audio chan []byte, stopCh chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.runID == id {
			if s.running {
				close(stopCh)
			}
			s.running = false
			s.conn = nil
		}
		s.mu.Unlock()
		s.emit(id, speech.EngineEvent{Kind: speech.EngineEnded})
	}()

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("encoding", "pcm_s16le")
	params.Set("format_turns", fmt.Sprint(!cfg.InterimResults))
	wsURL := s.URL + "?" + params.Encode()

	conn, resp, err := s.Dialer.Dial(wsURL, map[string][]string{"Authorization": {s.apiKey}})
	if err != nil {
		code := speech.CodeNetwork
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			code = speech.CodeServiceNotAllowed
		}
		s.log.Warn().Err(err).Str("code", string(code)).Msg("failed to connect to AssemblyAI")
		s.emit(id, speech.EngineEvent{Kind: speech.EngineError, Code: code, Message: err.Error()})
		return
	}
	defer conn.Close()

	s.mu.Lock()
	if s.runID != id || !s.running {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.emit(id, speech.EngineEvent{Kind: speech.EngineStarted})
	go s.sendAudio(conn, audio, stopCh)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopCh:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.log.Warn().Err(err).Msg("read failed")
					s.emit(id, speech.EngineEvent{Kind: speech.EngineError, Code: speech.CodeNetwork, Message: err.Error()})
				}
			}
			return
		}
		if done := s.processMessage(id, message, cfg); done {
			return
		}
	}
}

// processMessage handles one server message and reports whether the session ended.
func (s *AssemblyAIEngine) processMessage(id uint64, message []byte, cfg speech.EngineConfig) bool {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		s.log.Debug().Err(err).Msg("error unmarshaling message")
		return false
	}
	switch base.Type {
	case "Begin":
		var msg BeginMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			s.log.Debug().Str("session_id", msg.ID).Time("expires_at", time.Unix(msg.ExpiresAt, 0)).Msg("session began")
		}
	case "Turn":
		var msg TurnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.Debug().Err(err).Msg("error unmarshaling Turn message")
			return false
		}
		if strings.TrimSpace(msg.Transcript) == "" {
			return false
		}
		if !msg.EndOfTurn && !cfg.InterimResults {
			return false
		}
		s.emit(id, speech.EngineEvent{Kind: speech.EngineResult, Results: []speech.Result{{Text: msg.Transcript, IsFinal: msg.EndOfTurn}}})
		if msg.EndOfTurn && !cfg.Continuous {
			return true
		}
	case "Termination":
		var msg TerminationMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			s.log.Debug().Float64("audio_seconds", msg.AudioDurationSeconds).Float64("session_seconds", msg.SessionDurationSeconds).Msg("session terminated")
		}
		return true
	case "Error":
		var msg ErrorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return false
		}
		s.emit(id, speech.EngineEvent{Kind: speech.EngineError, Code: classify(msg.Error), Message: msg.Error})
	default:
		s.log.Debug().Str("type", base.Type).Msg("unknown message type")
	}
	return false
}

// emit forwards ev unless a newer session has been started since run id.
func (s *AssemblyAIEngine) emit(id uint64, ev speech.EngineEvent) {
	s.mu.Lock()
	current := s.runID == id
	s.mu.Unlock()
	if current {
		s.sink(ev)
	}
}

func classify(msg string) speech.ErrorCode {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "auth") || strings.Contains(m, "insufficient"):
		return speech.CodeServiceNotAllowed
	case strings.Contains(m, "language"):
		return speech.CodeLanguageUnsupported
	case strings.Contains(m, "audio"):
		return speech.CodeAudioCapture
	}
	return speech.CodeNetwork
}

func (s *AssemblyAIEngine) sendAudio(conn *websocket.Conn, audio chan []byte, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case pcm := <-audio:
			s.writeMu.Lock()
			err := conn.WriteMessage(websocket.BinaryMessage, pcm)
			s.writeMu.Unlock()
			if err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.log.Debug().Err(err).Msg("error sending audio data")
				}
				return
			}
		}
	}
}
