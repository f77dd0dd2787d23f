package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chadiek/interview-agent/internal/app"
	"github.com/chadiek/interview-agent/internal/faults"
	"github.com/chadiek/interview-agent/internal/interview"
	mw "github.com/chadiek/interview-agent/internal/middleware"
	"github.com/chadiek/interview-agent/internal/rtc"
	"github.com/chadiek/interview-agent/internal/session"
)

// Interviews is the application surface the handlers drive.
type Interviews interface {
	Create(ctx context.Context, offer rtc.SessionDescription, opts app.Options) (app.Interview, rtc.SessionDescription, error)
	Get(id string) (app.Interview, bool)
	List() []session.Status
	Control(id, cmd string) error
	EvaluateSpeaking(ctx context.Context, audio []byte, prompt string) (interview.SpeakingResult, error)
}

const (
	maxAudioBytes   = 25 << 20
	teardownTimeout = 45 * time.Second
	answerTimeout   = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Handlers struct {
	interviews Interviews
	password   string
	log        zerolog.Logger
}

func NewHandlers(interviews Interviews, password string, log zerolog.Logger) Handlers {
	return Handlers{interviews: interviews, password: password, log: log.With().Str("component", "http").Logger()}
}

func (h Handlers) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// The signaling socket authenticates itself, possibly with its first frame.
	e.GET("/signal", h.connect)

	e.Use(mw.Auth(h.password, "/interviews", "/evaluations"))
	e.POST("/interviews", h.create)
	e.GET("/interviews", h.list)
	e.GET("/interviews/:id", h.status)
	e.GET("/interviews/:id/transcript", h.transcript)
	e.GET("/interviews/:id/events", h.events)
	e.POST("/interviews/:id/resume", h.resume)
	e.POST("/interviews/:id/retry", h.retry)
	e.DELETE("/interviews/:id", h.teardown)
	e.POST("/evaluations/speaking", h.evaluateSpeaking)
}

type createRequest struct {
	Type     string `json:"type"`
	SDP      string `json:"sdp"`
	Platform string `json:"platform"`
}

type createResponse struct {
	InterviewID string `json:"interview_id"`
	Type        string `json:"type"`
	SDP         string `json:"sdp"`
}

type noticeFrame struct {
	Type   string         `json:"type"`
	Notice session.Notice `json:"notice"`
}

func errorJSON(c echo.Context, code int, err error) error {
	return c.JSON(code, map[string]string{"error": err.Error()})
}

func (h Handlers) create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	if req.Type != "offer" || req.SDP == "" {
		return errorJSON(c, http.StatusBadRequest, errors.New("invalid offer"))
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), answerTimeout)
	defer cancel()

	iv, answer, err := h.interviews.Create(ctx, rtc.SessionDescription{Type: req.Type, SDP: req.SDP}, app.Options{Platform: req.Platform})
	if err != nil {
		h.log.Error().Err(err).Msg("create interview")
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusCreated, createResponse{InterviewID: iv.ID(), Type: answer.Type, SDP: answer.SDP})
}

func (h Handlers) list(c echo.Context) error {
	return c.JSON(http.StatusOK, h.interviews.List())
}

func (h Handlers) lookup(c echo.Context) (app.Interview, error) {
	iv, ok := h.interviews.Get(c.Param("id"))
	if !ok {
		return nil, errorJSON(c, http.StatusNotFound, app.ErrNotFound)
	}
	return iv, nil
}

func (h Handlers) status(c echo.Context) error {
	iv, err := h.lookup(c)
	if iv == nil {
		return err
	}
	return c.JSON(http.StatusOK, iv.Status())
}

func (h Handlers) transcript(c echo.Context) error {
	iv, err := h.lookup(c)
	if iv == nil {
		return err
	}
	return c.String(http.StatusOK, iv.Transcript())
}

func (h Handlers) resume(c echo.Context) error {
	iv, err := h.lookup(c)
	if iv == nil {
		return err
	}
	return h.command(c, iv.Resume())
}

func (h Handlers) retry(c echo.Context) error {
	iv, err := h.lookup(c)
	if iv == nil {
		return err
	}
	return h.command(c, iv.RetryAssessment())
}

func (h Handlers) command(c echo.Context, err error) error {
	switch {
	case err == nil:
		return c.NoContent(http.StatusAccepted)
	case errors.Is(err, session.ErrEnded):
		return errorJSON(c, http.StatusConflict, err)
	default:
		return errorJSON(c, http.StatusInternalServerError, err)
	}
}

func (h Handlers) teardown(c echo.Context) error {
	iv, err := h.lookup(c)
	if iv == nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), teardownTimeout)
	defer cancel()
	res, err := iv.Teardown(ctx, "ended_by_api")
	if err != nil {
		return errorJSON(c, http.StatusGatewayTimeout, err)
	}
	return c.JSON(http.StatusOK, res)
}

// events streams an interview's notices over a websocket until it ends.
func (h Handlers) events(c echo.Context) error {
	iv, err := h.lookup(c)
	if iv == nil {
		return err
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("events upgrade")
		return nil
	}
	defer func() { _ = conn.Close() }()

	sc := rtc.NewSignalConn(conn)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, err := sc.Read(); err != nil {
				return
			}
		}
	}()
	h.forward(sc, iv, closed)
	return nil
}

func (h Handlers) forward(sc *rtc.SignalConn, iv app.Interview, closed <-chan struct{}) {
	notices, cancel := iv.Subscribe(64)
	defer cancel()
	for {
		select {
		case n, ok := <-notices:
			if !ok {
				return
			}
			if err := sc.Send(noticeFrame{Type: "notice", Notice: n}); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// connect runs websocket signaling: auth, offer, answer and trickle ICE.
// The same socket then carries notices and client commands.
func (h Handlers) connect(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("signaling upgrade")
		return nil
	}
	defer func() { _ = conn.Close() }()
	sc := rtc.NewSignalConn(conn)

	r := c.Request()
	if err := sc.Authenticate(r, h.password); err != nil {
		h.log.Info().Err(err).Msg("signaling auth failed")
		return nil
	}
	offer, err := sc.ReadOffer()
	if err != nil {
		h.log.Debug().Err(err).Msg("no offer")
		return nil
	}

	var peer *rtc.Peer
	ctx, cancel := context.WithTimeout(r.Context(), answerTimeout)
	iv, answer, err := h.interviews.Create(ctx, rtc.SessionDescription{Type: "offer", SDP: offer.SDP}, app.Options{
		Platform: offer.Platform,
		Trickle:  true,
		Prepare: func(p *rtc.Peer) {
			peer = p
			sc.TrickleTo(p)
		},
	})
	cancel()
	if err != nil {
		h.log.Error().Err(err).Msg("create interview")
		_ = sc.SendError(err)
		return nil
	}
	id := iv.ID()
	if err := sc.Send(rtc.SignalMessage{Type: answer.Type, SDP: answer.SDP, InterviewID: id}); err != nil {
		return nil
	}

	closed := make(chan struct{})
	go h.forward(sc, iv, closed)
	defer close(closed)

	err = sc.Serve(peer, func(m rtc.SignalMessage) {
		if err := h.interviews.Control(id, m.Type); err != nil {
			_ = sc.SendError(err)
		}
	})
	if err == nil {
		// "bye": the client is leaving the interview.
		_ = h.interviews.Control(id, "end")
	}
	return nil
}

func (h Handlers) evaluateSpeaking(c echo.Context) error {
	prompt := strings.TrimSpace(c.FormValue("prompt"))
	if prompt == "" {
		return errorJSON(c, http.StatusBadRequest, errors.New("prompt is required"))
	}
	fh, err := c.FormFile("audio")
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	f, err := fh.Open()
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	defer f.Close()
	audio, err := io.ReadAll(io.LimitReader(f, maxAudioBytes+1))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	if len(audio) > maxAudioBytes {
		return errorJSON(c, http.StatusRequestEntityTooLarge, errors.New("audio too large"))
	}

	res, err := h.interviews.EvaluateSpeaking(c.Request().Context(), audio, prompt)
	if err != nil {
		code := http.StatusInternalServerError
		switch faults.KindOf(err) {
		case faults.KindEmptyTranscript:
			code = http.StatusUnprocessableEntity
		case faults.KindEmptyResponse, faults.KindModelUnavailable:
			code = http.StatusBadGateway
		}
		return errorJSON(c, code, err)
	}
	return c.JSON(http.StatusOK, res)
}
