package httpserver

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/yminds/interview-core/internal/rtc"
	"github.com/yminds/interview-core/internal/session"
)

// Session is the slice of a running interview the HTTP surface exposes.
type Session interface {
	ID() string
	Phase() session.Phase
	TurnIndex() int
	Transcript() []session.Turn
	FinishAnswer(ctx context.Context) error
	EndSession()
}

// SessionFactory builds a fully-wired interview session for a connected
// peer.
type SessionFactory func(peer *rtc.Peer) (Session, error)

// Server bundles the echo router, the media gateway and the registry of
// live sessions.
type Server struct {
	Echo *echo.Echo

	factory SessionFactory
	gateway *rtc.Gateway

	mu       sync.Mutex
	sessions map[string]Session
}

// New constructs the router. factory may be nil in tests that only exercise
// the HTTP surface.
func New(factory SessionFactory, iceServersJSON string) *Server {
	s := &Server{
		Echo:     echo.New(),
		factory:  factory,
		sessions: make(map[string]Session),
	}
	s.gateway = rtc.NewGateway(iceServersJSON, s.handlePeer)

	s.Echo.HideBanner = true
	s.Echo.Use(middleware.Logger())
	s.Echo.Use(middleware.Recover())

	s.Echo.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	s.Echo.GET("/signal", s.handleSignal)
	s.Echo.POST("/offer", s.handleOffer)
	s.Echo.GET("/sessions/:id", s.handleGetSession)
	s.Echo.POST("/sessions/:id/answer/complete", s.handleFinishAnswer)
	s.Echo.POST("/sessions/:id/end", s.handleEndSession)
	return s
}

// handlePeer wires a session for every established peer and tears it down
// when the peer goes away.
func (s *Server) handlePeer(peer *rtc.Peer) {
	if s.factory == nil {
		return
	}
	sess, err := s.factory(peer)
	if err != nil {
		log.Printf("session setup failed: %v", err)
		peer.Close()
		return
	}
	s.register(sess)
	go func() {
		<-peer.Done()
		sess.EndSession()
		s.unregister(sess.ID())
	}()
}

func (s *Server) register(sess Session) {
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
	log.Printf("session %s registered", sess.ID())
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) lookup(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) handleSignal(c echo.Context) error {
	s.gateway.ServeWebSocket(c.Response(), c.Request())
	return nil
}

// handleOffer serves the non-websocket signaling path: one SDP offer in,
// one fully-gathered answer out.
func (s *Server) handleOffer(c echo.Context) error {
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		log.Printf("invalid offer: %v", err)
		return c.NoContent(http.StatusBadRequest)
	}
	answer, err := s.gateway.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		log.Printf("webrtc handle offer failed: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, answer)
}

type sessionView struct {
	ID        string         `json:"id"`
	Phase     session.Phase  `json:"phase"`
	TurnIndex int            `json:"turnIndex"`
	Turns     []session.Turn `json:"turns"`
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, ok := s.lookup(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, sessionView{
		ID:        sess.ID(),
		Phase:     sess.Phase(),
		TurnIndex: sess.TurnIndex(),
		Turns:     sess.Transcript(),
	})
}

func (s *Server) handleFinishAnswer(c echo.Context) error {
	sess, ok := s.lookup(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	if err := sess.FinishAnswer(c.Request().Context()); err != nil {
		log.Printf("session %s: finish answer: %v", sess.ID(), err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleEndSession(c echo.Context) error {
	sess, ok := s.lookup(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	sess.EndSession()
	s.unregister(sess.ID())
	return c.NoContent(http.StatusOK)
}
