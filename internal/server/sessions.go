package server

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"github.com/specforge/specforge/internal/events"
	"github.com/specforge/specforge/internal/terminal"
)

// CreateSessionRequest is the request body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	ID   string `json:"id"`
	Cwd  string `json:"cwd"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// InputRequest is the request body for POST /api/v1/sessions/:id/input.
type InputRequest struct {
	Data string `json:"data"`
}

// ResizeRequest is the request body for POST /api/v1/sessions/:id/resize.
type ResizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// OutputEvent is the data of an SSE "output" event.
type OutputEvent struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// ExitEvent is the data of an SSE "exit" event.
type ExitEvent struct {
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.ID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id field is required")
	}

	session, err := s.sessions.Create(req.ID, req.Cwd, req.Cols, req.Rows)
	if err != nil {
		s.logger.Warn("create session failed", "session_id", req.ID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, session)
}

func (s *Server) handleListSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sessions.List())
}

func (s *Server) handleGetSession(c echo.Context) error {
	session, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, session)
}

func (s *Server) handleSessionInput(c echo.Context) error {
	var req InputRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.sessions.Write(c.Param("id"), []byte(req.Data)); err != nil {
		return sessionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSessionResize(c echo.Context) error {
	var req ResizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Cols == 0 || req.Rows == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "cols and rows must be positive")
	}
	if err := s.sessions.Resize(c.Param("id"), req.Cols, req.Rows); err != nil {
		return sessionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDestroySession(c echo.Context) error {
	if err := s.sessions.Destroy(c.Param("id")); err != nil {
		return sessionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleSessionStream sends the buffered output first, then live output until
// the shell exits or the client disconnects.
func (s *Server) handleSessionStream(c echo.Context) error {
	id := c.Param("id")
	watch, err := s.sessions.Exited(id)
	if err != nil {
		return sessionError(err)
	}

	stream := make(chan events.Event, streamBuffer)
	done := make(chan struct{})
	defer close(done)

	replay, cancel, err := s.sessions.Subscribe(id, forwardTo(stream, done))
	if err != nil {
		return sessionError(err)
	}
	defer cancel()

	startStream(c)
	var carry runeCarry
	for _, chunk := range replay {
		data := carry.next(chunk)
		if data == "" {
			continue
		}
		if err := writeEvent(c, "output", OutputEvent{SessionID: id, Data: data}); err != nil {
			return nil
		}
	}

	exit := func(code int) (string, any) {
		if rest := carry.flush(); rest != "" {
			_ = writeEvent(c, "output", OutputEvent{SessionID: id, Data: rest})
		}
		return "exit", ExitEvent{SessionID: id, ExitCode: code}
	}
	end := streamEnd{
		done:  watch.Done(),
		final: func() (string, any) { return exit(watch.Code()) },
	}
	return s.pump(c, stream, end, func(event events.Event) (string, any, bool) {
		switch payload := event.Payload.(type) {
		case terminal.Output:
			data := carry.next(payload.Data)
			if data == "" {
				return "", nil, false
			}
			return "output", OutputEvent{SessionID: payload.SessionID, Data: data}, false
		case terminal.Exit:
			name, body := exit(payload.ExitCode)
			return name, body, true
		default:
			return "", nil, false
		}
	})
}

// runeCarry holds back a trailing incomplete UTF-8 sequence so a character
// split across two reads is sent whole with the next chunk.
type runeCarry struct {
	held []byte
}

func (r *runeCarry) next(chunk []byte) string {
	data := make([]byte, 0, len(r.held)+len(chunk))
	data = append(append(data, r.held...), chunk...)

	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}
	r.held = data[cut:]
	return string(data[:cut])
}

// flush returns whatever is still held, complete or not.
func (r *runeCarry) flush() string {
	rest := string(r.held)
	r.held = nil
	return rest
}

func sessionError(err error) error {
	if errors.Is(err, terminal.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
