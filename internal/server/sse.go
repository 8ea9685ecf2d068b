package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/specforge/specforge/internal/events"
)

const streamBuffer = 256

// forwardTo returns a bus handler that hands events to stream until done closes.
func forwardTo(stream chan<- events.Event, done <-chan struct{}) events.Handler {
	return func(event events.Event) {
		select {
		case stream <- event:
		case <-done:
		}
	}
}

func startStream(c echo.Context) {
	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()
}

func writeEvent(c echo.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// streamEnd lets a stream finish when its source is known to be done even if
// the bus dropped the event that would have said so.
type streamEnd struct {
	done  <-chan struct{}
	final func() (string, any)
}

// pump writes events from stream until render marks one as the last, the
// client disconnects, the server shuts down or a write fails. Events rendered
// without a name are dropped. Once end.done closes, stream gets exitGrace to
// deliver its own last event before end.final is written in its place.
func (s *Server) pump(c echo.Context, stream <-chan events.Event, end streamEnd, render func(events.Event) (string, any, bool)) error {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	var grace <-chan time.Time
	for {
		select {
		case event := <-stream:
			name, payload, last := render(event)
			if name == "" {
				continue
			}
			if err := writeEvent(c, name, payload); err != nil {
				s.logger.Debug("stream write failed", "event", name, "error", err)
				return nil
			}
			if last {
				return nil
			}
		case <-end.done:
			end.done = nil
			grace = time.After(s.exitGrace)
		case <-grace:
			name, payload := end.final()
			s.logger.Debug("stream finished without its last event", "event", name)
			if err := writeEvent(c, name, payload); err != nil {
				s.logger.Debug("stream write failed", "event", name, "error", err)
			}
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Response(), ": heartbeat\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()
		case <-s.closing:
			return nil
		case <-c.Request().Context().Done():
			return nil
		}
	}
}
