package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/events"
	apiv1 "github.com/fyrsmithlabs/taskd/pkg/api/v1"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// heartbeatInterval paces SSE keepalive comments to prevent proxy timeouts.
const heartbeatInterval = 30 * time.Second

// handleEvents streams envelopes for one project via Server-Sent Events.
//
// The stream is one-directional: the server pushes envelopes, the client
// sends nothing after the handshake. Each event carries the envelope
// sequence number as its SSE id, so a reconnecting client presents it via
// the Last-Event-ID header (or the `after` query parameter) and missed
// session events are replayed before live delivery resumes. Replay needs a
// session scope; without a session_id filter the stream starts live.
//
// Example:
//
//	GET /api/v1/projects/billing/events?session_id=sess-1
//
//	id: 12
//	event: execution-update
//	data: {"id":"...","type":"execution-update","seq":12,...}
func (s *Server) handleEvents(c echo.Context) error {
	projectID := c.Param("project_id")
	sessionID := c.QueryParam("session_id")

	afterSeq, err := lastEventID(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, apiv1.CodeInvalidRequest, "invalid last event id", err)
	}

	// Subscribe before replaying so nothing published in between is lost;
	// the overlap is deduplicated by sequence number below.
	sub, err := s.services.Bus().Subscribe(projectID, sessionID)
	if err != nil {
		s.logger.Error("event subscription failed",
			zap.String("project_id", projectID),
			zap.Error(err))
		return errorJSON(c, http.StatusServiceUnavailable, apiv1.CodeUnavailable, "event stream unavailable", nil)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	var lastSeq uint64
	if sessionID != "" {
		for _, env := range s.services.Bus().Replay(sessionID, afterSeq) {
			if err := writeEvent(c, env); err != nil {
				return nil
			}
			lastSeq = env.Seq
		}
		c.Response().Flush()
	}

	// Heartbeat ticker to keep idle connections alive
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				// Bus closed; the client reconnects on its linear schedule.
				return nil
			}
			if sessionID != "" && env.Seq <= lastSeq {
				continue
			}
			if err := writeEvent(c, env); err != nil {
				return nil
			}
			c.Response().Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(c.Response(), ": heartbeat\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()

		case <-c.Request().Context().Done():
			// Client disconnected
			return nil
		}
	}
}

// writeEvent emits one envelope as an SSE event.
func writeEvent(c echo.Context, env *events.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.Response(), "id: %d\nevent: %s\ndata: %s\n\n", env.Seq, env.Type, data)
	return err
}

// lastEventID reads the client's resume position from the Last-Event-ID
// header, falling back to the `after` query parameter.
func lastEventID(c echo.Context) (uint64, error) {
	raw := c.Request().Header.Get("Last-Event-ID")
	if raw == "" {
		raw = c.QueryParam("after")
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
