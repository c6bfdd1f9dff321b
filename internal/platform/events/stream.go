package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// StreamConfig controls the server-sent-events endpoint.
type StreamConfig struct {
	HeartbeatInterval time.Duration
	SubscriberBuffer  int
	// DevMode sends a test message right after the stream opens.
	DevMode bool
}

func (c *StreamConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
}

// StreamHandler returns an echo handler that streams bus events as
// server-sent events. A heartbeat event is emitted on the configured
// interval so intermediaries keep the connection open.
func StreamHandler(bus *Bus, cfg StreamConfig) echo.HandlerFunc {
	cfg.applyDefaults()

	return func(c echo.Context) error {
		resp := c.Response()
		resp.Header().Set(echo.HeaderContentType, "text/event-stream")
		resp.Header().Set("Cache-Control", "no-cache")
		resp.Header().Set("Connection", "keep-alive")
		resp.WriteHeader(http.StatusOK)

		flusher, ok := resp.Writer.(http.Flusher)
		if !ok {
			return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
		}

		ch, cancel := bus.Subscribe(cfg.SubscriberBuffer)
		defer cancel()

		if cfg.DevMode {
			writeSSE(resp, flusher, Event{
				Type:      TypeHeartbeat,
				Payload:   map[string]string{"message": "stream established"},
				Timestamp: time.Now().UTC(),
			})
		}

		ticker := time.NewTicker(cfg.HeartbeatInterval)
		defer ticker.Stop()

		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				writeSSE(resp, flusher, Event{Type: TypeHeartbeat, Timestamp: time.Now().UTC()})
			case evt, open := <-ch:
				if !open {
					return nil
				}
				writeSSE(resp, flusher, evt)
			}
		}
	}
}

func writeSSE(resp *echo.Response, flusher http.Flusher, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", evt.Type, data)
	flusher.Flush()
}
