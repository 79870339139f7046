package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// handleSSE streams inbox change notifications. Each event names what
// changed; clients re-read the affected resource.
func handleSSE(in Inbox, heartbeat time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		changes, cancel := in.Subscribe()
		defer cancel()

		writeSSE(c.Writer, "connected", map[string]string{
			"type":       "connected",
			"connection": string(in.ConnectionState()),
		})
		c.Writer.Flush()

		ctx := c.Request.Context()
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case ch, ok := <-changes:
				if !ok {
					return
				}
				writeSSE(c.Writer, string(ch.Kind), ch)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
