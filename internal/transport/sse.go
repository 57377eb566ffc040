package transport

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/signond/internal/events"
	"github.com/cuemby/signond/internal/logger"
)

// streamSignals registers handleName's inbox on bus and relays every
// Signal delivered to it as a server-sent event until the client
// disconnects or the inbox is closed by the daemon's inactivity sweep
// (§6 "A signal carries (signal-name, args) and is delivered per-handle";
// §5 "Events from the daemon to a client observe per-handle FIFO
// ordering" — the bus already guarantees the ordering, this handler only
// forwards it onto the wire unchanged).
func streamSignals(c *gin.Context, bus *events.Bus, handleName string) {
	inbox := bus.Register(handleName)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(200)
	c.Writer.Flush()

	for {
		select {
		case sig, ok := <-inbox:
			if !ok {
				return
			}
			writeSSEEvent(c, sig)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeSSEEvent(c *gin.Context, sig events.Signal) {
	data, err := json.Marshal(gin.H{"args": sig.Args, "at": sig.At})
	if err != nil {
		logger.HTTP().Warn().Err(err).Str("handle", sig.HandleName).Msg("failed to marshal signal for SSE delivery")
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", sig.Kind, data)
}
