package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"jobpilot.app/courier/internal/notify"
)

// ProgressStreamHandler serves live workflow progress two ways: an SSE feed
// tailing the workflow's Redis status stream, and a websocket fed by the
// in-process hub. SSE survives server restarts (the stream is durable and
// replayable via last_id); the websocket is the dashboard's low-latency path.
type ProgressStreamHandler struct {
	redis        *redis.Client
	hub          *notify.Hub
	relay        *notify.StreamRelay
	streamPrefix string
}

func NewProgressStreamHandler(redisClient *redis.Client, hub *notify.Hub, relay *notify.StreamRelay, streamPrefix string) *ProgressStreamHandler {
	return &ProgressStreamHandler{
		redis:        redisClient,
		hub:          hub,
		relay:        relay,
		streamPrefix: streamPrefix,
	}
}

func (h *ProgressStreamHandler) Events(c *gin.Context) {
	ctx := c.Request.Context()
	if h.redis == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "redis not configured"})
		return
	}

	workflowID, ok := pathID(c, "id")
	if !ok {
		return
	}

	stream := notify.StreamName(h.streamPrefix, workflowID)
	lastID := c.Query("last_id")
	if lastID == "" {
		lastID = "$"
	}

	setSSEHeaders(c.Writer)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	sseWrite(c.Writer, "ping", "ready")
	flusher.Flush()

	clientClosed := c.Request.Context().Done()

	for {
		select {
		case <-clientClosed:
			return
		default:
		}

		res, err := h.redis.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Block:   25 * time.Second,
			Count:   100,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				sseWrite(c.Writer, "ping", time.Now().UTC().Format(time.RFC3339Nano))
				flusher.Flush()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			sseWrite(c.Writer, "error", map[string]string{"error": err.Error()})
			flusher.Flush()
			continue
		}

		for _, streamRes := range res {
			for _, msg := range streamRes.Messages {
				lastID = msg.ID
				sseWrite(c.Writer, "status", msg.Values)
				flusher.Flush()
			}
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard runs on a different origin in development.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (h *ProgressStreamHandler) Websocket(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "websocket hub not configured"})
		return
	}

	workflowID, ok := pathID(c, "id")
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	h.hub.Subscribe(workflowID, conn)
	if h.relay != nil {
		// The tailer must outlive this request: the connection stays open
		// after the handler returns.
		h.relay.Watch(context.WithoutCancel(c.Request.Context()), workflowID)
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
}

func sseWrite(w http.ResponseWriter, event string, data any) {
	payload := marshalPayload(data)
	if event != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", event)
	}
	for _, line := range strings.Split(payload, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
}

func marshalPayload(data any) string {
	switch payload := data.(type) {
	case string:
		return payload
	case []byte:
		return string(payload)
	default:
		bytes, err := json.Marshal(payload)
		if err != nil {
			return fmt.Sprintf("%v", data)
		}
		return string(bytes)
	}
}
