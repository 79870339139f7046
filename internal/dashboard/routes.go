package dashboard

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/leadline/internal/convo"
	"github.com/zulandar/leadline/internal/gateway"
	"github.com/zulandar/leadline/internal/inbox"
)

// maxUpload caps media uploads accepted by the send endpoint.
const maxUpload = 16 << 20

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, in Inbox, metrics http.Handler, heartbeat time.Duration) {
	router.GET("/healthz", handleHealth(in))
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	api := router.Group("/api")
	api.GET("/me", handleMe(in))
	api.GET("/rooms", handleRooms(in))
	api.POST("/reload", handleReload(in))
	api.GET("/rooms/:id", handleRoom(in))
	api.GET("/rooms/:id/messages", handleTimeline(in))
	api.POST("/rooms/:id/open", handleOpen(in))
	api.POST("/rooms/:id/older", handleOlder(in))
	api.POST("/rooms/:id/read", handleRead(in))
	api.POST("/rooms/:id/messages", handleSend(in))
	api.GET("/events", handleSSE(in, heartbeat))
}

type timelineResponse struct {
	RoomID   string              `json:"room_id"`
	Messages []convo.WireMessage `json:"messages"`
	HasMore  bool                `json:"has_more"`
	Loaded   bool                `json:"loaded"`
	Typing   *typingResponse     `json:"typing,omitempty"`
}

type typingResponse struct {
	SenderID string `json:"sender_id"`
}

func toTimeline(v inbox.View) timelineResponse {
	out := timelineResponse{
		RoomID:   v.RoomID,
		Messages: make([]convo.WireMessage, 0, len(v.Messages)),
		HasMore:  v.HasMore,
		Loaded:   v.Loaded,
	}
	for _, m := range v.Messages {
		out.Messages = append(out.Messages, convo.FromMessage(m))
	}
	if v.Typing != nil {
		out.Typing = &typingResponse{SenderID: v.Typing.SenderID}
	}
	return out
}

func handleHealth(in Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"connection": string(in.ConnectionState()),
			"degraded":   in.Degraded(),
		})
	}
}

func handleMe(in Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		v := in.Viewer()
		c.JSON(http.StatusOK, gin.H{"id": v.ID, "role": string(v.Role)})
	}
}

func handleRooms(in Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		rooms := in.Rooms()
		out := make([]convo.WireRoom, 0, len(rooms))
		for _, r := range rooms {
			out = append(out, convo.FromRoom(r))
		}
		c.JSON(http.StatusOK, gin.H{"rooms": out, "active": in.Active()})
	}
}

func handleReload(in Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := in.Reload(c.Request.Context()); err != nil {
			writeError(c, err)
			return
		}
		handleRooms(in)(c)
	}
}

func handleRoom(in Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, ok := in.Room(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, convo.FromRoom(r))
	}
}

func handleTimeline(in Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := in.Room(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		v, _ := in.Timeline(id)
		c.JSON(http.StatusOK, toTimeline(v))
	}
}

func handleOpen(in Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := in.Room(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		if err := in.Open(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		v, _ := in.Timeline(id)
		c.JSON(http.StatusOK, toTimeline(v))
	}
}

func handleOlder(in Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := in.Room(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		more, err := in.LoadOlder(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"has_more": more})
	}
}

func handleRead(in Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := in.Room(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"changed": in.MarkRead(id)})
	}
}

type sendRequest struct {
	Text string `json:"text" binding:"required"`
}

// handleSend accepts either a JSON text message or a multipart upload with
// a "file" part and an optional "caption" field.
func handleSend(in Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		var (
			msg convo.Message
			err error
		)
		if strings.HasPrefix(c.ContentType(), "multipart/") {
			up, perr := readUpload(c)
			if perr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": perr.Error()})
				return
			}
			msg, err = in.SendMedia(c.Request.Context(), id, up)
		} else {
			var req sendRequest
			if berr := c.ShouldBindJSON(&req); berr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
				return
			}
			msg, err = in.Send(c.Request.Context(), id, req.Text)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, convo.FromMessage(msg))
	}
}

func readUpload(c *gin.Context) (inbox.MediaUpload, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload)
	fh, err := c.FormFile("file")
	if err != nil {
		return inbox.MediaUpload{}, errors.New("file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return inbox.MediaUpload{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return inbox.MediaUpload{}, err
	}
	return inbox.MediaUpload{
		Filename: fh.Filename,
		MimeType: fh.Header.Get("Content-Type"),
		Caption:  c.PostForm("caption"),
		Data:     data,
	}, nil
}

// writeError maps inbox and gateway errors to HTTP responses. A failed send
// carries the original text back so the client can offer it again.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, inbox.ErrUnknownRoom):
		status = http.StatusNotFound
	case gateway.IsClientError(err):
		status = http.StatusUnprocessableEntity
	case gateway.IsServerError(err):
		status = http.StatusBadGateway
	}

	body := gin.H{"error": err.Error()}
	var sf *inbox.SendFailure
	if errors.As(err, &sf) {
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		body["local_id"] = sf.LocalID
		body["kind"] = string(sf.Content.Kind)
		body["text"] = sf.Content.Text
	}
	c.JSON(status, body)
}
