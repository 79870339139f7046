package inbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/leadline/internal/alert"
	"github.com/zulandar/leadline/internal/convo"
	"github.com/zulandar/leadline/internal/gateway"
	"github.com/zulandar/leadline/internal/timeline"
)

// ErrUnknownRoom is returned when sending to a room the directory has never
// recorded.
var ErrUnknownRoom = errors.New("inbox: unknown room")

// SendFailure reports a send the gateway did not accept. The optimistic
// entry has been retracted; Content is the original input so it can be
// offered for resubmission.
type SendFailure struct {
	RoomID  string
	LocalID string
	Content convo.Content
	Err     error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("inbox: send to room %s failed: %v", e.RoomID, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// MediaUpload is a file to send.
type MediaUpload struct {
	Filename string
	MimeType string
	Caption  string
	Data     []byte
}

// Send posts a text message to roomID. A pending entry appears in the
// timeline immediately; it is confirmed on success and retracted on
// failure, in which case the error is a *SendFailure.
func (i *Inbox) Send(ctx context.Context, roomID, text string) (convo.Message, error) {
	if strings.TrimSpace(text) == "" {
		return convo.Message{}, errors.New("inbox: send: text is required")
	}
	content := convo.TextContent(text)
	return i.send(ctx, roomID, content, func(to, localID string) (gateway.Ack, error) {
		return i.gw.SendText(ctx, gateway.SendRequest{
			To:       to,
			Text:     text,
			SenderID: i.viewer.ID,
			LocalID:  localID,
		})
	})
}

// SendMedia posts a media message to roomID with the same optimistic
// lifecycle as Send.
func (i *Inbox) SendMedia(ctx context.Context, roomID string, up MediaUpload) (convo.Message, error) {
	if len(up.Data) == 0 {
		return convo.Message{}, errors.New("inbox: send media: file is empty")
	}
	content, err := convo.MediaContent(mediaKind(up.MimeType), convo.Media{
		Filename: up.Filename,
		MimeType: up.MimeType,
		Size:     int64(len(up.Data)),
		Caption:  up.Caption,
	})
	if err != nil {
		return convo.Message{}, fmt.Errorf("inbox: send media: %w", err)
	}
	return i.send(ctx, roomID, content, func(to, localID string) (gateway.Ack, error) {
		return i.gw.SendMedia(ctx, gateway.MediaRequest{
			To:       to,
			Caption:  up.Caption,
			SenderID: i.viewer.ID,
			LocalID:  localID,
			Filename: up.Filename,
			MimeType: up.MimeType,
			Data:     up.Data,
		})
	})
}

func (i *Inbox) send(ctx context.Context, roomID string, content convo.Content, post func(to, localID string) (gateway.Ack, error)) (convo.Message, error) {
	room, ok := i.dir.Room(roomID)
	if !ok {
		return convo.Message{}, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	to := room.PhoneKey
	if to == "" {
		to = room.RoomID
	}

	i.mu.Lock()
	r, created, err := i.timelineLocked(roomID)
	i.mu.Unlock()
	if err != nil {
		return convo.Message{}, err
	}
	if created {
		i.restoreMessages(ctx, r)
	}

	h := r.CreateOptimistic(i.viewer.ID, content)
	ack, err := post(to, h.LocalID)
	i.rec.Send(err)
	if err != nil {
		r.RetractOptimistic(h.LocalID)
		i.sendFailed(roomID, err)
		return convo.Message{}, &SendFailure{RoomID: roomID, LocalID: h.LocalID, Content: content, Err: err}
	}
	i.sendSucceeded()

	r.ConfirmOptimistic(h.LocalID, timeline.Ack{ServerID: ack.ServerID, ExternalID: ack.ExternalID})
	msg := convo.Message{
		LocalID:       h.LocalID,
		ServerID:      ack.ServerID,
		ExternalID:    ack.ExternalID,
		RoomID:        roomID,
		SenderKind:    convo.SenderAgent,
		SenderID:      i.viewer.ID,
		Content:       content,
		DeliveryState: convo.StateSent,
		CreatedAt:     i.now(),
	}
	for _, m := range r.Messages() {
		if m.LocalID == h.LocalID {
			msg = m
			break
		}
	}
	i.dir.ApplyMessagePreviewUpdate(msg)
	i.saveMessages(roomID)
	return msg, nil
}

func (i *Inbox) sendSucceeded() {
	i.mu.Lock()
	i.sendFails = 0
	i.mu.Unlock()
}

// sendFailed counts consecutive failures and alerts once the threshold is
// reached. Client errors are the user's to fix and are not counted.
func (i *Inbox) sendFailed(roomID string, err error) {
	i.logger.Warn("inbox: send failed", "room", roomID, "error", err)
	if gateway.IsClientError(err) {
		return
	}
	i.mu.Lock()
	i.sendFails++
	n := i.sendFails
	i.mu.Unlock()
	if n != i.failAlert {
		return
	}
	i.notify(alert.Alert{
		Title:    "Sends are failing",
		Body:     fmt.Sprintf("%d consecutive sends failed. Last error: %v", n, err),
		Severity: alert.SeverityWarning,
		Fields: []alert.Field{
			{Name: "Viewer", Value: i.viewer.ID, Short: true},
			{Name: "Room", Value: roomID, Short: true},
			{Name: "Failures", Value: strconv.Itoa(n), Short: true},
		},
	})
}

func mediaKind(mimeType string) convo.ContentKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return convo.KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return convo.KindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return convo.KindAudio
	default:
		return convo.KindDocument
	}
}
