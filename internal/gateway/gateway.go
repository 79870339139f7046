// Package gateway is the typed client for the Messaging Gateway REST API:
// room listing, paginated message history, sends, and agent assignment.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/leadline/internal/convo"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultRetries    = 2
	defaultRetryDelay = 500 * time.Millisecond
	maxErrorBody      = 4096
)

// Opts holds parameters for creating a Client.
type Opts struct {
	BaseURL    string
	Token      string        // optional bearer token
	Timeout    time.Duration // per request; defaults to 10s
	Retries    int           // extra attempts on 5xx/transport errors; defaults to 2, negative disables
	RetryDelay time.Duration // linear backoff step; defaults to 500ms
	RatePerSec float64       // outbound request rate; <= 0 means unlimited
	Burst      int
	HTTPClient *http.Client // optional; for tests
	Logger     *slog.Logger

	// OnRequest is called once per operation with its final error.
	OnRequest func(op string, err error)
}

// Client calls the Messaging Gateway.
type Client struct {
	base       *url.URL
	http       *http.Client
	limiter    *rate.Limiter
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
	onRequest  func(string, error)
}

// New creates a Client.
func New(opts Opts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("gateway: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("gateway: parse base url: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := opts.Retries
	switch {
	case retries == 0:
		retries = defaultRetries
	case retries < 0:
		retries = 0
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if opts.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"})
		authed := oauth2.NewClient(ctx, src)
		authed.Timeout = httpClient.Timeout
		httpClient = authed
	}

	return &Client{
		base:       base,
		http:       httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		retries:    retries,
		retryDelay: delay,
		logger:     logger,
		onRequest:  opts.OnRequest,
	}, nil
}

type roomsEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    struct {
		Rooms []convo.WireRoom `json:"rooms"`
	} `json:"data"`
}

type messagesEnvelope struct {
	Success  bool                `json:"success"`
	Message  string              `json:"message,omitempty"`
	Messages []convo.WireMessage `json:"messages"`
	HasMore  bool                `json:"has_more"`
}

type sendEnvelope struct {
	Success    bool         `json:"success"`
	Error      string       `json:"error,omitempty"`
	MessageID  convo.FlexID `json:"message_id,omitempty"`
	ExternalID string       `json:"external_id,omitempty"`
}

type ackEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ListRooms returns the rooms visible to viewerID. The gateway applies the
// role filter.
func (c *Client) ListRooms(ctx context.Context, viewerID string) ([]convo.Room, error) {
	q := url.Values{}
	q.Set("viewer_id", viewerID)
	var env roomsEnvelope
	status, err := c.do(ctx, "list rooms", http.MethodGet, "/rooms", q, nil, "", &env)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, &Error{Op: "list rooms", StatusCode: status, Message: env.Message}
	}
	rooms := make([]convo.Room, 0, len(env.Data.Rooms))
	for _, w := range env.Data.Rooms {
		r, err := w.ToRoom()
		if err != nil {
			c.logger.Warn("gateway: dropping malformed room", "error", err)
			continue
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}

// FetchMessages returns one page of room history, newest first, and whether
// older messages remain. Malformed rows are dropped but still counted in
// Rows.
func (c *Client) FetchMessages(ctx context.Context, roomID string, limit, offset int) (convo.HistoryPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("order", "desc")
	var env messagesEnvelope
	status, err := c.do(ctx, "fetch messages", http.MethodGet, "/messages/room/"+roomID, q, nil, "", &env)
	if err != nil {
		return convo.HistoryPage{}, err
	}
	if !env.Success {
		return convo.HistoryPage{}, &Error{Op: "fetch messages", StatusCode: status, Message: env.Message}
	}
	msgs := make([]convo.Message, 0, len(env.Messages))
	for _, w := range env.Messages {
		if w.RoomID == "" {
			w.RoomID = convo.FlexID(roomID)
		}
		m, err := w.ToMessage()
		if err != nil {
			c.logger.Warn("gateway: dropping malformed message", "room", roomID, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return convo.HistoryPage{Messages: msgs, Rows: len(env.Messages), HasMore: env.HasMore}, nil
}

// SendRequest is a text send.
type SendRequest struct {
	To       string `json:"to"`
	Text     string `json:"text"`
	SenderID string `json:"senderId"`
	LocalID  string `json:"local_id,omitempty"`
}

// MediaRequest is a media send. Data is buffered so the request can be
// retried.
type MediaRequest struct {
	To       string
	Caption  string
	SenderID string
	LocalID  string
	Filename string
	MimeType string
	Data     []byte
}

// Ack is the gateway's acceptance of a send. Either id may be empty.
type Ack struct {
	ServerID   string
	ExternalID string
}

// SendText posts a text message.
func (c *Client) SendText(ctx context.Context, req SendRequest) (Ack, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Ack{}, fmt.Errorf("gateway: encode send: %w", err)
	}
	var env sendEnvelope
	status, err := c.do(ctx, "send", http.MethodPost, "/messages/send", nil, body, "application/json", &env)
	if err != nil {
		return Ack{}, err
	}
	if !env.Success {
		return Ack{}, &Error{Op: "send", StatusCode: status, Message: env.Error}
	}
	return Ack{ServerID: string(env.MessageID), ExternalID: env.ExternalID}, nil
}

// SendMedia posts a media message as multipart form data.
func (c *Client) SendMedia(ctx context.Context, req MediaRequest) (Ack, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{{"to", req.To}, {"caption", req.Caption}, {"senderId", req.SenderID}}
	if req.LocalID != "" {
		fields = append(fields, [2]string{"local_id", req.LocalID})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return Ack{}, fmt.Errorf("gateway: encode media field %s: %w", f[0], err)
		}
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.Filename))
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return Ack{}, fmt.Errorf("gateway: encode media file: %w", err)
	}
	if _, err := part.Write(req.Data); err != nil {
		return Ack{}, fmt.Errorf("gateway: encode media file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Ack{}, fmt.Errorf("gateway: encode media: %w", err)
	}

	var env sendEnvelope
	status, err := c.do(ctx, "send media", http.MethodPost, "/messages/send-media", nil, buf.Bytes(), mw.FormDataContentType(), &env)
	if err != nil {
		return Ack{}, err
	}
	if !env.Success {
		return Ack{}, &Error{Op: "send media", StatusCode: status, Message: env.Error}
	}
	return Ack{ServerID: string(env.MessageID), ExternalID: env.ExternalID}, nil
}

// Assign adds agentID to a room.
func (c *Client) Assign(ctx context.Context, roomID, agentID string) error {
	body, err := json.Marshal(map[string]string{"agent_id": agentID})
	if err != nil {
		return fmt.Errorf("gateway: encode assign: %w", err)
	}
	var env ackEnvelope
	status, err := c.do(ctx, "assign", http.MethodPost, "/rooms/"+roomID+"/assign", nil, body, "application/json", &env)
	if err != nil {
		return err
	}
	if !env.Success {
		return &Error{Op: "assign", StatusCode: status, Message: env.Error}
	}
	return nil
}

// Unassign removes agentID from a room.
func (c *Client) Unassign(ctx context.Context, roomID, agentID string) error {
	var env ackEnvelope
	path := "/rooms/" + roomID + "/assign/" + agentID
	status, err := c.do(ctx, "unassign", http.MethodDelete, path, nil, nil, "", &env)
	if err != nil {
		return err
	}
	if !env.Success {
		return &Error{Op: "unassign", StatusCode: status, Message: env.Error}
	}
	return nil
}

// do performs a request with retries and decodes a 2xx JSON body into out.
// 5xx responses and transport errors are retried with linear backoff; 4xx
// responses are returned immediately.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body []byte, contentType string, out any) (int, error) {
	status, err := c.retry(ctx, op, method, path, query, body, contentType, out)
	if c.onRequest != nil {
		c.onRequest(op, err)
	}
	return status, err
}

func (c *Client) retry(ctx context.Context, op, method, path string, query url.Values, body []byte, contentType string, out any) (int, error) {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * c.retryDelay
			c.logger.Warn("gateway: retrying", "op", op, "attempt", attempt, "of", c.retries, "wait", wait, "error", lastErr)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(wait):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("gateway: %s: %w", op, err)
		}

		status, retry, err := c.attempt(ctx, op, method, u.String(), body, contentType, out)
		if err == nil {
			return status, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			return status, err
		}
	}
	return 0, lastErr
}

// attempt performs a single request. The bool result reports whether the
// failure is worth retrying: transport errors and 5xx responses are.
func (c *Client) attempt(ctx context.Context, op, method, target string, body []byte, contentType string, out any) (int, bool, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return 0, false, fmt.Errorf("gateway: %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, true, fmt.Errorf("gateway: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		gwErr := &Error{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
		return resp.StatusCode, gwErr.Temporary(), gwErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, false, fmt.Errorf("gateway: %s: decode response: %w", op, err)
		}
	}
	return resp.StatusCode, false, nil
}

// errorMessage extracts a readable message from an error body: the JSON
// "error" or "message" field when present, the raw text otherwise.
func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var env struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &env) == nil {
		if env.Error != "" {
			return env.Error
		}
		if env.Message != "" {
			return env.Message
		}
	}
	return strings.TrimSpace(string(data))
}
