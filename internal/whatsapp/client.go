// Package whatsapp sends campaign messages through the WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const DefaultAPIBase = "https://graph.facebook.com/v19.0"

type Client struct {
	APIBase       string
	Token         string
	PhoneNumberID string
	HTTP          *http.Client
}

func NewClient(apiBase, token, phoneNumberID string, timeout time.Duration) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Client{
		APIBase:       strings.TrimRight(apiBase, "/"),
		Token:         token,
		PhoneNumberID: phoneNumberID,
		HTTP:          &http.Client{Timeout: timeout},
	}
}

// --- Message Structures ---

type GenericMessage struct {
	MessagingProduct string    `json:"messaging_product"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	RecipientType    string    `json:"recipient_type,omitempty"`
	Text             *TextObj  `json:"text,omitempty"`
	Video            *MediaObj `json:"video,omitempty"`
	Document         *MediaObj `json:"document,omitempty"`
}

type TextObj struct {
	Body       string `json:"body"`
	PreviewUrl bool   `json:"preview_url,omitempty"`
}

type MediaObj struct {
	ID       string `json:"id,omitempty"`
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"` // For documents
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Media kinds accepted by Message.
const (
	MediaNone     = ""
	MediaVideo    = "video"
	MediaDocument = "document"
)

// Message is one outbound campaign message. When MediaURL is set the body
// travels as the media caption.
type Message struct {
	To        string
	Body      string
	MediaURL  string
	MediaKind string
	Filename  string
}

// SendError is returned for every failed send. Transient errors (network,
// rate limit, 5xx) stay retryable; anything else the API rejected is terminal.
// Unavailable marks failures that would hit every recipient the same way:
// the API host cannot be reached or the access token was refused.
type SendError struct {
	Transient   bool
	Unavailable bool
	StatusCode  int
	Code        int
	Message     string
	Err         error
}

func (e *SendError) Error() string {
	prefix := "provider"
	if e.Transient {
		prefix = "transient"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: whatsapp %d (code %d): %s", prefix, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%s: whatsapp: %s", prefix, msg)
}

func (e *SendError) Unwrap() error { return e.Err }

// Retryable reports whether a failed send may be attempted again automatically.
func Retryable(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Transient
	}
	return true
}

// IsUnavailable reports whether err means the messaging channel itself is
// down, as opposed to one message being refused.
func IsUnavailable(err error) bool {
	var se *SendError
	if errors.As(err, &se) && se.Unavailable {
		return true
	}
	return unreachable(err)
}

func unreachable(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// --- Messaging Methods ---

func (c *Client) Build(m Message) GenericMessage {
	msg := GenericMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(m.To, "+"),
	}
	switch {
	case m.MediaURL != "" && m.MediaKind == MediaVideo:
		msg.Type = "video"
		msg.Video = &MediaObj{Link: m.MediaURL, Caption: m.Body}
	case m.MediaURL != "" && m.MediaKind == MediaDocument:
		msg.Type = "document"
		msg.Document = &MediaObj{Link: m.MediaURL, Caption: m.Body, Filename: m.Filename}
	default:
		msg.Type = "text"
		msg.Text = &TextObj{Body: m.Body, PreviewUrl: true}
	}
	return msg
}

// Send delivers m and returns the provider message id.
func (c *Client) Send(ctx context.Context, m Message) (string, error) {
	url := fmt.Sprintf("%s/%s/messages", c.APIBase, c.PhoneNumberID)
	respBody, err := c.sendRequest(ctx, http.MethodPost, url, c.Build(m))
	if err != nil {
		return "", err
	}

	var out sendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &SendError{Transient: true, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", &SendError{Transient: true, Message: "response carried no message id"}
	}
	return out.Messages[0].ID, nil
}

// --- Helper Functions ---

func (c *Client) sendRequest(ctx context.Context, method, url string, body interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, &SendError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, &SendError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &SendError{Transient: true, Unavailable: unreachable(err), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &SendError{Transient: true, Err: err}
	}

	if resp.StatusCode >= 400 {
		var ae apiError
		_ = json.Unmarshal(respBody, &ae)
		msg := ae.Error.Message
		if msg == "" {
			msg = resp.Status
		}
		return respBody, &SendError{
			Transient:   resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Unavailable: resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden,
			StatusCode:  resp.StatusCode,
			Code:        ae.Error.Code,
			Message:     msg,
		}
	}
	return respBody, nil
}
