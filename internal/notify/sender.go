package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	internalerrors "github.com/fitjourney/subscriptions/internal/errors"
	"github.com/rs/zerolog/log"
)

const (
	postmarkEndpoint      = "https://api.postmarkapp.com/email"
	postmarkMessageStream = "outbound"
	postmarkTimeout       = 10 * time.Second
)

// Sender delivers one transactional email.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message is a rendered email. Tag groups messages in the provider's
// dashboard and is optional.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
	Tag     string
}

// PostmarkSender delivers through Postmark's single-message endpoint.
type PostmarkSender struct {
	serverToken string
	endpoint    string
	client      *http.Client
}

// NewPostmarkSender creates a sender authenticated with a server token.
func NewPostmarkSender(serverToken string) *PostmarkSender {
	return &PostmarkSender{
		serverToken: serverToken,
		endpoint:    postmarkEndpoint,
		client:      newHTTPClient(postmarkTimeout),
	}
}

type postmarkRequest struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody,omitempty"`
	TextBody      string `json:"TextBody,omitempty"`
	Tag           string `json:"Tag,omitempty"`
	MessageStream string `json:"MessageStream"`
}

// Postmark reports failures in ErrorCode; zero means accepted.
type postmarkResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
	MessageID string `json:"MessageID"`
}

// Send posts msg to Postmark. Rate limiting and server errors wrap
// ErrUnavailable so callers can retry.
func (p *PostmarkSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(postmarkRequest{
		From:          msg.From,
		To:            msg.To,
		Subject:       msg.Subject,
		HtmlBody:      msg.HTML,
		TextBody:      msg.Text,
		Tag:           msg.Tag,
		MessageStream: postmarkMessageStream,
	})
	if err != nil {
		return fmt.Errorf("encode postmark message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build postmark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.serverToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("postmark: %w: %v", internalerrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var result postmarkResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&result)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("postmark: %w: HTTP %d", internalerrors.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK || result.ErrorCode != 0:
		return fmt.Errorf("postmark rejected message (HTTP %d, code %d): %s", resp.StatusCode, result.ErrorCode, result.Message)
	}

	log.Debug().Str("to", msg.To).Str("message_id", result.MessageID).Msg("Email accepted by Postmark")
	return nil
}

// LogSender writes emails to the log instead of delivering them. A nil
// logFn logs through zerolog.
type LogSender struct {
	logFn func(to, subject, body string)
}

// NewLogSender creates a log-only sender.
func NewLogSender(logFn func(to, subject, body string)) *LogSender {
	return &LogSender{logFn: logFn}
}

// Send records the text part of msg.
func (l *LogSender) Send(_ context.Context, msg Message) error {
	if l.logFn == nil {
		log.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("Email (log-only)")
		return nil
	}
	l.logFn(msg.To, msg.Subject, msg.Text)
	return nil
}
