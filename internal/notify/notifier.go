package notify

import (
	"context"
	"fmt"
	"net/url"

	"github.com/fitjourney/subscriptions/internal/registry"
)

// PendingNotifier tells buyers without an account that their purchase is
// waiting for them.
type PendingNotifier struct {
	sender    Sender
	from      string
	signupURL string
}

// NewPendingNotifier creates a notifier that sends through sender.
func NewPendingNotifier(sender Sender, from, signupURL string) *PendingNotifier {
	return &PendingNotifier{sender: sender, from: from, signupURL: signupURL}
}

// NotifyPending sends the "finish creating your account" email for p.
func (n *PendingNotifier) NotifyPending(ctx context.Context, p *registry.PendingActivation) error {
	if n == nil || n.sender == nil || p == nil {
		return nil
	}
	html, text, err := RenderPendingActivationEmail(PendingActivationData{
		Email:     p.Email,
		Tier:      string(p.Tier),
		PeriodEnd: p.PeriodEnd.Format("January 2, 2006"),
		SignupURL: signupLink(n.signupURL, p.Email),
	})
	if err != nil {
		return err
	}
	if err := n.sender.Send(ctx, Message{
		From:    n.from,
		To:      p.Email,
		Subject: "Your plan is ready - finish creating your account",
		HTML:    html,
		Text:    text,
		Tag:     "pending-activation",
	}); err != nil {
		return fmt.Errorf("send pending activation email: %w", err)
	}
	return nil
}

func signupLink(base, email string) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return base
	}
	q := u.Query()
	q.Set("email", email)
	u.RawQuery = q.Encode()
	return u.String()
}
