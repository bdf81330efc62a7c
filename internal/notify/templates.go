package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

var pendingActivationTemplate = template.Must(template.New("pending_activation").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Finish setting up your account</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0; cellpadding: 0; cellspacing: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 480px; margin: 0 auto; background: #ffffff; border-radius: 8px; overflow: hidden; box-shadow: 0 1px 3px rgba(0,0,0,0.1);">
<tr><td style="padding: 32px 40px; text-align: center;">
<h1 style="margin: 0 0 16px; font-size: 24px; color: #1a1a1a;">Thanks for your purchase!</h1>
<p style="margin: 0 0 24px; color: #666; font-size: 15px; line-height: 1.5;">
Your {{.TierLabel}} plan is paid and waiting for you. Create your account with <strong>{{.Email}}</strong> and it will be activated automatically.
</p>
<a href="{{.SignupURL}}" style="display: inline-block; padding: 12px 32px; background: #16a34a; color: #ffffff; text-decoration: none; border-radius: 6px; font-size: 15px; font-weight: 500;">
Create Account
</a>
<p style="margin: 24px 0 0; color: #999; font-size: 13px; line-height: 1.5;">
Your plan runs until {{.PeriodEnd}}.
</p>
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`))

// PendingActivationData holds template data for the pending activation email.
type PendingActivationData struct {
	Email     string
	Tier      string
	PeriodEnd string
	SignupURL string
}

// TierLabel returns the tier name in title case.
func (d PendingActivationData) TierLabel() string {
	if d.Tier == "" {
		return ""
	}
	return strings.ToUpper(d.Tier[:1]) + d.Tier[1:]
}

// RenderPendingActivationEmail renders the "finish creating your account" email.
func RenderPendingActivationEmail(data PendingActivationData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := pendingActivationTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render pending activation template: %w", err)
	}

	textBody := fmt.Sprintf("Thanks for your purchase!\n\nYour %s plan is paid and waiting for you. Create your account with %s to activate it: %s\n\nYour plan runs until %s.",
		data.TierLabel(), data.Email, data.SignupURL, data.PeriodEnd)

	return buf.String(), textBody, nil
}
