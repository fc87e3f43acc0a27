// Package resendmail sends transactional email through Resend.
package resendmail

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// Config configures the mailer.
type Config struct {
	APIKey string
	From   string
	// AppURL is linked from emails; optional.
	AppURL string
}

type sender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Mailer implements followlytics.Mailer with Resend.
type Mailer struct {
	emails sender
	from   string
	appURL string
	logger *zap.Logger
}

// New builds a Mailer.
func New(cfg Config, logger *zap.Logger) (*Mailer, error) {
	if cfg.APIKey == "" || cfg.From == "" {
		return nil, errors.New("resend api key and from address are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resend.NewClient(cfg.APIKey)
	return &Mailer{emails: client.Emails, from: cfg.From, appURL: strings.TrimRight(cfg.AppURL, "/"), logger: logger}, nil
}

// SendScanComplete notifies the owner that a scan finished.
func (m *Mailer) SendScanComplete(ctx context.Context, to string, scan followlytics.Scan) error {
	if to == "" {
		return errors.New("recipient is required")
	}
	subject, text, body := scanCompleteMessage(scan, m.appURL)
	resp, err := m.emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    m.from,
		To:      []string{to},
		Subject: subject,
		Text:    text,
		Html:    body,
		Tags:    []resend.Tag{{Name: "kind", Value: "scan_complete"}},
	})
	if err != nil {
		return fmt.Errorf("send scan email: %w", err)
	}
	m.logger.Debug("scan email sent", zap.String("scan_id", scan.ID), zap.String("email_id", resp.Id))
	return nil
}

func scanCompleteMessage(scan followlytics.Scan, appURL string) (string, string, string) {
	subject := fmt.Sprintf("Your follower scan of @%s is ready", scan.Username)
	lines := []string{
		fmt.Sprintf("Followers collected: %d", scan.Counters.FollowersFound),
		fmt.Sprintf("Gained since last scan: %d", scan.Counters.Gained),
		fmt.Sprintf("Lost since last scan: %d", scan.Counters.Lost),
	}
	link := ""
	if appURL != "" {
		link = appURL + "/scans/" + scan.ID
		lines = append(lines, "View it at "+link)
	}
	text := subject + "\n\n" + strings.Join(lines, "\n") + "\n"

	var b strings.Builder
	b.WriteString("<h2>" + html.EscapeString(subject) + "</h2><ul>")
	for _, l := range lines[:3] {
		b.WriteString("<li>" + html.EscapeString(l) + "</li>")
	}
	b.WriteString("</ul>")
	if link != "" {
		b.WriteString(`<p><a href="` + html.EscapeString(link) + `">Open the scan</a></p>`)
	}
	return subject, text, b.String()
}

// Noop drops every message. It stands in when email is not configured.
type Noop struct{}

// SendScanComplete implements followlytics.Mailer.
func (Noop) SendScanComplete(context.Context, string, followlytics.Scan) error { return nil }
