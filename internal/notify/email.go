package notify

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"net/smtp"
	"regexp"
	"strings"
	"time"
)

// headerPattern matches common email header injection patterns.
// This catches: Bcc:, Cc:, To:, From:, Subject:, Reply-To:, X-*: headers
var headerPattern = regexp.MustCompile(`(?i)\b(bcc|cc|to|from|subject|reply-to|x-[a-z0-9-]+)\s*:`)

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	// Host is the SMTP server hostname.
	Host string

	// Port is the SMTP server port.
	Port int

	// Username for SMTP authentication (optional).
	Username string

	// Password for SMTP authentication (optional).
	Password string
}

// EmailConfig holds configuration for email notifications.
type EmailConfig struct {
	// SMTP server configuration.
	SMTP SMTPConfig

	// From is the sender email address.
	From string

	// To is the list of fallback recipient addresses; the event owner is
	// always addressed when the event carries one.
	To []string

	// OwnerDomain, when set, turns an owner id like "john.doe" into
	// "john.doe@<OwnerDomain>".
	OwnerDomain string

	// Events specifies which lifecycle events trigger notifications.
	// If empty, all events are sent.
	Events []string
}

// SMTPSendFunc is the function signature for sending emails via SMTP.
type SMTPSendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailProvider sends lifecycle notifications via email.
type EmailProvider struct {
	config     EmailConfig
	smtpSender SMTPSendFunc
}

// NewEmailProvider creates a new email notification provider.
func NewEmailProvider(config EmailConfig) *EmailProvider {
	return &EmailProvider{
		config:     config,
		smtpSender: smtp.SendMail,
	}
}

// Name returns the provider name.
func (p *EmailProvider) Name() string {
	return "email"
}

// SupportsEvent returns true if this provider handles the given event type.
func (p *EmailProvider) SupportsEvent(eventType EventType) bool {
	if len(p.config.Events) == 0 {
		return true
	}

	eventStr := string(eventType)
	for _, e := range p.config.Events {
		if strings.EqualFold(e, eventStr) {
			return true
		}
	}
	return false
}

// Validate checks if the provider configuration is valid.
func (p *EmailProvider) Validate(ctx context.Context) error {
	if p.config.SMTP.Host == "" {
		return fmt.Errorf("SMTP host is required")
	}
	if p.config.SMTP.Port == 0 {
		return fmt.Errorf("SMTP port is required")
	}
	if p.config.From == "" {
		return fmt.Errorf("from address is required")
	}
	if len(p.config.To) == 0 && p.config.OwnerDomain == "" {
		return fmt.Errorf("a recipient list or an owner domain is required")
	}
	return nil
}

// recipients resolves who this event goes to.
func (p *EmailProvider) recipients(event Event) []string {
	var to []string
	if event.OwnerID != "" && p.config.OwnerDomain != "" {
		to = append(to, sanitizeHeader(event.OwnerID)+"@"+p.config.OwnerDomain)
	}
	to = append(to, p.config.To...)
	return to
}

// Send sends an email notification for the given lifecycle event.
func (p *EmailProvider) Send(ctx context.Context, event Event) error {
	to := p.recipients(event)
	if len(to) == 0 {
		return fmt.Errorf("no recipients resolved for event")
	}

	msg := p.buildMIMEMessage(event, to)
	addr := fmt.Sprintf("%s:%d", p.config.SMTP.Host, p.config.SMTP.Port)

	var auth smtp.Auth
	if p.config.SMTP.Username != "" {
		auth = smtp.PlainAuth("", p.config.SMTP.Username, p.config.SMTP.Password, p.config.SMTP.Host)
	}

	if err := p.smtpSender(addr, auth, p.config.From, to, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// buildMIMEMessage creates a MIME multipart email with HTML and plain-text parts.
func (p *EmailProvider) buildMIMEMessage(event Event, to []string) string {
	subject := p.buildSubject(event)
	textBody := p.buildTextBody(event)
	htmlBody := p.buildHTMLBody(event)

	boundary := fmt.Sprintf("----=_Part_%d", time.Now().UnixNano())

	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", p.config.From))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ", ")))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(textBody)
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(htmlBody)
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return buf.String()
}

// buildSubject renders the subject line with injection-safe fields.
func (p *EmailProvider) buildSubject(event Event) string {
	account := sanitizeHeader(event.AccountID)
	switch event.Type {
	case EventTypeExpiryWarning:
		return fmt.Sprintf("[taokey] Key for %s expires in %d days", account, event.DaysRemaining)
	case EventTypeExpiryUrgent:
		return fmt.Sprintf("[taokey] URGENT: key for %s expires in %d days", account, event.DaysRemaining)
	case EventTypeIssued:
		return fmt.Sprintf("[taokey] New key issued for %s", account)
	case EventTypeRotated:
		return fmt.Sprintf("[taokey] Key rotated for %s", account)
	case EventTypeRotationFailed:
		return fmt.Sprintf("[taokey] Key rotation FAILED for %s", account)
	case EventTypeRetired:
		return fmt.Sprintf("[taokey] Old key retired for %s", account)
	default:
		return fmt.Sprintf("[taokey] Key lifecycle event for %s", account)
	}
}

// buildTextBody creates the plain-text email body. Event fields pass through
// the same sanitizer as header values so a crafted account id cannot smuggle
// header-shaped lines into the message.
func (p *EmailProvider) buildTextBody(event Event) string {
	account := sanitizeHeader(event.AccountID)
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("Service account: %s\n", account))
	buf.WriteString(fmt.Sprintf("Key id:          %s\n", sanitizeHeader(event.KeyID)))
	if event.Environment != "" {
		buf.WriteString(fmt.Sprintf("Environment:     %s\n", sanitizeHeader(event.Environment)))
	}
	switch event.Type {
	case EventTypeExpiryWarning, EventTypeExpiryUrgent:
		buf.WriteString(fmt.Sprintf("Days remaining:  %d\n", event.DaysRemaining))
		buf.WriteString("\nRotate this key from the TAO portal or with:\n")
		buf.WriteString(fmt.Sprintf("  taokey rotate --account %s\n", account))
	case EventTypeRotationFailed:
		if event.Error != nil {
			buf.WriteString(fmt.Sprintf("Error:           %s\n", sanitizeHeader(event.Error.Error())))
		}
		buf.WriteString("\nThe previously active key is still fully usable.\n")
	case EventTypeRotated:
		buf.WriteString("\nThe old key stays valid during the grace window; migrate\n")
		buf.WriteString("dependent applications to the new key before retiring it.\n")
	}
	buf.WriteString(fmt.Sprintf("\nEvent time: %s\n", event.Timestamp.Format(time.RFC3339)))
	return buf.String()
}

// buildHTMLBody creates the HTML email body.
func (p *EmailProvider) buildHTMLBody(event Event) string {
	color := p.eventColor(event.Type)
	var buf bytes.Buffer
	buf.WriteString(`<!DOCTYPE html><html><body style="font-family: sans-serif; color: #333;">`)
	buf.WriteString(fmt.Sprintf(
		`<h2 style="color: %s;">%s</h2>`, color, html.EscapeString(p.buildSubject(event))))
	buf.WriteString(`<table style="border-collapse: collapse;">`)
	row := func(k, v string) {
		buf.WriteString(fmt.Sprintf(
			`<tr><td style="padding: 4px 12px 4px 0;"><strong>%s</strong></td><td>%s</td></tr>`,
			k, html.EscapeString(v)))
	}
	row("Service account", sanitizeHeader(event.AccountID))
	row("Key id", sanitizeHeader(event.KeyID))
	if event.Environment != "" {
		row("Environment", sanitizeHeader(event.Environment))
	}
	if event.Type == EventTypeExpiryWarning || event.Type == EventTypeExpiryUrgent {
		row("Days remaining", fmt.Sprintf("%d", event.DaysRemaining))
	}
	if event.Error != nil {
		row("Error", sanitizeHeader(event.Error.Error()))
	}
	row("Event time", event.Timestamp.Format(time.RFC3339))
	buf.WriteString(`</table></body></html>`)
	return buf.String()
}

// eventColor returns a display color for the event type.
func (p *EmailProvider) eventColor(eventType EventType) string {
	switch eventType {
	case EventTypeExpiryUrgent, EventTypeRotationFailed:
		return "#dc3545" // red
	case EventTypeExpiryWarning:
		return "#ffc107" // yellow
	case EventTypeRotated, EventTypeIssued, EventTypeRetired:
		return "#28a745" // green
	default:
		return "#6c757d" // gray
	}
}

// sanitizeHeader strips CR/LF and header-injection patterns from a value
// before it enters a header line.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return headerPattern.ReplaceAllString(s, "")
}
