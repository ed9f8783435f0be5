// Package notify implements the Notifier (C12): a pluggable
// notify(kind, subject, body, attachments?) surface (spec.md §4.12) with
// log, email, and Slack-webhook backends, wrapped in a bounded in-memory
// retry that is explicitly allowed to swallow transient delivery errors
// rather than propagate them back into whatever subsystem raised the alert.
package notify

import (
	"fmt"
	"log"
	"net/smtp"
	"os"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// Notifier is the interface every component (C9, C10, C11) depends on.
// Implementations must not block the caller indefinitely; RetryingNotifier
// is the composition point that bounds retry time.
type Notifier interface {
	Notify(kind, subject, body string, attachments ...string) error
}

// LogNotifier writes every notification to a *log.Logger. It is the
// always-available fallback backend and a reasonable default for local
// development.
type LogNotifier struct {
	Logger *log.Logger
}

func (n *LogNotifier) logger() *log.Logger {
	if n.Logger == nil {
		return log.New(os.Stderr, "notify: ", log.LstdFlags)
	}
	return n.Logger
}

func (n *LogNotifier) Notify(kind, subject, body string, attachments ...string) error {
	msg := fmt.Sprintf("[%s] %s\n%s", kind, subject, body)
	if len(attachments) > 0 {
		msg += "\nattachments: " + strings.Join(attachments, ", ")
	}
	n.logger().Println(msg)
	return nil
}

// EmailConfig carries the SMTP settings an EmailNotifier sends through. No
// library in the example corpus reaches for SMTP (none of the pack repos
// sends mail directly), so this is a direct stdlib net/smtp implementation
// rather than an adaptation of any teacher/pack code — the one Notifier
// backend without an ecosystem grounding.
type EmailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	To       []string
}

// EmailNotifier sends a plain-text email per notification via SMTP with
// PLAIN auth.
type EmailNotifier struct {
	Cfg EmailConfig
}

func (n *EmailNotifier) Notify(kind, subject, body string, attachments ...string) error {
	if len(n.Cfg.To) == 0 {
		return fmt.Errorf("email notifier: no recipients configured")
	}
	var auth smtp.Auth
	if n.Cfg.Username != "" {
		auth = smtp.PlainAuth("", n.Cfg.Username, n.Cfg.Password, n.Cfg.Host)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", n.Cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(n.Cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: [%s] %s\r\n\r\n", kind, subject)
	msg.WriteString(body)
	if len(attachments) > 0 {
		msg.WriteString("\r\n\nattachments:\n")
		for _, a := range attachments {
			msg.WriteString("  " + a + "\n")
		}
	}

	addr := fmt.Sprintf("%s:%s", n.Cfg.Host, n.Cfg.Port)
	return smtp.SendMail(addr, auth, n.Cfg.From, n.Cfg.To, []byte(msg.String()))
}

// SlackNotifier posts to an incoming webhook, grounded on jordigilh-kubernaut's
// pkg/notification module (Slack is a first-class delivery channel there) —
// github.com/slack-go/slack's PostWebhook is the same client that domain
// uses for outbound alert delivery.
type SlackNotifier struct {
	WebhookURL string
}

func (n *SlackNotifier) Notify(kind, subject, body string, attachments ...string) error {
	if n.WebhookURL == "" {
		return fmt.Errorf("slack notifier: no webhook url configured")
	}
	text := fmt.Sprintf("*[%s] %s*\n%s", kind, subject, body)
	if len(attachments) > 0 {
		text += "\nattachments: " + strings.Join(attachments, ", ")
	}
	return slack.PostWebhook(n.WebhookURL, &slack.WebhookMessage{Text: text})
}

// MultiNotifier fans a notification out to every backend, collecting (but
// not short-circuiting on) individual failures.
type MultiNotifier struct {
	Backends []Notifier
}

func (n *MultiNotifier) Notify(kind, subject, body string, attachments ...string) error {
	var errs []string
	for _, b := range n.Backends {
		if err := b.Notify(kind, subject, body, attachments...); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d of %d backends failed: %s", len(errs), len(n.Backends), strings.Join(errs, "; "))
	}
	return nil
}

// Narrow adapts a Notifier down to the 3-argument `Notify(kind, subject,
// body string) error` shape that C7 (internal/scheduler) and C8
// (internal/queue) depend on — those callers never have an attachment to
// send, so their interfaces predate (and are narrower than) C10's
// report-attaching use of Notify.
type Narrow struct {
	Inner Notifier
}

func (n Narrow) Notify(kind, subject, body string) error {
	return n.Inner.Notify(kind, subject, body)
}

// retryBackoff mirrors the Scheduler Core's capped exponential ladder
// (internal/scheduler), reused here for in-process retry delay rather than
// a persisted next_run_epoch.
var retryBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// RetryingNotifier wraps another Notifier with up to 3 attempts and
// exponential backoff between them (spec.md §4.12: "bounded in-memory
// retry, 3 attempts, exponential backoff"). After exhausting retries the
// failure is logged and swallowed — notifier failures must never be fatal
// to the component that raised the alert.
type RetryingNotifier struct {
	Inner  Notifier
	Logger *log.Logger
}

func (n *RetryingNotifier) logger() *log.Logger {
	if n.Logger == nil {
		return log.New(os.Stderr, "notify: ", log.LstdFlags)
	}
	return n.Logger
}

func (n *RetryingNotifier) Notify(kind, subject, body string, attachments ...string) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = n.Inner.Notify(kind, subject, body, attachments...)
		if lastErr == nil {
			return nil
		}
		if attempt < maxAttempts-1 && attempt < len(retryBackoff) {
			time.Sleep(retryBackoff[attempt])
		}
	}
	n.logger().Printf("giving up on notification kind=%s subject=%q after %d attempts: %v", kind, subject, maxAttempts, lastErr)
	return nil
}
