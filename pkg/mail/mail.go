package mail

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/metrics"
)

const maxBackoff = 32 * time.Second

// Message is one outgoing mail with an optional file attachment.
type Message struct {
	From     string
	FromName string
	To       string
	ToName   string
	Subject  string
	HTML     string
	Text     string

	// AttachmentPath is read when the message is written to the wire.
	AttachmentPath string
	// AttachmentName overrides the file name shown to the recipient.
	AttachmentName string
}

// Transport delivers a composed message. Failures are returned as *TransportError.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// dialer is implemented by *gomail.Dialer.
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPTransport sends mail through gomail with exponential backoff between attempts.
type SMTPTransport struct {
	dialer         dialer
	host           string
	port           int
	retryCount     int
	retryBackoffMs int
	log            *zap.SugaredLogger
}

// NewSMTPTransport builds a transport from the mail configuration and an already
// resolved password. Port 465 uses implicit TLS; on other ports STARTTLS is
// negotiated whenever the server offers it.
func NewSMTPTransport(cfg config.Mail, password string, log *zap.SugaredLogger) (*SMTPTransport, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("smtp")

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}

	d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.Username, password)
	d.TLSConfig = tlsConfig
	d.SSL = cfg.SMTPPort == 465
	if cfg.InsecureSkipVerify {
		log.Warnw("TLS certificate verification is disabled", "host", cfg.SMTPHost)
	}
	if !cfg.UseStartTLS && !d.SSL {
		log.Infow("useStartTls is off; the connection is still upgraded if the server offers STARTTLS", "host", cfg.SMTPHost)
	}

	retryCount := cfg.Retries()
	if retryCount < 0 {
		retryCount = 0
	}
	retryBackoffMs := cfg.RetryBackoff()
	if retryBackoffMs <= 0 {
		retryBackoffMs = 100
	}

	log.Infow("Initialized SMTP transport",
		"host", cfg.SMTPHost,
		"port", cfg.SMTPPort,
		"user", cfg.Username,
		"ssl", d.SSL,
		"retryCount", retryCount,
		"retryBackoffMs", retryBackoffMs)

	return &SMTPTransport{
		dialer:         d,
		host:           cfg.SMTPHost,
		port:           cfg.SMTPPort,
		retryCount:     retryCount,
		retryBackoffMs: retryBackoffMs,
		log:            log,
	}, nil
}

// Send delivers msg, retrying transient failures up to the configured retry count.
// Authentication and recipient rejections are not retried.
func (s *SMTPTransport) Send(ctx context.Context, msg Message) error {
	m := compose(msg)

	var lastErr error
	var kind ErrorKind
	attempts := 0
	backoff := time.Duration(s.retryBackoffMs) * time.Millisecond

	for attempt := 0; attempt <= s.retryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			return s.fail(KindCanceled, attempts, err)
		}

		attempts++
		err := s.dialer.DialAndSend(m)
		if err == nil {
			s.log.Debugw("Mail sent", "to", msg.To, "attempt", attempts)
			metrics.MailSendSuccess.WithLabelValues(s.host).Inc()
			return nil
		}

		lastErr = err
		kind = Classify(err)
		if !kind.Retryable() || attempt == s.retryCount {
			break
		}

		s.log.Warnw("Send attempt failed, retrying",
			"to", msg.To,
			"attempt", attempts,
			"kind", kind,
			"backoff", backoff,
			"error", err)
		metrics.MailRetries.WithLabelValues(s.host).Inc()

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.fail(KindCanceled, attempts, ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, maxBackoff)
	}

	s.log.Errorw("Failed to send mail", "to", msg.To, "host", s.host, "port", s.port, "attempts", attempts, "kind", kind, "error", lastErr)
	return s.fail(kind, attempts, lastErr)
}

func (s *SMTPTransport) fail(kind ErrorKind, attempts int, err error) error {
	metrics.MailSendFailure.WithLabelValues(s.host, string(kind)).Inc()
	return &TransportError{Kind: kind, Attempts: attempts, Err: err}
}

func compose(msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.From, msg.FromName)
	m.SetAddressHeader("To", msg.To, msg.ToName)
	m.SetHeader("Subject", msg.Subject)

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	if msg.AttachmentPath != "" {
		var settings []gomail.FileSetting
		if msg.AttachmentName != "" {
			settings = append(settings, gomail.Rename(msg.AttachmentName))
		}
		m.Attach(msg.AttachmentPath, settings...)
	}
	return m
}

// String is used in logs; it leaves out the body.
func (msg Message) String() string {
	return fmt.Sprintf("to=%s subject=%q attachment=%s", msg.To, msg.Subject, msg.AttachmentName)
}
