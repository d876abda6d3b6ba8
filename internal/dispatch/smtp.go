package dispatch

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/rpmautosales/inquiry-notifier/internal/instance"
	"github.com/rpmautosales/inquiry-notifier/internal/pglisten"
	"github.com/wneessen/go-mail"
)

// SMTPSink delivers to a plain SMTP endpoint instead of Graph. Meant for
// local development against Mailpit, where Graph credentials don't exist;
// selected by setting SMTP_ADDR.
type SMTPSink struct {
	host string
	port int
}

func NewSMTPSink(addr string) (*SMTPSink, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("smtp addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("smtp addr %q: bad port: %w", addr, err)
	}
	return &SMTPSink{host: host, port: port}, nil
}

func (s *SMTPSink) Send(ctx context.Context, cfg instance.Config, rec pglisten.Record) error {
	m := mail.NewMsg()
	if err := m.From(cfg.FromEmail); err != nil {
		return &DeliveryError{Err: fmt.Errorf("invalid from address: %w", err)}
	}
	if err := m.To(cfg.ToEmail); err != nil {
		return &DeliveryError{Err: fmt.Errorf("invalid recipient: %w", err)}
	}
	m.Subject(SubjectFor(cfg.Table))
	m.SetBodyString(mail.TypeTextPlain, FormatBody(rec))

	c, err := mail.NewClient(s.host,
		mail.WithPort(s.port),
		mail.WithTLSPolicy(mail.NoTLS),
	)
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("smtp client: %w", err)}
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return &DeliveryError{Err: err}
	}
	return nil
}
