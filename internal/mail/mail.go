// Package mail sends the plain-text emails produced by the finalization
// stages: the lead summary for the sales team and the product resources for
// the customer.
package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/MrWong99/leadflow/internal/observe"
)

// Defaults for the SMTP relay.
const (
	DefaultHost    = "smtp.gmail.com"
	DefaultPort    = 587
	DefaultTimeout = 30 * time.Second
)

// Message is one outgoing email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers messages. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender delivers mail through an SMTP relay with mandatory STARTTLS and
// PLAIN authentication.
type SMTPSender struct {
	host      string
	port      int
	username  string
	password  string
	from      string
	timeout   time.Duration
	tlsPolicy gomail.TLSPolicy
	metrics   *observe.Metrics
}

var _ Sender = (*SMTPSender)(nil)

// Option configures an [SMTPSender].
type Option func(*SMTPSender)

// WithPort overrides [DefaultPort].
func WithPort(port int) Option {
	return func(s *SMTPSender) {
		if port > 0 {
			s.port = port
		}
	}
}

// WithFrom sets the sender address. It defaults to the username.
func WithFrom(from string) Option {
	return func(s *SMTPSender) {
		if from != "" {
			s.from = from
		}
	}
}

// WithTimeout bounds dialing and each SMTP command.
func WithTimeout(d time.Duration) Option {
	return func(s *SMTPSender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithTLSPolicy replaces the mandatory STARTTLS policy. Only local relays
// used in development should relax it.
func WithTLSPolicy(p gomail.TLSPolicy) Option {
	return func(s *SMTPSender) { s.tlsPolicy = p }
}

// WithMetrics records deliveries into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *SMTPSender) { s.metrics = m }
}

// NewSMTPSender creates an SMTPSender. An empty host falls back to
// [DefaultHost]; username and password are required.
func NewSMTPSender(host, username, password string, opts ...Option) (*SMTPSender, error) {
	if host == "" {
		host = DefaultHost
	}
	if username == "" {
		return nil, errors.New("mail: username must not be empty")
	}
	if password == "" {
		return nil, errors.New("mail: password must not be empty")
	}
	s := &SMTPSender{
		host:      host,
		port:      DefaultPort,
		username:  username,
		password:  password,
		from:      username,
		timeout:   DefaultTimeout,
		tlsPolicy: gomail.TLSMandatory,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// From returns the envelope sender address.
func (s *SMTPSender) From() string { return s.from }

// Send implements [Sender].
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m, err := s.build(msg)
	if err != nil {
		return err
	}

	client, err := gomail.NewClient(s.host,
		gomail.WithPort(s.port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(s.username),
		gomail.WithPassword(s.password),
		gomail.WithTLSPolicy(s.tlsPolicy),
		gomail.WithTimeout(s.timeout),
	)
	if err != nil {
		return fmt.Errorf("mail: create client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		s.metrics.RecordProviderRequest(ctx, "smtp", "mail", "error")
		return fmt.Errorf("mail: send to %s: %w", msg.To, err)
	}
	s.metrics.RecordProviderRequest(ctx, "smtp", "mail", "ok")
	observe.Logger(ctx).Info("mail: sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

// build assembles the MIME message.
func (s *SMTPSender) build(msg Message) (*gomail.Msg, error) {
	if msg.To == "" {
		return nil, errors.New("mail: recipient must not be empty")
	}
	m := gomail.NewMsg()
	if err := m.From(s.from); err != nil {
		return nil, fmt.Errorf("mail: invalid from address %q: %w", s.from, err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("mail: invalid recipient %q: %w", msg.To, err)
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(gomail.TypeTextPlain, msg.Body)
	return m, nil
}
