// Package mailer ties message composition to a Transport: it stamps the
// default sender and line ending on new messages and compiles them on send.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shineum/mailer-lite/internal/message"
	"github.com/shineum/mailer-lite/internal/transport"
	"github.com/shineum/mailer-lite/internal/transport/sendmail"
)

// Mailer composes and sends messages through a single Transport.
type Mailer struct {
	mu        sync.RWMutex
	transport transport.Transport
	sender    message.Sender
	eol       string
	logger    *slog.Logger
}

// Option configures a Mailer.
type Option func(*Mailer)

// WithTransport replaces the default sendmail transport.
func WithTransport(t transport.Transport) Option {
	return func(m *Mailer) { m.transport = t }
}

// WithSender sets the sender applied to composed messages.
func WithSender(name, email string) Option {
	return func(m *Mailer) { m.sender = message.Sender{Name: name, Email: email} }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Mailer) { m.logger = l }
}

// New creates a Mailer that delivers through the local sendmail binary
// unless another transport is given. Line endings default to CRLF.
func New(opts ...Option) *Mailer {
	m := &Mailer{
		eol:    message.EOLCRLF,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.transport == nil {
		m.transport = sendmail.New(sendmail.DefaultPath)
	}
	return m
}

// SetEOL sets the line ending of composed messages. Only "\n" and "\r\n"
// are accepted.
func (m *Mailer) SetEOL(eol string) error {
	if err := message.ValidateEOL(eol); err != nil {
		return err
	}
	m.mu.Lock()
	m.eol = eol
	m.mu.Unlock()
	return nil
}

// EOL returns the line ending applied to composed messages.
func (m *Mailer) EOL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eol
}

// SetTransport swaps the transport used by Send.
func (m *Mailer) SetTransport(t transport.Transport) {
	m.mu.Lock()
	m.transport = t
	m.mu.Unlock()
}

// Transport returns the current transport.
func (m *Mailer) Transport() transport.Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transport
}

// SetSender changes the sender applied to messages composed afterwards.
func (m *Mailer) SetSender(name, email string) {
	m.mu.Lock()
	m.sender = message.Sender{Name: name, Email: email}
	m.mu.Unlock()
}

// Sender returns the default sender.
func (m *Mailer) Sender() message.Sender {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sender
}

// Compose starts a new message carrying the default sender and line ending.
func (m *Mailer) Compose(subject string) *message.Message {
	m.mu.RLock()
	sender, eol := m.sender, m.eol
	m.mu.RUnlock()

	msg := message.New(subject).SetSender(sender.Name, sender.Email)
	// eol was validated by SetEOL.
	_ = msg.SetEOL(eol)
	return msg
}

// Send compiles msg and hands it to the transport. It returns the number of
// recipients the transport reported as dispatched.
func (m *Mailer) Send(ctx context.Context, msg *message.Message, recipients ...string) (int, error) {
	compiled, err := msg.Compile()
	if err != nil {
		return 0, fmt.Errorf("compiling message: %w", err)
	}
	return m.SendCompiled(ctx, compiled, recipients...)
}

// SendCompiled delivers an already compiled message.
func (m *Mailer) SendCompiled(ctx context.Context, msg *message.Compiled, recipients ...string) (int, error) {
	t := m.Transport()

	n, err := t.Send(ctx, msg, recipients)
	if err != nil {
		m.logger.Error("failed to send message",
			"transport", t.Name(),
			"subject", msg.Subject(),
			"recipients", len(recipients),
			"error", err,
		)
		return n, err
	}

	m.logger.Info("message sent",
		"transport", t.Name(),
		"subject", msg.Subject(),
		"recipients", len(recipients),
		"sent", n,
		"size", msg.Size(),
	)
	return n, nil
}
