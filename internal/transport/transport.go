// Package transport defines the interface for email delivery backends.
package transport

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/shineum/mailer-lite/internal/message"
)

// ErrNoRecipients is returned when Send is called without any recipient.
var ErrNoRecipients = errors.New("transport: at least one recipient is required")

// Transport is the interface that email delivery backends must implement.
// Each transport delivers an already compiled MIME message to the target
// service (SMTP server, local MTA, HTTP API, ...).
type Transport interface {
	// Send delivers msg to the recipients and returns how many of them were
	// dispatched. Transport specific failures are returned as typed errors.
	Send(ctx context.Context, msg *message.Compiled, recipients []string) (int, error)

	// Name returns the human-readable name of this transport.
	Name() string
}

// CheckRecipients validates the recipient list shared by every transport.
func CheckRecipients(recipients []string) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	return nil
}

// WithToHeader returns the MIME of msg with a To header listing recipients
// prepended. Relays that take the message as-is (local MTA, HTTP APIs) rely
// on it for the visible recipient line. The line ending of the compiled
// message is reused.
func WithToHeader(msg *message.Compiled, recipients []string) []byte {
	data := msg.Bytes()

	eol := message.EOLUnix
	if i := bytes.IndexByte(data, '\n'); i > 0 && data[i-1] == '\r' {
		eol = message.EOLCRLF
	}

	out := make([]byte, 0, len(data)+64)
	out = append(out, "To: "+strings.Join(recipients, ", ")+eol...)
	return append(out, data...)
}

// Individual sends a message once per recipient through the wrapped
// transport. Failed recipients are logged and skipped unless StopOnError is
// set, so Send can report partial success.
type Individual struct {
	Transport   Transport
	StopOnError bool
	Logger      *slog.Logger
}

// Individually wraps t with one-attempt-per-recipient semantics.
func Individually(t Transport, stopOnError bool) *Individual {
	return &Individual{Transport: t, StopOnError: stopOnError}
}

// Send dispatches msg to each recipient separately. It returns the number of
// successful sends; with StopOnError the first failure is returned together
// with the count reached so far.
func (i *Individual) Send(ctx context.Context, msg *message.Compiled, recipients []string) (int, error) {
	if err := CheckRecipients(recipients); err != nil {
		return 0, err
	}

	logger := i.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sent := 0
	for _, rcpt := range recipients {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		n, err := i.Transport.Send(ctx, msg, []string{rcpt})
		if err != nil {
			if i.StopOnError {
				return sent, err
			}
			logger.Warn("individual send failed",
				"transport", i.Transport.Name(),
				"recipient", rcpt,
				"error", err,
			)
			continue
		}
		if n > 0 {
			sent++
		}
	}

	return sent, nil
}

// Name returns the wrapped transport name.
func (i *Individual) Name() string {
	return i.Transport.Name() + "/individual"
}
