// Package sendmail implements a Transport that hands compiled messages to
// the local MTA through a sendmail-compatible binary.
package sendmail

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/shineum/mailer-lite/internal/message"
	"github.com/shineum/mailer-lite/internal/transport"
)

// DefaultPath is the conventional location of the sendmail binary.
const DefaultPath = "/usr/sbin/sendmail"

// CommandError reports a sendmail invocation that failed or wrote to stderr.
type CommandError struct {
	Path   string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("sendmail: %s failed: %s", e.Path, e.Stderr)
	}
	return fmt.Sprintf("sendmail: %s failed: %v", e.Path, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Transport pipes messages into the sendmail binary.
type Transport struct {
	path   string
	args   []string
	logger *slog.Logger
}

// New creates a Transport for the binary at path. Extra args are passed
// before the envelope flags.
func New(path string, args ...string) *Transport {
	if path == "" {
		path = DefaultPath
	}
	return &Transport{
		path:   path,
		args:   args,
		logger: slog.Default(),
	}
}

// Send runs one sendmail process for all recipients. The recipients are
// passed explicitly on the command line; the To header is added to the
// message for display only.
func (t *Transport) Send(ctx context.Context, msg *message.Compiled, recipients []string) (int, error) {
	if err := transport.CheckRecipients(recipients); err != nil {
		return 0, err
	}
	for _, rcpt := range recipients {
		if rcpt == "" || strings.HasPrefix(rcpt, "-") || strings.ContainsAny(rcpt, "\r\n") {
			return 0, fmt.Errorf("sendmail: invalid recipient %q", rcpt)
		}
	}

	cmd := exec.CommandContext(ctx, t.path, t.commandArgs(msg.SenderEmail(), recipients)...)
	cmd.Stdin = bytes.NewReader(transport.WithToHeader(msg, recipients))

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, &CommandError{
			Path:   t.path,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	if stderr.Len() > 0 {
		return 0, &CommandError{Path: t.path, Stderr: strings.TrimSpace(stderr.String())}
	}

	t.logger.Debug("sendmail accepted message",
		"path", t.path,
		"recipients", len(recipients),
		"size", msg.Size(),
	)
	return len(recipients), nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "sendmail"
}

// commandArgs builds: [extra...] -oi [-f sender] -- rcpt...
func (t *Transport) commandArgs(sender string, recipients []string) []string {
	args := make([]string, 0, len(t.args)+len(recipients)+4)
	args = append(args, t.args...)
	args = append(args, "-oi")
	if sender != "" {
		args = append(args, "-f", sender)
	}
	args = append(args, "--")
	return append(args, recipients...)
}
