// Package stdout implements a Transport that prints messages to standard
// output instead of delivering them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/mailer-lite/internal/message"
	"github.com/shineum/mailer-lite/internal/transport"
)

const separator = "========================================\n"

// Transport prints compiled messages in a human-readable format.
type Transport struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	// summaryOnly suppresses the MIME dump.
	summaryOnly bool
}

// New creates a new stdout Transport that writes to os.Stdout.
func New() *Transport {
	return &Transport{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Transport that writes to the given
// writer. This is useful for testing.
func NewWithWriter(w io.Writer) *Transport {
	return &Transport{writer: w}
}

// SummaryOnly limits the output to the envelope summary.
func (t *Transport) SummaryOnly(v bool) *Transport {
	t.summaryOnly = v
	return t
}

// Send prints the envelope summary followed by the MIME stream.
func (t *Transport) Send(_ context.Context, msg *message.Compiled, recipients []string) (int, error) {
	if err := transport.CheckRecipients(recipients); err != nil {
		return 0, err
	}

	var b strings.Builder

	b.WriteString(separator)
	from := msg.SenderEmail()
	if msg.SenderName() != "" {
		from = fmt.Sprintf("%s <%s>", msg.SenderName(), msg.SenderEmail())
	}
	fmt.Fprintf(&b, "From: %s\n", from)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject())
	fmt.Fprintf(&b, "Size: %s\n", formatSize(msg.Size()))

	if !t.summaryOnly {
		b.WriteString("MIME:\n")
		b.WriteString(strings.ReplaceAll(msg.String(), "\r\n", "\n"))
		b.WriteString("\n")
	}

	b.WriteString(separator)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := io.WriteString(t.writer, b.String()); err != nil {
		return 0, fmt.Errorf("stdout: %w", err)
	}

	return len(recipients), nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
