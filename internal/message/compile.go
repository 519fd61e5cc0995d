package message

import (
	"fmt"
	"strings"
)

// Product and Version are announced in the X-Mailer header.
const (
	Product = "mailer-lite"
	Version = "1.0.0"
)

// mimeNotice is the preamble shown by clients that do not understand MIME.
const mimeNotice = "This is a multi-part message in MIME format."

// Compiled is the immutable result of compiling a Message. Transports only
// ever see this type.
type Compiled struct {
	subject     string
	mime        []byte
	senderName  string
	senderEmail string
}

// NewCompiled wraps an already serialized MIME stream, for callers that keep
// compiled messages around or produce them elsewhere.
func NewCompiled(subject string, mime []byte, senderName, senderEmail string) *Compiled {
	return &Compiled{
		subject:     subject,
		mime:        append([]byte(nil), mime...),
		senderName:  senderName,
		senderEmail: senderEmail,
	}
}

// Subject returns the subject of the compiled message.
func (c *Compiled) Subject() string { return c.subject }

// SenderName returns the display name of the sender.
func (c *Compiled) SenderName() string { return c.senderName }

// SenderEmail returns the envelope sender address.
func (c *Compiled) SenderEmail() string { return c.senderEmail }

// Size returns the length of the MIME stream in bytes.
func (c *Compiled) Size() int { return len(c.mime) }

// Bytes returns a copy of the MIME stream.
func (c *Compiled) Bytes() []byte {
	return append([]byte(nil), c.mime...)
}

// String returns the MIME stream.
func (c *Compiled) String() string { return string(c.mime) }

// CompileOption tunes a single Compile call.
type CompileOption func(*compileOptions)

type compileOptions struct {
	seed string
}

// WithBoundarySeed fixes the boundary seed so that identical messages compile
// to identical bytes.
func WithBoundarySeed(seed string) CompileOption {
	return func(o *compileOptions) { o.seed = seed }
}

// Compile serializes the message into a multipart/mixed MIME stream. Every
// attachment is re-read; any unreadable file aborts the whole compile.
func (m *Message) Compile(opts ...CompileOption) (*Compiled, error) {
	var o compileOptions
	for _, opt := range opts {
		opt(&o)
	}

	b := newBoundaries(m.subject, o.seed)

	lines := make([]string, 0, 32)
	lines = append(lines, m.headerLines(b)...)
	lines = append(lines, "")

	lines = append(lines,
		mimeNotice,
		"--"+b.mixed,
		fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q", b.alternative),
		"",
	)

	if m.body.Plain != "" {
		lines = append(lines, textPart(b.alternative, "text/plain", m.body.Plain)...)
	}
	if m.body.HTML != "" {
		lines = append(lines, textPart(b.alternative, "text/html", m.body.HTML)...)
	}
	lines = append(lines, "--"+b.alternative+"--")

	for _, a := range m.attachments {
		part, err := a.MIMELines()
		if err != nil {
			return nil, err
		}
		lines = append(lines, "--"+b.mixed)
		lines = append(lines, part...)
	}
	lines = append(lines, "--"+b.mixed+"--")

	return &Compiled{
		subject:     m.subject,
		mime:        []byte(strings.Join(lines, m.eol)),
		senderName:  m.sender.Name,
		senderEmail: m.sender.Email,
	}, nil
}

func (m *Message) headerLines(b boundaries) []string {
	from := fmt.Sprintf("From: <%s>", m.sender.Email)
	if m.sender.Name != "" {
		from = fmt.Sprintf("From: %s <%s>", m.sender.Name, m.sender.Email)
	}

	lines := []string{
		from,
		"Subject: " + m.subject,
		"MIME-Version: 1.0",
		fmt.Sprintf("X-Mailer: %s %s", Product, Version),
		fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q", b.mixed),
	}
	for _, h := range m.headers {
		lines = append(lines, h.key+": "+h.value)
	}
	return lines
}

func textPart(boundary, mediaType, text string) []string {
	charset, encoding := BodyEncoding(text)
	return []string{
		"--" + boundary,
		fmt.Sprintf("Content-Type: %s; charset=%s", mediaType, charset),
		"Content-Transfer-Encoding: " + encoding,
		"",
		text,
	}
}

// BodyEncoding classifies text: any byte in 0x80-0xFF selects utf-8/8bit,
// otherwise us-ascii/7bit.
func BodyEncoding(text string) (charset, transferEncoding string) {
	for i := 0; i < len(text); i++ {
		if text[i] >= 0x80 {
			return "utf-8", "8bit"
		}
	}
	return "us-ascii", "7bit"
}
