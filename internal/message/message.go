// Package message builds email messages and compiles them into the MIME byte
// stream that every transport consumes.
package message

import (
	"fmt"
	"strings"
)

// Supported end-of-line conventions.
const (
	EOLUnix = "\n"
	EOLCRLF = "\r\n"
)

// reservedHeaders are generated by the compiler and cannot be set by callers.
var reservedHeaders = map[string]bool{
	"from":         true,
	"subject":      true,
	"content-type": true,
	"x-mailer":     true,
}

// Sender identifies the author of a message.
type Sender struct {
	Name  string
	Email string
}

// Body holds the alternative renderings of a message. Either may be empty.
type Body struct {
	Plain string
	HTML  string
}

type header struct {
	key   string
	value string
}

// Message is a mutable email under construction. It is owned by the caller
// until it is compiled.
type Message struct {
	subject     string
	sender      Sender
	body        Body
	attachments []*Attachment
	headers     []header
	eol         string
}

// New creates an empty message with the given subject and CRLF line endings.
func New(subject string) *Message {
	return &Message{
		subject: subject,
		eol:     EOLCRLF,
	}
}

// Subject returns the message subject.
func (m *Message) Subject() string { return m.subject }

// Sender returns the message sender.
func (m *Message) Sender() Sender { return m.sender }

// Body returns the plain and HTML bodies.
func (m *Message) Body() Body { return m.body }

// EOL returns the line ending used by Compile.
func (m *Message) EOL() string { return m.eol }

// SetSender sets the From identity.
func (m *Message) SetSender(name, email string) *Message {
	m.sender = Sender{Name: name, Email: email}
	return m
}

// SetText sets the text/plain body.
func (m *Message) SetText(plain string) *Message {
	m.body.Plain = plain
	return m
}

// SetHTML sets the text/html body.
func (m *Message) SetHTML(html string) *Message {
	m.body.HTML = html
	return m
}

// SetEOL selects the line ending used to join compiled lines.
func (m *Message) SetEOL(eol string) error {
	if err := ValidateEOL(eol); err != nil {
		return err
	}
	m.eol = eol
	return nil
}

// ValidateEOL accepts only "\n" and "\r\n".
func ValidateEOL(eol string) error {
	if eol != EOLUnix && eol != EOLCRLF {
		return &ConfigurationError{Field: "eol", Reason: fmt.Sprintf("invalid line ending %q", eol)}
	}
	return nil
}

// SetHeader adds a custom header, or replaces the value of an existing header
// with the same key while keeping its position. The compiler-owned headers
// From, Subject, Content-Type and X-Mailer are rejected.
func (m *Message) SetHeader(key, value string) error {
	if reservedHeaders[strings.ToLower(key)] {
		return &ConfigurationError{Field: "header", Reason: fmt.Sprintf("%q is a reserved header", key)}
	}
	if key == "" || strings.ContainsAny(key, ": \r\n") {
		return &ConfigurationError{Field: "header", Reason: fmt.Sprintf("invalid header name %q", key)}
	}
	if strings.ContainsAny(value, "\r\n") {
		return &ConfigurationError{Field: "header", Reason: fmt.Sprintf("value of %q contains a line break", key)}
	}

	for i := range m.headers {
		if m.headers[i].key == key {
			m.headers[i].value = value
			return nil
		}
	}
	m.headers = append(m.headers, header{key: key, value: value})
	return nil
}

// Header returns the value of a custom header and whether it is set.
func (m *Message) Header(key string) (string, bool) {
	for _, h := range m.headers {
		if h.key == key {
			return h.value, true
		}
	}
	return "", false
}

// Attach adds the file at path as an attachment. An empty contentType is
// resolved from the file content and extension.
func (m *Message) Attach(path, contentType string) (*Attachment, error) {
	a, err := NewAttachment(path, contentType)
	if err != nil {
		return nil, err
	}
	m.attachments = append(m.attachments, a)
	return a, nil
}

// Attachments returns the attachments in attach order.
func (m *Message) Attachments() []*Attachment {
	return m.attachments
}
