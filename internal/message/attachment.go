package message

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

// Attachment dispositions.
const (
	DispositionAttachment = "attachment"
	DispositionInline     = "inline"
)

// base64LineLength is the MIME line width for base64 payloads (RFC 2045).
const base64LineLength = 76

// Attachment is a file carried as its own MIME body part.
type Attachment struct {
	path        string
	name        string
	contentType string
	disposition string
	contentID   string
}

// NewAttachment checks that path is readable and resolves its content type.
// An empty contentType triggers detection.
func NewAttachment(path, contentType string) (*Attachment, error) {
	if err := checkReadable(path); err != nil {
		return nil, err
	}

	a := &Attachment{
		path:        path,
		name:        filepath.Base(path),
		contentType: contentType,
		disposition: DispositionAttachment,
	}
	if a.contentType == "" {
		a.contentType = resolveContentType(a.path, a.name)
	}

	return a, nil
}

// SetName overrides the display name, which defaults to the file basename.
func (a *Attachment) SetName(name string) *Attachment {
	a.name = name
	return a
}

// SetContentID sets the Content-ID referenced from HTML bodies and marks the
// attachment inline.
func (a *Attachment) SetContentID(id string) *Attachment {
	a.contentID = id
	a.disposition = DispositionInline
	return a
}

// SetDisposition sets the Content-Disposition to "attachment" or "inline".
func (a *Attachment) SetDisposition(disposition string) error {
	switch disposition {
	case DispositionAttachment, DispositionInline:
		a.disposition = disposition
		return nil
	default:
		return &ConfigurationError{
			Field:  "disposition",
			Reason: fmt.Sprintf("illegal value %q", disposition),
		}
	}
}

// Path returns the file path of the attachment.
func (a *Attachment) Path() string { return a.path }

// Name returns the display name.
func (a *Attachment) Name() string { return a.name }

// ContentType returns the resolved MIME type.
func (a *Attachment) ContentType() string { return a.contentType }

// Disposition returns "attachment" or "inline".
func (a *Attachment) Disposition() string { return a.disposition }

// ContentID returns the Content-ID, if any.
func (a *Attachment) ContentID() string { return a.contentID }

// MIMELines reads the file and returns the body part lines for it: the part
// headers, a blank line and the base64 payload wrapped at 76 characters.
func (a *Attachment) MIMELines() ([]string, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, &AttachmentUnreadableError{Path: a.path, Err: err}
	}
	if len(data) == 0 {
		return nil, &AttachmentUnreadableError{Path: a.path}
	}

	lines := []string{
		fmt.Sprintf("Content-Type: %s; name=%q", a.contentType, a.name),
		"Content-Transfer-Encoding: base64",
		fmt.Sprintf("Content-Disposition: %s", a.disposition),
	}

	id := a.contentID
	if id == "" && a.disposition == DispositionInline {
		id = a.name
	}
	if id != "" {
		lines = append(lines, fmt.Sprintf("Content-ID: <%s>", id))
	}

	lines = append(lines, "")
	lines = append(lines, chunkBase64(data)...)

	return lines, nil
}

// chunkBase64 encodes data and splits it into base64LineLength-wide lines.
func chunkBase64(data []byte) []string {
	encoded := base64.StdEncoding.EncodeToString(data)
	lines := make([]string, 0, len(encoded)/base64LineLength+1)
	for i := 0; i < len(encoded); i += base64LineLength {
		end := min(i+base64LineLength, len(encoded))
		lines = append(lines, encoded[i:end])
	}
	return lines
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &AttachmentUnreadableError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &AttachmentUnreadableError{Path: path, Err: err}
	}
	if info.IsDir() {
		return &AttachmentUnreadableError{Path: path, Err: fmt.Errorf("is a directory")}
	}
	return nil
}
