package message

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// defaultContentType is used when neither introspection nor the extension
// table can classify a file.
const defaultContentType = "application/octet-stream"

// extensionTypes maps lower-case file extensions to their canonical MIME types.
var extensionTypes = map[string]string{
	"txt":  "text/plain",
	"zip":  "application/zip",
	"tar":  "application/x-tar",
	"pdf":  "application/pdf",
	"psd":  "image/vnd.adobe.photoshop",
	"swf":  "application/x-shockwave-flash",
	"odt":  "application/vnd.oasis.opendocument.text",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"doc":  "application/msword",
	"avi":  "video/x-msvideo",
	"mp4":  "video/mp4",
	"jpeg": "image/jpeg",
	"jpg":  "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"svg":  "image/svg+xml",
}

// FileType returns the MIME type suggested by the extension of fileName,
// falling back to application/octet-stream.
func FileType(fileName string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	return defaultContentType
}

// resolveContentType classifies the file at path. Content introspection wins
// unless it only yields the generic binary fallback, in which case the
// extension of name decides.
func resolveContentType(path, name string) string {
	if detected := detectContentType(path); detected != "" {
		return detected
	}
	return FileType(name)
}

// detectContentType sniffs the file content. It returns an empty string when
// the file cannot be sniffed or the result carries no information.
func detectContentType(path string) string {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}

	mediaType, _, err := mime.ParseMediaType(m.String())
	if err != nil || mediaType == defaultContentType {
		return ""
	}
	return mediaType
}
