package message

import "fmt"

// ConfigurationError reports an invalid message setting, such as a reserved
// header name or an unknown attachment disposition.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("message configuration: %s: %s", e.Field, e.Reason)
}

// AttachmentUnreadableError reports an attachment file that could not be read,
// either when it was attached or when the message was compiled.
type AttachmentUnreadableError struct {
	Path string
	Err  error
}

func (e *AttachmentUnreadableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("attachment %q is not readable: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("attachment %q is not readable", e.Path)
}

func (e *AttachmentUnreadableError) Unwrap() error {
	return e.Err
}
