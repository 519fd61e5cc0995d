package smtp

import (
	"errors"
	"fmt"
)

var (
	// ErrTLSNotAvailable is returned when TLS is required but the server does
	// not advertise STARTTLS.
	ErrTLSNotAvailable = errors.New("smtp: server does not support STARTTLS")

	// ErrAuthenticationUnavailable is returned when credentials are configured
	// but the server offers no mechanism this client implements.
	ErrAuthenticationUnavailable = errors.New("smtp: no supported authentication mechanism")
)

// ConnectionError reports a failure to establish or use the connection.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("smtp: connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// UnexpectedResponseError reports a reply code other than the one the
// protocol step requires.
type UnexpectedResponseError struct {
	Command  string
	Expected int
	Got      int
	Response string
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("smtp: %s: expected %d, got %d", e.Command, e.Expected, e.Got)
}

// TLSNegotiationError reports a failed TLS handshake after STARTTLS.
type TLSNegotiationError struct {
	Err error
}

func (e *TLSNegotiationError) Error() string {
	return fmt.Sprintf("smtp: TLS negotiation failed: %v", e.Err)
}

func (e *TLSNegotiationError) Unwrap() error {
	return e.Err
}

// AuthenticationFailedError reports rejected credentials. Response holds the
// last raw server reply.
type AuthenticationFailedError struct {
	Response string
}

func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("smtp: authentication failed: %s", e.Response)
}

// InvalidRecipientError reports a recipient refused during RCPT TO. The whole
// transaction is aborted.
type InvalidRecipientError struct {
	Address string
	Code    int
	Message string
}

func (e *InvalidRecipientError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("smtp: invalid recipient %q: %s", e.Address, e.Message)
	}
	return fmt.Sprintf("smtp: recipient %q rejected (%d): %s", e.Address, e.Code, e.Message)
}

// MessageTooLargeError reports a message exceeding the SIZE limit advertised
// by the server.
type MessageTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("smtp: message of %d bytes exceeds server limit of %d bytes", e.Size, e.Limit)
}
