// Package smtp implements an SMTP transport that keeps one session to a relay
// and delivers compiled messages over it.
package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/shineum/mailer-lite/internal/message"
	"github.com/shineum/mailer-lite/internal/transport"
)

// defaultTimeout bounds the dial and every command round-trip.
const defaultTimeout = 10 * time.Second

// probeTimeout is how long the liveness probe waits for unsolicited input
// on an idle connection.
const probeTimeout = 50 * time.Millisecond

// State is the position of a Session in its connection life cycle.
type State int

// Session states.
const (
	StateDisconnected State = iota
	StateConnected
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Config holds the configuration for an SMTP session.
type Config struct {
	// Host and Port locate the relay. Port defaults to 25.
	Host string
	Port int

	// Timeout bounds the dial and each command round-trip.
	Timeout time.Duration

	// ServerName is announced in EHLO. Defaults to the local hostname.
	ServerName string

	// EOL terminates every command line. Defaults to CRLF.
	EOL string

	// RequireTLS upgrades the session with STARTTLS and fails when the server
	// does not offer it.
	RequireTLS bool

	// TLSConfig is used for the STARTTLS handshake. If nil, the host is
	// verified against the system roots.
	TLSConfig *tls.Config

	// Username and Password enable AUTH LOGIN. If both are empty the session
	// does not authenticate, and a server advertising no AUTH mechanism at
	// all is accepted.
	Username string
	Password string

	// KeepAlive skips QUIT after a send so the session can be reused.
	KeepAlive bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithDialer sets a custom net.Dialer for the connection.
func WithDialer(d *net.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// response is one, possibly multi-line, server reply.
type response struct {
	code  int
	lines []string
	raw   string
}

// text returns the reply text without codes.
func (r response) text() string {
	return strings.Join(r.lines, "\n")
}

// Session is an SMTP client bound to a single relay. It owns at most one
// connection and serializes Send calls on it.
type Session struct {
	mu     sync.Mutex
	cfg    Config
	addr   string
	logger *slog.Logger
	dialer *net.Dialer

	conn  net.Conn
	text  *textproto.Reader
	buf   *bufio.Reader
	w     *bufio.Writer
	state State
	caps  Capabilities

	lastResponse     string
	lastResponseCode int
}

// New creates a disconnected Session. The connection is opened lazily by the
// first Send.
func New(cfg Config, opts ...Option) *Session {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.EOL == "" {
		cfg.EOL = message.EOLCRLF
	}
	if cfg.ServerName == "" {
		cfg.ServerName = localName()
	}

	s := &Session{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		logger: slog.Default(),
		dialer: &net.Dialer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the transport name.
func (s *Session) Name() string {
	return "smtp"
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns the snapshot from the last EHLO exchange.
func (s *Session) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// LastResponse returns the raw text of the last server reply.
func (s *Session) LastResponse() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResponse
}

// LastResponseCode returns the code of the last server reply, -1 when the
// reply could not be parsed.
func (s *Session) LastResponseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResponseCode
}

// Send delivers msg to every recipient in a single SMTP transaction. Any
// rejected recipient aborts the transaction, so on success the count is
// always len(recipients).
func (s *Session) Send(ctx context.Context, msg *message.Compiled, recipients []string) (int, error) {
	if err := transport.CheckRecipients(recipients); err != nil {
		return 0, err
	}
	for _, rcpt := range recipients {
		if !validAddress(rcpt) {
			return 0, &InvalidRecipientError{Address: rcpt, Message: "malformed address"}
		}
	}
	if !validAddress(msg.SenderEmail()) && msg.SenderEmail() != "" {
		return 0, fmt.Errorf("smtp: malformed sender address %q", msg.SenderEmail())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return 0, err
	}

	count, err := s.transaction(ctx, msg, recipients)
	if err != nil {
		s.logger.Debug("smtp transaction failed, closing session",
			"addr", s.addr,
			"error", err,
		)
		s.drop()
		return 0, err
	}

	if !s.cfg.KeepAlive {
		s.quit()
	}

	return count, nil
}

// Close ends the session with QUIT and releases the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.quit()
	}
	return nil
}

// transaction runs RSET, MAIL FROM, RCPT TO and DATA on a ready session.
func (s *Session) transaction(ctx context.Context, msg *message.Compiled, recipients []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// RSET clears any leftover transaction; its reply is not checked.
	if _, err := s.cmd("RSET", 0); err != nil {
		return 0, err
	}

	if _, err := s.cmd(fmt.Sprintf("MAIL FROM:<%s>", msg.SenderEmail()), 250); err != nil {
		return 0, err
	}

	count := 0
	for _, rcpt := range recipients {
		resp, err := s.cmd(fmt.Sprintf("RCPT TO:<%s>", rcpt), 0)
		if err != nil {
			return 0, err
		}
		if resp.code != 250 {
			return 0, &InvalidRecipientError{
				Address: rcpt,
				Code:    resp.code,
				Message: resp.text(),
			}
		}
		count++
	}

	size := int64(msg.Size())
	if limit := s.caps.MaxSize; limit > 0 && size > limit {
		return 0, &MessageTooLargeError{Size: size, Limit: limit}
	}

	if _, err := s.cmd("DATA", 354); err != nil {
		return 0, err
	}
	if err := s.writeData(msg.Bytes()); err != nil {
		return 0, err
	}
	if _, err := s.expect(".", 250); err != nil {
		return 0, err
	}

	s.logger.Debug("smtp message accepted",
		"addr", s.addr,
		"recipients", count,
		"size", size,
	)

	return count, nil
}

// ensureConnected opens a session, or revives the existing one. A stale
// session is replaced by exactly one fresh connection.
func (s *Session) ensureConnected(ctx context.Context) error {
	if s.conn != nil {
		if s.alive() {
			return nil
		}
		s.logger.Info("smtp session is stale, reconnecting", "addr", s.addr)
		s.drop()
	}
	return s.connect(ctx)
}

// alive probes an open connection. An idle connection has nothing to read;
// pending input or EOF means the server may have given up on us, which is
// confirmed with NOOP.
func (s *Session) alive() bool {
	if err := s.conn.SetReadDeadline(time.Now().Add(probeTimeout)); err != nil {
		return false
	}
	_, err := s.buf.Peek(1)
	if resetErr := s.conn.SetReadDeadline(time.Time{}); resetErr != nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	_, err = s.cmd("NOOP", 250)
	return err == nil
}

// connect dials the relay and runs greeting, EHLO, optional STARTTLS and
// authentication. The connection is released on any failure.
func (s *Session) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	conn, err := s.dialer.DialContext(dialCtx, "tcp", s.addr)
	if err != nil {
		return &ConnectionError{Addr: s.addr, Err: err}
	}
	s.attach(conn)
	s.state = StateConnected

	if err := s.handshake(ctx); err != nil {
		s.drop()
		return err
	}

	s.state = StateReady
	s.logger.Debug("smtp session ready",
		"addr", s.addr,
		"tls", s.cfg.RequireTLS,
		"max_size", s.caps.MaxSize,
	)
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	if err := s.setDeadline(); err != nil {
		return err
	}
	greeting, err := s.read()
	if err != nil {
		return err
	}
	if greeting.code != 220 {
		return &UnexpectedResponseError{
			Command:  "CONNECT",
			Expected: 220,
			Got:      greeting.code,
			Response: greeting.raw,
		}
	}

	if err := s.ehlo(); err != nil {
		return err
	}

	if s.cfg.RequireTLS {
		if err := s.startTLS(ctx); err != nil {
			return err
		}
	}

	return s.authenticate()
}

// ehlo sends EHLO and replaces the capability snapshot with a fresh one.
func (s *Session) ehlo() error {
	s.caps = Capabilities{}
	resp, err := s.cmd("EHLO "+s.cfg.ServerName, 250)
	if err != nil {
		return err
	}
	s.caps = parseCapabilities(resp.lines)
	return nil
}

// startTLS upgrades the connection in place and repeats EHLO, since
// capabilities advertised in plaintext are not trusted.
func (s *Session) startTLS(ctx context.Context) error {
	if !s.caps.StartTLS {
		return ErrTLSNotAvailable
	}

	if _, err := s.cmd("STARTTLS", 220); err != nil {
		return err
	}

	var cfg *tls.Config
	if s.cfg.TLSConfig != nil {
		cfg = s.cfg.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = s.cfg.Host
	}

	tlsConn := tls.Client(s.conn, cfg)
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		return &TLSNegotiationError{Err: err}
	}
	s.attach(tlsConn)

	return s.ehlo()
}

// authenticate runs AUTH LOGIN. Any unexpected reply during the exchange is
// reported as a single AuthenticationFailedError.
func (s *Session) authenticate() error {
	if s.cfg.Username == "" && s.cfg.Password == "" {
		return nil
	}

	switch {
	case s.caps.AuthLogin:
	case s.caps.AuthPlain:
		return fmt.Errorf("%w: server only offers PLAIN", ErrAuthenticationUnavailable)
	default:
		return ErrAuthenticationUnavailable
	}

	// Prompt texts vary between servers; only reply codes are checked.
	mech, username, err := sasl.NewLoginClient(s.cfg.Username, s.cfg.Password).Start()
	if err != nil {
		return fmt.Errorf("smtp: starting %s: %w", mech, err)
	}

	if _, err := s.cmd("AUTH "+mech, 334); err != nil {
		return s.authError(err)
	}
	if _, err := s.expectLine("AUTH", base64.StdEncoding.EncodeToString(username), 334); err != nil {
		return s.authError(err)
	}
	if _, err := s.expectLine("AUTH", base64.StdEncoding.EncodeToString([]byte(s.cfg.Password)), 235); err != nil {
		return s.authError(err)
	}

	s.logger.Debug("smtp authenticated", "addr", s.addr, "mechanism", mech)
	return nil
}

func (s *Session) authError(err error) error {
	var unexpected *UnexpectedResponseError
	if errors.As(err, &unexpected) {
		return &AuthenticationFailedError{Response: s.lastResponse}
	}
	return err
}

// cmd sends line and reads the reply. A non-zero expect turns any other code
// into an UnexpectedResponseError.
func (s *Session) cmd(line string, expect int) (response, error) {
	return s.expectLine(commandLabel(line), line, expect)
}

// expectLine is cmd with an explicit label for errors and logs, so that
// credentials never show up in either.
func (s *Session) expectLine(label, line string, expect int) (response, error) {
	if err := s.write(line); err != nil {
		return response{}, err
	}
	return s.expect(label, expect)
}

func (s *Session) expect(label string, expect int) (response, error) {
	resp, err := s.read()
	if err != nil {
		return resp, err
	}

	s.logger.Debug("smtp reply", "command", label, "code", resp.code)

	if expect > 0 && resp.code != expect {
		return resp, &UnexpectedResponseError{
			Command:  label,
			Expected: expect,
			Got:      resp.code,
			Response: resp.raw,
		}
	}
	return resp, nil
}

func (s *Session) write(line string) error {
	if err := s.setDeadline(); err != nil {
		return err
	}
	if _, err := s.w.WriteString(line + s.cfg.EOL); err != nil {
		return &ConnectionError{Addr: s.addr, Err: err}
	}
	if err := s.w.Flush(); err != nil {
		return &ConnectionError{Addr: s.addr, Err: err}
	}
	return nil
}

// writeData sends the message body with dot-stuffing and the end-of-data
// marker.
func (s *Session) writeData(data []byte) error {
	if err := s.setDeadline(); err != nil {
		return err
	}
	dw := textproto.NewWriter(s.w).DotWriter()
	if _, err := dw.Write(data); err != nil {
		return &ConnectionError{Addr: s.addr, Err: err}
	}
	if err := dw.Close(); err != nil {
		return &ConnectionError{Addr: s.addr, Err: err}
	}
	return nil
}

// read reads one reply, joining continuation lines ("250-...").
func (s *Session) read() (response, error) {
	var (
		resp response
		raw  []string
	)

	for {
		line, err := s.text.ReadLine()
		if err != nil {
			return resp, &ConnectionError{Addr: s.addr, Err: err}
		}
		raw = append(raw, line)

		code, err := strconv.Atoi(safePrefix(line, 3))
		if err != nil || code < 100 || code > 599 {
			resp.code = -1
			break
		}
		resp.code = code
		if len(line) > 4 {
			resp.lines = append(resp.lines, line[4:])
		} else {
			resp.lines = append(resp.lines, "")
		}
		if len(line) == 3 || line[3] != '-' {
			break
		}
	}

	resp.raw = strings.Join(raw, "\n")
	s.lastResponse = resp.raw
	s.lastResponseCode = resp.code
	return resp, nil
}

func (s *Session) setDeadline() error {
	if err := s.conn.SetDeadline(time.Now().Add(s.cfg.Timeout)); err != nil {
		return &ConnectionError{Addr: s.addr, Err: err}
	}
	return nil
}

func (s *Session) attach(conn net.Conn) {
	s.conn = conn
	s.buf = bufio.NewReader(conn)
	s.text = textproto.NewReader(s.buf)
	s.w = bufio.NewWriter(conn)
}

// quit sends QUIT without waiting for the reply and releases the connection.
func (s *Session) quit() {
	_ = s.write("QUIT")
	s.drop()
}

// drop releases the connection and forgets everything learned from it.
func (s *Session) drop() {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("smtp close failed", "addr", s.addr, "error", err)
		}
	}
	s.conn = nil
	s.buf = nil
	s.text = nil
	s.w = nil
	s.caps = Capabilities{}
	s.state = StateDisconnected
}

// commandLabel names a command line for errors: the text before the first
// colon for MAIL FROM/RCPT TO, otherwise the first word.
func commandLabel(line string) string {
	if before, _, found := strings.Cut(line, ":"); found {
		return before
	}
	if before, _, found := strings.Cut(line, " "); found {
		return before
	}
	return line
}

func safePrefix(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

// validAddress rejects addresses that would break the command line.
func validAddress(addr string) bool {
	return addr != "" && !strings.ContainsAny(addr, "<>\r\n")
}

func localName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "localhost.localdomain"
}
