package smtpd

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// session is a single client connection.
type session struct {
	srv    *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int

	tlsActive bool
	helo      string
	user      string

	// Current transaction
	mailFrom string
	rcptTo   []string
}

func newSession(conn net.Conn, srv *Server) *session {
	return &session{
		srv:    srv,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
	}
}

// handle runs the session until the client quits, goes idle or the
// context is cancelled.
func (s *session) handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP mailer-lite sink", s.srv.config.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		line, err := s.readLine()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.writeLine("421 %s idle timeout, closing connection", s.srv.config.Hostname)
			} else if err != io.EOF {
				s.srv.logger.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		if hook := s.srv.config.OnCommand; hook != nil {
			hook(line)
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.helo = arg
	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.srv.config.Hostname, arg)
		return
	}

	lines := []string{fmt.Sprintf("%s Hello %s", s.srv.config.Hostname, arg)}
	if s.srv.config.TLSConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.srv.auth.Enabled() {
		lines = append(lines, "AUTH "+strings.Join(s.srv.auth.Mechanisms(), " "))
	}
	if s.srv.config.MaxMessageSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", s.srv.config.MaxMessageSize))
	}
	lines = append(lines, "8BITMIME")

	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		s.writeLine("250%s%s", sep, l)
	}
}

// handleSTARTTLS upgrades the connection to TLS. A failed handshake ends
// the session.
func (s *session) handleSTARTTLS() bool {
	if s.srv.config.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return false
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return false
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.srv.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.srv.logger.Error("TLS handshake failed", "error", err)
		return true
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.user = ""
	s.state = stateConnected
	return false
}

func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.srv.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])
	if !s.srv.auth.Supports(mechanism) {
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	var (
		user string
		err  error
	)
	switch mechanism {
	case "PLAIN":
		user, err = s.authPlain(parts)
	case "LOGIN":
		user, err = s.authLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	switch {
	case errors.Is(err, errCancelled):
		s.writeLine("501 Authentication cancelled")
	case err != nil:
		s.writeLine("535 Authentication failed")
	default:
		s.user = user
		s.state = stateAuthOK
		s.writeLine("235 Authentication successful")
	}
}

var errCancelled = errors.New("smtpd: authentication cancelled")

func (s *session) authPlain(parts []string) (string, error) {
	var encoded string
	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		line, err := s.challenge("")
		if err != nil {
			return "", err
		}
		encoded = line
	}
	return s.srv.auth.VerifyPlain(encoded)
}

func (s *session) authLogin() (string, error) {
	user, err := s.challenge("VXNlcm5hbWU6") // "Username:"
	if err != nil {
		return "", err
	}
	pass, err := s.challenge("UGFzc3dvcmQ6") // "Password:"
	if err != nil {
		return "", err
	}
	return s.srv.auth.VerifyLogin(user, pass)
}

// challenge sends a 334 prompt and reads the client answer.
func (s *session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.writeLine("334 ")
	} else {
		s.writeLine("334 %s", prompt)
	}
	line, err := s.readLine()
	if err != nil {
		return "", err
	}
	if line == "*" {
		return "", errCancelled
	}
	return line, nil
}

func (s *session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.srv.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	// The null reverse-path "<>" is valid for bounces.
	addr, ok := extractAddress(arg[5:])
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.resetTransaction()
	s.mailFrom = addr
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, ok := extractAddress(arg[3:])
	if !ok || addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	if filter := s.srv.config.RecipientFilter; filter != nil {
		if reply := filter(addr); reply != nil {
			s.writeLine("%d %s", reply.Code, reply.Message)
			return
		}
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message up to the lone dot and hands it to the
// Handler. Oversized messages are read to the end and refused with 552.
func (s *session) handleDATA(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	limit := s.srv.config.MaxMessageSize
	var (
		data     []byte
		overflow bool
	)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.srv.config.IdleTimeout)); err != nil {
			return true
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.srv.logger.Error("error reading DATA", "error", err)
			return true
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Dot-stuffing: lines starting with ".." have the leading dot removed
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		if overflow {
			continue
		}
		data = append(data, line...)
		if limit > 0 && int64(len(data)) > limit {
			overflow = true
			data = nil
		}
	}

	if overflow {
		s.writeLine("552 Message exceeds fixed maximum message size")
		s.resetTransaction()
		return false
	}

	env := &Envelope{
		ID:         uuid.NewString(),
		RemoteAddr: s.conn.RemoteAddr().String(),
		Hostname:   s.helo,
		User:       s.user,
		TLS:        s.tlsActive,
		From:       s.mailFrom,
		To:         append([]string(nil), s.rcptTo...),
		Data:       data,
	}

	if h := s.srv.config.Handler; h != nil {
		if err := h(ctx, env); err != nil {
			var reply *Reply
			if errors.As(err, &reply) {
				s.writeLine("%d %s", reply.Code, reply.Message)
			} else {
				s.srv.logger.Error("message handler failed", "error", err)
				s.writeLine("451 Temporary failure, please try again later")
			}
			s.resetTransaction()
			return false
		}
	}

	s.writeLine("250 OK queued as %s", env.ID)
	s.resetTransaction()
	return false
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.srv.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// readLine reads one command line under the idle deadline. Both CRLF and
// bare LF terminate a line.
func (s *session) readLine() (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.srv.config.IdleTimeout)); err != nil {
		return "", err
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		s.srv.logger.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.srv.logger.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats. ESMTP parameters after the
// address are ignored.
func extractAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", false
		}
		return s[1:end], true
	}

	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0], true
	}
	return "", false
}
