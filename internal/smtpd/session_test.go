package smtpd

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// capture records envelopes handed to the Handler.
type capture struct {
	mu   sync.Mutex
	envs []*Envelope
}

func (c *capture) handle(_ context.Context, env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *capture) all() []*Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Envelope(nil), c.envs...)
}

// connPair creates a connected pair of net.Conn for testing SMTP sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// startSession runs a session for cfg and returns the client side with the
// greeting already consumed.
func startSession(t *testing.T, cfg ServerConfig) (net.Conn, *bufio.Reader) {
	t.Helper()

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	go newSession(server, New(cfg)).handle(ctx)

	reader := bufio.NewReader(client)
	if greeting := readLine(t, reader); !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("greeting: got %q, want prefix '220 '", greeting)
	}
	return client, reader
}

// readLine reads a line from a buffered reader.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readReply reads a possibly multi-line reply.
func readReply(t *testing.T, reader *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if len(line) < 4 || line[3] != '-' {
			return lines
		}
	}
}

// sendCmd sends a command to the SMTP session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// expectCode sends cmd and checks the reply code.
func expectCode(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd, code string) []string {
	t.Helper()
	sendCmd(t, conn, cmd)
	reply := readReply(t, reader)
	if last := reply[len(reply)-1]; !strings.HasPrefix(last, code) {
		t.Fatalf("%s: got %q, want %s", cmd, last, code)
	}
	return reply
}

func TestSession_EHLO(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{
		Hostname:       "mail.test.com",
		AuthUsername:   "user",
		AuthPassword:   "pass",
		MaxMessageSize: 2048,
	})

	reply := expectCode(t, client, reader, "EHLO client.test.com", "250 ")
	joined := strings.Join(reply, "\n")

	for _, want := range []string{"mail.test.com", "AUTH PLAIN LOGIN", "SIZE 2048", "8BITMIME"} {
		if !strings.Contains(joined, want) {
			t.Errorf("EHLO reply missing %q:\n%s", want, joined)
		}
	}
	if strings.Contains(joined, "STARTTLS") {
		t.Error("STARTTLS advertised without TLS config")
	}
}

func TestSession_EHLO_Variants(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{
		AuthUsername:   "user",
		AuthPassword:   "pass",
		AuthMechanisms: []string{"PLAIN"},
		MaxMessageSize: -1,
	})

	expectCode(t, client, reader, "EHLO", "501")
	reply := expectCode(t, client, reader, "EHLO client.test.com", "250 ")
	joined := strings.Join(reply, "\n")
	if !strings.Contains(joined, "AUTH PLAIN") || strings.Contains(joined, "LOGIN") {
		t.Errorf("expected PLAIN only:\n%s", joined)
	}
	if strings.Contains(joined, "SIZE") {
		t.Errorf("SIZE advertised although disabled:\n%s", joined)
	}
	expectCode(t, client, reader, "HELO client.test.com", "250 ")
}

func TestSession_MailTransaction(t *testing.T) {
	t.Parallel()

	var got capture
	client, reader := startSession(t, ServerConfig{Handler: got.handle})

	expectCode(t, client, reader, "EHLO client.test.com", "250 ")
	expectCode(t, client, reader, "MAIL FROM:<sender@example.com> SIZE=100", "250")
	expectCode(t, client, reader, "RCPT TO:<one@example.com>", "250")
	expectCode(t, client, reader, "RCPT TO:two@example.com", "250")
	expectCode(t, client, reader, "DATA", "354")

	sendCmd(t, client, "Subject: Test\r\n\r\n..leading dot\nbare LF line\r\n.")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "250") {
		t.Fatalf("end of data: got %q, want 250", reply)
	}
	expectCode(t, client, reader, "QUIT", "221")

	envs := got.all()
	if len(envs) != 1 {
		t.Fatalf("envelopes: got %d, want 1", len(envs))
	}
	env := envs[0]
	if env.From != "sender@example.com" {
		t.Errorf("From: got %q, want %q", env.From, "sender@example.com")
	}
	if strings.Join(env.To, ",") != "one@example.com,two@example.com" {
		t.Errorf("To: got %v", env.To)
	}
	want := "Subject: Test\r\n\r\n.leading dot\nbare LF line\r\n"
	if string(env.Data) != want {
		t.Errorf("Data: got %q, want %q", env.Data, want)
	}
	if env.ID == "" {
		t.Error("ID should be set")
	}
	if env.Hostname != "client.test.com" {
		t.Errorf("Hostname: got %q", env.Hostname)
	}
}

func TestSession_StateOrderEnforcement(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{})

	expectCode(t, client, reader, "MAIL FROM:<sender@example.com>", "503")
	expectCode(t, client, reader, "EHLO client.test.com", "250 ")
	expectCode(t, client, reader, "RCPT TO:<recipient@example.com>", "503")
	expectCode(t, client, reader, "DATA", "503")
	expectCode(t, client, reader, "MAIL FROM:<sender@example.com>", "250")
	expectCode(t, client, reader, "RSET", "250")
	expectCode(t, client, reader, "RCPT TO:<recipient@example.com>", "503")
	expectCode(t, client, reader, "NOOP", "250")
	expectCode(t, client, reader, "INVALID", "500")
}

func TestSession_AuthRequired(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{AuthUsername: "user", AuthPassword: "pass"})

	expectCode(t, client, reader, "AUTH PLAIN "+b64("\x00user\x00pass"), "503")
	expectCode(t, client, reader, "EHLO client.test.com", "250 ")
	expectCode(t, client, reader, "MAIL FROM:<sender@example.com>", "530")
	expectCode(t, client, reader, "AUTH CRAM-MD5", "504")
	expectCode(t, client, reader, "AUTH PLAIN "+b64("\x00user\x00wrong"), "535")
	expectCode(t, client, reader, "AUTH PLAIN "+b64("\x00user\x00pass"), "235")
	expectCode(t, client, reader, "MAIL FROM:<sender@example.com>", "250")
}

func TestSession_AuthLogin(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{AuthUsername: "user", AuthPassword: "pass"})

	expectCode(t, client, reader, "EHLO client.test.com", "250 ")
	if reply := expectCode(t, client, reader, "AUTH LOGIN", "334"); reply[0] != "334 VXNlcm5hbWU6" {
		t.Errorf("username prompt: got %q", reply[0])
	}
	expectCode(t, client, reader, b64("user"), "334")
	expectCode(t, client, reader, b64("pass"), "235")
	expectCode(t, client, reader, "AUTH LOGIN", "503")
}

func TestSession_AuthCancelled(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{AuthUsername: "user", AuthPassword: "pass"})

	expectCode(t, client, reader, "EHLO client.test.com", "250 ")
	expectCode(t, client, reader, "AUTH LOGIN", "334")
	expectCode(t, client, reader, "*", "501")
}

func TestSession_RecipientFilter(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{
		RecipientFilter: func(addr string) *Reply {
			if strings.HasPrefix(addr, "bad") {
				return &Reply{Code: 550, Message: "No such user"}
			}
			return nil
		},
	})

	expectCode(t, client, reader, "EHLO client.test.com", "250 ")
	expectCode(t, client, reader, "MAIL FROM:<sender@example.com>", "250")
	if reply := expectCode(t, client, reader, "RCPT TO:<bad@example.com>", "550"); reply[0] != "550 No such user" {
		t.Errorf("reply: got %q", reply[0])
	}
	expectCode(t, client, reader, "RCPT TO:<good@example.com>", "250")
}

func TestSession_MessageTooLarge(t *testing.T) {
	t.Parallel()

	var got capture
	client, reader := startSession(t, ServerConfig{MaxMessageSize: 16, Handler: got.handle})

	expectCode(t, client, reader, "EHLO client.test.com", "250 ")
	expectCode(t, client, reader, "MAIL FROM:<sender@example.com>", "250")
	expectCode(t, client, reader, "RCPT TO:<rcpt@example.com>", "250")
	expectCode(t, client, reader, "DATA", "354")
	expectCode(t, client, reader, strings.Repeat("x", 64)+"\r\n.", "552")

	if n := len(got.all()); n != 0 {
		t.Errorf("envelopes: got %d, want 0", n)
	}
}

func TestSession_HandlerReply(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{
		Handler: func(context.Context, *Envelope) error {
			return &Reply{Code: 554, Message: "Rejected"}
		},
	})

	expectCode(t, client, reader, "EHLO client.test.com", "250 ")
	expectCode(t, client, reader, "MAIL FROM:<>", "250")
	expectCode(t, client, reader, "RCPT TO:<rcpt@example.com>", "250")
	expectCode(t, client, reader, "DATA", "354")
	expectCode(t, client, reader, "body\r\n.", "554")
}

func TestSession_IdleTimeout(t *testing.T) {
	t.Parallel()

	_, reader := startSession(t, ServerConfig{IdleTimeout: 50 * time.Millisecond})

	if line := readLine(t, reader); !strings.HasPrefix(line, "421 ") {
		t.Errorf("idle reply: got %q, want 421", line)
	}
}

func TestSession_OnCommand(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []string
	)
	client, reader := startSession(t, ServerConfig{
		OnCommand: func(line string) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, line)
		},
	})

	expectCode(t, client, reader, "EHLO client.test.com", "250 ")
	expectCode(t, client, reader, "NOOP", "250")

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(seen, "|") != "EHLO client.test.com|NOOP" {
		t.Errorf("observed commands: got %v", seen)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantCmd string
		wantArg string
	}{
		{"EHLO client.test.com", "EHLO", "client.test.com"},
		{"mail FROM:<a@b.com>", "MAIL", "FROM:<a@b.com>"},
		{"QUIT", "QUIT", ""},
		{"AUTH PLAIN dGVzdA==", "AUTH", "PLAIN dGVzdA=="},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			cmd, arg := parseCommand(tt.input)
			if cmd != tt.wantCmd {
				t.Errorf("cmd: got %q, want %q", cmd, tt.wantCmd)
			}
			if arg != tt.wantArg {
				t.Errorf("arg: got %q, want %q", arg, tt.wantArg)
			}
		})
	}
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input  string
		want   string
		wantOK bool
	}{
		{"<user@example.com>", "user@example.com", true},
		{" <user@example.com> SIZE=10", "user@example.com", true},
		{"user@example.com", "user@example.com", true},
		{"<>", "", true},
		{"<broken", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, ok := extractAddress(tt.input)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("extractAddress(%q): got (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
