package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shineum/mailer-lite/internal/smtpd"
)

func TestHandler_StoresMessage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	h := newHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), dir)

	env := &smtpd.Envelope{
		ID:   "abc-123",
		From: "a@example.com",
		To:   []string{"b@example.com"},
		Data: []byte("Subject: hi\r\n\r\nbody\r\n"),
	}
	if err := h(context.Background(), env); err != nil {
		t.Fatalf("handler: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*-abc-123.eml"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("got %v, %v; want one stored file", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(env.Data) {
		t.Errorf("got %q, want %q", data, env.Data)
	}
}

func TestHandler_LogOnly(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	h := newHandler(slog.New(slog.NewTextHandler(&buf, nil)), "")

	if err := h(context.Background(), &smtpd.Envelope{ID: "x1", From: "a@example.com"}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !strings.Contains(buf.String(), "id=x1") {
		t.Errorf("log missing id: %q", buf.String())
	}
}

func TestHandler_StorageError(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "missing")
	h := newHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), dir)

	err := h(context.Background(), &smtpd.Envelope{ID: "x2", Data: []byte("x")})
	var reply *smtpd.Reply
	if !errors.As(err, &reply) || reply.Code != 451 {
		t.Fatalf("got %v, want 451 reply", err)
	}
}
