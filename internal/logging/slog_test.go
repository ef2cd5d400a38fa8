package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestWithOperation(t *testing.T) {
	if WithOperation(slog.Default(), "broadcast.create") == nil {
		t.Error("WithOperation returned nil")
	}
}

func TestWithWorkspace(t *testing.T) {
	var buf bytes.Buffer
	logger := WithWorkspace(slog.New(slog.NewTextHandler(&buf, nil)), "ws-1")
	logger.Info("hello")
	if !strings.Contains(buf.String(), "workspace=ws-1") {
		t.Errorf("log output %q does not contain workspace attribute", buf.String())
	}
}

func TestAttrs(t *testing.T) {
	tests := []struct {
		name    string
		attr    slog.Attr
		wantKey string
		wantVal string
	}{
		{"operation", Operation("create"), KeyOperation, "create"},
		{"workspace", Workspace("w1"), KeyWorkspace, "w1"},
		{"account", Account("acct-1"), KeyAccount, "acct-1"},
		{"event uid", EventUID("abcd1234"), KeyEventUID, "abcd1234"},
		{"reason", Reason("credential"), KeyReason, "credential"},
		{"tool", Tool("events_create"), KeyTool, "events_create"},
		{"status", Status(StatusSuccess), KeyStatus, "success"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.attr.Key != tt.wantKey {
				t.Errorf("key = %q, want %q", tt.attr.Key, tt.wantKey)
			}
			if tt.attr.Value.String() != tt.wantVal {
				t.Errorf("value = %q, want %q", tt.attr.Value.String(), tt.wantVal)
			}
		})
	}
}

func TestErr(t *testing.T) {
	attr := Err(errors.New("boom"))
	if attr.Key != KeyError || attr.Value.String() != "boom" {
		t.Errorf("Err() = %v", attr)
	}

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("msg", Err(nil))
	if strings.Contains(buf.String(), KeyError) {
		t.Errorf("Err(nil) should be omitted, got %q", buf.String())
	}
}

func TestAnonymizeEmail(t *testing.T) {
	if got := AnonymizeEmail(""); got != "" {
		t.Errorf("AnonymizeEmail(\"\") = %q, want empty", got)
	}

	a := AnonymizeEmail("Alice@Example.com")
	b := AnonymizeEmail("alice@example.com")
	if a != b {
		t.Errorf("AnonymizeEmail should be case-insensitive: %q != %q", a, b)
	}
	if !strings.HasPrefix(a, "user:") || strings.Contains(a, "alice") {
		t.Errorf("AnonymizeEmail() = %q, leaks or has wrong prefix", a)
	}
	if AnonymizeEmail("bob@example.com") == a {
		t.Error("different emails produced the same hash")
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := SanitizeToken(""); got != "<empty>" {
		t.Errorf("SanitizeToken(\"\") = %q", got)
	}
	if got := SanitizeToken("ya29.secret"); got != "[token:11 chars]" {
		t.Errorf("SanitizeToken() = %q", got)
	}
}

func TestExtractDomain(t *testing.T) {
	tests := map[string]string{
		"user@example.com": "example.com",
		"nodomain":         "",
		"":                 "",
		"a@b@c":            "",
	}
	for in, want := range tests {
		if got := ExtractDomain(in); got != want {
			t.Errorf("ExtractDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "json", "debug")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Debug("probe", Workspace("w1"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["workspace"] != "w1" {
		t.Errorf("workspace = %v, want w1", rec["workspace"])
	}

	if _, err := New(&buf, "xml", "info"); err == nil {
		t.Error("New() with unknown format should fail")
	}
	if _, err := New(&buf, "text", "loud"); err == nil {
		t.Error("New() with unknown level should fail")
	}
}
