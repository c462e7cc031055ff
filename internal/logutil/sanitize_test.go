package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "ls -la", "ls -la"},
		{"newlines", "echo a\r\nfake entry\n", "echo a fake entry "},
		{"tabs", "a\tb", "a b"},
		{"control chars", "a\x00b\x07c\x7f", "abc"},
		{"color escape", "\x1b[01;32muser@host\x1b[00m:~$ ", "user@host:~$ "},
		{"title escape", "\x1b]0;user@host: ~\x07$ ", "$ "},
		{"unicode", "héllo", "héllo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.in); got != tt.want {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeForLog_Truncates(t *testing.T) {
	got := SanitizeForLog(strings.Repeat("x", MaxFieldLen*2))
	if len(got) != MaxFieldLen {
		t.Fatalf("expected length %d, got %d", MaxFieldLen, len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected truncation marker, got %q", got[len(got)-5:])
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	got := Truncate("ééééé", 6)
	if got != "é..." {
		t.Errorf("Truncate = %q, want %q", got, "é...")
	}
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate = %q, want unchanged", got)
	}
}
