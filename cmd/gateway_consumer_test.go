package cmd

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"shorter than limit", "hello", 10, "hello"},
		{"exactly at limit", "hello", 5, "hello"},
		{"ascii cut", "hello world", 5, "hello"},
		{"multibyte kept whole", "héllo", 3, "hé"}, // é is 2 bytes, cut lands after it
		{"multibyte cut mid-rune", "日本語", 4, "日"},  // each rune is 3 bytes
		{"emoji cut mid-rune", "ab🎉cd", 4, "ab"},   // 🎉 is 4 bytes starting at offset 2
		{"empty", "", 5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateUTF8(tt.in, tt.max)
			if got != tt.want {
				t.Errorf("truncateUTF8(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncateUTF8(%q, %d) = %q is not valid UTF-8", tt.in, tt.max, got)
			}
		})
	}
}

func TestTruncateUTF8_LongMultibyte(t *testing.T) {
	s := strings.Repeat("語", 100)
	got := truncateUTF8(s, 32)
	if len(got) > 32 {
		t.Fatalf("truncated length = %d, want <= 32", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("result %q is not valid UTF-8", got)
	}
	if got != strings.Repeat("語", 10) {
		t.Errorf("got %q, want 10 whole runes", got)
	}
}
