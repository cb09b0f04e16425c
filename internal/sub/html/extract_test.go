package html

import (
	"strings"
	"testing"
)

func pad(prefix string, total int) string {
	return prefix + strings.Repeat("a", total-len(prefix))
}

func TestExtract_LengthFilter(t *testing.T) {
	short := pad("vmess://", 40)
	long := pad("trojan://", 120)
	page := `<html><body><p>` + short + `</p><a href="` + long + `">node</a></body></html>`

	got := Extract(page)
	if len(got) != 1 {
		t.Fatalf("len=%d, want 1: %q", len(got), got)
	}
	if got[0] != long {
		t.Fatalf("got %q, want the trojan token", got[0])
	}
}

func TestExtract_BoundaryIsExclusive(t *testing.T) {
	exact := pad("ss://", MinURILength)
	over := pad("ss://b", MinURILength+1)
	got := Extract(exact + "\n" + over)
	if len(got) != 1 || got[0] != over {
		t.Fatalf("got %q, want only the %d-char token", got, MinURILength+1)
	}
}

func TestExtract_DedupAndEntityDecoding(t *testing.T) {
	u := pad("vless://uuid@h.example:443?type=ws&amp;security=tls&AMP;path=%2F", 100)
	text := u + " " + u + "\t'" + u + "'"

	got := Extract(text)
	if len(got) != 1 {
		t.Fatalf("len=%d, want 1: %q", len(got), got)
	}
	if strings.Contains(strings.ToLower(got[0]), "&amp;") {
		t.Fatalf("entity not decoded: %q", got[0])
	}
	if !strings.Contains(got[0], "type=ws&security=tls&path=%2F") {
		t.Fatalf("unexpected decoded token: %q", got[0])
	}
}

func TestExtract_StopsAtDelimiters(t *testing.T) {
	body := pad("vmess://", 90)
	for _, delim := range []string{`"`, `'`, `<`, `>`, `\`, " ", "\u00a0", "\u3000", "\v"} {
		got := Extract(body + delim + "tail")
		if len(got) != 1 || got[0] != body {
			t.Fatalf("delimiter %q: got %q", delim, got)
		}
	}
}

func TestExtract_NoMatches(t *testing.T) {
	if got := Extract("<p>nothing to see</p>"); len(got) != 0 {
		t.Fatalf("got %q, want none", got)
	}
}

func TestJoin(t *testing.T) {
	if got := Join([]string{"a", "b"}); got != "a\nb" {
		t.Fatalf("Join=%q", got)
	}
}
