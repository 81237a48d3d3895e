package origin

import "testing"

func TestNormalize(t *testing.T) {
	t.Run("normalizes scheme and host", func(t *testing.T) {
		normalized, host, ok := Normalize("HTTPS://Example.COM:8443")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "https://example.com:8443" {
			t.Fatalf("normalized=%q", normalized)
		}
		if host != "example.com:8443" {
			t.Fatalf("host=%q", host)
		}
	})

	t.Run("drops default ports", func(t *testing.T) {
		normalized, _, ok := Normalize("https://example.com:443")
		if !ok || normalized != "https://example.com" {
			t.Fatalf("normalized=%q ok=%v", normalized, ok)
		}
		normalized, _, ok = Normalize("http://example.com:80")
		if !ok || normalized != "http://example.com" {
			t.Fatalf("normalized=%q ok=%v", normalized, ok)
		}
	})

	t.Run("allows trailing slash", func(t *testing.T) {
		normalized, host, ok := Normalize("http://localhost:5173/")
		if !ok || normalized != "http://localhost:5173" || host != "localhost:5173" {
			t.Fatalf("normalized=%q host=%q ok=%v", normalized, host, ok)
		}
	})

	t.Run("brackets ipv6 hosts", func(t *testing.T) {
		normalized, host, ok := Normalize("http://[::1]:5173")
		if !ok || normalized != "http://[::1]:5173" || host != "[::1]:5173" {
			t.Fatalf("normalized=%q host=%q ok=%v", normalized, host, ok)
		}
	})

	t.Run("allows null origin", func(t *testing.T) {
		normalized, host, ok := Normalize("null")
		if !ok || normalized != "null" || host != "" {
			t.Fatalf("normalized=%q host=%q ok=%v", normalized, host, ok)
		}
	})

	t.Run("rejects junk", func(t *testing.T) {
		for _, c := range []string{
			"",
			"ftp://example.com",
			"https://example.com/path",
			"https://example.com/?q=1",
			"https://user@example.com",
			"https://example.com/#frag",
			"https://example.com:0",
			"https://example.com:notaport",
			"https://[::1",
		} {
			if _, _, ok := Normalize(c); ok {
				t.Fatalf("expected ok=false for %q", c)
			}
		}
	})
}

func TestAllowlist(t *testing.T) {
	t.Run("default is same host", func(t *testing.T) {
		a, err := NewAllowlist(nil)
		if err != nil {
			t.Fatalf("NewAllowlist: %v", err)
		}
		if !a.Allow("https://rooms.example.com", "rooms.example.com") {
			t.Fatalf("same-host origin rejected")
		}
		if !a.Allow("https://rooms.example.com:443", "rooms.example.com") {
			t.Fatalf("default-port origin rejected")
		}
		if a.Allow("https://evil.example.com", "rooms.example.com") {
			t.Fatalf("cross-host origin allowed")
		}
		if a.Allow("null", "rooms.example.com") {
			t.Fatalf("null origin allowed under same-host policy")
		}
	})

	t.Run("absent origin is allowed", func(t *testing.T) {
		a, err := NewAllowlist([]string{"https://rooms.example.com"})
		if err != nil {
			t.Fatalf("NewAllowlist: %v", err)
		}
		if !a.Allow("", "whatever") {
			t.Fatalf("non-browser client rejected")
		}
	})

	t.Run("explicit entries", func(t *testing.T) {
		a, err := NewAllowlist([]string{"https://App.Example.com", "null"})
		if err != nil {
			t.Fatalf("NewAllowlist: %v", err)
		}
		if !a.Allow("https://app.example.com", "sfu.example.com") {
			t.Fatalf("listed origin rejected")
		}
		if !a.Allow("null", "sfu.example.com") {
			t.Fatalf("listed null origin rejected")
		}
		if a.Allow("https://other.example.com", "sfu.example.com") {
			t.Fatalf("unlisted origin allowed")
		}
	})

	t.Run("wildcard", func(t *testing.T) {
		a, err := NewAllowlist([]string{"*"})
		if err != nil {
			t.Fatalf("NewAllowlist: %v", err)
		}
		if !a.Wildcard() {
			t.Fatalf("Wildcard() = false")
		}
		if !a.Allow("https://anything.example.com", "sfu.example.com") {
			t.Fatalf("wildcard rejected an origin")
		}
	})

	t.Run("invalid entry", func(t *testing.T) {
		if _, err := NewAllowlist([]string{"not a url"}); err == nil {
			t.Fatalf("expected error for malformed entry")
		}
	})

	t.Run("malformed header rejected", func(t *testing.T) {
		a, err := NewAllowlist([]string{"*"})
		if err != nil {
			t.Fatalf("NewAllowlist: %v", err)
		}
		if a.Allow("ftp://example.com", "sfu.example.com") {
			t.Fatalf("malformed origin allowed despite wildcard")
		}
	})
}
