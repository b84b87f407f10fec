package provision

import "testing"

func TestNormalizeDomain(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"example.com", "example.com"},
		{"  Example.COM  ", "example.com"},
		{"sub.example.co.uk", "sub.example.co.uk"},
		{"häuser.de", "xn--huser-gra.de"},
		{"a-b.example.com", "a-b.example.com"},
	}
	for _, c := range cases {
		got, err := NormalizeDomain(c.in)
		if err != nil {
			t.Errorf("NormalizeDomain(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeDomainRejectsInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"nodot",
		"example",
		"-leading.example.com",
		"trailing-.example.com",
		"example..com",
		"exa mple.com",
		"http://example.com",
		"example.com/path",
	} {
		if got, err := NormalizeDomain(in); err == nil {
			t.Errorf("NormalizeDomain(%q) = %q, want error", in, got)
		}
	}
}
