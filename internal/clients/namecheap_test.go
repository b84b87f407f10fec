package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ablqvist/slipway/internal/testutil"
)

func TestSplitDomain(t *testing.T) {
	cases := []struct {
		in       string
		sld, tld string
	}{
		{"example.com", "example", "com"},
		{"example.co.uk", "example", "co.uk"},
	}
	for _, c := range cases {
		sld, tld, err := splitDomain(c.in)
		if err != nil {
			t.Errorf("splitDomain(%q): %v", c.in, err)
			continue
		}
		if sld != c.sld || tld != c.tld {
			t.Errorf("splitDomain(%q) = (%q, %q), want (%q, %q)", c.in, sld, tld, c.sld, c.tld)
		}
	}

	if _, _, err := splitDomain("nodot"); err == nil {
		t.Error("splitDomain(nodot) should fail")
	}
}

func TestParseNamecheapResponse(t *testing.T) {
	ok := []byte(`<?xml version="1.0"?>
<ApiResponse Status="OK" xmlns="http://api.namecheap.com/xml.response">
  <Errors/>
  <CommandResponse Type="namecheap.domains.dns.setCustom"/>
</ApiResponse>`)
	apiErr, err := parseNamecheapResponse(ok)
	if err != nil || apiErr != "" {
		t.Errorf("OK response parsed as (%q, %v)", apiErr, err)
	}

	failed := []byte(`<?xml version="1.0"?>
<ApiResponse Status="ERROR" xmlns="http://api.namecheap.com/xml.response">
  <Errors>
    <Error Number="1011150">Parameter ClientIp is invalid</Error>
  </Errors>
</ApiResponse>`)
	apiErr, err = parseNamecheapResponse(failed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.Contains(apiErr, "1011150") || !strings.Contains(apiErr, "ClientIp is invalid") {
		t.Errorf("apiErr = %q", apiErr)
	}
}

func TestSetNameserversRequest(t *testing.T) {
	var query map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = map[string]string{}
		for k, v := range r.URL.Query() {
			query[k] = v[0]
		}
		w.Write([]byte(`<?xml version="1.0"?><ApiResponse Status="OK"><Errors/></ApiResponse>`))
	}))
	defer srv.Close()

	client := NewNamecheapClient(NamecheapConfig{
		APIUser:  "user",
		APIKey:   "key",
		ClientIP: "203.0.113.10",
		BaseURL:  srv.URL,
	}, &testutil.DummyLogger{})

	err := client.SetNameservers(context.Background(), "example.co.uk",
		[]string{"ana.ns.cloudflare.com", "bob.ns.cloudflare.com"})
	if err != nil {
		t.Fatalf("SetNameservers: %v", err)
	}

	want := map[string]string{
		"Command":     "namecheap.domains.dns.setCustom",
		"SLD":         "example",
		"TLD":         "co.uk",
		"Nameservers": "ana.ns.cloudflare.com,bob.ns.cloudflare.com",
		"UserName":    "user",
	}
	for k, v := range want {
		if query[k] != v {
			t.Errorf("query[%s] = %q, want %q", k, query[k], v)
		}
	}
}

func TestSetNameserversAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?><ApiResponse Status="ERROR">
  <Errors><Error Number="2019166">Domain not found</Error></Errors>
</ApiResponse>`))
	}))
	defer srv.Close()

	client := NewNamecheapClient(NamecheapConfig{
		APIUser: "user", APIKey: "key", ClientIP: "203.0.113.10", BaseURL: srv.URL,
	}, &testutil.DummyLogger{})

	err := client.SetNameservers(context.Background(), "example.com", []string{"ns1.test"})
	if err == nil || !strings.Contains(err.Error(), "Domain not found") {
		t.Errorf("err = %v, want domain-not-found message", err)
	}
}
