package clients

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ablqvist/slipway/internal/testutil"
)

func newNginxFixture(t *testing.T) (*NginxClient, NginxConfig) {
	t.Helper()
	cfg := NginxConfig{
		SitesAvailable:  t.TempDir(),
		SitesEnabled:    t.TempDir(),
		CertRoot:        "/etc/letsencrypt/live",
		ValidateCommand: []string{"true"},
		ReloadCommand:   []string{"true"},
	}
	logger := &testutil.DummyLogger{}
	return NewNginxClient(cfg, NewRunner(logger), logger), cfg
}

func TestWriteRouteRendersAndEnables(t *testing.T) {
	client, cfg := newNginxFixture(t)

	if err := client.WriteRoute(context.Background(), "example.com", 3002); err != nil {
		t.Fatalf("WriteRoute: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(cfg.SitesAvailable, "example.com"))
	if err != nil {
		t.Fatalf("reading rendered config: %v", err)
	}
	conf := string(raw)

	for _, want := range []string{
		"server_name example.com www.example.com;",
		"return 301 https://$host$request_uri;",
		"listen 443 ssl http2;",
		"ssl_certificate /etc/letsencrypt/live/example.com/fullchain.pem;",
		"proxy_pass http://127.0.0.1:3002;",
	} {
		if !strings.Contains(conf, want) {
			t.Errorf("rendered config missing %q", want)
		}
	}

	link := filepath.Join(cfg.SitesEnabled, "example.com")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("site not enabled: %v", err)
	}
	if target != filepath.Join(cfg.SitesAvailable, "example.com") {
		t.Errorf("symlink target = %q", target)
	}
}

func TestWriteRouteReplacesExistingLink(t *testing.T) {
	client, cfg := newNginxFixture(t)

	if err := client.WriteRoute(context.Background(), "example.com", 3002); err != nil {
		t.Fatalf("first WriteRoute: %v", err)
	}
	if err := client.WriteRoute(context.Background(), "example.com", 3005); err != nil {
		t.Fatalf("second WriteRoute: %v", err)
	}

	raw, _ := os.ReadFile(filepath.Join(cfg.SitesAvailable, "example.com"))
	if !strings.Contains(string(raw), "proxy_pass http://127.0.0.1:3005;") {
		t.Error("re-route did not update the proxied port")
	}
}

func TestValidateFailureIncludesOutput(t *testing.T) {
	cfg := NginxConfig{
		SitesAvailable:  t.TempDir(),
		SitesEnabled:    t.TempDir(),
		ValidateCommand: []string{"sh", "-c", "echo 'nginx: configuration file test failed'; exit 1"},
		ReloadCommand:   []string{"true"},
	}
	logger := &testutil.DummyLogger{}
	client := NewNginxClient(cfg, NewRunner(logger), logger)

	err := client.Validate(context.Background())
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(err.Error(), "test failed") {
		t.Errorf("error %q missing tool output", err)
	}

	if err := client.Reload(context.Background()); err != nil {
		t.Errorf("Reload: %v", err)
	}
}
