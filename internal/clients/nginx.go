package clients

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/ablqvist/slipway/internal/logging"
)

// nginx server blocks: plain HTTP redirects to HTTPS, HTTPS terminates TLS
// with the issued certificate and proxies to the site's local port.
const nginxSiteTemplate = `server {
    listen 80;
    server_name {{.Domain}} www.{{.Domain}};
    return 301 https://$host$request_uri;
}

server {
    listen 443 ssl http2;
    server_name {{.Domain}} www.{{.Domain}};

    ssl_certificate {{.CertRoot}}/{{.Domain}}/fullchain.pem;
    ssl_certificate_key {{.CertRoot}}/{{.Domain}}/privkey.pem;

    location / {
        proxy_pass http://127.0.0.1:{{.Port}};
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection 'upgrade';
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_cache_bypass $http_upgrade;
    }
}
`

// NginxConfig locates the nginx site directories and the commands used to
// validate and reload the server. The command fields exist so tests can
// substitute harmless binaries.
type NginxConfig struct {
	SitesAvailable string
	SitesEnabled   string
	CertRoot       string

	ValidateCommand []string
	ReloadCommand   []string
}

// DefaultNginxConfig matches a stock Debian/Ubuntu nginx layout with
// certbot-managed certificates.
func DefaultNginxConfig() NginxConfig {
	return NginxConfig{
		SitesAvailable:  "/etc/nginx/sites-available",
		SitesEnabled:    "/etc/nginx/sites-enabled",
		CertRoot:        "/etc/letsencrypt/live",
		ValidateCommand: []string{"nginx", "-t"},
		ReloadCommand:   []string{"systemctl", "reload", "nginx"},
	}
}

// NginxClient implements interfaces.ProxyClient by rendering per-site
// config files and driving the nginx CLI.
type NginxClient struct {
	cfg    NginxConfig
	runner *Runner
	tmpl   *template.Template
	logger logging.Logger
}

func NewNginxClient(cfg NginxConfig, runner *Runner, logger logging.Logger) *NginxClient {
	def := DefaultNginxConfig()
	if cfg.SitesAvailable == "" {
		cfg.SitesAvailable = def.SitesAvailable
	}
	if cfg.SitesEnabled == "" {
		cfg.SitesEnabled = def.SitesEnabled
	}
	if cfg.CertRoot == "" {
		cfg.CertRoot = def.CertRoot
	}
	if len(cfg.ValidateCommand) == 0 {
		cfg.ValidateCommand = def.ValidateCommand
	}
	if len(cfg.ReloadCommand) == 0 {
		cfg.ReloadCommand = def.ReloadCommand
	}
	return &NginxClient{
		cfg:    cfg,
		runner: runner,
		tmpl:   template.Must(template.New("site").Parse(nginxSiteTemplate)),
		logger: logger.With(logging.Field{Key: "component", Value: "nginx"}),
	}
}

// WriteRoute renders the site's server blocks into sites-available and
// links them into sites-enabled. An existing file or link for the domain is
// replaced.
func (n *NginxClient) WriteRoute(_ context.Context, domain string, port int) error {
	var buf strings.Builder
	err := n.tmpl.Execute(&buf, struct {
		Domain   string
		CertRoot string
		Port     int
	}{Domain: domain, CertRoot: n.cfg.CertRoot, Port: port})
	if err != nil {
		return fmt.Errorf("rendering config for %s: %w", domain, err)
	}

	available := filepath.Join(n.cfg.SitesAvailable, domain)
	if err := os.WriteFile(available, []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", available, err)
	}

	enabled := filepath.Join(n.cfg.SitesEnabled, domain)
	if err := os.Remove(enabled); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale link %s: %w", enabled, err)
	}
	if err := os.Symlink(available, enabled); err != nil {
		return fmt.Errorf("enabling site %s: %w", domain, err)
	}

	n.logger.Info("route installed",
		logging.Field{Key: "domain", Value: domain},
		logging.Field{Key: "port", Value: port})
	return nil
}

func (n *NginxClient) Validate(ctx context.Context) error {
	out, err := n.runner.Run(ctx, Command{Name: n.cfg.ValidateCommand[0], Args: n.cfg.ValidateCommand[1:]})
	if err != nil {
		return fmt.Errorf("nginx configuration test failed: %s: %w", strings.TrimSpace(out), err)
	}
	return nil
}

func (n *NginxClient) Reload(ctx context.Context) error {
	if _, err := n.runner.Run(ctx, Command{Name: n.cfg.ReloadCommand[0], Args: n.cfg.ReloadCommand[1:]}); err != nil {
		return fmt.Errorf("reloading nginx: %w", err)
	}
	return nil
}
