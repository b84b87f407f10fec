package clients

import (
	"context"
	"fmt"
	"strings"

	"github.com/ablqvist/slipway/internal/logging"
)

// CertbotConfig configures the certbot invocation. CredentialsFile is the
// Cloudflare API token file the DNS-01 challenge plugin reads.
type CertbotConfig struct {
	CredentialsFile string
	Email           string

	// PropagationSeconds is how long certbot waits for DNS propagation
	// before asking the CA to validate.
	PropagationSeconds int
}

// CertbotClient implements interfaces.CertificateClient by shelling out to
// certbot with the dns-cloudflare plugin. Callers are expected to hold the
// issuance lock; this client performs a single attempt per Issue call.
type CertbotClient struct {
	cfg    CertbotConfig
	runner *Runner
	logger logging.Logger
}

func NewCertbotClient(cfg CertbotConfig, runner *Runner, logger logging.Logger) *CertbotClient {
	if cfg.PropagationSeconds <= 0 {
		cfg.PropagationSeconds = 60
	}
	return &CertbotClient{
		cfg:    cfg,
		runner: runner,
		logger: logger.With(logging.Field{Key: "component", Value: "certbot"}),
	}
}

func (c *CertbotClient) Issue(ctx context.Context, domain, wildcardDomain string) error {
	args := []string{
		"certonly",
		"--dns-cloudflare",
		"--dns-cloudflare-credentials", c.cfg.CredentialsFile,
		"--dns-cloudflare-propagation-seconds", fmt.Sprint(c.cfg.PropagationSeconds),
		"-d", domain,
		"-d", wildcardDomain,
		"--non-interactive",
		"--agree-tos",
		"--expand",
	}
	if c.cfg.Email != "" {
		args = append(args, "-m", c.cfg.Email)
	} else {
		args = append(args, "--register-unsafely-without-email")
	}

	out, err := c.runner.Run(ctx, Command{Name: "certbot", Args: args})
	if err != nil {
		// Surface the tool's own words so the retry policy can classify
		// busy/rate-limit failures.
		msg := strings.TrimSpace(out)
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return fmt.Errorf("certbot failed: %s: %w", msg, err)
	}
	c.logger.Info("certificate issued",
		logging.Field{Key: "domain", Value: domain},
		logging.Field{Key: "wildcard", Value: wildcardDomain})
	return nil
}
