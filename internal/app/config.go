package app

import (
	"github.com/ablqvist/slipway/internal/clients"
	"github.com/ablqvist/slipway/internal/deploy"
	"github.com/ablqvist/slipway/internal/provision"
)

// Config aggregates the runtime configuration for the whole engine. The
// server constructs one from the environment and hands it down; modules
// carry their own sub-configs so they stay testable in isolation.
type Config struct {
	// StorageRoot holds the registry database and the log streams.
	StorageRoot string

	// ServerIP is the public address DNS records point at.
	ServerIP string

	// DefaultPort seeds port allocation when the registry is empty.
	DefaultPort int

	// BulkConcurrency is the default worker bound for bulk runs when the
	// request does not specify one.
	BulkConcurrency int

	DeployCfg    deploy.Config
	ProvisionCfg provision.Config

	CloudflareToken string
	NamecheapCfg    clients.NamecheapConfig
	CertbotCfg      clients.CertbotConfig
	NginxCfg        clients.NginxConfig
}

// DefaultConfig returns a Config populated with production defaults. The
// credential fields must still be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		StorageRoot:     "/var/lib/slipway",
		DefaultPort:     3000,
		BulkConcurrency: 2,
		DeployCfg: deploy.Config{
			DeployRoot:    "/srv/slipway/sites",
			ProcessPrefix: "site_",
		},
		ProvisionCfg: provision.DefaultConfig(),
		NginxCfg:     clients.DefaultNginxConfig(),
	}
}
