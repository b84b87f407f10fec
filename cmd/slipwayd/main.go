// Command slipwayd runs the deployment orchestration engine's HTTP API.
// Configuration is taken from the environment:
//
//	SLIPWAY_LISTEN_ADDR     listen address (default :8080)
//	SLIPWAY_STORAGE_ROOT    registry database and log directory
//	SLIPWAY_SERVER_IP       public IP the DNS records point at (required)
//	SLIPWAY_DEPLOY_ROOT     directory sites are cloned and built in
//	SLIPWAY_DEFAULT_PORT    first port handed out by the registry
//	SLIPWAY_BULK_WORKERS    default bulk deployment concurrency
//	CLOUDFLARE_API_TOKEN    Cloudflare API token
//	NAMECHEAP_API_USER      Namecheap API user
//	NAMECHEAP_API_KEY       Namecheap API key
//	NAMECHEAP_CLIENT_IP     whitelisted client IP for the Namecheap API
//	CERTBOT_CREDENTIALS     path to the dns-cloudflare credentials file
//	CERTBOT_EMAIL           account email for certificate registration
package main

import (
	"log"
	"os"
	"strconv"

	"github.com/ablqvist/slipway/internal/app"
	"github.com/ablqvist/slipway/internal/logging"
	"github.com/ablqvist/slipway/internal/server"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Fatalf("invalid %s: %s", key, v)
	}
	return fallback
}

func main() {
	cfg := app.DefaultConfig()
	cfg.StorageRoot = envOr("SLIPWAY_STORAGE_ROOT", cfg.StorageRoot)
	cfg.ServerIP = os.Getenv("SLIPWAY_SERVER_IP")
	cfg.DeployCfg.DeployRoot = envOr("SLIPWAY_DEPLOY_ROOT", cfg.DeployCfg.DeployRoot)
	cfg.DefaultPort = envIntOr("SLIPWAY_DEFAULT_PORT", cfg.DefaultPort)
	cfg.BulkConcurrency = envIntOr("SLIPWAY_BULK_WORKERS", cfg.BulkConcurrency)

	cfg.CloudflareToken = os.Getenv("CLOUDFLARE_API_TOKEN")
	cfg.NamecheapCfg.APIUser = os.Getenv("NAMECHEAP_API_USER")
	cfg.NamecheapCfg.APIKey = os.Getenv("NAMECHEAP_API_KEY")
	cfg.NamecheapCfg.ClientIP = os.Getenv("NAMECHEAP_CLIENT_IP")
	cfg.CertbotCfg.CredentialsFile = os.Getenv("CERTBOT_CREDENTIALS")
	cfg.CertbotCfg.Email = os.Getenv("CERTBOT_EMAIL")

	if cfg.ServerIP == "" {
		log.Fatal("SLIPWAY_SERVER_IP must be set")
	}

	logger := logging.NewStdoutLogger("slipwayd")

	srv, err := server.NewServer(server.Config{
		ListenAddr: envOr("SLIPWAY_LISTEN_ADDR", ":8080"),
		AppConfig:  cfg,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("starting server: %v", err)
	}
	defer srv.Close()

	httpSrv := srv.HTTPServer()
	logger.Info("listening", logging.Field{Key: "addr", Value: httpSrv.Addr})
	if err := httpSrv.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
