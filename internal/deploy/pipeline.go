// Package deploy drives one site through the local deployment pipeline:
// workspace reset, clone, install, build, port allocation, supervisor start
// and registry upsert. Stages are strictly ordered and each is gated on the
// previous one succeeding.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ablqvist/slipway/internal/history"
	"github.com/ablqvist/slipway/internal/interfaces"
	"github.com/ablqvist/slipway/internal/logging"
	"github.com/ablqvist/slipway/internal/registry"
)

// Config carries the pipeline's filesystem and naming options.
type Config struct {
	// DeployRoot is the directory that holds one working directory per
	// domain.
	DeployRoot string

	// ProcessPrefix is prepended to the domain to form the supervisor
	// process name.
	ProcessPrefix string
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		DeployRoot:    "/srv/slipway/sites",
		ProcessPrefix: "site_",
	}
}

// Result is the outcome of a pipeline run.
type Result struct {
	SiteID  string `json:"site_id"`
	Domain  string `json:"domain"`
	Port    int    `json:"port"`
	Message string `json:"message"`
}

// Pipeline runs local deployments. It is safe for concurrent use; distinct
// domains deploy independently.
type Pipeline struct {
	cfg        Config
	vcs        interfaces.VCSClient
	builder    interfaces.BuildClient
	supervisor interfaces.SupervisorClient
	registry   *registry.Registry
	sink       *history.Sink
	logger     logging.Logger
}

// NewPipeline wires the pipeline's collaborators together.
func NewPipeline(cfg Config, vcs interfaces.VCSClient, builder interfaces.BuildClient,
	supervisor interfaces.SupervisorClient, reg *registry.Registry, sink *history.Sink,
	logger logging.Logger) *Pipeline {
	if cfg.DeployRoot == "" {
		cfg.DeployRoot = DefaultConfig().DeployRoot
	}
	if cfg.ProcessPrefix == "" {
		cfg.ProcessPrefix = DefaultConfig().ProcessPrefix
	}
	return &Pipeline{
		cfg:        cfg,
		vcs:        vcs,
		builder:    builder,
		supervisor: supervisor,
		registry:   reg,
		sink:       sink,
		logger:     logger,
	}
}

// ProcessName returns the deterministic supervisor process name for a domain.
func (p *Pipeline) ProcessName(domain string) string {
	return p.cfg.ProcessPrefix + domain
}

// Deploy takes (domain, repoURL) and produces a running, port-bound
// instance. On failure the site's local status is recorded as failed and
// the returned error is human-readable. Cancellation is cooperative and
// checked between stages only.
func (p *Pipeline) Deploy(ctx context.Context, domain, repoURL string) (*Result, error) {
	stream := p.sink.Stream(history.LocalStreamKey(domain))
	log := p.logger.With(logging.Field{Key: "component", Value: "deploy"})

	fail := func(stage string, err error) (*Result, error) {
		msg := fmt.Sprintf("%s failed: %v", stage, err)
		stream.Append(history.Error, msg)
		log.Error("local deploy failed",
			logging.Field{Key: "domain", Value: domain},
			logging.Field{Key: "stage", Value: stage},
			logging.Field{Key: "error", Value: err.Error()})
		if _, uerr := p.registry.UpsertByDomain(ctx, registry.SiteRecord{
			DomainName:  domain,
			RepoURL:     repoURL,
			LocalStatus: registry.LocalFailed,
		}); uerr != nil {
			log.Warn("recording failed status",
				logging.Field{Key: "domain", Value: domain},
				logging.Field{Key: "error", Value: uerr.Error()})
		}
		return nil, errors.New(msg)
	}

	stream.Append(history.Info, "starting local deployment of "+repoURL)

	// Stage 1: clean working directory.
	dir := filepath.Join(p.cfg.DeployRoot, domain)
	if err := os.RemoveAll(dir); err != nil {
		return fail("workspace cleanup", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail("workspace creation", err)
	}
	stream.Append(history.Success, "prepared working directory "+dir)

	if err := ctx.Err(); err != nil {
		return fail("deployment", err)
	}

	// Stage 2: fetch source.
	stream.Append(history.Info, "cloning repository")
	if err := p.vcs.Clone(ctx, repoURL, dir); err != nil {
		return fail("clone", err)
	}
	stream.Append(history.Success, "repository cloned")

	if err := ctx.Err(); err != nil {
		return fail("deployment", err)
	}

	// Stage 3: install dependencies, retrying once with reduced-footprint
	// flags only when the failure was a memory kill.
	stream.Append(history.Info, "installing dependencies")
	if err := p.builder.InstallDependencies(ctx, dir, false); err != nil {
		if !errors.Is(err, interfaces.ErrResourceExhausted) {
			return fail("install", err)
		}
		stream.Append(history.Warning, "install killed for memory, retrying with reduced footprint")
		if err := p.builder.InstallDependencies(ctx, dir, true); err != nil {
			return fail("install (reduced footprint)", err)
		}
	}
	stream.Append(history.Success, "dependencies installed")

	if err := ctx.Err(); err != nil {
		return fail("deployment", err)
	}

	// Stage 4: build.
	stream.Append(history.Info, "building project")
	if err := p.builder.Build(ctx, dir); err != nil {
		return fail("build", err)
	}
	stream.Append(history.Success, "build complete")

	if err := ctx.Err(); err != nil {
		return fail("deployment", err)
	}

	// Stage 5: allocate a port. Re-deploys keep their existing port.
	port := 0
	if existing, err := p.registry.FindByDomain(ctx, domain); err == nil && existing.Port > 0 {
		port = existing.Port
	} else {
		port, err = p.registry.AllocateNextPort(ctx)
		if err != nil {
			return fail("port allocation", err)
		}
	}
	stream.Append(history.Info, fmt.Sprintf("serving on port %d", port))

	// Stage 6: start under the supervisor.
	name := p.ProcessName(domain)
	stream.Append(history.Info, "starting supervised process "+name)
	if err := p.supervisor.Start(ctx, name, dir, port); err != nil {
		return fail("supervisor start", err)
	}
	stream.Append(history.Success, "process started")

	// Stage 7: persist the supervisor restart record.
	if err := p.supervisor.PersistState(ctx); err != nil {
		return fail("supervisor persist", err)
	}

	// Stage 8: register the site as live.
	rec, err := p.registry.UpsertByDomain(ctx, registry.SiteRecord{
		DomainName:  domain,
		RepoURL:     repoURL,
		Port:        port,
		ProjectDir:  dir,
		LocalStatus: registry.LocalLive,
	})
	if err != nil {
		return fail("registry update", err)
	}

	stream.Append(history.Success, "site deployed successfully")
	log.Info("local deploy complete",
		logging.Field{Key: "domain", Value: domain},
		logging.Field{Key: "port", Value: port})

	return &Result{
		SiteID:  rec.ID,
		Domain:  domain,
		Port:    port,
		Message: "site deployed successfully",
	}, nil
}
