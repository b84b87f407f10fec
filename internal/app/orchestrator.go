// Package app ties the registry, the local pipeline, the domain provisioner
// and the bulk coordinator together behind one orchestrator that the HTTP
// layer talks to.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ablqvist/slipway/internal/bulk"
	"github.com/ablqvist/slipway/internal/deploy"
	"github.com/ablqvist/slipway/internal/history"
	"github.com/ablqvist/slipway/internal/logging"
	"github.com/ablqvist/slipway/internal/provision"
	"github.com/ablqvist/slipway/internal/registry"
)

// DeployResult is the outcome of a single-site deployment request.
type DeployResult struct {
	Status  string `json:"status"`
	SiteID  string `json:"site_id,omitempty"`
	Port    int    `json:"port,omitempty"`
	Message string `json:"message"`
}

// SiteImport is one row of a bulk site import.
type SiteImport struct {
	Domain string `json:"domain"`
	Repo   string `json:"repo"`
	Name   string `json:"name,omitempty"`
}

// ImportResult itemizes the outcome of an import so partial success is
// visible to the caller.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors"`
}

// SiteStatus combines a site's registry record with its deployment and
// provisioning log history.
type SiteStatus struct {
	Site       registry.SiteRecord `json:"site"`
	LocalLogs  []string            `json:"local_logs"`
	DomainLogs []string            `json:"domain_logs"`
}

// Orchestrator exposes every engine operation. It also implements
// bulk.TaskRunner so the coordinator can delegate per-site work back to the
// same code paths the single-site endpoints use.
type Orchestrator struct {
	cfg         *Config
	registry    *registry.Registry
	sink        *history.Sink
	pipeline    *deploy.Pipeline
	provisioner *provision.Provisioner
	coordinator *bulk.Coordinator
	logger      logging.Logger
}

// NewOrchestrator wires the engine together. The coordinator is constructed
// here because the orchestrator is its task runner.
func NewOrchestrator(cfg *Config, reg *registry.Registry, sink *history.Sink,
	pipeline *deploy.Pipeline, provisioner *provision.Provisioner, logger logging.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		registry:    reg,
		sink:        sink,
		pipeline:    pipeline,
		provisioner: provisioner,
		logger:      logger,
	}
	o.coordinator = bulk.NewCoordinator(o, reg, sink, logger)
	return o
}

// DeploySite runs the local pipeline for one site and reports a structured
// outcome instead of a bare error.
func (o *Orchestrator) DeploySite(ctx context.Context, domain, repoURL string) (*DeployResult, error) {
	normalized, err := provision.NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(repoURL) == "" {
		return nil, errors.New("repository URL is required")
	}

	res, err := o.pipeline.Deploy(ctx, normalized, repoURL)
	if err != nil {
		return &DeployResult{Status: "failed", Message: err.Error()}, nil
	}
	return &DeployResult{
		Status:  "success",
		SiteID:  res.SiteID,
		Port:    res.Port,
		Message: res.Message,
	}, nil
}

// SetupDomain provisions a domain. When siteID is given it takes precedence
// and the domain is resolved from the registry.
func (o *Orchestrator) SetupDomain(ctx context.Context, domain, siteID string) (string, error) {
	if siteID != "" {
		rec, err := o.registry.FindByID(ctx, siteID)
		if err != nil {
			return "", fmt.Errorf("resolving site %s: %w", siteID, err)
		}
		domain = rec.DomainName
	}
	return o.provisioner.Setup(ctx, domain)
}

// UpdateDomainDNSSSL re-points a domain's DNS at the current server IP,
// reissues its certificate and re-activates the proxy route, creating the
// zone when it does not exist yet.
func (o *Orchestrator) UpdateDomainDNSSSL(ctx context.Context, domain string) (string, error) {
	return o.provisioner.Refresh(ctx, domain)
}

// StartBulkDeploy kicks off a batch and returns its id immediately.
func (o *Orchestrator) StartBulkDeploy(ctx context.Context, opts bulk.Options) (string, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = o.cfg.BulkConcurrency
	}
	return o.coordinator.Start(ctx, opts)
}

// StopBulkDeploy requests cancellation of the running batch.
func (o *Orchestrator) StopBulkDeploy() bool { return o.coordinator.Stop() }

func (o *Orchestrator) GetBulkStatus() bulk.Status { return o.coordinator.Status() }

func (o *Orchestrator) GetBulkProgress(batchID string) (bulk.Progress, error) {
	return o.coordinator.Progress(batchID)
}

// GetBulkLogs returns the batch's aggregated log lines, formatted.
func (o *Orchestrator) GetBulkLogs(batchID string) ([]string, error) {
	entries, err := o.coordinator.Logs(batchID)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Format())
	}
	return lines, nil
}

// SubscribeBulkLogs attaches a live listener to a batch's log stream, for
// the websocket tail.
func (o *Orchestrator) SubscribeBulkLogs(batchID string) (<-chan history.Entry, func(), error) {
	return o.coordinator.Subscribe(batchID)
}

// WaitBulk blocks until the batch finishes. Intended for tests and
// draining on shutdown.
func (o *Orchestrator) WaitBulk(batchID string) error { return o.coordinator.Wait(batchID) }

// RunLocal implements bulk.TaskRunner.
func (o *Orchestrator) RunLocal(ctx context.Context, site registry.SiteRecord) error {
	_, err := o.pipeline.Deploy(ctx, site.DomainName, site.RepoURL)
	return err
}

// RunDomain implements bulk.TaskRunner.
func (o *Orchestrator) RunDomain(ctx context.Context, site registry.SiteRecord) error {
	_, err := o.provisioner.Setup(ctx, site.DomainName)
	return err
}

// ImportSites registers new pending sites. Domains already present are
// skipped rather than overwritten; malformed rows are itemized as errors.
func (o *Orchestrator) ImportSites(ctx context.Context, sites []SiteImport) (*ImportResult, error) {
	res := &ImportResult{Errors: []string{}}
	for _, s := range sites {
		normalized, err := provision.NormalizeDomain(s.Domain)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", s.Domain, err))
			continue
		}
		if s.Repo == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: repository URL is required", normalized))
			continue
		}

		if _, err := o.registry.FindByDomain(ctx, normalized); err == nil {
			res.Skipped++
			continue
		} else if !errors.Is(err, registry.ErrSiteNotFound) {
			return nil, err
		}

		_, err = o.registry.UpsertByDomain(ctx, registry.SiteRecord{
			DomainName:  normalized,
			Name:        s.Name,
			RepoURL:     s.Repo,
			LocalStatus: registry.LocalPending,
		})
		if err != nil {
			return nil, fmt.Errorf("registering %s: %w", normalized, err)
		}
		res.Imported++
	}

	o.logger.Info("site import finished",
		logging.Field{Key: "imported", Value: res.Imported},
		logging.Field{Key: "skipped", Value: res.Skipped},
		logging.Field{Key: "errors", Value: len(res.Errors)})
	return res, nil
}

// ExportSites lists registry records, optionally filtered by local status.
func (o *Orchestrator) ExportSites(ctx context.Context, filter string) ([]registry.SiteRecord, error) {
	switch filter {
	case "", "all":
		return o.registry.List(ctx)
	case "pending":
		return o.registry.ListByLocalStatus(ctx, registry.LocalPending)
	case "live":
		return o.registry.ListByLocalStatus(ctx, registry.LocalLive)
	case "failed":
		return o.registry.ListByLocalStatus(ctx, registry.LocalFailed)
	default:
		return nil, fmt.Errorf("unknown filter %q", filter)
	}
}

// GetSiteStatus returns a site's record together with its recorded
// deployment and provisioning history.
func (o *Orchestrator) GetSiteStatus(ctx context.Context, domain string) (*SiteStatus, error) {
	normalized, err := provision.NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	rec, err := o.registry.FindByDomain(ctx, normalized)
	if err != nil {
		return nil, err
	}

	status := &SiteStatus{Site: *rec, LocalLogs: []string{}, DomainLogs: []string{}}
	for _, e := range o.sink.Snapshot(history.LocalStreamKey(normalized)) {
		status.LocalLogs = append(status.LocalLogs, e.Format())
	}
	for _, e := range o.sink.Snapshot(history.DomainStreamKey(normalized)) {
		status.DomainLogs = append(status.DomainLogs, e.Format())
	}
	return status, nil
}

// PendingSitesCount reports how many sites have not gone live locally yet.
func (o *Orchestrator) PendingSitesCount(ctx context.Context) (int, error) {
	pending, err := o.registry.ListByLocalStatus(ctx, registry.LocalPending)
	if err != nil {
		return 0, err
	}
	failed, err := o.registry.ListByLocalStatus(ctx, registry.LocalFailed)
	if err != nil {
		return 0, err
	}
	return len(pending) + len(failed), nil
}

// LiveSitesCount reports how many sites are live locally.
func (o *Orchestrator) LiveSitesCount(ctx context.Context) (int, error) {
	live, err := o.registry.ListByLocalStatus(ctx, registry.LocalLive)
	if err != nil {
		return 0, err
	}
	return len(live), nil
}

// Close drains the current batch, if any, so in-flight work is not left
// half-reported.
func (o *Orchestrator) Close() {
	if st := o.coordinator.Status(); st.IsRunning {
		o.coordinator.Stop()
		_ = o.coordinator.Wait(st.BatchID)
	}
}
