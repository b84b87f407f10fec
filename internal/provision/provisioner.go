// Package provision drives one domain through the provisioning state
// machine: zone resolution, DNS record reconciliation, nameserver
// delegation, certificate issuance and proxy activation. Certificate
// issuance is serialized process-wide; everything else may run concurrently
// across domains.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ablqvist/slipway/internal/history"
	"github.com/ablqvist/slipway/internal/interfaces"
	"github.com/ablqvist/slipway/internal/logging"
	"github.com/ablqvist/slipway/internal/registry"
)

// State labels the machine's current step for logs and progress reporting.
type State string

const (
	StateZoneResolving        State = "zone_resolving"
	StateZoneCreating         State = "zone_creating"
	StateDNSReconciling       State = "dns_reconciling"
	StateNameserverDelegating State = "nameserver_delegating"
	StateCertificateIssuing   State = "certificate_issuing"
	StateProxyActivating      State = "proxy_activating"
	StateDone                 State = "done"
	StateFailed               State = "failed"
)

// Config carries the provisioner's tunables. The backoff schedule for
// certificate retries is base*2^n + n*jitterStep for attempt n (0-indexed).
type Config struct {
	// ServerIP is the address apex/www/wildcard records must point at.
	ServerIP string

	// DefaultPort is used for proxy routes when the site has no allocated
	// port yet.
	DefaultPort int

	MaxCertAttempts   int
	CertBackoffBase   time.Duration
	CertBackoffJitter time.Duration

	// CertCoolDown is slept after a successful issuance, while still
	// holding the lock, so back-to-back issuance is not treated as abuse
	// by the issuer.
	CertCoolDown time.Duration
}

// DefaultConfig returns production defaults matching the issuer's observed
// rate limits.
func DefaultConfig() Config {
	return Config{
		DefaultPort:       3000,
		MaxCertAttempts:   5,
		CertBackoffBase:   15 * time.Second,
		CertBackoffJitter: 5 * time.Second,
		CertCoolDown:      5 * time.Second,
	}
}

// requiredRecordNames are the A records every serving domain needs.
var requiredRecordNames = []string{"@", "www", "*"}

// transientIssuerMarkers classify certificate failures that are worth
// retrying. Anything else is terminal.
var transientIssuerMarkers = []string{
	"another instance",
	"service busy",
	"retry later",
	"rate limit",
	"too many requests",
}

// Provisioner runs the domain state machine. One Provisioner serves the
// whole process; its certMu is the global certificate-issuance lock.
type Provisioner struct {
	cfg       Config
	zones     interfaces.ZoneClient
	registrar interfaces.RegistrarClient
	certs     interfaces.CertificateClient
	proxy     interfaces.ProxyClient
	registry  *registry.Registry
	sink      *history.Sink
	logger    logging.Logger

	// certMu serializes certificate issuance across all domains. It is
	// held for the entire attempt loop, not just the network call.
	certMu sync.Mutex

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewProvisioner wires the state machine's collaborators together.
func NewProvisioner(cfg Config, zones interfaces.ZoneClient, registrar interfaces.RegistrarClient,
	certs interfaces.CertificateClient, proxy interfaces.ProxyClient, reg *registry.Registry,
	sink *history.Sink, logger logging.Logger) *Provisioner {
	def := DefaultConfig()
	if cfg.MaxCertAttempts <= 0 {
		cfg.MaxCertAttempts = def.MaxCertAttempts
	}
	if cfg.CertBackoffBase <= 0 {
		cfg.CertBackoffBase = def.CertBackoffBase
	}
	if cfg.CertBackoffJitter < 0 {
		cfg.CertBackoffJitter = def.CertBackoffJitter
	}
	if cfg.DefaultPort <= 0 {
		cfg.DefaultPort = def.DefaultPort
	}
	return &Provisioner{
		cfg:       cfg,
		zones:     zones,
		registrar: registrar,
		certs:     certs,
		proxy:     proxy,
		registry:  reg,
		sink:      sink,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoffDelay returns the delay before retrying attempt n (0-indexed):
// base*2^n + n*jitterStep, i.e. roughly 15s, 35s, 75s, 155s, 315s with the
// defaults.
func (p *Provisioner) backoffDelay(attempt int) time.Duration {
	return p.cfg.CertBackoffBase*(1<<attempt) + time.Duration(attempt)*p.cfg.CertBackoffJitter
}

func isTransientIssuerError(err error) bool {
	if errors.Is(err, interfaces.ErrIssuerBusy) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientIssuerMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Setup drives the full state machine for domain. On success the site's
// domain status is recorded as provisioned; on any terminal failure it is
// recorded as not provisioned and the error carries the failing step. The
// returned message summarizes the outcome including non-fatal warnings.
func (p *Provisioner) Setup(ctx context.Context, domain string) (string, error) {
	normalized, err := NormalizeDomain(domain)
	if err != nil {
		return "", err
	}
	domain = normalized

	stream := p.sink.Stream(history.DomainStreamKey(domain))
	log := p.logger.With(logging.Field{Key: "component", Value: "provision"})

	fail := func(state State, err error) (string, error) {
		msg := fmt.Sprintf("%s failed: %v", state, err)
		stream.Append(history.Error, msg)
		log.Error("domain provisioning failed",
			logging.Field{Key: "domain", Value: domain},
			logging.Field{Key: "state", Value: string(state)},
			logging.Field{Key: "error", Value: err.Error()})
		if serr := p.registry.SetDomainStatus(ctx, domain, false); serr != nil {
			log.Warn("recording domain status",
				logging.Field{Key: "domain", Value: domain},
				logging.Field{Key: "error", Value: serr.Error()})
		}
		return "", errors.New(msg)
	}

	stream.Append(history.Info, "starting domain setup")
	var warnings []string

	// ZoneResolving.
	zoneID, err := p.zones.GetZone(ctx, domain)
	if err != nil {
		return fail(StateZoneResolving, err)
	}

	if zoneID == "" {
		// ZoneCreating: fresh zone plus baseline records.
		stream.Append(history.Info, "no existing zone, creating one")
		zoneID, err = p.zones.CreateZone(ctx, domain)
		if err != nil {
			return fail(StateZoneCreating, err)
		}
		stream.Append(history.Success, "created zone "+zoneID)

		for _, name := range requiredRecordNames {
			rec := interfaces.DNSRecord{Type: "A", Name: name, Content: p.cfg.ServerIP, TTL: 1}
			if err := p.zones.CreateRecord(ctx, zoneID, rec); err != nil {
				return fail(StateZoneCreating, fmt.Errorf("adding %s record: %w", name, err))
			}
			stream.Append(history.Success, fmt.Sprintf("created A record %s -> %s", name, p.cfg.ServerIP))
		}
	} else {
		stream.Append(history.Success, "found existing zone "+zoneID)

		// DNSReconciling: update only what differs from the serving IP.
		if warn := p.reconcileRecords(ctx, stream, zoneID, domain); warn != "" {
			warnings = append(warnings, warn)
		}
	}

	if err := ctx.Err(); err != nil {
		return fail(StateDNSReconciling, err)
	}

	// NameserverDelegating: non-fatal, with remediation instructions.
	nameservers, err := p.zones.GetNameservers(ctx, zoneID)
	if err != nil || len(nameservers) == 0 {
		if err == nil {
			err = errors.New("zone returned no nameservers")
		}
		return fail(StateNameserverDelegating, err)
	}
	stream.Append(history.Success, "zone nameservers: "+strings.Join(nameservers, ", "))

	if err := p.registrar.SetNameservers(ctx, domain, nameservers); err != nil {
		stream.Append(history.Warning, "could not update registrar nameservers automatically")
		stream.Append(history.Warning, "manual action required: set these nameservers at the registrar:")
		for _, ns := range nameservers {
			stream.Append(history.Warning, "  -> "+ns)
		}
		warnings = append(warnings, "registrar nameservers not updated")
		log.Warn("nameserver delegation failed, continuing",
			logging.Field{Key: "domain", Value: domain},
			logging.Field{Key: "error", Value: err.Error()})
	} else {
		stream.Append(history.Success, "registrar nameservers updated")
	}

	if err := ctx.Err(); err != nil {
		return fail(StateCertificateIssuing, err)
	}

	// CertificateIssuing: globally serialized with retry/backoff.
	if err := p.issueCertificate(ctx, stream, domain); err != nil {
		return fail(StateCertificateIssuing, err)
	}

	if err := ctx.Err(); err != nil {
		return fail(StateProxyActivating, err)
	}

	// ProxyActivating.
	port := p.cfg.DefaultPort
	if rec, err := p.registry.FindByDomain(ctx, domain); err == nil && rec.Port > 0 {
		port = rec.Port
	}
	stream.Append(history.Info, fmt.Sprintf("installing proxy route to port %d", port))
	if err := p.proxy.WriteRoute(ctx, domain, port); err != nil {
		return fail(StateProxyActivating, fmt.Errorf("writing route: %w", err))
	}
	if err := p.proxy.Validate(ctx); err != nil {
		return fail(StateProxyActivating, fmt.Errorf("validating configuration: %w", err))
	}
	if err := p.proxy.Reload(ctx); err != nil {
		return fail(StateProxyActivating, fmt.Errorf("reloading proxy: %w", err))
	}
	stream.Append(history.Success, "proxy route active")

	// Done.
	if err := p.registry.SetDomainStatus(ctx, domain, true); err != nil {
		return fail(StateDone, err)
	}

	msg := "domain setup completed successfully"
	if len(warnings) > 0 {
		msg += " (warnings: " + strings.Join(warnings, "; ") + ")"
	}
	stream.Append(history.Success, msg)
	log.Info("domain provisioned", logging.Field{Key: "domain", Value: domain})
	return msg, nil
}

// reconcileRecords ensures the apex, www and wildcard A records point at the
// serving IP, updating only records whose target differs and creating
// missing ones. Individual record failures are logged and surfaced as one
// non-fatal warning; they never abort the machine.
func (p *Provisioner) reconcileRecords(ctx context.Context, stream *history.Stream, zoneID, domain string) string {
	existing, err := p.zones.ListRecords(ctx, zoneID, "A")
	if err != nil {
		stream.Append(history.Warning, "could not list existing A records: "+err.Error())
		return "existing A records could not be read"
	}
	stream.Append(history.Info, fmt.Sprintf("found %d existing A records", len(existing)))

	// Providers return fully-qualified names; fold them back to the short
	// form used here.
	byName := make(map[string]interfaces.DNSRecord, len(existing))
	for _, rec := range existing {
		switch rec.Name {
		case domain:
			byName["@"] = rec
		case "www." + domain:
			byName["www"] = rec
		case "*." + domain:
			byName["*"] = rec
		case "@", "www", "*":
			byName[rec.Name] = rec
		}
	}

	failed := 0
	for _, name := range requiredRecordNames {
		want := interfaces.DNSRecord{Type: "A", Name: name, Content: p.cfg.ServerIP, TTL: 1}
		current, ok := byName[name]
		switch {
		case !ok:
			if err := p.zones.CreateRecord(ctx, zoneID, want); err != nil {
				failed++
				stream.Append(history.Error, fmt.Sprintf("failed to create A record for %s: %v", name, err))
				continue
			}
			stream.Append(history.Success, fmt.Sprintf("created A record %s -> %s", name, p.cfg.ServerIP))
		case current.Content == p.cfg.ServerIP:
			stream.Append(history.Info, fmt.Sprintf("%s already points to %s", name, p.cfg.ServerIP))
		default:
			want.ID = current.ID
			if err := p.zones.UpdateRecord(ctx, zoneID, want); err != nil {
				failed++
				stream.Append(history.Error, fmt.Sprintf("failed to update A record for %s: %v", name, err))
				continue
			}
			stream.Append(history.Success, fmt.Sprintf("updated %s: %s -> %s", name, current.Content, p.cfg.ServerIP))
		}
	}

	if failed > 0 {
		stream.Append(history.Warning, fmt.Sprintf("%d A record(s) could not be reconciled", failed))
		return fmt.Sprintf("%d A record(s) not reconciled", failed)
	}
	return ""
}

// issueCertificate acquires the process-wide issuance lock and runs the
// attempt loop for domain and its wildcard. Only transient issuer failures
// are retried; the lock is held across every attempt and the post-success
// cool-down.
func (p *Provisioner) issueCertificate(ctx context.Context, stream *history.Stream, domain string) error {
	stream.Append(history.Info, "waiting for certificate issuance lock")
	p.certMu.Lock()
	defer p.certMu.Unlock()
	stream.Append(history.Info, "requesting certificate for "+domain+" and *."+domain)

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxCertAttempts; attempt++ {
		err := p.certs.Issue(ctx, domain, "*."+domain)
		if err == nil {
			stream.Append(history.Success, "certificate obtained")
			// Cool down before releasing so consecutive issuance is spaced
			// out at the issuer. The certificate is already obtained; an
			// interrupted cool-down only shortens the spacing.
			if p.cfg.CertCoolDown > 0 {
				if serr := p.sleep(ctx, p.cfg.CertCoolDown); serr != nil {
					stream.Append(history.Warning, "issuance cool-down interrupted: "+serr.Error())
				}
			}
			return nil
		}
		lastErr = err

		if !isTransientIssuerError(err) {
			return fmt.Errorf("certificate issuance failed: %w", err)
		}
		if attempt == p.cfg.MaxCertAttempts-1 {
			break
		}

		delay := p.backoffDelay(attempt)
		stream.Append(history.Warning, fmt.Sprintf(
			"issuer busy or rate-limited, waiting %s (attempt %d/%d)",
			delay, attempt+1, p.cfg.MaxCertAttempts))
		if serr := p.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("certificate issuance failed after %d attempts: %w", p.cfg.MaxCertAttempts, lastErr)
}
