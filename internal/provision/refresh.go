package provision

import (
	"context"
	"fmt"

	"github.com/ablqvist/slipway/internal/history"
	"github.com/ablqvist/slipway/internal/interfaces"
	"github.com/ablqvist/slipway/internal/logging"
)

// Refresh re-points a domain's DNS at the current serving IP, reissues its
// certificate and re-activates the proxy route. A missing zone is created
// with baseline records. Registrar delegation is the one step it never
// touches.
func (p *Provisioner) Refresh(ctx context.Context, domain string) (string, error) {
	normalized, err := NormalizeDomain(domain)
	if err != nil {
		return "", err
	}
	domain = normalized

	stream := p.sink.Stream(history.DomainStreamKey(domain))
	log := p.logger.With(logging.Field{Key: "component", Value: "provision"})

	fail := func(err error) (string, error) {
		stream.Append(history.Error, err.Error())
		log.Error("domain refresh failed",
			logging.Field{Key: "domain", Value: domain},
			logging.Field{Key: "error", Value: err.Error()})
		if serr := p.registry.SetDomainStatus(ctx, domain, false); serr != nil {
			log.Warn("recording domain status",
				logging.Field{Key: "domain", Value: domain},
				logging.Field{Key: "error", Value: serr.Error()})
		}
		return "", err
	}

	stream.Append(history.Info, "refreshing DNS records, certificate and proxy route")

	zoneID, err := p.zones.GetZone(ctx, domain)
	if err != nil {
		return fail(fmt.Errorf("zone lookup failed: %w", err))
	}

	var warnings int
	if zoneID == "" {
		stream.Append(history.Info, "no existing zone, creating one")
		zoneID, err = p.zones.CreateZone(ctx, domain)
		if err != nil {
			return fail(fmt.Errorf("zone creation failed: %w", err))
		}
		stream.Append(history.Success, "created zone "+zoneID)

		for _, name := range requiredRecordNames {
			rec := interfaces.DNSRecord{Type: "A", Name: name, Content: p.cfg.ServerIP, TTL: 1}
			if err := p.zones.CreateRecord(ctx, zoneID, rec); err != nil {
				return fail(fmt.Errorf("adding %s record: %w", name, err))
			}
			stream.Append(history.Success, fmt.Sprintf("created A record %s -> %s", name, p.cfg.ServerIP))
		}
	} else if warn := p.reconcileRecords(ctx, stream, zoneID, domain); warn != "" {
		warnings++
	}

	if err := p.issueCertificate(ctx, stream, domain); err != nil {
		return fail(err)
	}

	port := p.cfg.DefaultPort
	if rec, err := p.registry.FindByDomain(ctx, domain); err == nil && rec.Port > 0 {
		port = rec.Port
	}
	stream.Append(history.Info, fmt.Sprintf("reinstalling proxy route to port %d", port))
	if err := p.proxy.WriteRoute(ctx, domain, port); err != nil {
		return fail(fmt.Errorf("writing route: %w", err))
	}
	if err := p.proxy.Validate(ctx); err != nil {
		return fail(fmt.Errorf("validating configuration: %w", err))
	}
	if err := p.proxy.Reload(ctx); err != nil {
		return fail(fmt.Errorf("reloading proxy: %w", err))
	}
	stream.Append(history.Success, "proxy route active")

	if err := p.registry.SetDomainStatus(ctx, domain, true); err != nil {
		return fail(err)
	}

	msg := "DNS, certificate and proxy route refreshed"
	if warnings > 0 {
		msg += " (some records could not be reconciled)"
	}
	stream.Append(history.Success, msg)
	log.Info("domain refreshed", logging.Field{Key: "domain", Value: domain})
	return msg, nil
}
