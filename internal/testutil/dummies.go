// Package testutil provides shared test doubles for use across package tests.
// All dummies implement the corresponding interfaces from the production code,
// allowing injection into components under test without real I/O or side effects.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ablqvist/slipway/internal/interfaces"
	"github.com/ablqvist/slipway/internal/logging"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements logging.Logger with in-memory recording.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func (l *DummyLogger) Debug(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...logging.Field) logging.Logger { return l }

// ─── Local pipeline collaborators ──────────────────────────────────────

// DummyVCS implements interfaces.VCSClient and records clone calls.
type DummyVCS struct {
	mu    sync.Mutex
	Calls []string
	Err   error
}

func (d *DummyVCS) Clone(_ context.Context, url, targetDir string) error {
	d.mu.Lock()
	d.Calls = append(d.Calls, url+" -> "+targetDir)
	d.mu.Unlock()
	return d.Err
}

// DummyBuilder implements interfaces.BuildClient. FailInstallOnce makes the
// first install attempt fail with the given error; FailBuild fails every
// build.
type DummyBuilder struct {
	mu              sync.Mutex
	InstallCalls    []bool // conserveMemory flag per call
	BuildCalls      int
	FailInstallOnce error
	FailInstall     error
	FailBuild       error
}

func (d *DummyBuilder) InstallDependencies(_ context.Context, _ string, conserveMemory bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InstallCalls = append(d.InstallCalls, conserveMemory)
	if d.FailInstallOnce != nil {
		err := d.FailInstallOnce
		d.FailInstallOnce = nil
		return err
	}
	return d.FailInstall
}

func (d *DummyBuilder) Build(_ context.Context, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.BuildCalls++
	return d.FailBuild
}

// DummySupervisor implements interfaces.SupervisorClient.
type DummySupervisor struct {
	mu        sync.Mutex
	Started   []string // "name:port"
	Persisted int
	FailStart error
}

func (d *DummySupervisor) Start(_ context.Context, name, _ string, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailStart != nil {
		return d.FailStart
	}
	d.Started = append(d.Started, fmt.Sprintf("%s:%d", name, port))
	return nil
}

func (d *DummySupervisor) PersistState(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Persisted++
	return nil
}

// ─── Domain provisioning collaborators ─────────────────────────────────

// DummyZoneClient implements interfaces.ZoneClient over in-memory state.
// Set Zones[domain] = zoneID for pre-existing zones and Records[zoneID] for
// their A records.
type DummyZoneClient struct {
	mu          sync.Mutex
	Zones       map[string]string
	Records     map[string][]interfaces.DNSRecord
	Nameservers []string

	CreatedZones   []string
	CreatedRecords []interfaces.DNSRecord
	UpdatedRecords []interfaces.DNSRecord

	FailCreateZone   error
	FailUpdateRecord error
}

func (d *DummyZoneClient) GetZone(_ context.Context, domain string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Zones[domain], nil
}

func (d *DummyZoneClient) CreateZone(_ context.Context, domain string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailCreateZone != nil {
		return "", d.FailCreateZone
	}
	if d.Zones == nil {
		d.Zones = make(map[string]string)
	}
	zoneID := "zone-" + domain
	d.Zones[domain] = zoneID
	d.CreatedZones = append(d.CreatedZones, domain)
	return zoneID, nil
}

func (d *DummyZoneClient) ListRecords(_ context.Context, zoneID, recordType string) ([]interfaces.DNSRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []interfaces.DNSRecord
	for _, r := range d.Records[zoneID] {
		if recordType == "" || r.Type == recordType {
			out = append(out, r)
		}
	}
	return out, nil
}

func (d *DummyZoneClient) CreateRecord(_ context.Context, zoneID string, rec interfaces.DNSRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Records == nil {
		d.Records = make(map[string][]interfaces.DNSRecord)
	}
	d.Records[zoneID] = append(d.Records[zoneID], rec)
	d.CreatedRecords = append(d.CreatedRecords, rec)
	return nil
}

func (d *DummyZoneClient) UpdateRecord(_ context.Context, zoneID string, rec interfaces.DNSRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailUpdateRecord != nil {
		return d.FailUpdateRecord
	}
	for i, r := range d.Records[zoneID] {
		if r.ID == rec.ID {
			d.Records[zoneID][i] = rec
		}
	}
	d.UpdatedRecords = append(d.UpdatedRecords, rec)
	return nil
}

func (d *DummyZoneClient) GetNameservers(_ context.Context, _ string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Nameservers == nil {
		return []string{"ns1.example-dns.com", "ns2.example-dns.com"}, nil
	}
	return d.Nameservers, nil
}

// DummyRegistrar implements interfaces.RegistrarClient.
type DummyRegistrar struct {
	mu    sync.Mutex
	Calls [][]string
	Err   error
}

func (d *DummyRegistrar) SetNameservers(_ context.Context, _ string, ns []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, ns)
	return d.Err
}

// DummyCertClient implements interfaces.CertificateClient. Errs is consumed
// one per attempt; once exhausted, attempts succeed. Attempt windows are
// recorded so tests can assert global serialization.
type DummyCertClient struct {
	mu       sync.Mutex
	Errs     []error
	Delay    time.Duration
	Attempts []CertAttempt
}

// CertAttempt records the wall-clock window of one issuance attempt.
type CertAttempt struct {
	Domain string
	Start  time.Time
	End    time.Time
}

func (d *DummyCertClient) Issue(ctx context.Context, domain, _ string) error {
	start := time.Now()
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Attempts = append(d.Attempts, CertAttempt{Domain: domain, Start: start, End: time.Now()})
	if len(d.Errs) > 0 {
		err := d.Errs[0]
		d.Errs = d.Errs[1:]
		return err
	}
	return nil
}

// DummyProxy implements interfaces.ProxyClient.
type DummyProxy struct {
	mu           sync.Mutex
	Routes       []string // "domain:port"
	Validations  int
	Reloads      int
	FailWrite    error
	FailValidate error
	FailReload   error
}

func (d *DummyProxy) WriteRoute(_ context.Context, domain string, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailWrite != nil {
		return d.FailWrite
	}
	d.Routes = append(d.Routes, fmt.Sprintf("%s:%d", domain, port))
	return nil
}

func (d *DummyProxy) Validate(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Validations++
	return d.FailValidate
}

func (d *DummyProxy) Reload(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Reloads++
	return d.FailReload
}
