// Package interfaces holds the abstract contracts the orchestration core
// depends on. The concrete provisioning clients live in internal/clients;
// tests inject doubles from internal/testutil.
package interfaces

import (
	"context"
	"errors"
)

// ErrResourceExhausted reports that a build step was killed for memory.
// The local pipeline retries the step exactly once with reduced-footprint
// flags when it sees this.
var ErrResourceExhausted = errors.New("process terminated for resource exhaustion")

// ErrIssuerBusy reports a transient certificate-issuer condition (busy,
// rate-limited, "try later"). The provisioner retries these with backoff.
var ErrIssuerBusy = errors.New("certificate issuer busy or rate limited")

// VCSClient fetches source code into a working directory.
type VCSClient interface {
	// Clone fetches the repository at url into targetDir. targetDir must
	// already exist and be empty.
	Clone(ctx context.Context, url, targetDir string) error
}

// BuildClient installs dependencies and compiles a checked-out project.
type BuildClient interface {
	// InstallDependencies runs the project's dependency installation in dir.
	// When conserveMemory is set, reduced-footprint flags are added.
	// Returns an error wrapping ErrResourceExhausted when the captured
	// output indicates the process was killed for memory.
	InstallDependencies(ctx context.Context, dir string, conserveMemory bool) error

	// Build compiles the project in dir.
	Build(ctx context.Context, dir string) error
}

// SupervisorClient manages long-running site processes.
type SupervisorClient interface {
	// Start launches the built artifact in dir under the given process name,
	// bound to port.
	Start(ctx context.Context, name, dir string, port int) error

	// PersistState saves the supervisor's process list so sites survive a
	// host reboot.
	PersistState(ctx context.Context) error
}

// DNSRecord is one record in a provider zone.
type DNSRecord struct {
	ID      string
	Type    string
	Name    string
	Content string
	TTL     int
	Proxied bool
}

// ZoneClient manages DNS zones and records at the DNS provider.
type ZoneClient interface {
	// GetZone returns the zone id for domain, or "" when no zone exists.
	GetZone(ctx context.Context, domain string) (string, error)

	// CreateZone creates a zone for domain and returns its id.
	CreateZone(ctx context.Context, domain string) (string, error)

	// ListRecords returns all records of recordType in the zone.
	ListRecords(ctx context.Context, zoneID, recordType string) ([]DNSRecord, error)

	// CreateRecord adds rec to the zone.
	CreateRecord(ctx context.Context, zoneID string, rec DNSRecord) error

	// UpdateRecord replaces the record identified by rec.ID.
	UpdateRecord(ctx context.Context, zoneID string, rec DNSRecord) error

	// GetNameservers returns the zone's authoritative nameservers.
	GetNameservers(ctx context.Context, zoneID string) ([]string, error)
}

// RegistrarClient points a domain's registrar-level delegation at the DNS
// provider.
type RegistrarClient interface {
	SetNameservers(ctx context.Context, domain string, nameservers []string) error
}

// CertificateClient obtains a TLS certificate for a domain and its wildcard.
// Issue is only ever invoked while the caller holds the process-wide
// issuance lock; implementations do not need their own serialization.
type CertificateClient interface {
	Issue(ctx context.Context, domain, wildcardDomain string) error
}

// ProxyClient installs and activates reverse-proxy routes.
type ProxyClient interface {
	// WriteRoute renders and installs the route for domain, terminating TLS
	// and forwarding to the local port.
	WriteRoute(ctx context.Context, domain string, port int) error

	// Validate checks the resulting proxy configuration.
	Validate(ctx context.Context) error

	// Reload applies the configuration to the running proxy.
	Reload(ctx context.Context) error
}
