package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ablqvist/slipway/internal/logging"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed schema.sql
var schemaFS embed.FS

var ErrSiteNotFound = errors.New("site not found")

// Registry is the durable keyed store of site records, backed by SQLite.
// It is the single source of truth for the domain -> deployment-state
// mapping. All mutations run through one serialized connection so
// concurrent read-modify-write sequences (upserts, port allocation) never
// interleave.
type Registry struct {
	db          *sql.DB
	defaultPort int
	logger      logging.Logger

	// portMu plus lastPort guarantee two concurrent allocations never hand
	// out the same port, even before the first caller persists its record.
	portMu   sync.Mutex
	lastPort int
}

// NewRegistry returns a Registry and applies schema.sql. The db should be
// the SQLite database at the orchestrator's storage root. defaultPort is
// handed out by AllocateNextPort when the registry holds no ports yet.
func NewRegistry(db *sql.DB, defaultPort int, logger logging.Logger) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if defaultPort <= 0 {
		defaultPort = 3000
	}

	// One connection serializes every read-modify-write sequence.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		logger.Warn("applying pragmas", logging.Field{Key: "error", Value: err.Error()})
	}

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}

	return &Registry{db: db, defaultPort: defaultPort, logger: logger}, nil
}

// Open opens (or creates) the SQLite store at path and applies the schema.
// A corrupt or otherwise unreadable file is moved aside with a warning and a
// fresh store takes its place: losing the on-disk registry must not block
// new deployments from registering.
func Open(path string, defaultPort int, logger logging.Logger) (*Registry, error) {
	reg, err := openStore(path, defaultPort, logger)
	if err == nil {
		return reg, nil
	}
	if !isCorruptStore(err) {
		return nil, err
	}

	aside := fmt.Sprintf("%s.corrupt.%d", path, time.Now().Unix())
	logger.Warn("registry store is unreadable, starting empty",
		logging.Field{Key: "path", Value: path},
		logging.Field{Key: "moved_to", Value: aside},
		logging.Field{Key: "error", Value: err.Error()})
	if rerr := os.Rename(path, aside); rerr != nil {
		return nil, fmt.Errorf("moving corrupt store aside: %w", rerr)
	}
	return openStore(path, defaultPort, logger)
}

func openStore(path string, defaultPort int, logger logging.Logger) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening registry database: %w", err)
	}
	reg, err := NewRegistry(db, defaultPort, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return reg, nil
}

func isCorruptStore(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "database disk image is malformed")
}

// Close releases the underlying database handle.
func (r *Registry) Close() error { return r.db.Close() }

// normalizeDomain lower-cases and trims a domain name so lookups and
// uniqueness checks are case-insensitive.
func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

const siteColumns = `id, domain_name, name, repo_url, port, local_status, domain_status, project_dir, created_at, updated_at`

func scanSite(row interface{ Scan(...any) error }) (*SiteRecord, error) {
	var (
		rec          SiteRecord
		domainStatus int
		created      int64
		updated      int64
		status       string
	)
	if err := row.Scan(&rec.ID, &rec.DomainName, &rec.Name, &rec.RepoURL, &rec.Port,
		&status, &domainStatus, &rec.ProjectDir, &created, &updated); err != nil {
		return nil, err
	}
	rec.LocalStatus = LocalStatus(status)
	rec.DomainStatus = domainStatus != 0
	rec.CreatedAt = time.Unix(created, 0).UTC()
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	return &rec, nil
}

// UpsertByDomain inserts rec, or merges it into the existing record with the
// same domain name. Merging preserves the original id and created_at and
// bumps updated_at; zero-valued incoming fields leave the stored value
// untouched. Returns the stored record.
func (r *Registry) UpsertByDomain(ctx context.Context, rec SiteRecord) (*SiteRecord, error) {
	domain := normalizeDomain(rec.DomainName)
	if domain == "" {
		return nil, fmt.Errorf("domain name is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	existing, err := scanSite(tx.QueryRowContext(ctx,
		`SELECT `+siteColumns+` FROM sites WHERE domain_name = ? LIMIT 1`, domain))
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup site: %w", err)
	}

	if existing == nil {
		id := rec.ID
		if id == "" {
			id = uuid.New().String()
		}
		status := rec.LocalStatus
		if status == "" {
			status = LocalPending
		}
		domainStatus := 0
		if rec.DomainStatus {
			domainStatus = 1
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sites (`+siteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, domain, rec.Name, rec.RepoURL, rec.Port, string(status), domainStatus, rec.ProjectDir, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert site: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit upsert: %w", err)
		}
		return &SiteRecord{
			ID:           id,
			DomainName:   domain,
			Name:         rec.Name,
			RepoURL:      rec.RepoURL,
			Port:         rec.Port,
			LocalStatus:  status,
			DomainStatus: rec.DomainStatus,
			ProjectDir:   rec.ProjectDir,
			CreatedAt:    time.Unix(now, 0).UTC(),
			UpdatedAt:    time.Unix(now, 0).UTC(),
		}, nil
	}

	merged := *existing
	if rec.Name != "" {
		merged.Name = rec.Name
	}
	if rec.RepoURL != "" {
		merged.RepoURL = rec.RepoURL
	}
	if rec.Port != 0 {
		merged.Port = rec.Port
	}
	if rec.ProjectDir != "" {
		merged.ProjectDir = rec.ProjectDir
	}
	if rec.LocalStatus != "" {
		merged.LocalStatus = rec.LocalStatus
	}
	// DomainStatus is owned by the provisioner via SetDomainStatus; a merge
	// never clobbers it.
	merged.UpdatedAt = time.Unix(now, 0).UTC()

	domainStatus := 0
	if merged.DomainStatus {
		domainStatus = 1
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sites SET name = ?, repo_url = ?, port = ?, local_status = ?, domain_status = ?, project_dir = ?, updated_at = ?
         WHERE id = ?`,
		merged.Name, merged.RepoURL, merged.Port, string(merged.LocalStatus), domainStatus, merged.ProjectDir, now, merged.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update site: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return &merged, nil
}

// SetDomainStatus flips only the domain_status flag for a domain, leaving
// every other field untouched. Used by the provisioner so a concurrent local
// deploy cannot be clobbered.
func (r *Registry) SetDomainStatus(ctx context.Context, domain string, provisioned bool) error {
	domain = normalizeDomain(domain)
	status := 0
	if provisioned {
		status = 1
	}
	now := time.Now().Unix()
	res, err := r.db.ExecContext(ctx,
		`UPDATE sites SET domain_status = ?, updated_at = ? WHERE domain_name = ?`,
		status, now, domain,
	)
	if err != nil {
		return fmt.Errorf("set domain status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// No record yet: register the domain as pending with the flag.
		_, err := r.UpsertByDomain(ctx, SiteRecord{DomainName: domain, DomainStatus: provisioned})
		return err
	}
	return nil
}

// AllocateNextPort returns max(existing ports) + 1, or the configured
// default when no site holds a port yet. Allocations are serialized and the
// high-water mark of handed-out ports is kept in memory, so two concurrent
// calls never return the same port even before either record is persisted.
func (r *Registry) AllocateNextPort(ctx context.Context) (int, error) {
	r.portMu.Lock()
	defer r.portMu.Unlock()

	row := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(port) + 1, ?) FROM sites WHERE port > 0`, r.defaultPort)
	var port sql.NullInt64
	if err := row.Scan(&port); err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	next := r.defaultPort
	if port.Valid && port.Int64 > 0 {
		next = int(port.Int64)
	}
	if next <= r.lastPort {
		next = r.lastPort + 1
	}
	r.lastPort = next
	return next, nil
}

// FindByDomain returns the record for domain, or ErrSiteNotFound.
func (r *Registry) FindByDomain(ctx context.Context, domain string) (*SiteRecord, error) {
	domain = normalizeDomain(domain)
	rec, err := scanSite(r.db.QueryRowContext(ctx,
		`SELECT `+siteColumns+` FROM sites WHERE domain_name = ? LIMIT 1`, domain))
	if err == sql.ErrNoRows {
		return nil, ErrSiteNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// FindByID returns the record with the given id, or ErrSiteNotFound.
func (r *Registry) FindByID(ctx context.Context, id string) (*SiteRecord, error) {
	rec, err := scanSite(r.db.QueryRowContext(ctx,
		`SELECT `+siteColumns+` FROM sites WHERE id = ? LIMIT 1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrSiteNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns all site records, newest first. A row that fails to scan is
// skipped with a warning rather than failing the whole read: losing the
// ability to list must not block new deployments from registering.
func (r *Registry) List(ctx context.Context) ([]SiteRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+siteColumns+` FROM sites ORDER BY created_at DESC`)
	if err != nil {
		r.logger.Warn("listing sites, treating registry as empty",
			logging.Field{Key: "error", Value: err.Error()})
		return nil, nil
	}
	defer rows.Close()

	var out []SiteRecord
	for rows.Next() {
		rec, err := scanSite(rows)
		if err != nil {
			r.logger.Warn("skipping malformed site row",
				logging.Field{Key: "error", Value: err.Error()})
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// ListByLocalStatus returns all records whose local status matches.
func (r *Registry) ListByLocalStatus(ctx context.Context, status LocalStatus) ([]SiteRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+siteColumns+` FROM sites WHERE local_status = ? ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SiteRecord
	for rows.Next() {
		rec, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}
