package registry_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/ablqvist/slipway/internal/logging"
	"github.com/ablqvist/slipway/internal/registry"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/registry.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.NewRegistry(openTestDB(t), 3000, logging.NewStdoutLogger("registry_test"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestRegistry_UpsertInsertsThenMerges(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.UpsertByDomain(ctx, registry.SiteRecord{
		DomainName: "Example.com",
		RepoURL:    "https://github.com/acme/site",
	})
	if err != nil {
		t.Fatalf("UpsertByDomain insert: %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected generated id")
	}
	if first.DomainName != "example.com" {
		t.Fatalf("expected normalized domain, got %q", first.DomainName)
	}
	if first.LocalStatus != registry.LocalPending {
		t.Fatalf("expected pending status, got %q", first.LocalStatus)
	}

	second, err := reg.UpsertByDomain(ctx, registry.SiteRecord{
		DomainName:  "example.com",
		Port:        3001,
		ProjectDir:  "/srv/sites/example.com",
		LocalStatus: registry.LocalLive,
	})
	if err != nil {
		t.Fatalf("UpsertByDomain merge: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("redeploy must keep the same id, want %s got %s", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("redeploy must preserve created_at, want %v got %v", first.CreatedAt, second.CreatedAt)
	}
	if second.RepoURL != "https://github.com/acme/site" {
		t.Fatalf("merge must keep repo url, got %q", second.RepoURL)
	}
	if second.Port != 3001 || second.LocalStatus != registry.LocalLive {
		t.Fatalf("merge did not apply new fields: %+v", second)
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Fatal("updated_at must be non-decreasing")
	}
}

func TestRegistry_UpsertDoesNotClobberDomainStatus(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.UpsertByDomain(ctx, registry.SiteRecord{DomainName: "example.com"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := reg.SetDomainStatus(ctx, "example.com", true); err != nil {
		t.Fatalf("SetDomainStatus: %v", err)
	}

	// A local redeploy upsert must not reset the provisioned flag.
	if _, err := reg.UpsertByDomain(ctx, registry.SiteRecord{
		DomainName:  "example.com",
		LocalStatus: registry.LocalLive,
	}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	got, err := reg.FindByDomain(ctx, "example.com")
	if err != nil {
		t.Fatalf("FindByDomain: %v", err)
	}
	if !got.DomainStatus {
		t.Fatal("domain_status lost on redeploy upsert")
	}
}

func TestRegistry_AllocateNextPort(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	port, err := reg.AllocateNextPort(ctx)
	if err != nil {
		t.Fatalf("AllocateNextPort: %v", err)
	}
	if port != 3000 {
		t.Fatalf("empty registry must yield default port, got %d", port)
	}

	if _, err := reg.UpsertByDomain(ctx, registry.SiteRecord{DomainName: "a.com", Port: 3000}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := reg.UpsertByDomain(ctx, registry.SiteRecord{DomainName: "b.com", Port: 3007}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	port, err = reg.AllocateNextPort(ctx)
	if err != nil {
		t.Fatalf("AllocateNextPort: %v", err)
	}
	if port != 3008 {
		t.Fatalf("expected max+1 = 3008, got %d", port)
	}
}

func TestRegistry_AllocatedPortsNeverCollide(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		seen  = map[int]string{}
		wg    sync.WaitGroup
		fatal = make(chan string, 8)
	)
	domains := []string{"a.com", "b.com", "c.com", "d.com", "e.com", "f.com", "g.com", "h.com"}
	for _, d := range domains {
		wg.Add(1)
		go func(domain string) {
			defer wg.Done()
			port, err := reg.AllocateNextPort(ctx)
			if err != nil {
				fatal <- err.Error()
				return
			}
			if _, err := reg.UpsertByDomain(ctx, registry.SiteRecord{DomainName: domain, Port: port}); err != nil {
				fatal <- err.Error()
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := seen[port]; dup {
				fatal <- "port already handed to " + prev
				return
			}
			seen[port] = domain
		}(d)
	}
	wg.Wait()
	close(fatal)
	for msg := range fatal {
		t.Fatal(msg)
	}
}

func TestRegistry_OpenRecreatesCorruptStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite database"), 0o644); err != nil {
		t.Fatalf("seeding corrupt file: %v", err)
	}

	reg, err := registry.Open(path, 3000, logging.NewStdoutLogger("registry_test"))
	if err != nil {
		t.Fatalf("Open must recover from a corrupt store: %v", err)
	}
	defer reg.Close()

	if _, err := reg.UpsertByDomain(context.Background(), registry.SiteRecord{DomainName: "a.com"}); err != nil {
		t.Fatalf("upsert into recreated store: %v", err)
	}

	moved, err := filepath.Glob(path + ".corrupt.*")
	if err != nil || len(moved) != 1 {
		t.Fatalf("corrupt file not moved aside: %v (%v)", moved, err)
	}
}

func TestRegistry_FindNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.FindByDomain(ctx, "missing.com"); !errors.Is(err, registry.ErrSiteNotFound) {
		t.Fatalf("expected ErrSiteNotFound, got %v", err)
	}
	if _, err := reg.FindByID(ctx, "nope"); !errors.Is(err, registry.ErrSiteNotFound) {
		t.Fatalf("expected ErrSiteNotFound, got %v", err)
	}
}

func TestRegistry_ListByLocalStatus(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	for _, rec := range []registry.SiteRecord{
		{DomainName: "a.com", LocalStatus: registry.LocalLive},
		{DomainName: "b.com"},
		{DomainName: "c.com", LocalStatus: registry.LocalFailed},
	} {
		if _, err := reg.UpsertByDomain(ctx, rec); err != nil {
			t.Fatalf("upsert %s: %v", rec.DomainName, err)
		}
	}

	pending, err := reg.ListByLocalStatus(ctx, registry.LocalPending)
	if err != nil {
		t.Fatalf("ListByLocalStatus: %v", err)
	}
	if len(pending) != 1 || pending[0].DomainName != "b.com" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}

	all, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sites, got %d", len(all))
	}
}
