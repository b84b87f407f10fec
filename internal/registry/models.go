package registry

import "time"

// LocalStatus tracks the outcome of the local deployment pipeline for a site.
type LocalStatus string

const (
	LocalPending LocalStatus = "pending"
	LocalLive    LocalStatus = "live"
	LocalFailed  LocalStatus = "failed"
)

// SiteRecord is one deployed (or to-be-deployed) application. DomainName is
// unique across the registry; re-deploying a domain updates the existing
// record in place.
type SiteRecord struct {
	ID           string      `json:"id"`
	DomainName   string      `json:"domain_name"`
	Name         string      `json:"name,omitempty"`
	RepoURL      string      `json:"repo_url"`
	Port         int         `json:"port"`
	LocalStatus  LocalStatus `json:"local_status"`
	DomainStatus bool        `json:"domain_status"`
	ProjectDir   string      `json:"project_dir,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}
