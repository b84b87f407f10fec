package clients

import (
	"context"
	"fmt"

	git "github.com/go-git/go-git/v5"

	"github.com/ablqvist/slipway/internal/logging"
)

// GitClient implements interfaces.VCSClient with a shallow clone of the
// repository's default branch.
type GitClient struct {
	logger logging.Logger
}

func NewGitClient(logger logging.Logger) *GitClient {
	return &GitClient{logger: logger.With(logging.Field{Key: "component", Value: "git"})}
}

func (g *GitClient) Clone(ctx context.Context, url, targetDir string) error {
	g.logger.Info("cloning repository",
		logging.Field{Key: "url", Value: url},
		logging.Field{Key: "dir", Value: targetDir})

	_, err := git.PlainCloneContext(ctx, targetDir, false, &git.CloneOptions{
		URL:          url,
		Depth:        1,
		SingleBranch: true,
		Tags:         git.NoTags,
	})
	if err != nil {
		return fmt.Errorf("cloning %s: %w", url, err)
	}
	return nil
}
