package clients

import (
	"context"
	"fmt"
	"strings"

	"github.com/ablqvist/slipway/internal/interfaces"
	"github.com/ablqvist/slipway/internal/logging"
)

// oomMarker appears in npm output when the kernel OOM killer terminates a
// build worker mid-install.
const oomMarker = "Killed"

// NPMBuilder implements interfaces.BuildClient by shelling out to npm.
type NPMBuilder struct {
	runner *Runner
	logger logging.Logger
}

func NewNPMBuilder(runner *Runner, logger logging.Logger) *NPMBuilder {
	return &NPMBuilder{
		runner: runner,
		logger: logger.With(logging.Field{Key: "component", Value: "npm"}),
	}
}

// InstallDependencies runs npm install in dir. With conserveMemory it caps
// the Node heap and skips optional dependencies, the combination that lets
// installs survive on small build hosts.
func (b *NPMBuilder) InstallDependencies(ctx context.Context, dir string, conserveMemory bool) error {
	cmd := Command{Name: "npm", Args: []string{"install"}, Dir: dir}
	if conserveMemory {
		cmd.Args = append(cmd.Args, "--no-optional")
		cmd.Env = []string{"NODE_OPTIONS=--max-old-space-size=4096"}
		b.logger.Warn("retrying install with reduced memory footprint",
			logging.Field{Key: "dir", Value: dir})
	}

	out, err := b.runner.Run(ctx, cmd)
	if err != nil {
		if strings.Contains(out, oomMarker) {
			return fmt.Errorf("npm install killed: %w", interfaces.ErrResourceExhausted)
		}
		return fmt.Errorf("npm install: %w", err)
	}
	return nil
}

func (b *NPMBuilder) Build(ctx context.Context, dir string) error {
	out, err := b.runner.Run(ctx, Command{Name: "npm", Args: []string{"run", "build"}, Dir: dir})
	if err != nil {
		if strings.Contains(out, oomMarker) {
			return fmt.Errorf("npm build killed: %w", interfaces.ErrResourceExhausted)
		}
		return fmt.Errorf("npm run build: %w", err)
	}
	return nil
}
