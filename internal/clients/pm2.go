package clients

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ablqvist/slipway/internal/logging"
)

// PM2Client implements interfaces.SupervisorClient over the pm2 CLI.
type PM2Client struct {
	runner *Runner
	logger logging.Logger
}

func NewPM2Client(runner *Runner, logger logging.Logger) *PM2Client {
	return &PM2Client{
		runner: runner,
		logger: logger.With(logging.Field{Key: "component", Value: "pm2"}),
	}
}

// Start registers the site's npm start script under the given process name,
// bound to port. An already-registered name is replaced so redeploys pick
// up the new build.
func (p *PM2Client) Start(ctx context.Context, name, dir string, port int) error {
	// Best effort: remove a previous instance of this process name.
	if out, err := p.runner.Run(ctx, Command{Name: "pm2", Args: []string{"delete", name}}); err != nil {
		p.logger.Debug("no previous process to delete",
			logging.Field{Key: "name", Value: name},
			logging.Field{Key: "output", Value: out})
	}

	_, err := p.runner.Run(ctx, Command{
		Name: "pm2",
		Args: []string{"start", "npm", "--name", name, "--", "run", "start", "--", "-p", strconv.Itoa(port)},
		Dir:  dir,
		Env:  []string{"PORT=" + strconv.Itoa(port)},
	})
	if err != nil {
		return fmt.Errorf("pm2 start %s: %w", name, err)
	}
	p.logger.Info("process started",
		logging.Field{Key: "name", Value: name},
		logging.Field{Key: "port", Value: port})
	return nil
}

// PersistState saves the pm2 process list so it is restored on host reboot.
func (p *PM2Client) PersistState(ctx context.Context) error {
	if _, err := p.runner.Run(ctx, Command{Name: "pm2", Args: []string{"save"}}); err != nil {
		return fmt.Errorf("pm2 save: %w", err)
	}
	return nil
}
