// Package clients holds the concrete implementations of the external
// collaborator contracts in internal/interfaces: source control, build
// tooling, the process supervisor, DNS and registrar APIs, the certificate
// issuer and the reverse proxy.
package clients

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/ablqvist/slipway/internal/logging"
)

// Command describes one subprocess invocation for Runner.
type Command struct {
	Name string
	Args []string

	// Dir is the working directory; empty inherits the process's.
	Dir string

	// Env entries are appended to the current environment.
	Env []string

	// OnLine receives each combined stdout/stderr line as it arrives.
	OnLine func(line string)
}

// Runner executes subprocesses with combined, line-streamed output. The
// full output is also returned so callers can inspect it after the fact,
// e.g. for failure classification.
type Runner struct {
	logger logging.Logger
}

func NewRunner(logger logging.Logger) *Runner {
	return &Runner{logger: logger.With(logging.Field{Key: "component", Value: "exec"})}
}

// Run starts the command and blocks until it exits. Output lines are pushed
// to cmd.OnLine while accumulating; the accumulated output is returned even
// when the command fails.
func (r *Runner) Run(ctx context.Context, c Command) (string, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var out strings.Builder
	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			out.WriteString(line)
			out.WriteByte('\n')
			if c.OnLine != nil {
				c.OnLine(line)
			}
			r.logger.Debug("subprocess output",
				logging.Field{Key: "cmd", Value: c.Name},
				logging.Field{Key: "line", Value: line})
		}
	}()

	r.logger.Info("running command",
		logging.Field{Key: "cmd", Value: c.Name},
		logging.Field{Key: "args", Value: strings.Join(c.Args, " ")})

	err := cmd.Run()
	pw.Close()
	<-done
	return out.String(), err
}
