package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when a command does not finish within its deadline.
var ErrTimeout = errors.New("command timed out")

// Command is one external program invocation.
type Command struct {
	Name string
	Args []string
	// Env entries are appended to the daemon's environment.
	Env []string
}

// Cmd builds a Command.
func Cmd(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// WithEnv returns a copy of c with extra KEY=VALUE entries.
func (c Command) WithEnv(env ...string) Command {
	c.Env = append(append([]string(nil), c.Env...), env...)
	return c
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes external commands. A nil error means exit status 0; the
// returned bytes are the command's stdout.
type Runner interface {
	Run(ctx context.Context, c Command) ([]byte, error)
}

// Exec runs commands with os/exec, bounding each by Timeout.
type Exec struct {
	Timeout time.Duration
}

// New returns an Exec runner; timeout <= 0 means 30s.
func New(timeout time.Duration) *Exec {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Exec{Timeout: timeout}
}

func (e *Exec) Run(ctx context.Context, c Command) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("%s: %w", c, ErrTimeout)
		}
		return out, fmt.Errorf("%s failed: %w output=%s", c, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
