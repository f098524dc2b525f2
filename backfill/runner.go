package backfill

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Runner executes one index build.
type Runner interface {
	Run(ctx context.Context, req Request) error
}

// ExecRunner builds indices out of process by invoking
// "<Command...> reindex --dir D --device X --property P --file-index N".
type ExecRunner struct {
	Command []string
}

// NewExecRunner returns a runner for command, defaulting to the running binary.
func NewExecRunner(command []string) (*ExecRunner, error) {
	if len(command) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve own executable: %w", err)
		}
		command = []string{self}
	}
	return &ExecRunner{Command: command}, nil
}

func (r *ExecRunner) Run(ctx context.Context, req Request) error {
	args := append([]string{}, r.Command[1:]...)
	args = append(args,
		"reindex",
		"--dir", req.Dir,
		"--device", req.DeviceID,
		"--property", req.Property,
		"--file-index", strconv.Itoa(req.FileIndex),
	)
	cmd := exec.CommandContext(ctx, r.Command[0], args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("indexer %q failed: %w: %s", strings.Join(cmd.Args, " "), err, strings.TrimSpace(out.String()))
	}
	return nil
}

// InProcessRunner calls IndexFile directly.
type InProcessRunner struct {
	Logger *slog.Logger
}

func (r *InProcessRunner) Run(ctx context.Context, req Request) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	_, err := IndexFile(ctx, req, logger)
	return err
}
