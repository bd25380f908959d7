package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/odvcencio/gotidx/pkg/workpool"
)

// waitDelay bounds how long a killed command's children may hold its
// output pipes open.
const waitDelay = time.Second

// Exec runs an external command once per module. The command reads a JSON
// ModuleSource on stdin and writes one JSON value on stdout; a non-zero
// exit or output that is not JSON is a failure.
type Exec struct {
	Command []string
	// Dir is the working directory; empty means the current one.
	Dir string
	Env []string
	// Timeout bounds each invocation; zero means no limit beyond ctx.
	Timeout time.Duration
}

func (e *Exec) Class() workpool.Class { return workpool.IO }

func (e *Exec) Summarize(ctx context.Context, src ModuleSource) (any, error) {
	if len(e.Command) == 0 {
		return nil, fmt.Errorf("summarize %s: %w: no command configured", src.Name, ErrFailed)
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("summarize %s: encode request: %w", src.Name, err)
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, fmt.Errorf("summarize %s: %w: timed out", src.Name, ErrFailed)
			}
			return nil, ctxErr
		}
		return nil, fmt.Errorf("summarize %s: %s: %w: %w: %s",
			src.Name, e.Command[0], ErrFailed, err, strings.TrimSpace(stderr.String()))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 || !json.Valid(out) {
		return nil, fmt.Errorf("summarize %s: %w: command output is not JSON", src.Name, ErrFailed)
	}
	return json.RawMessage(out), nil
}
