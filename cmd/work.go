package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/goloop/internal/conditions"
	"github.com/nextlevelbuilder/goloop/internal/loop"
)

const maxCommandOutput = 1 << 20

// commandWork runs the agent command once per iteration. A non-zero exit is
// recorded in state rather than failing the iteration; the exit conditions
// decide whether the loop is done.
type commandWork struct {
	argv    []string
	workDir string
	env     []string
	tail    int
	logger  *slog.Logger
}

func newCommandWork(line, workDir string, env map[string]string, tail int, logger *slog.Logger) (*commandWork, error) {
	argv, err := conditions.SplitCommand(line)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("agent.command is empty")
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	extra := make([]string, 0, len(keys))
	for _, k := range keys {
		extra = append(extra, k+"="+env[k])
	}
	return &commandWork{argv: argv, workDir: workDir, env: extra, tail: tail, logger: logger}, nil
}

func (w *commandWork) Run(ctx context.Context, iteration int, _ map[string]any, h loop.Handle) (map[string]any, error) {
	st := h.State()
	num := iteration + 1

	cmd := exec.CommandContext(ctx, w.argv[0], w.argv[1:]...)
	cmd.Dir = w.workDir
	cmd.Env = append(os.Environ(), w.env...)
	cmd.Env = append(cmd.Env,
		"GOLOOP_SESSION_ID="+st.SessionID,
		"GOLOOP_AGENT_ID="+st.AgentID,
		"GOLOOP_ITERATION="+strconv.Itoa(num),
		"GOLOOP_MAX_ITERATIONS="+strconv.Itoa(st.MaxIterations),
	)
	cmd.WaitDelay = 2 * time.Second
	out := conditions.NewBoundedBuffer(maxCommandOutput)
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	code := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("start %s: %w", w.argv[0], err)
	}

	w.logger.Debug("agent command finished", "iteration", num, "exit_code", code, "duration", elapsed)
	if err := h.EmitEvent(ctx, "command.finished", map[string]any{
		"exit_code":   code,
		"duration_ms": elapsed.Milliseconds(),
	}); err != nil {
		w.logger.Warn("emit command event", "error", err)
	}

	return map[string]any{
		"last_exit_code": code,
		"last_output":    conditions.TruncateOutput(out.String(), w.tail),
	}, nil
}
