package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goloop/internal/bootstrap"
	"github.com/nextlevelbuilder/goloop/internal/checkpoint"
	"github.com/nextlevelbuilder/goloop/internal/conditions"
	"github.com/nextlevelbuilder/goloop/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, storage and verification tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !runDoctor(cmd.Context(), cmd.OutOrStdout()) {
				return &exitCodeError{code: 1}
			}
			return nil
		},
	}
}

// runDoctor prints a health report and reports whether every check passed.
func runDoctor(ctx context.Context, w io.Writer) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	ok := true
	fmt.Fprintln(w, "goloop doctor")
	fmt.Fprintf(w, "  Version:  %s (checkpoint format v%d)\n", Version, checkpoint.EnvelopeVersion)
	fmt.Fprintf(w, "  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(w, "  Go:       %s\n", runtime.Version())
	fmt.Fprintln(w)

	cfgPath := resolveConfigPath()
	fmt.Fprintf(w, "  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Fprintln(w, " (NOT FOUND, using defaults)")
	} else {
		fmt.Fprintln(w, " (OK)")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(w, "  Config load error: %s\n", err)
		return false
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Storage:")
	ok = checkStore(ctx, w, cfg) && ok

	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Agent:")
	fmt.Fprintf(w, "    %-14s %s\n", "id:", cfg.Agent.ID)
	if cfg.Agent.Command == "" {
		fmt.Fprintf(w, "    %-14s (not configured)\n", "command:")
		ok = false
	} else {
		ok = checkBinary(w, "command:", cfg.Agent.Command) && ok
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Exit conditions:")
	if len(cfg.Conditions) == 0 {
		fmt.Fprintln(w, "    (none, runs stop at the iteration limit)")
	}
	for _, c := range cfg.Conditions {
		label := c.DisplayName() + ":"
		if c.Skip {
			fmt.Fprintf(w, "    %-14s skipped\n", label)
			continue
		}
		tool := c.Tool
		if tool == "" {
			tool = conditions.DefaultTool(c.Type)
		}
		ok = checkBinary(w, label, tool) && ok
	}

	fmt.Fprintln(w)
	if ok {
		fmt.Fprintln(w, "Doctor check complete.")
	} else {
		fmt.Fprintln(w, "Doctor found problems.")
	}
	return ok
}

func checkStore(ctx context.Context, w io.Writer, cfg *config.Config) bool {
	sc := cfg.StoreConfig()
	fmt.Fprintf(w, "    %-14s %s\n", "driver:", sc.DriverName())

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	stores, err := bootstrap.OpenStores(ctx, sc, nil)
	if err != nil {
		fmt.Fprintf(w, "    %-14s FAILED (%s)\n", "reachable:", err)
		return false
	}
	defer stores.Close()
	if err := stores.Checkpoints.Ping(ctx); err != nil {
		fmt.Fprintf(w, "    %-14s FAILED (%s)\n", "reachable:", err)
		return false
	}
	fmt.Fprintf(w, "    %-14s OK\n", "reachable:")
	if stores.Events == nil {
		fmt.Fprintf(w, "    %-14s not recorded by this driver\n", "events:")
	}
	return true
}

func checkBinary(w io.Writer, label, line string) bool {
	path, err := conditions.LookPath(line)
	if err != nil {
		fmt.Fprintf(w, "    %-14s NOT FOUND (%s)\n", label, line)
		return false
	}
	fmt.Fprintf(w, "    %-14s %s\n", label, path)
	return true
}
