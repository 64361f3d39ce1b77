package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goloop/internal/checkpoint"
	"github.com/nextlevelbuilder/goloop/internal/conditions"
	"github.com/nextlevelbuilder/goloop/internal/store"
	"github.com/nextlevelbuilder/goloop/pkg/protocol"
)

func checkpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and prune saved checkpoints",
	}
	cmd.AddCommand(checkpointsListCmd())
	cmd.AddCommand(checkpointsShowCmd())
	cmd.AddCommand(checkpointsPruneCmd())
	return cmd
}

func checkpointsListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list [session]",
		Short: "List a session's checkpoints, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, os.Stderr)
			stores, cps, err := openCheckpoints(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer stores.Close()

			list, err := cps.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCheckpoints(cmd.OutOrStdout(), list, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func checkpointsShowCmd() *cobra.Command {
	var sequence int64
	cmd := &cobra.Command{
		Use:   "show [session]",
		Short: "Print a checkpoint (the latest unless --sequence is given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, os.Stderr)
			stores, cps, err := openCheckpoints(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer stores.Close()

			var cp *checkpoint.Checkpoint
			if sequence <= 0 {
				cp, err = cps.LoadLatest(cmd.Context(), args[0])
			} else {
				cp, err = findSequence(cps, cmd, args[0], sequence)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cp)
		},
	}
	cmd.Flags().Int64Var(&sequence, "sequence", 0, "checkpoint sequence number")
	return cmd
}

func findSequence(cps *checkpoint.Store, cmd *cobra.Command, sessionID string, seq int64) (*checkpoint.Checkpoint, error) {
	list, err := cps.List(cmd.Context(), sessionID)
	if err != nil {
		return nil, err
	}
	for _, cp := range list {
		if cp.Sequence == seq {
			return cp, nil
		}
	}
	return nil, fmt.Errorf("%w: session %s sequence %d", checkpoint.ErrNotFound, sessionID, seq)
}

func checkpointsPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete checkpoints older than a cutoff across all sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = cfg.Loop.CheckpointRetention.Std()
			}
			if olderThan <= 0 {
				return fmt.Errorf("set --older-than or loop.checkpoint_retention")
			}
			logger := newLogger(cfg.Log, os.Stderr)
			stores, cps, err := openCheckpoints(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer stores.Close()

			n, err := cps.Prune(cmd.Context(), store.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d checkpoint(s) older than %s.\n", n, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default loop.checkpoint_retention)")
	return cmd
}

func printCheckpoints(w io.Writer, list []*checkpoint.Checkpoint, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No checkpoints found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "SEQ\tITERATION\tPHASE\tCONDITIONS\tCREATED\tID\n")
	for _, cp := range list {
		met, total := conditions.Summary(cp.Conditions)
		fmt.Fprintf(tw, "%d\t%d/%d\t%s\t%d/%d\t%s\t%s\n",
			cp.Sequence, cp.Iteration, cp.MaxIterations, cp.Phase, met, total,
			cp.CreatedAt.Local().Format("2006-01-02 15:04:05"), cp.ID)
	}
	return tw.Flush()
}

func eventsCmd() *cobra.Command {
	var limit int
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "events [session]",
		Short: "Show a session's recorded progress events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, os.Stderr)
			stores, _, err := openCheckpoints(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer stores.Close()
			if stores.Events == nil {
				return fmt.Errorf("database driver %q does not record events", cfg.StoreConfig().DriverName())
			}

			events, err := stores.Events.ListEvents(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printEvents(cmd.OutOrStdout(), events, jsonOutput)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "most recent events to show (0 for all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func printEvents(w io.Writer, events []protocol.IterationEvent, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "No events found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "TIME\tTYPE\tITERATION\tPHASE\tCONDITIONS\tERROR\n")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%d/%d\t%s\n",
			ev.Timestamp.Local().Format("15:04:05.000"), ev.Type, ev.Iteration, ev.MaxIterations,
			ev.Phase, ev.ConditionsMet, ev.ConditionsAll, ev.Error)
	}
	return tw.Flush()
}
