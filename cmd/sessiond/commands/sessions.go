package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/sessioncore/internal/app"
	"github.com/opencode-ai/sessioncore/internal/response"
	"github.com/opencode-ai/sessioncore/internal/sessionstore"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

var (
	jsonOutput bool
	deleteAll  bool
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	dimColor    = color.New(color.Faint)
	warnColor   = color.New(color.FgYellow)
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *sessionstore.Store) error {
			entries, err := store.List(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			printEntries(cmd.OutOrStdout(), entries)
			return nil
		})
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a stored session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *sessionstore.Store) error {
			snap, err := store.ReadSession(ctx, args[0])
			if err != nil {
				return err
			}
			if snap == nil {
				return fmt.Errorf("session %s not found", args[0])
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), snap)
			}
			printSession(cmd.OutOrStdout(), snap)
			return nil
		})
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete [session-id]",
	Short: "Delete a stored session, or all of them with --all",
	Args: func(cmd *cobra.Command, args []string) error {
		if deleteAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *sessionstore.Store) error {
			if deleteAll {
				if err := store.ClearAllSessions(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "all sessions deleted")
				return nil
			}
			index, err := store.GetIndex(ctx)
			if err != nil {
				return err
			}
			if _, ok := index.Entries[args[0]]; !ok {
				return fmt.Errorf("session %s not found", args[0])
			}
			if err := store.DeleteSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		})
	},
}

var sessionsRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Reconcile the session index with the stored session files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *sessionstore.Store) error {
			report, err := store.Repair(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		})
	},
}

func init() {
	sessionsCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	sessionsDeleteCmd.Flags().BoolVar(&deleteAll, "all", false, "Delete every stored session")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsRepairCmd)
}

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, fn func(context.Context, *sessionstore.Store) error) error {
	backend, store, err := app.OpenStore(appConfig, nil)
	if err != nil {
		return err
	}
	err = fn(ctx, store)
	return errors.Join(err, store.Close(), backend.Close())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

func printEntries(w io.Writer, entries []types.IndexEntry) {
	if len(entries) == 0 {
		dimColor.Fprintln(w, "no stored sessions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	headerColor.Fprintln(tw, "ID\tLAST ACTIVITY\tTITLE")
	for _, e := range entries {
		title := e.Title
		if e.IsEmpty {
			title = dimColor.Sprint("(empty)")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.SessionID, formatTime(e.LastMessageDate), title)
	}
	tw.Flush()
}

func sessionTitle(snap *types.SessionSnapshot) string {
	if snap.CustomTitle != nil && *snap.CustomTitle != "" {
		return *snap.CustomTitle
	}
	if snap.ComputedTitle != "" {
		return snap.ComputedTitle
	}
	return "(untitled)"
}

func printSession(w io.Writer, snap *types.SessionSnapshot) {
	headerColor.Fprintln(w, sessionTitle(snap))
	dimColor.Fprintf(w, "%s  created %s  last active %s\n",
		snap.SessionID, formatTime(snap.CreationDate), formatTime(snap.LastMessageDate))

	for i, turn := range snap.Turns {
		fmt.Fprintln(w)
		headerColor.Fprintf(w, "[%d] user\n", i+1)
		fmt.Fprintln(w, turn.Input.Text)
		if turn.Response == nil {
			continue
		}
		headerColor.Fprintf(w, "[%d] assistant", i+1)
		dimColor.Fprintf(w, " (%s)\n", turn.Response.State)
		fmt.Fprintln(w, response.FromSnapshot(turn.ID, turn.Response).Markdown())
		if turn.Response.Result != nil && turn.Response.Result.ErrorDetails != nil {
			warnColor.Fprintf(w, "error: %s\n", turn.Response.Result.ErrorDetails.Message)
		}
		if turn.ID == snap.Checkpoint {
			warnColor.Fprintln(w, "-- checkpoint --")
		}
	}
}


func printReport(w io.Writer, r sessionstore.RepairReport) {
	section := func(name string, ids []string) {
		if len(ids) == 0 {
			return
		}
		headerColor.Fprintf(w, "%s (%d)\n", name, len(ids))
		for _, id := range ids {
			fmt.Fprintf(w, "  %s\n", id)
		}
	}
	if len(r.Dropped)+len(r.Indexed)+len(r.Corrupt)+len(r.Evicted) == 0 {
		fmt.Fprintln(w, "index is consistent")
		return
	}
	section("dropped from index", r.Dropped)
	section("added to index", r.Indexed)
	section("corrupt", r.Corrupt)
	section("evicted", r.Evicted)
}
