package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/progress"
	"github.com/Ning0612/xferd/internal/service"
)

func newSessionsCmd(c *cli) *cobra.Command {
	var interrupted bool

	cmd := &cobra.Command{
		Use:   "sessions [CONNECTION]",
		Short: "List recorded transfers",
		Long: `List recorded transfers of one connection, or of every configured
connection. With --interrupted, list only transfers left pending or
active by a process that exited without finishing them.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, e *service.Engine) error {
				var sessions []domain.TransferSession
				switch {
				case interrupted:
					found, err := e.Manager().Interrupted()
					if err != nil {
						return err
					}
					for _, s := range found {
						if len(args) == 0 || s.ConnectionID == args[0] {
							sessions = append(sessions, s)
						}
					}
				case len(args) == 1:
					if _, err := e.Connection(args[0]); err != nil {
						return err
					}
					found, err := e.Manager().GetActiveTransfers(args[0])
					if err != nil {
						return err
					}
					sessions = found
				default:
					found, err := allSessions(e)
					if err != nil {
						return err
					}
					sessions = found
				}
				printSessions(c, sessions)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&interrupted, "interrupted", false, "only show transfers that can be resumed after a crash")
	return cmd
}

func allSessions(e *service.Engine) ([]domain.TransferSession, error) {
	var all []domain.TransferSession
	for _, conn := range e.Connections() {
		sessions, err := e.Manager().GetActiveTransfers(conn.ID)
		if err != nil {
			return nil, err
		}
		all = append(all, sessions...)
	}
	return all, nil
}

func printSessions(c *cli, sessions []domain.TransferSession) {
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartTime.Before(sessions[j].StartTime) })

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCONNECTION\tTYPE\tSTATUS\tPROGRESS\tSTARTED\tREMOTE\tERROR")
	for _, s := range sessions {
		size := progress.FormatBytes(s.TransferredSize)
		if s.TotalSize > 0 {
			size += " / " + progress.FormatBytes(s.TotalSize)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%% (%s)\t%s\t%s\t%s\n",
			s.ID, s.ConnectionID, s.Type, s.Status, s.Progress(), size,
			s.StartTime.Local().Format(time.DateTime), s.RemotePath, s.Error)
	}
	w.Flush()
}

func newPruneCmd(c *cli) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished transfer records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than cannot be negative")
			}
			return c.run(cmd, func(ctx context.Context, e *service.Engine) error {
				n, err := e.Manager().Prune(olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "Pruned %d finished transfers\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only prune transfers that ended at least this long ago")
	return cmd
}
