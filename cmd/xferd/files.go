package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/progress"
	"github.com/Ning0612/xferd/internal/service"
)

func newLsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ls CONNECTION [PATH]",
		Short: "List a remote directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "/"
			if len(args) == 2 {
				dir = args[1]
			}
			return c.run(cmd, func(ctx context.Context, e *service.Engine) error {
				items, err := e.Manager().ListDirectory(ctx, args[0], dir)
				if err != nil {
					return err
				}
				printItems(c, items)
				return nil
			})
		},
	}
}

func printItems(c *cli, items []domain.FileItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir() != items[j].IsDir() {
			return items[i].IsDir()
		}
		return items[i].Name < items[j].Name
	})

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	for _, item := range items {
		perms := item.Permissions
		if perms == "" {
			perms = "-"
		}
		size := progress.FormatBytes(item.Size)
		name := item.Name
		if item.IsDir() {
			size = "-"
			name += "/"
		}
		modified := "-"
		if !item.Modified.IsZero() {
			modified = item.Modified.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", perms, size, modified, name)
	}
	w.Flush()
}

func newRmCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rm CONNECTION PATH",
		Short: "Delete a remote file or empty directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, e *service.Engine) error {
				return e.Manager().DeleteFile(ctx, args[0], args[1])
			})
		},
	}
}

func newMkdirCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir CONNECTION PATH",
		Short: "Create a remote directory and any missing parents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, e *service.Engine) error {
				return e.Manager().CreateDirectory(ctx, args[0], args[1])
			})
		},
	}
}

func newMvCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mv CONNECTION FROM TO",
		Short: "Rename a remote file or directory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, e *service.Engine) error {
				return e.Manager().RenameFile(ctx, args[0], args[1], args[2])
			})
		},
	}
}

func newChmodCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "chmod CONNECTION MODE PATH",
		Short:   "Change remote permissions",
		Example: "  xferd chmod backup 0640 /srv/report.pdf",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(args[1])
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, e *service.Engine) error {
				return e.Manager().ChangePermissions(ctx, args[0], args[2], mode)
			})
		},
	}
}

// parseMode parses an octal permission string such as 644 or 0755
func parseMode(s string) (os.FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil || v > 0777 {
		return 0, fmt.Errorf("invalid mode %q: expected octal permissions such as 0644", s)
	}
	return os.FileMode(v), nil
}
