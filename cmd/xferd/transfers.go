package main

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Ning0612/xferd/internal/adapter"
	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/service"
)

func newPutCmd(c *cli) *cobra.Command {
	var jobs int

	cmd := &cobra.Command{
		Use:   "put CONNECTION REMOTE_DIR FILE...",
		Short: "Upload local files into a remote directory",
		Long: `Upload one or more local files into REMOTE_DIR. Files are uploaded
concurrently; connections that cannot multiplex transfers run them one
at a time. Ctrl-C cancels every running upload.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, remoteDir, files := args[0], args[1], args[2:]
			return c.run(cmd, func(ctx context.Context, e *service.Engine) error {
				defer c.watch(e.Manager().Events())()

				sessions := make([]domain.TransferSession, len(files))
				g, gctx := errgroup.WithContext(ctx)
				if jobs > 0 {
					g.SetLimit(jobs)
				}
				for i, file := range files {
					i, file := i, file
					g.Go(func() error {
						src, err := adapter.FileSource(file)
						if err != nil {
							return err
						}
						remote := path.Join(remoteDir, filepath.Base(file))
						session, err := e.Manager().UploadFile(gctx, conn, src, remote)
						sessions[i] = session
						return err
					})
				}
				if err := g.Wait(); err != nil {
					return err
				}
				return outcome(sessions...)
			})
		},
	}
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 4, "maximum concurrent uploads (0 = unlimited)")
	return cmd
}

func newGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get CONNECTION REMOTE_PATH [LOCAL_PATH]",
		Short: "Download a remote file",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := args[1]
			local := path.Base(remote)
			if len(args) == 3 {
				local = args[2]
			}
			if strings.HasSuffix(local, string(filepath.Separator)) {
				local = filepath.Join(local, path.Base(remote))
			}
			return c.run(cmd, func(ctx context.Context, e *service.Engine) error {
				defer c.watch(e.Manager().Events())()

				session, err := e.Manager().DownloadFile(ctx, args[0], remote, local)
				if err != nil {
					return err
				}
				return outcome(session)
			})
		},
	}
}

func newResumeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "resume TRANSFER_ID",
		Short: "Restart an interrupted, failed or cancelled transfer",
		Long: `Restart a recorded transfer from the beginning under the same id.
Uploads re-open the original local file. Completed transfers are left
untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, e *service.Engine) error {
				defer c.watch(e.Manager().Events())()

				session, err := e.Manager().ResumeTransfer(ctx, args[0], nil)
				if err != nil {
					return err
				}
				return outcome(session)
			})
		},
	}
}

// outcome turns unsuccessful sessions into a command error
func outcome(sessions ...domain.TransferSession) error {
	var failed []string
	for _, s := range sessions {
		switch s.Status {
		case domain.StatusCompleted:
		case domain.StatusCancelled:
			failed = append(failed, fmt.Sprintf("%s cancelled (resume with: xferd resume %s)", s.RemotePath, s.ID))
		default:
			failed = append(failed, fmt.Sprintf("%s failed: %s", s.RemotePath, s.Error))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d transfers did not complete:\n  %s", len(failed), len(sessions), strings.Join(failed, "\n  "))
}
