package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/objects"
	"github.com/rescale/cloudstore/internal/cloud/providers"
)

func newPendingCmd() *cobra.Command {
	var (
		abort     bool
		olderThan time.Duration
	)

	cmd := &cobra.Command{
		Use:   "pending <s3://bucket[/prefix]>",
		Short: "List or abort unfinished multipart uploads",
		Long: `List multipart uploads that were started but never completed or aborted,
oldest first. Their parts are billed until they are aborted.

Use --abort to abort them and --older-than to leave recent uploads, which may
still be running, alone. Only S3 keeps pending uploads.

Examples:
  cloudstore pending s3://my-bucket
  cloudstore pending s3://my-bucket/runs/ --abort --older-than 24h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()
			env := newTransferEnv(cfg, logger)
			ctx := GetContext()

			loc, err := providers.ParsePrefixURI(args[0])
			if err != nil {
				return err
			}
			backend, err := newBackend(ctx, env.factory, loc.Scheme)
			if err != nil {
				return err
			}

			opts := objects.PendingOptions{
				Backend:   backend,
				Bucket:    loc.Bucket,
				Prefix:    loc.Key,
				OlderThan: olderThan,
				Resources: env.resources,
				Retry:     env.retry(nil),
				Logger:    logger,
			}

			var uploads []cloud.PendingUpload
			if abort {
				uploads, err = objects.AbortPending(ctx, opts)
			} else {
				uploads, err = objects.ListPending(ctx, opts)
			}
			out := cmd.OutOrStdout()
			for _, u := range uploads {
				fmt.Fprintf(out, "%s  %s  %s\n", u.Initiated.UTC().Format(time.RFC3339), u.Key, u.UploadID)
			}
			if err != nil {
				return err
			}

			verb := "pending"
			if abort {
				verb = "aborted"
			}
			fmt.Fprintf(out, "%d %s upload(s) in %s\n", len(uploads), verb, loc.Scheme+"://"+loc.Bucket+"/"+loc.Key)
			return nil
		},
	}

	cmd.Flags().BoolVar(&abort, "abort", false, "Abort the listed uploads")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only uploads started at least this long ago")

	return cmd
}
