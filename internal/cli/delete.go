package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rescale/cloudstore/internal/cloud/objects"
)

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <uri>",
		Short: "Delete an object",
		Long: `Delete one object. A missing object exits with status 2.

Example:
  cloudstore delete s3://my-bucket/runs/old.tar`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()
			env := newTransferEnv(cfg, logger)
			ctx := GetContext()

			backend, loc, err := env.open(ctx, args[0])
			if err != nil {
				return err
			}

			err = objects.Delete(ctx, objects.DeleteOptions{
				Backend:   backend,
				Bucket:    loc.Bucket,
				Key:       loc.Key,
				Resources: env.resources,
				Retry:     env.retry(nil),
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", loc)
			return nil
		},
	}
}
