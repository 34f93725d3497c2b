package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/constants"
)

func newExistsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <uri>",
		Short: "Check whether an object exists",
		Long: `Stat one object and print its size, ETag and cloudstore format version.
Exits with status 2 when the object does not exist.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()
			env := newTransferEnv(cfg, logger)
			ctx := GetContext()

			backend, loc, err := env.open(ctx, args[0])
			if err != nil {
				return err
			}

			call := cloud.NewCall(env.resources, env.retry(nil))
			info, err := cloud.Stat(ctx, call, backend, loc.Bucket, loc.Key)
			if err != nil {
				return err
			}

			printObjectInfo(cmd, loc.String(), info)
			return nil
		},
	}
}

func printObjectInfo(cmd *cobra.Command, uri string, info cloud.ObjectInfo) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", uri)
	fmt.Fprintf(out, "  size:    %d\n", info.Size)
	fmt.Fprintf(out, "  etag:    %s\n", info.ETag)
	if info.HasCRC32C {
		fmt.Fprintf(out, "  crc32c:  %08x\n", info.CRC32C)
	}
	version := metaValue(info.Metadata, constants.MetaVersion)
	if version == "" {
		version = "none (not written by cloudstore)"
	}
	fmt.Fprintf(out, "  version: %s\n", version)
}

// metaValue looks key up case-insensitively; backends differ in how they
// return user metadata names.
func metaValue(meta map[string]string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
