package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	var purgeLibrary bool

	cmd := &cobra.Command{
		Use:   "delete [media-id-or-src...]",
		Short: "Delete media entries, or the whole library with --purge-library",
		Long: "delete removes media entries with their caption tracks, files, " +
			"and download-ledger lines so the source can be fetched again. " +
			"--purge-library removes the active library directory entirely.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if purgeLibrary {
				if len(args) > 0 {
					return errors.New("--purge-library takes no media arguments")
				}
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				dir := cfg.LibraryDir()
				if err := os.RemoveAll(dir); err != nil {
					return fmt.Errorf("remove library %q: %w", cfg.Paths.Library, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed library %s (%s)\n", cfg.Paths.Library, dir)
				return nil
			}

			if len(args) == 0 {
				return errors.New("at least one media id is required")
			}
			return ctx.withEnv(func(env *appEnv) error {
				out := cmd.OutOrStdout()
				for _, ref := range args {
					if err := env.media.Delete(cmd.Context(), ref); err != nil {
						return fmt.Errorf("delete %q: %w", ref, err)
					}
					fmt.Fprintf(out, "Deleted %s\n", ref)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&purgeLibrary, "purge-library", false, "Remove the active library directory and everything in it")
	return cmd
}
