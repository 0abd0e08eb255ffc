package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var libraryFlag string
	var levelFlag string
	var formatFlag string

	ctx := newCommandContext(&configFlag, &libraryFlag, &levelFlag, &formatFlag)

	rootCmd := &cobra.Command{
		Use:           "waterlog",
		Short:         "Content-addressed media transcript library",
		Long: "waterlog downloads or imports media, transcribes it, embeds the " +
			"transcript cues, and serves semantic search over the result.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&libraryFlag, "library", "l", "", "Library name under the data directory")
	rootCmd.PersistentFlags().StringVar(&levelFlag, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&formatFlag, "log-format", "", "Log format (console, json)")

	rootCmd.AddCommand(newAddCommand(ctx))
	rootCmd.AddCommand(newTranscribeCommand(ctx))
	rootCmd.AddCommand(newEmbedCommand(ctx))
	rootCmd.AddCommand(newIndexCommand(ctx))
	rootCmd.AddCommand(newSearchCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newShowCommand(ctx))
	rootCmd.AddCommand(newDeleteCommand(ctx))
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}
