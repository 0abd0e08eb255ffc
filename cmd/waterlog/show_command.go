package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"waterlog/internal/services"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <media-id-or-src>",
		Short: "Show one media entry with its caption tracks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *appEnv) error {
				m, err := env.media.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if m == nil {
					return fmt.Errorf("media %q: %w", args[0], services.ErrNotFound)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ID:        %s\n", m.ID)
				fmt.Fprintf(out, "Title:     %s\n", m.Title)
				fmt.Fprintf(out, "Source:    %s (%s)\n", m.Src, m.SrcName)
				if m.UploaderName != "" {
					fmt.Fprintf(out, "Uploader:  %s\n", m.UploaderName)
				}
				fmt.Fprintf(out, "Duration:  %s\n", formatDuration(m.Duration))
				fmt.Fprintf(out, "Filesize:  %d\n", m.Filesize)
				fmt.Fprintf(out, "Video:     %s\n", yesNo(m.IsVideo))
				fmt.Fprintf(out, "File:      %s\n", env.media.AbsolutePath(*m))
				fmt.Fprintf(out, "Added:     %s\n", m.Created)

				tracks, err := env.captions.All(cmd.Context(), m.ID)
				if err != nil {
					return err
				}
				if len(tracks) == 0 {
					fmt.Fprintln(out, "No caption tracks")
					return nil
				}

				rows := make([][]string, len(tracks))
				for i, track := range tracks {
					rows[i] = []string{track.ID, track.Kind, track.Lang, track.By, track.Format, track.Created}
				}
				fmt.Fprintln(out, resultTable{
					headers: []string{"ID", "KIND", "LANG", "BY", "FMT", "CREATED"},
					rows:    rows,
				}.render())
				return nil
			})
		},
	}
}
