package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"waterlog/internal/media"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var title string
	var captioned bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List library media",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *appEnv) error {
				var captionedFilter *bool
				if cmd.Flags().Changed("captioned") {
					captionedFilter = &captioned
				}

				var entries []media.Media
				var err error
				switch {
				case title != "":
					entries, err = env.media.SearchByTitle(cmd.Context(), title)
					if err == nil && captionedFilter != nil {
						entries = filterCaptioned(cmd, env, entries, *captionedFilter)
					}
				case captionedFilter != nil:
					entries, err = env.media.Filter(cmd.Context(), nil, captionedFilter)
				default:
					entries, err = env.media.All(cmd.Context())
				}
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(out, "Library is empty")
					return nil
				}

				rows := make([][]string, len(entries))
				for i, m := range entries {
					tracks, err := env.captions.All(cmd.Context(), m.ID)
					if err != nil {
						return err
					}
					rows[i] = []string{
						m.ID,
						collapse(m.Title, 50),
						m.SrcName,
						formatDuration(m.Duration),
						strconv.Itoa(len(tracks)),
					}
				}
				fmt.Fprintln(out, resultTable{
					headers:    []string{"ID", "TITLE", "SOURCE", "DURATION", "TRACKS"},
					rows:       rows,
					rightAlign: []int{3, 4},
				}.render())
				fmt.Fprintf(out, "%d entries\n", len(entries))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Filter by case-insensitive title substring")
	cmd.Flags().BoolVar(&captioned, "captioned", false, "Filter by caption presence (--captioned=false for uncaptioned)")
	return cmd
}

func filterCaptioned(cmd *cobra.Command, env *appEnv, entries []media.Media, want bool) []media.Media {
	out := entries[:0]
	for _, m := range entries {
		has, err := env.media.Captioned(cmd.Context(), m.ID)
		if err != nil {
			continue
		}
		if has == want {
			out = append(out, m)
		}
	}
	return out
}
