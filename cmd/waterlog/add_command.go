package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"waterlog/internal/media"
	"waterlog/internal/pipeline"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var audioOnly bool
	var lowQuality bool
	var subLangs []string
	var process bool
	var ignoreCaptioned bool

	cmd := &cobra.Command{
		Use:   "add <url-or-path>...",
		Short: "Download or import media into the library",
		Long: "add accepts web URLs (fetched with yt-dlp, platform subtitles " +
			"attached as caption tracks) and local file paths (copied into the " +
			"library). Sources already present are deduplicated by id.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *appEnv) error {
				added, err := env.media.Add(cmd.Context(), args, media.FetchOptions{
					AudioOnly:     audioOnly || env.cfg.Fetch.AudioOnly,
					LowQuality:    lowQuality || env.cfg.Fetch.LowQuality,
					SubtitleLangs: subtitleLangs(subLangs, env.cfg.Fetch.SubtitleLangs),
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(added) == 0 {
					fmt.Fprintln(out, "Nothing added")
					return nil
				}

				rows := make([][]string, len(added))
				ids := make([]string, len(added))
				for i, m := range added {
					ids[i] = m.ID
					rows[i] = []string{m.ID, collapse(m.Title, 60), m.SrcName, formatDuration(m.Duration)}
				}
				fmt.Fprintln(out, resultTable{
					headers:    []string{"ID", "TITLE", "SOURCE", "DURATION"},
					rows:       rows,
					rightAlign: []int{3},
				}.render())

				if !process {
					return nil
				}
				orch, err := env.orchestrator(true)
				if err != nil {
					return err
				}
				return orch.Process(cmd.Context(), ids, pipeline.ProcessOptions{
					Transcriber:     pipeline.TranscriberSettingsFromConfig(env.cfg),
					Indexer:         pipeline.IndexerSettingsFromConfig(env.cfg),
					IgnoreCaptioned: ignoreCaptioned || env.cfg.Pipeline.IgnoreCaptioned,
				})
			})
		},
	}

	cmd.Flags().BoolVar(&audioOnly, "audio-only", false, "Download audio only")
	cmd.Flags().BoolVar(&lowQuality, "low-quality", false, "Prefer the smallest available format")
	cmd.Flags().StringSliceVar(&subLangs, "sub-langs", nil, "Subtitle languages to fetch (e.g. en,de)")
	cmd.Flags().BoolVar(&process, "process", false, "Run transcribe, embed, and index after adding")
	cmd.Flags().BoolVar(&ignoreCaptioned, "ignore-captioned", false, "Skip transcription for media that already have caption tracks")
	return cmd
}

func subtitleLangs(flagLangs, configLangs []string) []string {
	if len(flagLangs) > 0 {
		return flagLangs
	}
	return configLangs
}
