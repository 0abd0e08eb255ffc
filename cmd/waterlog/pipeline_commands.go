package main

import (
	"github.com/spf13/cobra"

	"waterlog/internal/pipeline"
)

func newTranscribeCommand(ctx *commandContext) *cobra.Command {
	var model string
	var task string
	var language string
	var temperature float64
	var bestOf int
	var beamSize int
	var ignoreCaptioned bool

	cmd := &cobra.Command{
		Use:   "transcribe [media-id...]",
		Short: "Transcribe media with the configured engine",
		Long: "transcribe runs the transcription engine over the given media, " +
			"or over the whole library when no ids are passed. Media already " +
			"transcribed with identical settings are skipped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *appEnv) error {
				settings := pipeline.TranscriberSettingsFromConfig(env.cfg)
				flags := cmd.Flags()
				if flags.Changed("model") {
					settings.Model = model
				}
				if flags.Changed("task") {
					settings.Task = task
				}
				if flags.Changed("language") {
					settings.Language = language
				}
				if flags.Changed("temperature") {
					settings.Temperature = temperature
				}
				if flags.Changed("best-of") {
					settings.BestOf = bestOf
				}
				if flags.Changed("beam-size") {
					settings.BeamSize = beamSize
				}

				ids, err := env.mediaIDs(cmd.Context(), args)
				if err != nil {
					return err
				}
				orch, err := env.orchestrator(false)
				if err != nil {
					return err
				}
				return orch.Transcribe(cmd.Context(), ids, pipeline.TranscribeOptions{
					Settings:        settings,
					IgnoreCaptioned: ignoreCaptioned || env.cfg.Pipeline.IgnoreCaptioned,
				})
			})
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Transcription model name")
	cmd.Flags().StringVar(&task, "task", "", "Engine task (transcribe, translate)")
	cmd.Flags().StringVar(&language, "language", "", "Source language hint")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "Sampling temperature")
	cmd.Flags().IntVar(&bestOf, "best-of", 0, "Number of candidates when sampling")
	cmd.Flags().IntVar(&beamSize, "beam-size", 0, "Beam width for beam search")
	cmd.Flags().BoolVar(&ignoreCaptioned, "ignore-captioned", false, "Skip media that already have caption tracks")
	return cmd
}

func newEmbedCommand(ctx *commandContext) *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "embed [media-id...]",
		Short: "Embed transcript cues into the per-model vector cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *appEnv) error {
				ids, err := env.mediaIDs(cmd.Context(), args)
				if err != nil {
					return err
				}
				orch, err := env.orchestrator(true)
				if err != nil {
					return err
				}
				return orch.Embed(cmd.Context(), ids, pipeline.EmbedOptions{Overwrite: overwrite})
			})
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Recompute embeddings already in the cache")
	return cmd
}

func newIndexCommand(ctx *commandContext) *cobra.Command {
	var efSearch int
	var maxElements int

	cmd := &cobra.Command{
		Use:   "index [media-id...]",
		Short: "Add cached embeddings to the vector index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *appEnv) error {
				settings := pipeline.IndexerSettingsFromConfig(env.cfg)
				flags := cmd.Flags()
				if flags.Changed("ef-search") {
					settings.EfSearch = efSearch
				}
				if flags.Changed("max-elements") {
					settings.MaxElements = maxElements
				}

				ids, err := env.mediaIDs(cmd.Context(), args)
				if err != nil {
					return err
				}
				orch, err := env.orchestrator(true)
				if err != nil {
					return err
				}
				return orch.Index(cmd.Context(), ids, settings)
			})
		},
	}

	cmd.Flags().IntVar(&efSearch, "ef-search", 0, "Query-time beam width")
	cmd.Flags().IntVar(&maxElements, "max-elements", 0, "Declared capacity for a new index")
	return cmd
}
