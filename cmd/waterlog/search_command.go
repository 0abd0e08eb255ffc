package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"waterlog/internal/pipeline"
)

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Semantic search over indexed transcripts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *appEnv) error {
				orch, err := env.orchestrator(true)
				if err != nil {
					return err
				}

				query := strings.Join(args, " ")
				results, err := orch.Search(cmd.Context(), query, limit,
					pipeline.IndexerSettingsFromConfig(env.cfg))
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(results) == 0 {
					fmt.Fprintln(out, "No matches")
					return nil
				}

				rows := make([][]string, len(results))
				for i, r := range results {
					rows[i] = []string{
						strconv.Itoa(i + 1),
						fmt.Sprintf("%.3f", r.Score),
						collapse(r.Title, 40),
						formatDuration(r.Start),
						collapse(r.Text, 70),
					}
				}
				fmt.Fprintln(out, resultTable{
					headers:    []string{"#", "SCORE", "TITLE", "AT", "TEXT"},
					rows:       rows,
					rightAlign: []int{0, 1, 3},
				}.render())
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "k", 5, "Maximum number of results")
	return cmd
}
