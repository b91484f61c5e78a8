package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forPelevin/s2steval/internal/config"
	"github.com/forPelevin/s2steval/internal/humaneval"
	"github.com/forPelevin/s2steval/internal/metrics"
)

func layoutFrom(cfg config.Config) humaneval.Layout {
	return humaneval.Layout{
		AudioRoot:           cfg.HumanEval.AudioRoot,
		ReferenceRoot:       cfg.HumanEval.ReferenceRoot,
		ReferenceCandidates: cfg.HumanEval.ReferenceCandidates,
		GlobalPairsFile:     cfg.HumanEval.PairsFile,
		MaxPerSubject:       cfg.HumanEval.MaxPerSubject,
	}
}

func humanEvalConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return config.Config{}, err
	}
	f := cmd.Flags()
	if f.Changed("subjects") {
		cfg.HumanEval.Subjects, _ = f.GetStringSlice("subjects")
	}
	if f.Changed("randomize") {
		cfg.HumanEval.Randomize, _ = f.GetBool("randomize")
	}
	if f.Lookup("addr") != nil && f.Changed("addr") {
		cfg.HumanEval.Addr, _ = f.GetString("addr")
	}
	if f.Lookup("show-gold") != nil && f.Changed("show-gold") {
		cfg.HumanEval.ShowGold, _ = f.GetBool("show-gold")
	}
	if err := cfg.ValidateHumanEval(); err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Serve the human rating form for one evaluator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := humanEvalConfig(cmd)
			if err != nil {
				return err
			}
			number, _ := cmd.Flags().GetInt("evaluator")
			name, _ := cmd.Flags().GetString("name")
			ev := humaneval.Evaluator{Number: number, Name: name}
			if err := ev.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			samples := humaneval.Order(
				humaneval.Discover(layoutFrom(cfg), cfg.HumanEval.Subjects),
				cfg.HumanEval.Randomize, ev.Number,
			)
			mc := metrics.New()
			srv := humaneval.NewServer(humaneval.ServerConfig{
				Samples:    samples,
				Evaluator:  ev,
				ExportRoot: cfg.HumanEval.ExportRoot,
				ShowGold:   cfg.HumanEval.ShowGold,
				Logger:     log,
				Observer:   mc,
				Metrics:    mc.Handler(),
			})
			fmt.Fprintf(cmd.OutOrStdout(), "evaluator %d: %d samples at http://%s/\n", ev.Number, len(samples), cfg.HumanEval.Addr)
			return srv.ListenAndServe(cmd.Context(), cfg.HumanEval.Addr)
		},
	}
	cmd.Flags().Int("evaluator", 0, "Evaluator number (>= 1)")
	cmd.Flags().String("name", "", "Evaluator name")
	cmd.Flags().StringSlice("subjects", nil, "Speaker ids to evaluate")
	cmd.Flags().Bool("randomize", false, "Shuffle items per evaluator")
	cmd.Flags().String("addr", "", "Listen address")
	cmd.Flags().Bool("show-gold", false, "Show reference transcripts")
	return cmd
}

func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Print the samples the evaluation form would show, as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := humanEvalConfig(cmd)
			if err != nil {
				return err
			}
			number, _ := cmd.Flags().GetInt("evaluator")
			samples := humaneval.Order(
				humaneval.Discover(layoutFrom(cfg), cfg.HumanEval.Subjects),
				cfg.HumanEval.Randomize, number,
			)
			if samples == nil {
				samples = []humaneval.Sample{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			return enc.Encode(samples)
		},
	}
	cmd.Flags().Int("evaluator", 1, "Evaluator number, seeds --randomize")
	cmd.Flags().StringSlice("subjects", nil, "Speaker ids to list")
	cmd.Flags().Bool("randomize", false, "Shuffle items per evaluator")
	return cmd
}
