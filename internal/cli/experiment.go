package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forPelevin/s2steval/internal/config"
	"github.com/forPelevin/s2steval/internal/pipeline"
)

// addExperimentFlags registers the overrides shared by setup and run.
func addExperimentFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("seed", 0, "Random seed for subject selection")
	cmd.Flags().Int("subjects", 0, "Number of subjects")
	cmd.Flags().Float64Slice("durations", nil, "Reference durations in seconds")
	cmd.Flags().String("mode", "", "Subject mode: utterance or speaker")
	cmd.Flags().String("out", "", "Experiment data directory")
}

func applyExperimentFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("seed") {
		cfg.Setup.Seed, _ = f.GetInt64("seed")
	}
	if f.Changed("subjects") {
		cfg.Setup.Subjects, _ = f.GetInt("subjects")
	}
	if f.Changed("durations") {
		cfg.Setup.Durations, _ = f.GetFloat64Slice("durations")
	}
	if f.Changed("mode") {
		cfg.Setup.Mode, _ = f.GetString("mode")
	}
	if f.Changed("out") {
		cfg.Setup.OutputDir, _ = f.GetString("out")
	}
	if f.Lookup("workers") != nil && f.Changed("workers") {
		cfg.Run.Workers, _ = f.GetInt("workers")
	}
	if f.Lookup("results") != nil && f.Changed("results") {
		cfg.Run.ResultsCSV, _ = f.GetString("results")
	}
}

func experimentConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, err
	}
	applyExperimentFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Select subjects and build fixed-duration references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := experimentConfig(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			m, err := pipeline.Setup(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d entries written to %s\n", len(m.Entries), pipeline.ManifestPath(cfg))
			return nil
		},
	}
	addExperimentFlags(cmd)
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Translate, synthesize and score every manifest entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := experimentConfig(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if prepare, _ := cmd.Flags().GetBool("prepare"); prepare {
				if _, err := pipeline.Setup(cmd.Context(), cfg, log); err != nil {
					return err
				}
			}
			sum, err := pipeline.Run(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: %d results written to %s\n", sum.RunID, sum.Records, sum.ResultsCSV)
			for _, d := range sum.ByDuration {
				fmt.Fprintf(out, "  %6gs  n=%-4d mean=%.4f\n", d.Duration, d.N, d.Mean)
			}
			return nil
		},
	}
	addExperimentFlags(cmd)
	cmd.Flags().Int("workers", 0, "Concurrent manifest entries")
	cmd.Flags().String("results", "", "Results CSV path")
	cmd.Flags().Bool("prepare", false, "Run setup before scoring")
	return cmd
}
