package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/maastricht-university/prominence-models/model"
	"github.com/maastricht-university/prominence-models/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Merge, standardize, fit every predictor and write the result tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		start := time.Now()
		logger.Infof("%s %s starting (%d predictors)", conf.Pipeline.Name, conf.Pipeline.Version, len(conf.Data.Variables))

		p := orchestrator.NewPipeline(conf, logger)
		res, err := p.Run(cmd.Context())
		if err != nil {
			return err
		}
		if err := printFixed(cmd.OutOrStdout(), res.Fixed); err != nil {
			return err
		}
		logger.Infof("finished %d models in %s", len(res.Fixed), time.Since(start).Round(time.Second))
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Merge the datasets and report identifier overlap and missing values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		p := orchestrator.NewPipeline(conf, logger)
		prep, err := p.Merge()
		if err != nil {
			return err
		}
		if err := p.Audit(prep); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "rows\t%d\n", prep.Merged.Len())
		fmt.Fprintf(w, "matched\t%d\n", prep.Join.Matched)
		fmt.Fprintf(w, "unmatched\t%d\n", prep.Join.Unmatched)
		fmt.Fprintf(w, "only in reference\t%d\n", prep.Overlap.OnlyLeft)
		fmt.Fprintf(w, "only in prominence\t%d\n", prep.Overlap.OnlyRight)
		for _, c := range prep.Audit.Columns {
			fmt.Fprintf(w, "missing %s\t%d\t%.2f%%\n", c.Column, c.Missing, 100*c.Proportion)
		}
		fmt.Fprintf(w, "rows with any missing\t%d\t%.2f%%\n", prep.Audit.RowsAffected, 100*prep.Audit.Proportion)
		return w.Flush()
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <fit.json.gz>",
	Short: "Print the population and group-level summaries of a saved fit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fit, err := model.Load(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s\n", fit.Formula)
		fmt.Fprintf(out, "fit %s: %d obs (%d dropped), %d chains x %d draws, %s\n",
			fit.ID, fit.NObs, fit.NDropped, fit.Controls.Chains, fit.Controls.Iter-fit.Controls.Warmup, fit.Elapsed)

		fixed, err := fit.FixedEffects()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "\nPopulation-level effects:")
		if err := printSummaries(out, fixed); err != nil {
			return err
		}
		for _, g := range fit.Groups {
			re, err := fit.RandomEffects(g.Factor)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n~%s (levels: %d):\n", g.Factor, g.Levels)
			if err := printSummaries(out, re); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "\ndivergences: %d, max treedepth hits: %d\n", fit.Divergences(), fit.TreeDepthHits())
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(conf); err != nil {
			return err
		}
		return enc.Close()
	},
}

func printSummaries(w io.Writer, rows []model.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "\tEstimate\tEst.Error\tQ2.5\tQ97.5\tRhat\tBulk_ESS\t")
	for _, s := range rows {
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.0f\t\n", s.Term, s.Estimate, s.EstError, s.Q2_5, s.Q97_5, s.Rhat, s.BulkESS)
	}
	return tw.Flush()
}

func printFixed(w io.Writer, rows []orchestrator.FixedEffect) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Variable\tEstimate\tQ2.5\tQ97.5\tRhat\t")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%.3f\t%.3f\t\n", r.Variable, r.Estimate, r.Q2_5, r.Q97_5, r.Rhat)
	}
	return tw.Flush()
}
