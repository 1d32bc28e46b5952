package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "github.com/maastricht-university/prominence-models/config"
)

var (
	configPath string
	v          *viper.Viper
	logger     = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "prominence",
	Short: "Fit hierarchical logistic models of perceived prominence",
	Long: `prominence merges listener prominence judgements with acoustic reference
scores, standardizes the acoustic predictors and fits one Bayesian hierarchical
logistic regression per predictor.`,
	SilenceUsage: true,
}

// setupViper resets v to the defaults and binds the run flags to their keys.
func setupViper() error {
	vp, err := cfg.NewViper()
	if err != nil {
		return err
	}
	v = vp
	for flag, key := range map[string]string{
		"reuse-fits": "model.reuse_fits",
		"variables":  "data.variables",
		"chains":     "model.chains",
		"seed":       "model.seed",
	} {
		if err := v.BindPFlag(key, runCmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig decodes the effective configuration and applies its log level.
func loadConfig() (*cfg.Root, error) {
	conf, err := cfg.Load(v, configPath)
	if err != nil {
		return nil, err
	}
	lvl, err := logrus.ParseLevel(conf.Pipeline.LogLvl)
	if err != nil {
		return nil, fmt.Errorf("pipeline.log_level: %w", err)
	}
	logger.SetLevel(lvl)
	return conf, nil
}

func init() {
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stderr)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default config/$CONFIG_ENV/config.yaml)")

	runCmd.Flags().Bool("reuse-fits", false, "load saved fits instead of refitting when present")
	runCmd.Flags().StringSlice("variables", nil, "acoustic predictors to model (default from config)")
	runCmd.Flags().Int("chains", 0, "number of chains (default from config)")
	runCmd.Flags().Uint64("seed", 0, "sampler seed (default from config)")
	if err := setupViper(); err != nil {
		logger.Fatal(err)
	}

	rootCmd.AddCommand(runCmd, auditCmd, inspectCmd, configCmd)
}

func main() {
	start := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		logger.Debugf("done in %s", time.Since(start).Round(time.Millisecond))
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		logger.Warnf("stopped: %v", ctx.Err())
		os.Exit(130)
	default:
		logger.Error(err)
		os.Exit(1)
	}
}
