package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Service struct {
	URL            string `yaml:"url" mapstructure:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}
type Services struct {
	Visualization Service `yaml:"visualization" mapstructure:"visualization"`
}

// Data describes the two input tables and the predictors taken from them.
type Data struct {
	Prominence         string   `yaml:"prominence" mapstructure:"prominence"`
	Reference          string   `yaml:"reference" mapstructure:"reference"`
	Delimiter          string   `yaml:"delimiter" mapstructure:"delimiter"`
	NATokens           []string `yaml:"na_tokens" mapstructure:"na_tokens"`
	Keys               []string `yaml:"keys" mapstructure:"keys"`
	IDSeparator        string   `yaml:"id_separator" mapstructure:"id_separator"`
	Variables          []string `yaml:"variables" mapstructure:"variables"`
	StandardizedPrefix string   `yaml:"standardized_prefix" mapstructure:"standardized_prefix"`
	MissingTolerance   float64  `yaml:"missing_tolerance" mapstructure:"missing_tolerance"`
}

type Group struct {
	Factor string `yaml:"factor" mapstructure:"factor"`
	Slope  bool   `yaml:"slope" mapstructure:"slope"`
}

// Model holds the formula shape, priors and sampler controls shared by every fit.
type Model struct {
	Response     string  `yaml:"response" mapstructure:"response"`
	Groups       []Group `yaml:"groups" mapstructure:"groups"`
	PriorScale   float64 `yaml:"prior_scale" mapstructure:"prior_scale"`
	LKJEta       float64 `yaml:"lkj_eta" mapstructure:"lkj_eta"`
	Seed         uint64  `yaml:"seed" mapstructure:"seed"`
	Chains       int     `yaml:"chains" mapstructure:"chains"`
	Iter         int     `yaml:"iter" mapstructure:"iter"`
	Warmup       int     `yaml:"warmup" mapstructure:"warmup"`
	AdaptDelta   float64 `yaml:"adapt_delta" mapstructure:"adapt_delta"`
	MaxTreeDepth int     `yaml:"max_treedepth" mapstructure:"max_treedepth"`
	Cores        int     `yaml:"cores" mapstructure:"cores"`
	PPCDraws     int     `yaml:"ppc_draws" mapstructure:"ppc_draws"`
	ReuseFits    bool    `yaml:"reuse_fits" mapstructure:"reuse_fits"`
}

type Root struct {
	Pipeline struct {
		Name    string `yaml:"name" mapstructure:"name"`
		Version string `yaml:"version" mapstructure:"version"`
		LogLvl  string `yaml:"log_level" mapstructure:"log_level"`
	} `yaml:"pipeline" mapstructure:"pipeline"`
	Data     Data     `yaml:"data" mapstructure:"data"`
	Model    Model    `yaml:"model" mapstructure:"model"`
	Services Services `yaml:"services" mapstructure:"services"`
	Paths    struct {
		Models  string `yaml:"models" mapstructure:"models"`
		Plots   string `yaml:"plots" mapstructure:"plots"`
		Results string `yaml:"results" mapstructure:"results"`
	} `yaml:"paths" mapstructure:"paths"`
}

// Default returns the configuration used when no file overrides a key.
func Default() *Root {
	var c Root
	c.Pipeline.Name = "prominence-models"
	c.Pipeline.Version = "0.1.0"
	c.Pipeline.LogLvl = "info"
	c.Data = Data{
		Prominence:  filepath.Join("data", "prominence.csv"),
		Reference:   filepath.Join("data", "reference_scores.csv"),
		Delimiter:   ",",
		NATokens:    []string{"", "NA", "NaN", "nan"},
		Keys:        []string{"Speaker", "Sentence", "Word"},
		IDSeparator: "",
		Variables: []string{
			"maxEWF0", "meanEWF0",
			"maxSync", "meanSync",
			"maxScale", "meanScale",
			"meanF0", "normRMS",
		},
		StandardizedPrefix: "z_",
		MissingTolerance:   0.03,
	}
	c.Model = Model{
		Response: "Prominence",
		Groups: []Group{
			{Factor: "Speaker", Slope: true},
			{Factor: "Sentence"},
			{Factor: "Word"},
		},
		PriorScale:   1,
		LKJEta:       1,
		Seed:         123,
		Chains:       4,
		Iter:         4000,
		Warmup:       2000,
		AdaptDelta:   0.99,
		MaxTreeDepth: 15,
		PPCDraws:     50,
	}
	c.Services.Visualization.TimeoutSeconds = 60
	c.Paths.Models = "models"
	c.Paths.Plots = "plots"
	c.Paths.Results = "results"
	return &c
}

// NewViper returns a viper instance seeded with Default() and PROMINENCE_* env overrides.
// Callers may bind flags on it before calling Load.
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	b, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("marshal defaults: %w", err)
	}
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}
	v.SetEnvPrefix("PROMINENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Load merges the config file at path (or the first CONFIG_ENV guess that exists when path is
// empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Root, error) {
	if path == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		var guess = []string{
			filepath.Join("config", env, "config.yaml"),
			"config.yaml",
		}
		for _, p := range guess {
			if st, err := os.Stat(p); err == nil && !st.IsDir() {
				path = p
				break
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	var cfg Root
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	if cfg.Model.Cores <= 0 {
		cfg.Model.Cores = runtime.NumCPU()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Root) Validate() error {
	var errs []error
	if len(c.Data.Keys) == 0 {
		errs = append(errs, errors.New("data.keys is empty"))
	}
	if len(c.Data.Variables) == 0 {
		errs = append(errs, errors.New("data.variables is empty"))
	}
	if len([]rune(c.Data.Delimiter)) != 1 {
		errs = append(errs, fmt.Errorf("data.delimiter must be one character, got %q", c.Data.Delimiter))
	}
	if c.Model.Response == "" {
		errs = append(errs, errors.New("model.response is empty"))
	}
	if c.Model.Chains < 1 {
		errs = append(errs, fmt.Errorf("model.chains must be >= 1, got %d", c.Model.Chains))
	}
	if c.Model.Warmup < 0 || c.Model.Iter <= c.Model.Warmup {
		errs = append(errs, fmt.Errorf("model.iter (%d) must exceed model.warmup (%d)", c.Model.Iter, c.Model.Warmup))
	}
	if c.Model.AdaptDelta <= 0 || c.Model.AdaptDelta >= 1 {
		errs = append(errs, fmt.Errorf("model.adapt_delta must be in (0,1), got %g", c.Model.AdaptDelta))
	}
	if c.Model.MaxTreeDepth < 1 {
		errs = append(errs, fmt.Errorf("model.max_treedepth must be >= 1, got %d", c.Model.MaxTreeDepth))
	}
	if c.Model.PPCDraws < 1 {
		errs = append(errs, fmt.Errorf("model.ppc_draws must be >= 1, got %d", c.Model.PPCDraws))
	}
	if c.Model.PriorScale <= 0 {
		errs = append(errs, fmt.Errorf("model.prior_scale must be positive, got %g", c.Model.PriorScale))
	}
	if c.Model.LKJEta <= 0 {
		errs = append(errs, fmt.Errorf("model.lkj_eta must be positive, got %g", c.Model.LKJEta))
	}
	for _, g := range c.Model.Groups {
		if g.Factor == "" {
			errs = append(errs, errors.New("model.groups: empty factor"))
		}
	}
	return errors.Join(errs...)
}

// Delim returns the configured delimiter as a rune.
func (d Data) Delim() rune {
	r := []rune(d.Delimiter)
	if len(r) == 0 {
		return ','
	}
	return r[0]
}

func DurSeconds(n int) time.Duration { return time.Duration(n) * time.Second }
