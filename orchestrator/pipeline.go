package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/prominence-models/clients"
	cfg "github.com/maastricht-university/prominence-models/config"
	"github.com/maastricht-university/prominence-models/dataset"
	"github.com/maastricht-university/prominence-models/model"
	"github.com/maastricht-university/prominence-models/plots"
)

type Pipeline struct {
	cfg  *cfg.Root
	http *clients.HTTP
	log  *logrus.Entry
}

func NewPipeline(c *cfg.Root, log *logrus.Logger) *Pipeline {
	return &Pipeline{
		cfg:  c,
		http: clients.NewHTTP(cfg.DurSeconds(c.Services.Visualization.TimeoutSeconds)),
		log:  log.WithField("pipeline", c.Pipeline.Name),
	}
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Prepared is the analysis table and what it took to build it.
type Prepared struct {
	Merged  *dataset.Table
	Overlap dataset.Overlap
	Join    dataset.JoinStats
	Audit   dataset.Audit
	Scaling []dataset.Scaling
}

func (p *Pipeline) readOpts() dataset.ReadOptions {
	return dataset.ReadOptions{Delimiter: p.cfg.Data.Delim(), NA: p.cfg.Data.NATokens}
}

// Merge loads both datasets, checks identifier overlap and left-joins the
// prominence measures onto the reference scores.
func (p *Pipeline) Merge() (*Prepared, error) {
	d := p.cfg.Data
	log := p.log.WithField("stage", "merge")

	prom, err := dataset.ReadCSV(d.Prominence, p.readOpts())
	if err != nil {
		return nil, fmt.Errorf("load prominence data: %w", err)
	}
	ref, err := dataset.ReadCSV(d.Reference, p.readOpts())
	if err != nil {
		return nil, fmt.Errorf("load reference scores: %w", err)
	}
	log.Infof("prominence: %d rows x %d cols, reference: %d rows x %d cols",
		prom.Len(), len(prom.Columns()), ref.Len(), len(ref.Columns()))

	if prom, err = dataset.WithID(prom, d.Keys, d.IDSeparator); err != nil {
		return nil, fmt.Errorf("prominence data: %w", err)
	}
	if ref, err = dataset.WithID(ref, d.Keys, d.IDSeparator); err != nil {
		return nil, fmt.Errorf("reference scores: %w", err)
	}

	var out Prepared
	out.Overlap, err = dataset.CheckOverlap(ref, prom, dataset.IDColumn)
	if err != nil {
		return nil, err
	}
	if out.Overlap.Complete() {
		log.Infof("identifiers overlap completely (%d)", out.Overlap.Both)
	} else {
		log.WithFields(logrus.Fields{
			"both":           out.Overlap.Both,
			"only_reference": out.Overlap.OnlyLeft,
			"only_prom":      out.Overlap.OnlyRight,
		}).Warnf("incomplete identifier overlap, e.g. %v / %v", out.Overlap.LeftExamples, out.Overlap.RightExamples)
	}

	out.Merged, out.Join, err = dataset.LeftJoin(ref, prom, dataset.IDColumn, d.Keys)
	if err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}
	if out.Join.Duplicates > 0 {
		log.Warnf("%d duplicate identifiers in prominence data; first occurrence kept", out.Join.Duplicates)
	}
	if len(out.Join.Renamed) > 0 {
		log.Warnf("columns present in both datasets renamed with .y: %v", out.Join.Renamed)
	}
	log.Infof("merged: %d rows (%d matched, %d unmatched)", out.Merged.Len(), out.Join.Matched, out.Join.Unmatched)
	return &out, nil
}

// Audit counts missing values of the configured predictors in the merged table.
func (p *Pipeline) Audit(prep *Prepared) error {
	log := p.log.WithField("stage", "audit")
	a, err := dataset.AuditMissing(prep.Merged, p.cfg.Data.Variables)
	if err != nil {
		return err
	}
	prep.Audit = a
	for _, c := range a.Columns {
		log.Infof("%-12s missing %d (%.2f%%)", c.Column, c.Missing, 100*c.Proportion)
	}
	msg := fmt.Sprintf("rows with any missing predictor: %d of %d (%.2f%%)", a.RowsAffected, a.Rows, 100*a.Proportion)
	if a.Proportion > p.cfg.Data.MissingTolerance {
		log.Warn(msg)
	} else {
		log.Info(msg)
	}
	return nil
}

// Prepare runs merge, audit and standardization.
func (p *Pipeline) Prepare() (*Prepared, error) {
	prep, err := p.Merge()
	if err != nil {
		return nil, err
	}
	if err := p.Audit(prep); err != nil {
		return nil, err
	}
	prep.Merged, prep.Scaling, err = dataset.Standardize(prep.Merged, p.cfg.Data.Variables, p.cfg.Data.StandardizedPrefix)
	if err != nil {
		return nil, err
	}
	for _, s := range prep.Scaling {
		p.log.WithField("stage", "standardize").Debugf("%s -> %s (mean %.4g, sd %.4g)", s.Column, s.Target, s.Mean, s.SD)
	}
	return prep, nil
}

// Run is the whole workflow: prepare the data, fit every formula, write results.
func (p *Pipeline) Run(ctx context.Context) (*Results, error) {
	start := time.Now()
	prep, err := p.Prepare()
	if err != nil {
		return nil, err
	}
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	formulas := Formulas(p.cfg, standardized(p.cfg))
	res, artifacts, err := p.FitAll(ctx, prep.Merged, formulas)
	if err != nil {
		return nil, err
	}

	paths, err := persist(p.cfg.Paths.Results, res)
	if err != nil {
		return nil, err
	}
	paths["merged"] = filepath.Join(p.cfg.Paths.Results, mergedFile)
	if err := writeTable(paths["merged"], prep.Merged, p.cfg.Data.Delim()); err != nil {
		return nil, err
	}

	bundle := RunBundle{
		RunID:       uuid.NewString(),
		GeneratedAt: time.Now().UTC(),
		Elapsed:     time.Since(start).Round(time.Millisecond).String(),
		Prominence:  p.cfg.Data.Prominence,
		Reference:   p.cfg.Data.Reference,
		Rows:        prep.Merged.Len(),
		Scaling:     prep.Scaling,
		Models:      artifacts.models,
		Plots:       artifacts.plots,
		Results:     paths,
	}
	for _, f := range formulas {
		bundle.Formulas = append(bundle.Formulas, f.String())
	}
	if err := writeJSON(filepath.Join(p.cfg.Paths.Results, manifestFile), bundle); err != nil {
		return nil, err
	}
	for k, v := range paths {
		p.log.Infof("%s: %s", k, v)
	}
	return res, nil
}

type artifacts struct {
	models []string
	plots  []string
}

// FitAll fits the formulas one after another. A failing iteration stops the
// loop; files written by earlier iterations stay on disk.
func (p *Pipeline) FitAll(ctx context.Context, t *dataset.Table, formulas []model.Formula) (*Results, artifacts, error) {
	res := &Results{}
	var arts artifacts
	opts := fitOptions(p.cfg)
	group := slopeGroup(p.cfg)

	for i, f := range formulas {
		if err := ctxErr(ctx); err != nil {
			return nil, arts, err
		}
		log := p.log.WithField("variable", f.Predictor)
		log.Infof("[%d/%d] %s", i+1, len(formulas), f)

		fit, path, err := p.fitOne(ctx, t, f, opts, log)
		if err != nil {
			return nil, arts, fmt.Errorf("fit %s: %w", f.Predictor, err)
		}
		arts.models = append(arts.models, path)
		p.checkDiagnostics(fit, log)

		if err := res.add(fit, group); err != nil {
			return nil, arts, fmt.Errorf("summarise %s: %w", f.Predictor, err)
		}
		last := res.Fixed[len(res.Fixed)-1]
		log.Infof("estimate %.3f [%.3f, %.3f]", last.Estimate, last.Q2_5, last.Q97_5)

		plot, err := p.plotPPC(ctx, fit, log)
		if err != nil {
			return nil, arts, err
		}
		arts.plots = append(arts.plots, plot)
	}
	return res, arts, nil
}

// fitOne loads a saved fit when reuse is enabled, otherwise samples and saves one.
func (p *Pipeline) fitOne(ctx context.Context, t *dataset.Table, f model.Formula, opts model.Options, log *logrus.Entry) (*model.Fit, string, error) {
	path := modelPath(p.cfg, f.Predictor)
	if p.cfg.Model.ReuseFits {
		fit, err := model.Load(path)
		switch {
		case err == nil && fit.Formula.String() != f.String():
			log.Warnf("%s was fitted with %q; refitting", path, fit.Formula)
		case err == nil:
			if diff := settingsDiff(fit, opts); diff != "" {
				log.Warnf("%s was fitted with different %s; refitting", path, diff)
				break
			}
			log.Infof("reusing %s", path)
			return fit, path, nil
		case !errors.Is(err, os.ErrNotExist):
			log.Warnf("cannot reuse %s: %v", path, err)
		}
	}

	d, err := model.NewDesign(t, f)
	if err != nil {
		return nil, "", err
	}
	fit, err := model.FitModel(ctx, d, opts, log)
	if err != nil {
		return nil, "", err
	}
	if err := model.Save(path, fit); err != nil {
		return nil, "", err
	}
	log.Infof("saved %s (%s)", path, fit.Elapsed)
	return fit, path, nil
}

// settingsDiff names the first sampler or prior setting in which fit differs
// from opts, or returns "". Cores does not affect the draws and is ignored.
func settingsDiff(fit *model.Fit, opts model.Options) string {
	saved, want := fit.Controls, opts.Controls
	saved.Cores, want.Cores = 0, 0
	switch {
	case saved != want:
		return fmt.Sprintf("sampler controls (%+v, now %+v)", saved, want)
	case fit.PriorScale != opts.PriorScale:
		return fmt.Sprintf("prior_scale (%g, now %g)", fit.PriorScale, opts.PriorScale)
	case fit.LKJEta != opts.LKJEta:
		return fmt.Sprintf("lkj_eta (%g, now %g)", fit.LKJEta, opts.LKJEta)
	}
	return ""
}

// checkDiagnostics only reports; it never changes what the loop does.
func (p *Pipeline) checkDiagnostics(fit *model.Fit, log *logrus.Entry) {
	if n := fit.Divergences(); n > 0 {
		log.Warnf("%d divergent transitions after warmup", n)
	}
	if n := fit.TreeDepthHits(); n > 0 {
		log.Warnf("%d transitions hit max_treedepth=%d", n, fit.Controls.MaxTreeDepth)
	}
	for _, name := range fit.Params {
		s, err := fit.Summarize(name)
		if err != nil {
			continue
		}
		if math.IsNaN(s.Rhat) || s.Rhat > 1.01 {
			log.Warnf("%s: Rhat %.3f", name, s.Rhat)
		}
	}
}

// plotPPC renders the posterior-predictive plot remotely when a visualization
// service is configured, falling back to the local renderer.
func (p *Pipeline) plotPPC(ctx context.Context, fit *model.Fit, log *logrus.Entry) (string, error) {
	path := plotPath(p.cfg, fit.Formula.Predictor)
	if url := p.cfg.Services.Visualization.URL; url != "" {
		resp, err := p.http.GeneratePPC(ctx, url, clients.PPCReq{
			Variable:   fit.Formula.Predictor,
			Formula:    fit.Formula.String(),
			Observed:   fit.PPC.Observed,
			Replicated: fit.PPC.Replicated,
			OutputPath: path,
		})
		if err == nil {
			if resp.Path != "" {
				return resp.Path, nil
			}
			return path, nil
		}
		log.Warnf("ppc viz error: %v; rendering locally", err)
	}
	if err := plots.WritePPC(path, fit.Formula.Predictor, fit.PPC); err != nil {
		return "", err
	}
	return path, nil
}
