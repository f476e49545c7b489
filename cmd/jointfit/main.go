// Command jointfit simulates a mosaic survey and runs a joint astrometric fit
// of the chip and visit distortions and of the star positions on it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"

	"jointastrom/internal/astromfit"
	"jointastrom/internal/config"
	"jointastrom/internal/distortion"
	"jointastrom/internal/history"
	"jointastrom/internal/simulate"
	"jointastrom/internal/version"

	"github.com/soniakeys/sexagesimal"
	"github.com/soniakeys/unit"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "jointfit: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("jointfit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "JSON configuration file (defaults when empty or missing)")
	writeConfig := fs.String("write-config", "", "write the effective configuration to this file and exit")
	stars := fs.Int("stars", 0, "number of simulated stars (0 keeps the configuration)")
	seed := fs.Int64("seed", 0, "simulation seed (0 keeps the configuration)")
	workers := fs.Int("workers", 0, "goroutines computing derivatives (0 keeps the configuration)")
	residuals := fs.String("residuals", "", "write the final residual tuple to this file")
	dump := fs.String("dump", "", "write the normal equations of the last schedule mask to this file")
	historyPath := fs.String("history", "", "record the fit steps in this SQLite database")
	label := fs.String("label", "", "run label stored in the history database")
	verbose := fs.Bool("v", false, "log fit details")
	showVersion := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintln(stdout, version.String())
		return nil
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if *stars > 0 {
		cfg.Simulation.Stars = *stars
	}
	if *seed != 0 {
		cfg = cfg.WithSeed(*seed)
	}
	if *workers > 0 {
		cfg = cfg.WithWorkers(*workers)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if *writeConfig != "" {
		return cfg.Save(*writeConfig)
	}

	logger := log.New(io.Discard, "", 0)
	if *verbose {
		logger = log.New(stderr, "", log.LstdFlags|log.Lshortfile)
	}

	s, err := simulate.Generate(cfg.Simulation)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}
	a := s.Association
	tp := cfg.Simulation.TangentPoint
	fmt.Fprintf(stdout, "survey: %d exposures, %d stars, %d reference stars, %d measurements (%d injected outliers)\n",
		len(a.Exposures), len(a.Stars), a.ReferencedStarCount(), a.ValidMeasurementCount(), s.Outliers)
	fmt.Fprintf(stdout, "tangent point: RA %.1s Dec %.1s\n",
		sexa.FmtRA(unit.RAFromDeg(tp.X)), sexa.FmtAngle(unit.AngleFromDeg(tp.Y)))

	modelOpts := cfg.ModelOptions()
	modelOpts.Logger = logger
	model, err := distortion.NewConstrainedPolyModel(a, distortion.NewCommonTangentPoint(tp), modelOpts)
	if err != nil {
		return err
	}
	fitOpts := cfg.FitterOptions()
	fitOpts.Logger = logger
	f := astromfit.New(a, model, fitOpts)

	rec := &recorder{out: stdout}
	if *historyPath != "" {
		store, err := history.Open(ctx, *historyPath)
		if err != nil {
			return err
		}
		defer store.Close()
		r, err := store.StartRun(ctx, history.Run{
			Label:     *label,
			Exposures: len(a.Exposures),
			Stars:     len(a.Stars),
			RefStars:  a.ReferencedStarCount(),
		})
		if err != nil {
			return err
		}
		rec.store, rec.runID = store, r.ID
	}

	if err := rec.record(ctx, f, "initial", 0, ""); err != nil {
		return err
	}
	if err := fitSchedule(ctx, f, cfg, rec); err != nil {
		return err
	}

	if *dump != "" {
		if err := writeFile(*dump, func(w io.Writer) error {
			return f.DumpNormalEquations(cfg.Schedule[len(cfg.Schedule)-1], w)
		}); err != nil {
			return fmt.Errorf("dump: %w", err)
		}
	}
	if *residuals != "" {
		if err := writeFile(*residuals, f.WriteResiduals); err != nil {
			return fmt.Errorf("residuals: %w", err)
		}
	}

	fmt.Fprintf(stdout, "star position rms vs truth: %.4f arcsec\n", starRMS(s)*3600)
	if len(a.Exposures) > 0 {
		e := a.Exposures[len(a.Exposures)-1]
		if wcs := model.ProduceApproximateWcs(e); wcs != nil {
			fmt.Fprintf(stdout, "%s: CD [%.6e %.6e; %.6e %.6e] deg/pixel\n", e, wcs.CD.A, wcs.CD.B, wcs.CD.C, wcs.CD.D)
		}
	}
	return nil
}

// fitSchedule runs the masks of cfg.Schedule, then alternates outlier
// rejection and refits with the last mask until no outlier is removed.
func fitSchedule(ctx context.Context, f *astromfit.Fitter, cfg config.Config, rec *recorder) error {
	for _, mask := range cfg.Schedule {
		if err := f.Minimize(mask); err != nil {
			return fmt.Errorf("minimize %q: %w", mask, err)
		}
		if err := rec.record(ctx, f, mask, 0, ""); err != nil {
			return err
		}
	}
	last := cfg.Schedule[len(cfg.Schedule)-1]
	for round := 0; round < cfg.MaxOutlierRounds; round++ {
		removed := f.RemoveOutliers(cfg.NSigmaCut)
		if removed == 0 {
			break
		}
		if err := f.Minimize(last); err != nil {
			return fmt.Errorf("minimize %q after outlier round %d: %w", last, round, err)
		}
		if err := rec.record(ctx, f, last, removed, fmt.Sprintf("outlier round %d", round+1)); err != nil {
			return err
		}
	}
	return nil
}

// recorder prints fit steps and stores them when a history database is open.
type recorder struct {
	out   io.Writer
	store *history.Store
	runID int64
	seq   int
}

func (r *recorder) record(ctx context.Context, f *astromfit.Fitter, mask string, removed int, msg string) error {
	st := f.ComputeChi2()
	fmt.Fprintf(r.out, "%-24s %s", mask, st)
	if removed > 0 {
		fmt.Fprintf(r.out, " (%d outliers removed)", removed)
	}
	fmt.Fprintln(r.out)

	if r.store != nil {
		err := r.store.AddStep(ctx, r.runID, history.Step{
			Seq:     r.seq,
			Mask:    mask,
			Chi2:    st.Chi2,
			NDof:    st.NDof,
			NPar:    f.NParTotal(),
			Removed: removed,
			Message: msg,
		})
		if err != nil {
			return err
		}
	}
	r.seq++
	return nil
}

// starRMS returns the rms distance in degrees between the fitted and the
// true star positions, with right ascension offsets scaled by cos(dec).
func starRMS(s *simulate.Survey) float64 {
	if len(s.TrueStars) == 0 {
		return 0
	}
	sum := 0.0
	for i, st := range s.Association.Stars {
		truth := s.TrueStars[i]
		dra := (st.Pos.X - truth.X) * unit.AngleFromDeg(truth.Y).Cos()
		ddec := st.Pos.Y - truth.Y
		sum += dra*dra + ddec*ddec
	}
	return math.Sqrt(sum / float64(len(s.TrueStars)))
}

func writeFile(path string, write func(io.Writer) error) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
