package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/avholm/nordstep/internal/config"
	"github.com/avholm/nordstep/internal/export"
	"github.com/avholm/nordstep/internal/linsol"
	"github.com/avholm/nordstep/internal/problems"
	"github.com/avholm/nordstep/internal/solver"
	"github.com/avholm/nordstep/internal/vec"
)

var (
	configFile string
	preset     string
	csvFile    string
	svgFile    string
	plot       bool
	verbose    bool

	method    string
	iteration string
	linSolver string
	reltol    float64
	abstol    float64
	tEnd      float64
	outputs   int
	logspace  bool
	maxSteps  int64
	sensOn    bool
	quadOn    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nordstep",
		Short: "adaptive multistep ODE integration lab",
	}

	runCmd := &cobra.Command{
		Use:   "run [problem]",
		Short: "integrate a problem and report the solution",
		Args:  cobra.ExactArgs(1),
		RunE:  runProblem,
	}
	runCmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	runCmd.Flags().StringVar(&preset, "preset", "", "use preset configuration")
	runCmd.Flags().StringVar(&csvFile, "csv", "", "write output points to CSV")
	runCmd.Flags().StringVar(&svgFile, "svg", "", "write solution curves to an SVG file")
	runCmd.Flags().BoolVar(&plot, "plot", false, "plot first component on the terminal")
	runCmd.Flags().BoolVar(&verbose, "verbose", false, "log every output point")
	runCmd.Flags().StringVar(&method, "method", "", "multistep family: adams or bdf")
	runCmd.Flags().StringVar(&iteration, "iteration", "", "corrector: functional or newton")
	runCmd.Flags().StringVar(&linSolver, "linsolver", "", "newton backend: dense, band, sparse, spbcgs")
	runCmd.Flags().Float64Var(&reltol, "reltol", 0, "relative tolerance")
	runCmd.Flags().Float64Var(&abstol, "abstol", 0, "absolute tolerance")
	runCmd.Flags().Float64Var(&tEnd, "time", 0, "integration end time")
	runCmd.Flags().IntVar(&outputs, "outputs", 0, "number of output points")
	runCmd.Flags().BoolVar(&logspace, "logspace", false, "log spaced output points")
	runCmd.Flags().Int64Var(&maxSteps, "max-steps", 0, "internal step limit per output")
	runCmd.Flags().BoolVar(&sensOn, "sens", false, "enable forward sensitivity analysis")
	runCmd.Flags().BoolVar(&quadOn, "quad", false, "enable quadrature integration")

	presetsCmd := &cobra.Command{
		Use:   "presets [problem]",
		Short: "list available presets for a problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			presets := config.ListPresets(args[0])
			if len(presets) == 0 {
				fmt.Printf("no presets for problem: %s\n", args[0])
				return nil
			}
			fmt.Printf("presets for %s:\n", args[0])
			for _, p := range presets {
				fmt.Printf("  %s\n", p)
			}
			return nil
		},
	}

	benchCmd := &cobra.Command{
		Use:   "bench [problem]",
		Short: "compare newton backends on the same problem",
		Args:  cobra.ExactArgs(1),
		RunE:  benchBackends,
	}
	benchCmd.Flags().StringVar(&preset, "preset", "", "use preset configuration")

	rootCmd.AddCommand(runCmd, presetsCmd, benchCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if !verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return logger
}

func buildConfig(cmd *cobra.Command, problem string) (*config.Config, error) {
	cfg := config.DefaultConfig()

	if preset != "" {
		p := config.GetPreset(problem, preset)
		if p == nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets(problem))
		}
		cfg = p
	}
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	cfg.Problem = problem

	// CLI flags override preset and config file
	if cmd.Flags().Changed("method") {
		cfg.Method = method
	}
	if cmd.Flags().Changed("iteration") {
		cfg.Iteration = iteration
	}
	if cmd.Flags().Changed("linsolver") {
		cfg.LinSolver = linSolver
	}
	if cmd.Flags().Changed("reltol") {
		cfg.Reltol = reltol
	}
	if cmd.Flags().Changed("abstol") {
		cfg.Abstol = abstol
	}
	if cmd.Flags().Changed("time") {
		cfg.TEnd = tEnd
	}
	if cmd.Flags().Changed("outputs") {
		cfg.Outputs = outputs
	}
	if cmd.Flags().Changed("logspace") {
		cfg.Logspace = logspace
	}
	if cmd.Flags().Changed("max-steps") {
		cfg.MaxSteps = maxSteps
	}
	if cmd.Flags().Changed("sens") {
		cfg.Sens.Enabled = sensOn
	}
	if cmd.Flags().Changed("quad") {
		cfg.Quadrature = quadOn
	}
	return cfg, nil
}

// assembled run pieces for one problem
type run struct {
	s    *solver.Solver
	y0   vec.Vector
	rob  *problems.Robertson // non-nil only for robertson
	quad bool
	sens bool
	ns   int
}

func assemble(cfg *config.Config) (*run, error) {
	var (
		rhs solver.RhsFunc
		y0  vec.Vector
		rob *problems.Robertson
	)

	switch cfg.Problem {
	case "decay":
		d := problems.NewDecay()
		if cfg.Params.Lambda != 0 {
			d.Lambda = cfg.Params.Lambda
		}
		rhs = d.Rhs
		y0 = vec.Vector{1}
	case "oscillator":
		o := problems.NewOscillator()
		if cfg.Params.Omega != 0 {
			o.Omega = cfg.Params.Omega
		}
		rhs = o.Rhs
		y0 = vec.Vector{1, 0}
	case "vanderpol":
		v := problems.NewVanDerPol(cfg.Params.Mu)
		rhs = v.Rhs
		y0 = vec.Vector{2, 0}
	case "robertson":
		rob = problems.NewRobertson()
		rhs = rob.Rhs
		y0 = rob.Y0()
	default:
		return nil, fmt.Errorf("unknown problem: %s", cfg.Problem)
	}
	if len(cfg.InitState) == len(y0) {
		copy(y0, cfg.InitState)
	}

	var m solver.Method
	switch cfg.Method {
	case "adams":
		m = solver.Adams
	case "bdf", "":
		m = solver.BDF
	default:
		return nil, fmt.Errorf("unknown method: %s", cfg.Method)
	}

	var it solver.Iteration
	switch cfg.Iteration {
	case "functional":
		it = solver.Functional
	case "newton", "":
		it = solver.Newton
	default:
		return nil, fmt.Errorf("unknown iteration: %s", cfg.Iteration)
	}

	s := solver.New(m, it)
	if cfg.MaxOrder > 0 {
		if err := s.SetMaxOrder(cfg.MaxOrder); err != nil {
			return nil, err
		}
	}
	if err := s.Init(rhs, 0, y0); err != nil {
		return nil, err
	}
	if err := s.SetTolerances(cfg.Reltol, cfg.Abstol); err != nil {
		return nil, err
	}
	s.SetMaxSteps(cfg.MaxSteps)
	s.SetInitStep(cfg.InitStep)
	if cfg.StabLimDet {
		if err := s.SetStabilityLimitDetection(true); err != nil {
			return nil, err
		}
	}

	if it == solver.Newton {
		ls, err := pickBackend(cfg, rob)
		if err != nil {
			return nil, err
		}
		s.SetLinearSolver(ls)
	}

	r := &run{s: s, y0: y0, rob: rob}

	if cfg.Quadrature && rob != nil {
		if err := s.QuadInit(rob.QuadRhs, vec.Vector{0}); err != nil {
			return nil, err
		}
		r.quad = true
	}

	if cfg.Sens.Enabled {
		if rob == nil {
			return nil, fmt.Errorf("sensitivity analysis is wired for robertson only")
		}
		var ism solver.SensMethod
		switch cfg.Sens.Method {
		case "simultaneous":
			ism = solver.Simultaneous
		case "staggered", "":
			ism = solver.Staggered
		case "staggered1":
			ism = solver.Staggered1
		default:
			return nil, fmt.Errorf("unknown sensitivity method: %s", cfg.Sens.Method)
		}
		ns := len(rob.P)
		yS0 := make([]vec.Vector, ns)
		for i := range yS0 {
			yS0[i] = vec.New(len(y0))
		}
		if err := s.SensInit(ns, ism, nil, yS0); err != nil {
			return nil, err
		}
		if err := s.SetSensParams(rob.P, nil, nil); err != nil {
			return nil, err
		}
		dq := solver.Centered
		if cfg.Sens.DQType == "forward" {
			dq = solver.Forward
		}
		s.SetSensDQMethod(dq, 0)
		s.SetSensErrControl(cfg.Sens.ErrControl)
		r.sens = true
		r.ns = ns
	}

	return r, nil
}

func pickBackend(cfg *config.Config, rob *problems.Robertson) (solver.LinearSolver, error) {
	switch cfg.LinSolver {
	case "dense", "":
		return linsol.NewDense(), nil
	case "band":
		// the bundled problems are small and fully coupled
		return linsol.NewBand(2, 2), nil
	case "sparse":
		if rob != nil {
			return linsol.NewSparse(rob.Jac), nil
		}
		return linsol.NewSparse(nil), nil
	case "spbcgs":
		return linsol.NewSPBCGS(0), nil
	default:
		return nil, fmt.Errorf("unknown linear solver: %s", cfg.LinSolver)
	}
}

// outputTimes spaces the requested output points over (0, tEnd].
func outputTimes(cfg *config.Config) []float64 {
	n := cfg.Outputs
	if n < 1 {
		n = 1
	}
	ts := make([]float64, n)
	if cfg.Logspace {
		// first point at tEnd/10^(n-1), multiplying up to tEnd
		t := cfg.TEnd / math.Pow(10, float64(n-1))
		for i := range ts {
			ts[i] = t
			t *= 10
		}
	} else {
		for i := range ts {
			ts[i] = cfg.TEnd * float64(i+1) / float64(n)
		}
	}
	return ts
}

func runProblem(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := buildConfig(cmd, args[0])
	if err != nil {
		return err
	}

	r, err := assemble(cfg)
	if err != nil {
		return err
	}
	defer r.s.Free()

	level.Info(logger).Log("msg", "starting", "problem", cfg.Problem,
		"method", cfg.Method, "iteration", cfg.Iteration,
		"reltol", cfg.Reltol, "abstol", cfg.Abstol)

	var (
		rows  [][]string
		first []float64
		ts    []float64
		comps = make([][]float64, len(r.y0))
	)
	yout := vec.New(len(r.y0))
	yQ := vec.New(1)
	yS := make([]vec.Vector, r.ns)
	for i := range yS {
		yS[i] = vec.New(len(r.y0))
	}

	start := time.Now()
	ctx := context.Background()

	for _, tout := range outputTimes(cfg) {
		tret, _, err := r.s.Advance(ctx, tout, yout, solver.Normal)
		if err != nil {
			level.Error(logger).Log("msg", "advance failed", "t", tret, "err", err)
			return err
		}

		row := []string{strconv.FormatFloat(tret, 'e', 6, 64)}
		for _, v := range yout {
			row = append(row, strconv.FormatFloat(v, 'e', 6, 64))
		}
		if r.quad {
			if err := r.s.GetQuad(tret, yQ); err == nil {
				row = append(row, strconv.FormatFloat(yQ[0], 'e', 6, 64))
			}
		}
		if r.sens {
			if err := r.s.GetSens(tret, yS); err == nil {
				for is := range yS {
					row = append(row, strconv.FormatFloat(yS[is].L2Norm(), 'e', 3, 64))
				}
			}
		}
		rows = append(rows, row)
		first = append(first, yout[0])
		ts = append(ts, tret)
		for i, v := range yout {
			comps[i] = append(comps[i], v)
		}

		if verbose {
			level.Debug(logger).Log("t", tret, "y0", yout[0],
				"nst", r.s.GetStats().Steps, "order", r.s.CurrentOrder(), "h", r.s.LastStep())
		}
	}
	elapsed := time.Since(start)

	printTable(cfg, rows, r)

	st := r.s.GetStats()
	level.Info(logger).Log("msg", "done", "elapsed", elapsed,
		"nst", st.Steps, "nfe", st.RhsEvals, "nsetups", st.LinSolvSetups,
		"netf", st.ErrTestFails, "nni", st.NonlinIters, "ncfn", st.NonlinConvFails)
	if r.sens {
		ss := r.s.GetSensStats()
		level.Info(logger).Log("msg", "sensitivity", "nfSe", ss.SensRhsEvals,
			"netfS", ss.ErrTestFails, "nniS", ss.NonlinIters, "ncfnS", ss.NonlinConvFails)
	}

	if csvFile != "" {
		if err := writeCSV(csvFile, cfg, rows, r); err != nil {
			return err
		}
		level.Info(logger).Log("msg", "csv written", "path", csvFile)
	}

	if svgFile != "" {
		doc := export.CurvesToSVG(ts, comps, 900, 500, cfg.Logspace)
		if err := os.WriteFile(svgFile, []byte(doc), 0o644); err != nil {
			return err
		}
		level.Info(logger).Log("msg", "svg written", "path", svgFile)
	}

	if plot && len(first) > 1 {
		fmt.Println()
		fmt.Println(asciigraph.Plot(first,
			asciigraph.Height(16),
			asciigraph.Caption(fmt.Sprintf("%s: y[0] over %d output points", cfg.Problem, len(first)))))
	}

	return nil
}

func header(cfg *config.Config, r *run) []string {
	h := []string{"t"}
	for i := range r.y0 {
		h = append(h, fmt.Sprintf("y%d", i))
	}
	if r.quad {
		h = append(h, "q0")
	}
	for is := 0; is < r.ns; is++ {
		h = append(h, fmt.Sprintf("|s%d|", is))
	}
	return h
}

func printTable(cfg *config.Config, rows [][]string, r *run) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for i, h := range header(cfg, r) {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, h)
	}
	fmt.Fprintln(w)
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprint(w, cell)
		}
		fmt.Fprintln(w)
	}
	w.Flush()
}

func writeCSV(path string, cfg *config.Config, rows [][]string, r *run) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header(cfg, r)); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func benchBackends(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	backends := []string{"dense", "band", "sparse", "spbcgs"}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "backend\telapsed\tnst\tnfe\tnsetups\tnni")

	for _, name := range backends {
		cfg, err := buildConfig(cmd, args[0])
		if err != nil {
			return err
		}
		cfg.Iteration = "newton"
		cfg.LinSolver = name

		r, err := assemble(cfg)
		if err != nil {
			return err
		}

		yout := vec.New(len(r.y0))
		start := time.Now()
		_, _, err = r.s.Advance(context.Background(), cfg.TEnd, yout, solver.Normal)
		elapsed := time.Since(start)
		if err != nil {
			level.Error(logger).Log("backend", name, "err", err)
			r.s.Free()
			continue
		}

		st := r.s.GetStats()
		fmt.Fprintf(w, "%s\t%v\t%d\t%d\t%d\t%d\n",
			name, elapsed, st.Steps, st.RhsEvals, st.LinSolvSetups, st.NonlinIters)
		r.s.Free()
	}
	return w.Flush()
}
