package config

var Presets = map[string]map[string]*Config{
	"robertson": {
		"short": {
			Problem: "robertson", Method: "bdf", Iteration: "newton", LinSolver: "dense",
			Reltol: 1e-4, Abstol: 1e-8, TEnd: 4e2, Outputs: 12, Logspace: true,
			MaxSteps: 10000, Quadrature: true,
		},
		"long": {
			Problem: "robertson", Method: "bdf", Iteration: "newton", LinSolver: "dense",
			Reltol: 1e-4, Abstol: 1e-8, TEnd: 4e10, Outputs: 12, Logspace: true,
			MaxSteps: 100000, Quadrature: true,
		},
		"fsa": {
			Problem: "robertson", Method: "bdf", Iteration: "newton", LinSolver: "dense",
			Reltol: 1e-4, Abstol: 1e-8, TEnd: 4e7, Outputs: 10, Logspace: true,
			MaxSteps: 100000,
			Sens:     SensConfig{Enabled: true, Method: "staggered", ErrControl: true, DQType: "centered"},
		},
	},
	"decay": {
		"default": {
			Problem: "decay", Method: "adams", Iteration: "functional",
			Reltol: 1e-6, Abstol: 1e-10, TEnd: 10, Outputs: 50, MaxSteps: 5000,
			InitState: []float64{1},
			Params:    ProblemConfig{Lambda: 1.0},
		},
	},
	"oscillator": {
		"default": {
			Problem: "oscillator", Method: "adams", Iteration: "functional",
			Reltol: 1e-8, Abstol: 1e-10, TEnd: 30, Outputs: 120, MaxSteps: 20000,
			InitState: []float64{1, 0},
			Params:    ProblemConfig{Omega: 1.0},
		},
	},
	"vanderpol": {
		"stiff": {
			Problem: "vanderpol", Method: "bdf", Iteration: "newton", LinSolver: "dense",
			Reltol: 1e-6, Abstol: 1e-8, TEnd: 3000, Outputs: 200, MaxSteps: 200000,
			StabLimDet: true,
			InitState:  []float64{2, 0},
			Params:     ProblemConfig{Mu: 1000.0},
		},
		"mild": {
			Problem: "vanderpol", Method: "bdf", Iteration: "newton", LinSolver: "dense",
			Reltol: 1e-6, Abstol: 1e-8, TEnd: 20, Outputs: 200, MaxSteps: 20000,
			InitState: []float64{2, 0},
			Params:    ProblemConfig{Mu: 5.0},
		},
	},
}

func GetPreset(problem, preset string) *Config {
	problemPresets, ok := Presets[problem]
	if !ok {
		return nil
	}
	cfg, ok := problemPresets[preset]
	if !ok {
		return nil
	}
	return cfg
}

func ListPresets(problem string) []string {
	problemPresets, ok := Presets[problem]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(problemPresets))
	for name := range problemPresets {
		names = append(names, name)
	}
	return names
}
