package problem

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/globalfit/internal/fit"
)

// Report is the JSON rendering of one fit outcome. Non-finite numbers are
// omitted because JSON cannot carry them.
type Report struct {
	Tag             string      `json:"tag"`
	Converged       bool        `json:"converged"`
	Message         string      `json:"message,omitempty"`
	Error           string      `json:"error,omitempty"`
	Objective       *float64    `json:"objective,omitempty"`
	ParameterNames  []string    `json:"parameter_names,omitempty"`
	Parameters      [][]float64 `json:"parameters,omitempty"`
	ErrorLow        [][]float64 `json:"error_low,omitempty"`
	ErrorUp         [][]float64 `json:"error_up,omitempty"`
	LowSaturated    [][]bool    `json:"low_saturated,omitempty"`
	UpSaturated     [][]bool    `json:"up_saturated,omitempty"`
	Hops            int         `json:"hops"`
	FuncEvaluations int         `json:"func_evaluations"`
	Seed            int64       `json:"seed"`
	DurationSeconds float64     `json:"duration_seconds"`
}

// NewReport renders out. names labels the parameter columns.
func NewReport(out fit.Outcome, names []string) *Report {
	r := &Report{Tag: out.Tag}
	if out.Err != nil {
		r.Error = out.Err.Error()
	}

	res := out.Result
	if res == nil {
		return r
	}
	r.Converged = res.Converged
	r.Message = res.Message
	if finite(res.Objective) {
		v := res.Objective
		r.Objective = &v
	}
	r.ParameterNames = append([]string(nil), names...)
	r.Parameters = rows(res.Parameters)
	r.Hops = res.Hops
	r.FuncEvaluations = res.FuncEvaluations
	r.Seed = res.Seed
	r.DurationSeconds = res.Duration.Seconds()

	if b := out.Bounds; b != nil {
		r.ErrorLow = rows(b.Low)
		r.ErrorUp = rows(b.Up)
		r.LowSaturated = b.LowSaturated
		r.UpSaturated = b.UpSaturated
	}
	return r
}

// rows copies m into nested slices, replacing non-finite entries by zero.
func rows(m *mat.Dense) [][]float64 {
	if m == nil {
		return nil
	}
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(nil, i, m)
		for j := 0; j < c; j++ {
			if !finite(out[i][j]) {
				out[i][j] = 0
			}
		}
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
