package problem

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/globalfit/internal/fit"
	"github.com/copyleftdev/globalfit/internal/optimization"
	"github.com/copyleftdev/globalfit/internal/optimization/models"
)

const linearYAML = `
tag: linear-a
model: linear
parameters:
  - [1.5, 0.5]
  - [1.5, 2]
identifiers:
  - [1, 1]
  - [1, 2]
runs:
  - thresholds: [0, 1, 2]
    targets: [1, 3, 5]
  - thresholds: [0, 1, 2]
    targets: [3, 5, 7]
seed: 9
fit:
  n_basinhops: 1
  required_accuracy: 0.1
---
tag: linear-b
model: linear
parameters: [[1, 1]]
identifiers: [[1, 0]]
runs:
  - sample: [2, 4]
    negative_control: [1, 3]
`

func TestDecodeYAML(t *testing.T) {
	docs, err := Decode(strings.NewReader(linearYAML), "yaml")
	require.NoError(t, err)
	require.Len(t, docs, 2)

	d := docs[0]
	assert.Equal(t, "linear-a", d.Tag)
	assert.Equal(t, int64(9), d.Seed)
	require.NotNil(t, d.Fit)

	cfg := d.Apply(fit.DefaultConfig())
	assert.Equal(t, 1, cfg.BasinHops)
	assert.Equal(t, 0.1, cfg.RequiredAccuracy)
	assert.Equal(t, 10000, cfg.Iterations)
	assert.Equal(t, fit.DefaultConfig(), docs[1].Apply(fit.DefaultConfig()))

	p, err := d.Problem(models.Default())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.ParameterNames)
	assert.True(t, mat.Equal(mat.NewDense(2, 2, []float64{1.5, 0.5, 1.5, 2}), p.Parameters))
	assert.Equal(t, [][]int{{1, 1}, {1, 2}}, p.Identifiers)
	assert.Equal(t, []float64{3, 5, 7}, p.Runs[1].Targets)

	p, err = docs[1].Problem(models.Default())
	require.NoError(t, err)
	require.Len(t, p.Runs, 1)
	assert.Len(t, p.Runs[0].Thresholds, fit.DefaultThresholdCount)
	assert.InDelta(t, -0.2, p.Runs[0].Thresholds[0], 1e-12)
}

func TestDecodeJSON(t *testing.T) {
	single := `{"tag": "one", "model": "linear", "parameters": [[1, 2]], "identifiers": [[1, 1]],
		"runs": [{"thresholds": [0, 1], "targets": [2, 3]}]}`
	docs, err := Decode(strings.NewReader(single), "json")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "one", docs[0].Tag)

	array := `[{"tag": "one", "model": "linear"}, {"tag": "two", "model": "linear"}]`
	docs, err = Decode(strings.NewReader(array), "json")
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		format string
	}{
		{"bad yaml", "tag: [unclosed", "yaml"},
		{"bad json", "{", "json"},
		{"empty", "", "yaml"},
		{"missing tag", "model: linear", "yaml"},
		{"unknown format", "tag: x", "toml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.input), tt.format)
			assert.ErrorIs(t, err, optimization.ErrConfiguration)
		})
	}
}

func TestDocumentProblemErrors(t *testing.T) {
	curve := RunData{Thresholds: []float64{0, 1}, Targets: []float64{0, 1}}

	tests := []struct {
		name string
		doc  Document
	}{
		{"unknown model", Document{Tag: "x", Model: "cubic", Runs: []RunData{curve}}},
		{"empty run", Document{Tag: "x", Model: "linear", Parameters: [][]float64{{1, 1}}, Runs: []RunData{{}}}},
		{"mixed run", Document{Tag: "x", Model: "linear", Parameters: [][]float64{{1, 1}},
			Runs: []RunData{{Thresholds: []float64{1}, Targets: []float64{1}, Sample: []float64{1}}}}},
		{"flat control", Document{Tag: "x", Model: "linear", Parameters: [][]float64{{1, 1}},
			Runs: []RunData{{Sample: []float64{1, 2}, NegativeControl: []float64{3, 3}}}}},
		{"name count", Document{Tag: "x", Model: "linear", ParameterNames: []string{"a"}, Parameters: [][]float64{{1, 1}}, Runs: []RunData{curve}}},
		{"empty matrix", Document{Tag: "x", Model: "linear", Runs: []RunData{curve}}},
		{"ragged matrix", Document{Tag: "x", Model: "linear", Parameters: [][]float64{{1, 1}, {1}}, Runs: []RunData{curve, curve}}},
		{"prion dilution count", Document{Tag: "x", Model: models.PrionSaturationName, Dilutions: []float64{1, 2}, Runs: []RunData{curve}}},
		{"prion bad dilution", Document{Tag: "x", Model: models.PrionSaturationName, Dilutions: []float64{-1}, Runs: []RunData{curve}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.doc.Problem(models.Default())
			assert.ErrorIs(t, err, optimization.ErrConfiguration)
		})
	}
}

func TestDocumentPrionInputs(t *testing.T) {
	curve := RunData{Thresholds: []float64{0, 1}, Targets: []float64{0, 1}}
	d := Document{
		Tag:       "prion",
		Model:     models.PrionSaturationName,
		Dilutions: []float64{10, 100},
		Runs:      []RunData{curve, curve},
	}
	p, err := d.Problem(models.Default())
	require.NoError(t, err)

	assert.Equal(t, models.PrionParameterNames, p.ParameterNames)
	assert.Equal(t, 20.0, p.Parameters.At(1, 0))
	assert.Equal(t, 100.0, p.Parameters.At(1, 1))
	assert.Equal(t, []int{1, 0, 1, 1, 0, 0}, p.Identifiers[0])
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "series.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(linearYAML), 0o644))
	docs, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	jsonPath := filepath.Join(dir, "series.JSON")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"tag": "j", "model": "linear"}`), 0o644))
	docs, err = Load(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "j", docs[0].Tag)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestNewReport(t *testing.T) {
	out := fit.Outcome{
		Tag: "linear",
		Result: &fit.Result{
			Parameters:      mat.NewDense(1, 2, []float64{2, math.Inf(1)}),
			Objective:       1e-15,
			Converged:       true,
			Hops:            3,
			FuncEvaluations: 900,
			Seed:            5,
			Duration:        1500 * time.Millisecond,
		},
		Bounds: &fit.ErrorBounds{
			Low:          mat.NewDense(1, 2, []float64{0.1, 0}),
			Up:           mat.NewDense(1, 2, []float64{0.2, 0}),
			LowSaturated: [][]bool{{false, false}},
			UpSaturated:  [][]bool{{true, false}},
		},
	}

	r := NewReport(out, []string{"a", "b"})
	assert.True(t, r.Converged)
	require.NotNil(t, r.Objective)
	assert.Equal(t, 1e-15, *r.Objective)
	assert.Equal(t, [][]float64{{2, 0}}, r.Parameters)
	assert.Equal(t, [][]float64{{0.2, 0}}, r.ErrorUp)
	assert.Equal(t, 1.5, r.DurationSeconds)

	raw, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"up_saturated":[[true,false]]`)

	out.Result.Objective = math.NaN()
	out.Result.Converged = false
	out.Bounds = nil
	r = NewReport(out, nil)
	assert.Nil(t, r.Objective)
	assert.Nil(t, r.ErrorLow)
	_, err = json.Marshal(r)
	assert.NoError(t, err)

	r = NewReport(fit.Outcome{Tag: "broken", Err: errors.New("bad identifiers")}, nil)
	assert.Equal(t, "bad identifiers", r.Error)
	assert.Nil(t, r.Parameters)
}
