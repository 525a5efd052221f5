// Package problem reads fit problems from YAML or JSON documents and renders
// fit outcomes as reports.
package problem

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/globalfit/internal/fit"
	"github.com/copyleftdev/globalfit/internal/optimization"
	"github.com/copyleftdev/globalfit/internal/optimization/models"
)

// Document is the serialized form of one fit problem.
//
// When Model is prion_saturation and Parameters is empty, the parameter
// names, initial values and identifiers are derived from Dilutions.
type Document struct {
	Tag            string      `json:"tag" yaml:"tag"`
	Model          string      `json:"model" yaml:"model"`
	ParameterNames []string    `json:"parameter_names,omitempty" yaml:"parameter_names,omitempty"`
	Parameters     [][]float64 `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Identifiers    [][]int     `json:"identifiers,omitempty" yaml:"identifiers,omitempty"`
	Runs           []RunData   `json:"runs" yaml:"runs"`
	Dilutions      []float64   `json:"dilutions,omitempty" yaml:"dilutions,omitempty"`
	Seed           int64       `json:"seed,omitempty" yaml:"seed,omitempty"`
	Fit            *Overrides  `json:"fit,omitempty" yaml:"fit,omitempty"`
}

// RunData is one measurement series, given either as a ready threshold
// curve or as raw sample values with a negative control.
type RunData struct {
	Thresholds      []float64 `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	Targets         []float64 `json:"targets,omitempty" yaml:"targets,omitempty"`
	Sample          []float64 `json:"sample,omitempty" yaml:"sample,omitempty"`
	NegativeControl []float64 `json:"negative_control,omitempty" yaml:"negative_control,omitempty"`
}

// Overrides replaces individual fit settings for one document.
type Overrides struct {
	Iterations       *int     `json:"n_iterations,omitempty" yaml:"n_iterations,omitempty"`
	ErrTol           *float64 `json:"err_tol,omitempty" yaml:"err_tol,omitempty"`
	BasinHops        *int     `json:"n_basinhops,omitempty" yaml:"n_basinhops,omitempty"`
	RequiredAccuracy *float64 `json:"required_accuracy,omitempty" yaml:"required_accuracy,omitempty"`
	StepSize         *float64 `json:"step_size,omitempty" yaml:"step_size,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	StepInterval     *int     `json:"step_interval,omitempty" yaml:"step_interval,omitempty"`
}

// Apply returns cfg with the document's overrides applied.
func (d *Document) Apply(cfg fit.Config) fit.Config {
	o := d.Fit
	if o == nil {
		return cfg
	}
	if o.Iterations != nil {
		cfg.Iterations = *o.Iterations
	}
	if o.ErrTol != nil {
		cfg.ErrTol = *o.ErrTol
	}
	if o.BasinHops != nil {
		cfg.BasinHops = *o.BasinHops
	}
	if o.RequiredAccuracy != nil {
		cfg.RequiredAccuracy = *o.RequiredAccuracy
	}
	if o.StepSize != nil {
		cfg.StepSize = *o.StepSize
	}
	if o.Temperature != nil {
		cfg.Temperature = *o.Temperature
	}
	if o.StepInterval != nil {
		cfg.StepInterval = *o.StepInterval
	}
	return cfg
}

// Problem resolves the model in reg and builds the fit problem.
func (d *Document) Problem(reg *models.Registry) (fit.Problem, error) {
	model, ok := reg.Lookup(d.Model)
	if !ok {
		return fit.Problem{}, docErr("unknown model %q, available: %s", d.Model, strings.Join(reg.Names(), ", "))
	}

	runs := make([]fit.Run, len(d.Runs))
	for i, rd := range d.Runs {
		run, err := rd.run()
		if err != nil {
			return fit.Problem{}, optimization.WrapErrorf(err, "run %d", i).
				WithComponent("problem").
				WithOperation("Document.Problem")
		}
		runs[i] = run
	}

	p := fit.Problem{
		Tag:   d.Tag,
		Runs:  runs,
		Model: model,
		Seed:  d.Seed,
	}

	if len(d.Parameters) == 0 && d.Model == models.PrionSaturationName {
		if len(d.Dilutions) != len(runs) {
			return fit.Problem{}, docErr("got %d dilutions for %d runs", len(d.Dilutions), len(runs))
		}
		names, params, ids, err := models.PrionInputs(d.Dilutions)
		if err != nil {
			return fit.Problem{}, optimization.WrapError(err, "prion inputs").
				WithKind(optimization.KindConfiguration).
				WithComponent("problem")
		}
		p.ParameterNames, p.Parameters, p.Identifiers = names, params, ids
		return p, nil
	}

	names := d.ParameterNames
	if len(names) == 0 {
		names = model.ParameterNames()
	}
	if len(names) != len(model.ParameterNames()) {
		return fit.Problem{}, docErr("model %q takes %d parameters, got %d names", d.Model, len(model.ParameterNames()), len(names))
	}
	params, err := dense(d.Parameters)
	if err != nil {
		return fit.Problem{}, err
	}
	p.ParameterNames = append([]string(nil), names...)
	p.Parameters = params
	p.Identifiers = make([][]int, len(d.Identifiers))
	for i, row := range d.Identifiers {
		p.Identifiers[i] = append([]int(nil), row...)
	}
	return p, nil
}

func (rd RunData) run() (fit.Run, error) {
	curve := len(rd.Thresholds) > 0 || len(rd.Targets) > 0
	raw := len(rd.Sample) > 0 || len(rd.NegativeControl) > 0
	switch {
	case curve && raw:
		return fit.Run{}, docErr("give either thresholds and targets or sample and negative_control, not both")
	case curve:
		return fit.Run{
			Thresholds: append([]float64(nil), rd.Thresholds...),
			Targets:    append([]float64(nil), rd.Targets...),
		}, nil
	case raw:
		return fit.NormalizeToNegativeControl(rd.Sample, rd.NegativeControl)
	default:
		return fit.Run{}, docErr("run has no data")
	}
}

func dense(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, docErr("parameter matrix is empty")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, docErr("parameter row %d has %d columns, expected %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

// Decode reads every document in r. JSON input holds one document or an
// array of documents; YAML input may hold several "---" separated documents.
func Decode(r io.Reader, format string) ([]Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, optimization.WrapError(err, "read problem").WithComponent("problem")
	}

	var docs []Document
	switch format {
	case "json":
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			err = json.Unmarshal(trimmed, &docs)
		} else {
			var d Document
			err = json.Unmarshal(trimmed, &d)
			docs = append(docs, d)
		}
		if err != nil {
			return nil, docErr("decode JSON: %v", err)
		}
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		for {
			var d Document
			err := dec.Decode(&d)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, docErr("decode YAML document %d: %v", len(docs), err)
			}
			docs = append(docs, d)
		}
	default:
		return nil, docErr("unknown document format %q", format)
	}

	if len(docs) == 0 {
		return nil, docErr("no problem documents")
	}
	for i := range docs {
		if docs[i].Tag == "" {
			return nil, docErr("document %d has no tag", i)
		}
	}
	return docs, nil
}

// Load reads the documents in path; files ending in .json are JSON, all
// others YAML.
func Load(path string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, optimization.WrapError(err, "open problem file").WithComponent("problem")
	}
	defer f.Close()
	return Decode(f, FormatOf(path))
}

// FormatOf returns the document format implied by a file name.
func FormatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json"
	}
	return "yaml"
}

func docErr(format string, args ...interface{}) error {
	return optimization.ConfigErrorf(format, args...).WithComponent("problem")
}
