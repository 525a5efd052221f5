package models

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Model represents a model function fitted to threshold/target series
type Model interface {
	// Evaluate computes model values at each threshold for one run's parameters
	Evaluate(thresholds, params []float64) []float64

	// ParameterNames returns the names of the parameters, in order
	ParameterNames() []string
}

// Func adapts a plain function to the Model interface.
type Func struct {
	Names []string
	Fn    func(thresholds, params []float64) []float64
}

// Evaluate calls f.Fn.
func (f *Func) Evaluate(thresholds, params []float64) []float64 {
	return f.Fn(thresholds, params)
}

// ParameterNames returns f.Names.
func (f *Func) ParameterNames() []string {
	return f.Names
}

// Registry maps model names to models. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Model
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]Model)}
}

// Register adds a model under name. Names must be unique and the model must
// declare at least one parameter.
func (r *Registry) Register(name string, m Model) error {
	if name == "" {
		return fmt.Errorf("model name must not be empty")
	}
	if m == nil {
		return fmt.Errorf("model %q is nil", name)
	}
	names := m.ParameterNames()
	if len(names) == 0 {
		return fmt.Errorf("model %q declares no parameters", name)
	}
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			return fmt.Errorf("model %q has an empty parameter name", name)
		}
		if _, dup := seen[n]; dup {
			return fmt.Errorf("model %q declares parameter %q twice", name, n)
		}
		seen[n] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.models[name]; exists {
		return fmt.Errorf("model %q already registered", name)
	}
	r.models[name] = m
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, m Model) {
	if err := r.Register(name, m); err != nil {
		panic(err)
	}
}

// Lookup returns the model registered under name.
func (r *Registry) Lookup(name string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for n := range r.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Built-in model names
const (
	LinearName                = "linear"
	SaturatingExponentialName = "saturating_exponential"
	PrionSaturationName       = "prion_saturation"
)

// Default returns a registry holding the built-in models.
func Default() *Registry {
	r := NewRegistry()
	r.MustRegister(LinearName, Linear())
	r.MustRegister(SaturatingExponentialName, SaturatingExponential())
	r.MustRegister(PrionSaturationName, MustPrionSaturation(DefaultSeriesTerms))
	return r
}

// Linear returns the model a*t + b with parameters [a, b].
func Linear() Model {
	return &Func{
		Names: []string{"a", "b"},
		Fn: func(t, p []float64) []float64 {
			out := make([]float64, len(t))
			for i, ti := range t {
				out[i] = p[0]*ti + p[1]
			}
			return out
		},
	}
}

// SaturatingExponentialScale is the propagon count at which the amplitude of
// the saturating exponential reaches 1-1/e for an undiluted sample.
const SaturatingExponentialScale = 1e4

// SaturatingExponential returns the model with parameters [N, d, a]:
//
//	(1 - exp(-a*t)) * (1 - exp(-N/(d*scale)))
//
// The amplitude counts wells occupied at dilution d, the shape is a
// first-order rise in t.
func SaturatingExponential() Model {
	return &Func{
		Names: []string{"N", "d", "a"},
		Fn: func(t, p []float64) []float64 {
			amplitude := -math.Expm1(-p[0] / (p[1] * SaturatingExponentialScale))
			out := make([]float64, len(t))
			for i, ti := range t {
				out[i] = -math.Expm1(-p[2]*ti) * amplitude
			}
			return out
		},
	}
}
