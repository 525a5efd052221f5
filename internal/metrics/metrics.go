// Package metrics exports Prometheus metrics for fit jobs.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/copyleftdev/globalfit/internal/fit"
)

// Fit statuses used as the "status" label of globalfit_fits_total.
const (
	StatusConverged    = "converged"
	StatusNotConverged = "not_converged"
	StatusFailed       = "failed"
	StatusCancelled    = "cancelled"
)

// Recorder holds the fit metrics.
type Recorder struct {
	fits            *prometheus.CounterVec
	duration        prometheus.Histogram
	evaluations     prometheus.Counter
	saturatedBounds *prometheus.CounterVec
	jobsInFlight    prometheus.Gauge
}

// New creates a Recorder and registers its collectors with reg. A nil reg
// leaves the collectors unregistered.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		fits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "globalfit_fits_total",
				Help: "Finished fits by outcome",
			},
			[]string{"status"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "globalfit_fit_duration_seconds",
				Help:    "Wall time of basin-hopping fits",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		evaluations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "globalfit_objective_evaluations_total",
				Help: "Residual evaluations performed by fits",
			},
		),
		saturatedBounds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "globalfit_saturated_bounds_total",
				Help: "Error bounds reported at the end of the trial ladder",
			},
			[]string{"side"},
		),
		jobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "globalfit_jobs_in_flight",
				Help: "Fit jobs currently running",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(r.fits, r.duration, r.evaluations, r.saturatedBounds, r.jobsInFlight)
	}
	return r
}

// JobStarted marks a job as running.
func (r *Recorder) JobStarted() { r.jobsInFlight.Inc() }

// JobFinished marks a running job as done.
func (r *Recorder) JobFinished() { r.jobsInFlight.Dec() }

// ObserveOutcome records one finished problem.
func (r *Recorder) ObserveOutcome(out fit.Outcome) {
	r.fits.WithLabelValues(Status(out)).Inc()
	if out.Result == nil {
		return
	}
	r.duration.Observe(out.Result.Duration.Seconds())
	r.evaluations.Add(float64(out.Result.FuncEvaluations))

	if out.Bounds == nil {
		return
	}
	for i := range out.Bounds.LowSaturated {
		for j := range out.Bounds.LowSaturated[i] {
			if out.Bounds.LowSaturated[i][j] {
				r.saturatedBounds.WithLabelValues("low").Inc()
			}
			if out.Bounds.UpSaturated[i][j] {
				r.saturatedBounds.WithLabelValues("up").Inc()
			}
		}
	}
}

// Status classifies an outcome for the fits counter.
func Status(out fit.Outcome) string {
	switch {
	case errors.Is(out.Err, context.Canceled), errors.Is(out.Err, context.DeadlineExceeded):
		return StatusCancelled
	case out.Err != nil:
		return StatusFailed
	case out.Result != nil && out.Result.Converged:
		return StatusConverged
	default:
		return StatusNotConverged
	}
}
