package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/copyleftdev/globalfit/internal/config"
	apperrors "github.com/copyleftdev/globalfit/internal/errors"
	"github.com/copyleftdev/globalfit/internal/fit"
	"github.com/copyleftdev/globalfit/internal/logging"
	"github.com/copyleftdev/globalfit/internal/metrics"
	"github.com/copyleftdev/globalfit/internal/optimization"
	"github.com/copyleftdev/globalfit/internal/optimization/models"
	"github.com/copyleftdev/globalfit/internal/problem"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// FitJob tracks one asynchronous fit. Fields are guarded by Server.jobsMu.
type FitJob struct {
	ID          string
	Tag         string
	Status      string
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	// Message explains a fit that did not converge.
	Message string
	Err     error
	// Report is set only for converged fits.
	Report     *problem.Report
	CancelFunc context.CancelFunc
}

// JobView is the JSON rendering of a FitJob.
type JobView struct {
	ID          string          `json:"fit_id"`
	Tag         string          `json:"tag"`
	Status      string          `json:"status"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     *time.Time      `json:"end_time,omitempty"`
	LastUpdated time.Time       `json:"last_update"`
	Message     string          `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	Report      *problem.Report `json:"report,omitempty"`
}

func (j *FitJob) view() JobView {
	v := JobView{
		ID:          j.ID,
		Tag:         j.Tag,
		Status:      j.Status,
		StartTime:   j.StartTime,
		EndTime:     j.EndTime,
		LastUpdated: j.LastUpdated,
		Message:     j.Message,
		Report:      j.Report,
	}
	if j.Err != nil {
		v.Error = j.Err.Error()
	}
	return v
}

// StartRequest submits one problem. Error bounds are estimated unless
// Errors is false.
type StartRequest struct {
	Problem problem.Document `json:"problem"`
	Errors  *bool            `json:"errors,omitempty"`
}

type jobRef struct {
	ID string `json:"fit_id"`
}

// ModelInfo describes a registered model.
type ModelInfo struct {
	Name       string   `json:"name"`
	Parameters []string `json:"parameters"`
}

// Server implements the HTTP and JSON-RPC server for the fit service.
// It manages fit jobs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg      *config.Config
	logger   Logger
	fitLog   *zap.Logger
	registry *models.Registry
	metrics  *metrics.Recorder

	jobs   map[string]*FitJob
	jobsMu sync.RWMutex
	seq    atomic.Uint64

	// slots bounds the number of fits running at once.
	slots chan struct{}
	wg    sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry replaces the default model registry.
func WithRegistry(r *models.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithMetrics records job metrics in r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Server) { s.metrics = r }
}

// NewServer creates a new server instance with the given config and logger
// The logger parameter accepts any type that implements the Logger interface
func NewServer(cfg *config.Config, logger Logger, opts ...Option) *Server {
	workers := cfg.Fit.WorkerCount
	if workers < 1 {
		workers = 1
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		fitLog:   logging.NewZapLogger(logger.WithFields(nil)),
		registry: models.Default(),
		metrics:  metrics.New(nil),
		jobs:     make(map[string]*FitJob),
		slots:    make(chan struct{}, workers),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/fits", s.handleStart)
		r.Get("/fits/{id}", s.handleStatus)
		r.Delete("/fits/{id}", s.handleCancel)
		r.Get("/models", s.handleModels)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      interface{}     `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, apperrors.CodeParseError, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, apperrors.CodeInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case "fit.start":
		var req StartRequest
		if err = decodeParams(request.Params, &req); err == nil {
			result, err = s.startFit(req)
		}
	case "fit.status":
		var ref jobRef
		if err = decodeParams(request.Params, &ref); err == nil {
			result, err = s.jobStatus(ref.ID)
		}
	case "fit.cancel":
		var ref jobRef
		if err = decodeParams(request.Params, &ref); err == nil {
			result, err = s.cancelFit(ref.ID)
		}
	case "models.list":
		result = map[string]interface{}{"models": s.modelInfo()}
	default:
		s.respondWithError(w, apperrors.CodeMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, apperrors.RPCCode(err), err.Error(), request.ID)
		return
	}

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// decodeParams accepts params as an object or as an array holding one object.
func decodeParams(raw json.RawMessage, v interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return optimization.ConfigErrorf("missing required parameters")
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
			return optimization.ConfigErrorf("invalid parameter format, expected object")
		}
		raw = list[0]
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return optimization.ConfigErrorf("invalid parameters: %v", err)
	}
	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// startFit validates req, registers a pending job and runs it in the
// background. Configuration errors are returned before any job exists.
func (s *Server) startFit(req StartRequest) (JobView, error) {
	doc := req.Problem
	if doc.Tag == "" {
		return JobView{}, optimization.ConfigErrorf("problem tag is required")
	}
	p, err := doc.Problem(s.registry)
	if err != nil {
		return JobView{}, err
	}
	if err := p.Validate(); err != nil {
		return JobView{}, err
	}
	fitter, err := fit.NewFitter(doc.Apply(s.cfg.FitConfig()), s.fitLog)
	if err != nil {
		return JobView{}, err
	}
	withErrors := req.Errors == nil || *req.Errors

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	job := &FitJob{
		ID:          fmt.Sprintf("fit_%d_%d", now.UnixNano(), s.seq.Add(1)),
		Tag:         doc.Tag,
		Status:      StatusPending,
		StartTime:   now,
		LastUpdated: now,
		CancelFunc:  cancel,
	}

	s.jobsMu.Lock()
	s.jobs[job.ID] = job
	view := job.view()
	s.jobsMu.Unlock()

	s.logger.Info("Fit submitted", map[string]interface{}{
		"fit_id": job.ID,
		"tag":    job.Tag,
		"model":  doc.Model,
	})

	s.wg.Add(1)
	go s.runFit(ctx, job, fitter, p, p.ParameterNames, withErrors)

	return view, nil
}

// runFit executes the fit once a worker slot is free.
func (s *Server) runFit(ctx context.Context, job *FitJob, fitter *fit.Fitter, p fit.Problem, names []string, withErrors bool) {
	defer s.wg.Done()
	defer job.CancelFunc()

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		s.finish(job, fit.Outcome{Tag: job.Tag, Err: ctx.Err()}, names)
		return
	}
	defer func() { <-s.slots }()

	if !s.transition(job, StatusPending, StatusRunning) {
		return
	}

	s.metrics.JobStarted()
	out := fitter.Run(ctx, p, withErrors)
	s.metrics.JobFinished()
	s.metrics.ObserveOutcome(out)

	s.finish(job, out, names)
}

func (s *Server) transition(job *FitJob, from, to string) bool {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if job.Status != from {
		return false
	}
	job.Status = to
	job.LastUpdated = time.Now()
	return true
}

func (s *Server) finish(job *FitJob, out fit.Outcome, names []string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	// A cancelled job keeps its status.
	if job.Status == StatusCancelled {
		return
	}

	now := time.Now()
	job.EndTime = &now
	job.LastUpdated = now

	switch {
	case out.Err != nil:
		job.Status = StatusFailed
		job.Err = out.Err
		s.logger.Error("Fit failed", map[string]interface{}{
			"fit_id": job.ID,
			"error":  out.Err.Error(),
		})
	case !out.Result.Converged:
		job.Status = StatusFailed
		job.Message = out.Result.Message
		job.Err = optimization.NewErrorf("fit did not converge: %s", out.Result.Message).
			WithKind(optimization.KindConvergence)
		s.logger.Warn("Fit did not converge", map[string]interface{}{
			"fit_id": job.ID,
			"reason": out.Result.Message,
		})
	default:
		job.Status = StatusCompleted
		job.Report = problem.NewReport(out, names)
		s.logger.Info("Fit completed", map[string]interface{}{
			"fit_id":    job.ID,
			"objective": out.Result.Objective,
		})
	}
}

func (s *Server) jobStatus(id string) (JobView, error) {
	if id == "" {
		return JobView{}, optimization.ConfigErrorf("fit_id is required")
	}
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return JobView{}, apperrors.Wrapf(apperrors.ErrNotFound, "fit %s", id)
	}
	return job.view(), nil
}

func (s *Server) cancelFit(id string) (JobView, error) {
	if id == "" {
		return JobView{}, optimization.ConfigErrorf("fit_id is required")
	}
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return JobView{}, apperrors.Wrapf(apperrors.ErrNotFound, "fit %s", id)
	}

	switch job.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return JobView{}, apperrors.Wrapf(apperrors.ErrConflict, "cannot cancel fit with status %s", job.Status)
	}

	if job.CancelFunc != nil {
		job.CancelFunc()
	}
	now := time.Now()
	job.Status = StatusCancelled
	job.EndTime = &now
	job.LastUpdated = now

	s.logger.Info("Fit cancelled", map[string]interface{}{
		"fit_id": id,
	})
	return job.view(), nil
}

func (s *Server) modelInfo() []ModelInfo {
	names := s.registry.Names()
	out := make([]ModelInfo, 0, len(names))
	for _, name := range names {
		m, _ := s.registry.Lookup(name)
		out = append(out, ModelInfo{Name: name, Parameters: m.ParameterNames()})
	}
	return out
}

// Close cancels all running fits and waits for them to stop.
func (s *Server) Close() error {
	s.jobsMu.Lock()
	for _, job := range s.jobs {
		if job.CancelFunc != nil {
			job.CancelFunc()
		}
	}
	s.jobsMu.Unlock()

	s.wg.Wait()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.HTTPStatus(err), map[string]interface{}{
		"error": err.Error(),
	})
}

// handleStart handles POST /api/v1/fits
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, optimization.ConfigErrorf("invalid request body: %v", err))
		return
	}

	view, err := s.startFit(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

// handleStatus handles GET /api/v1/fits/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCancel handles DELETE /api/v1/fits/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	view, err := s.cancelFit(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleModels handles GET /api/v1/models
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": s.modelInfo()})
}
