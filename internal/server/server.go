package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/robopt/internal/config"
	apierrors "github.com/copyleftdev/robopt/internal/errors"
	"github.com/copyleftdev/robopt/internal/logging"
	"github.com/copyleftdev/robopt/internal/optimization"
	"github.com/copyleftdev/robopt/internal/robust"
	"github.com/copyleftdev/robopt/internal/scenario"
	"github.com/copyleftdev/robopt/internal/store"
)

// Logger receives job lifecycle and request error entries.
type Logger interface {
	Debug(msg string, fields ...logging.Fields)
	Info(msg string, fields ...logging.Fields)
	Warn(msg string, fields ...logging.Fields)
	Error(msg string, fields ...logging.Fields)
}

// Job status values. Finished jobs use the store's status names.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = store.StatusCompleted
	StatusFailed    = store.StatusFailed
	StatusCanceled  = store.StatusCanceled
)

// OptimizationState represents the state of an optimization job.
// It tracks the progress, status, and results of a sequential solve.
// Fields are guarded by the server's mutex.
type OptimizationState struct {
	ID           string
	Scenario     string
	Status       string
	StartTime    time.Time
	EndTime      *time.Time
	Progress     float64
	BestSolution *optimization.Solution
	Path         []robust.Step
	Reason       robust.StopReason
	Error        string
	CancelFunc   context.CancelFunc
	LastUpdated  time.Time

	spec     *scenario.RunSpec
	specYAML string
	solver   *robust.SequentialSolver
}

func (s *OptimizationState) finished() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Option configures a Server.
type Option func(*Server)

// WithStore persists finished runs and serves them after restarts.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithMetrics records solver metrics of every job.
func WithMetrics(m *robust.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSolverLogger sets the zap logger handed to the solvers.
func WithSolverLogger(l *zap.Logger) Option {
	return func(s *Server) { s.solverLogger = l }
}

// Server implements the HTTP and JSON-RPC server for the optimization service.
// It manages optimization jobs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg          *config.Config
	logger       Logger
	solverLogger *zap.Logger
	store        store.Store
	metrics      *robust.Metrics

	// slots bounds the jobs solving at the same time.
	slots chan struct{}
	jobs  sync.WaitGroup

	optimizations   map[string]*OptimizationState
	optimizationsMu sync.RWMutex // Protects the optimizations map and states
}

// NewServer creates a new server instance with the given config and logger
// The logger parameter accepts any type that implements the Logger interface
func NewServer(cfg *config.Config, logger Logger, opts ...Option) *Server {
	s := &Server{
		cfg:           cfg,
		logger:        logger,
		solverLogger:  zap.NewNop(),
		optimizations: make(map[string]*OptimizationState),
	}
	for _, opt := range opts {
		opt(s)
	}
	n := cfg.Optimization.MaxConcurrentRuns
	if n < 1 {
		n = 1
	}
	s.slots = make(chan struct{}, n)
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/optimize", s.handleOptimize)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/optimization/{id}", s.handleCancel)
		r.Get("/scenarios", s.handleScenarios)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      interface{}   `json:"id"`
		Method  string        `json:"method"`
		Params  []interface{} `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, apierrors.CodeParseError, "Parse error", nil)
		return
	}

	if request.JSONRPC != "2.0" {
		s.respondWithError(w, apierrors.CodeInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case "optimization.start":
		result, err = s.handleOptimizeStart(request.Params)
	case "optimization.status":
		result, err = s.handleOptimizationStatus(r.Context(), request.Params)
	case "optimization.cancel":
		err = s.handleOptimizationCancel(request.Params)
		result = map[string]string{"status": "cancellation requested"}
	case "scenarios.list":
		result = scenario.List()
	case "runs.get":
		var id string
		if id, err = optimizationID(request.Params); err == nil {
			var run *store.Run
			if run, err = s.getRun(r.Context(), id); err == nil {
				result = runData(run)
			}
		}
	case "runs.list":
		result, err = s.listRuns(r.Context(), 0)
	default:
		s.respondWithError(w, apierrors.CodeMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, apierrors.RPCCode(err), err.Error(), request.ID)
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

// firstParam returns the object passed as the first positional parameter.
func firstParam(params []interface{}) (map[string]interface{}, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: missing required parameters", optimization.ErrInvalidArgument)
	}
	paramMap, ok := params[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: invalid parameter format, expected object", optimization.ErrInvalidArgument)
	}
	return paramMap, nil
}

func optimizationID(params []interface{}) (string, error) {
	paramMap, err := firstParam(params)
	if err != nil {
		return "", err
	}
	id, ok := paramMap["optimization_id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: optimization_id is required", optimization.ErrInvalidArgument)
	}
	return id, nil
}

// handleOptimizeStart handles the optimization.start JSON-RPC method.
// The parameter object is either a run spec ({"scenario": ..., "robust": ...})
// or {"spec": "<yaml document>"}.
// Returns: {"optimization_id": "...", "status": "pending"}
func (s *Server) handleOptimizeStart(params []interface{}) (interface{}, error) {
	paramMap, err := firstParam(params)
	if err != nil {
		return nil, err
	}

	var doc []byte
	if text, ok := paramMap["spec"].(string); ok {
		doc = []byte(text)
	} else if doc, err = json.Marshal(paramMap); err != nil {
		return nil, fmt.Errorf("%w: %v", optimization.ErrInvalidArgument, err)
	}
	return s.start(doc)
}

// start parses a YAML or JSON run spec, builds its solver and runs it in the
// background.
func (s *Server) start(doc []byte) (map[string]interface{}, error) {
	spec, err := scenario.ParseRunSpecYAML(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", optimization.ErrInvalidArgument, err)
	}
	if spec.Robust.Workers == 0 && s.cfg.Optimization.Workers > 0 {
		spec.Robust.Workers = s.cfg.Optimization.Workers
	}
	specYAML, err := spec.YAML()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := time.Now()
	state := &OptimizationState{
		ID:          id,
		Scenario:    spec.Scenario,
		Status:      StatusPending,
		StartTime:   now,
		LastUpdated: now,
		spec:        spec,
		specYAML:    string(specYAML),
	}

	opts := []robust.Option{robust.WithObserver(func(step robust.Step) { s.observe(state, step) })}
	if s.metrics != nil {
		opts = append(opts, robust.WithMetrics(s.metrics))
	}
	solver, err := spec.NewSolver(s.solverLogger.With(zap.String("optimization_id", id)), opts...)
	if err != nil {
		return nil, err
	}
	state.solver = solver

	var ctx context.Context
	if timeout := s.cfg.Optimization.RunTimeout; timeout > 0 {
		ctx, state.CancelFunc = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, state.CancelFunc = context.WithCancel(context.Background())
	}

	s.optimizationsMu.Lock()
	s.optimizations[id] = state
	s.optimizationsMu.Unlock()

	s.logger.Info("Optimization started", map[string]interface{}{
		"optimization_id": id,
		"scenario":        spec.Scenario,
	})

	s.jobs.Add(1)
	go s.runOptimization(ctx, state)

	return map[string]interface{}{
		"optimization_id": id,
		"status":          StatusPending,
	}, nil
}

// observe records a finished iteration of a running job.
func (s *Server) observe(state *OptimizationState, step robust.Step) {
	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	state.Path = append(state.Path, step)
	state.BestSolution = &optimization.Solution{
		Parameters: append([]float64(nil), step.Point...),
		Value:      step.Value,
	}
	if n := state.spec.Robust.MaxIterations; n > 0 {
		state.Progress = math.Min(float64(len(state.Path))/float64(n), 1)
	}
	state.LastUpdated = time.Now()
}

// runOptimization executes the sequential solve once a slot is free.
func (s *Server) runOptimization(ctx context.Context, state *OptimizationState) {
	defer s.jobs.Done()
	defer state.CancelFunc()

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		s.finish(state, nil, ctx.Err())
		return
	}

	s.optimizationsMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
		state.LastUpdated = time.Now()
	}
	s.optimizationsMu.Unlock()

	res, err := state.solver.Run(ctx)
	s.finish(state, res, err)
}

// finish records the outcome of a job. The run is persisted before the job
// reports a terminal status.
func (s *Server) finish(state *OptimizationState, res *robust.Result, runErr error) {
	s.optimizationsMu.Lock()
	var status string
	switch {
	case state.Status == StatusCanceled:
		status = StatusCanceled
	case runErr == nil:
		status = StatusCompleted
	case stderrors.Is(runErr, context.Canceled):
		status = StatusCanceled
	default:
		status = StatusFailed
	}
	if res != nil {
		state.Reason = res.Reason
		state.Path = res.Path
		if res.BestSolution != nil {
			state.BestSolution = res.BestSolution
		}
	}
	if runErr != nil {
		state.Error = runErr.Error()
	}
	reason := state.Reason
	s.optimizationsMu.Unlock()

	fields := map[string]interface{}{
		"optimization_id": state.ID,
		"status":          status,
		"reason":          string(reason),
	}
	if runErr != nil {
		fields["error"] = runErr.Error()
		s.logger.Error("Optimization failed", fields)
	} else {
		s.logger.Info("Optimization finished", fields)
	}

	if s.store != nil {
		run := store.NewRun(state.ID, state.Scenario, state.specYAML, res, runErr, state.StartTime)
		run.Status = status
		if err := s.store.SaveRun(context.Background(), run); err != nil {
			s.logger.Error("Failed to persist run", map[string]interface{}{
				"optimization_id": state.ID,
				"error":           err.Error(),
			})
		}
	}

	s.optimizationsMu.Lock()
	state.Status = status
	state.Progress = 1
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
	s.optimizationsMu.Unlock()
}

// handleOptimizationStatus handles the optimization.status JSON-RPC method.
// Jobs unknown to this process are looked up in the run store.
// Expected parameters: {"optimization_id": "..."}
func (s *Server) handleOptimizationStatus(ctx context.Context, params []interface{}) (interface{}, error) {
	id, err := optimizationID(params)
	if err != nil {
		return nil, err
	}

	s.optimizationsMu.RLock()
	state, exists := s.optimizations[id]
	var response map[string]interface{}
	if exists {
		response = statusResponse(state)
	}
	s.optimizationsMu.RUnlock()
	if exists {
		return response, nil
	}

	run, err := s.getRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return runStatusResponse(run), nil
}

func statusResponse(state *OptimizationState) map[string]interface{} {
	response := map[string]interface{}{
		"optimization_id": state.ID,
		"scenario":        state.Scenario,
		"status":          state.Status,
		"progress":        state.Progress,
		"iterations":      len(state.Path),
		"start_time":      state.StartTime.Format(time.RFC3339),
		"last_update":     state.LastUpdated.Format(time.RFC3339),
	}
	if state.EndTime != nil {
		response["end_time"] = state.EndTime.Format(time.RFC3339)
	}
	if state.Reason != "" {
		response["reason"] = state.Reason
	}
	if state.Error != "" {
		response["error"] = state.Error
	}
	if state.BestSolution != nil {
		response["best_solution"] = solutionData(state.BestSolution)
	}
	if len(state.Path) > 0 {
		response["history"] = pathData(state.Path)
	}
	return response
}

func runStatusResponse(run *store.Run) map[string]interface{} {
	response := map[string]interface{}{
		"optimization_id": run.ID,
		"scenario":        run.Scenario,
		"status":          run.Status,
		"progress":        1.0,
		"iterations":      run.Iterations,
		"start_time":      run.CreatedAt.Format(time.RFC3339),
		"end_time":        run.FinishedAt.Format(time.RFC3339),
		"last_update":     run.FinishedAt.Format(time.RFC3339),
	}
	if run.Reason != "" {
		response["reason"] = run.Reason
	}
	if run.Error != "" {
		response["error"] = run.Error
	}
	if run.Optimum != nil {
		response["best_solution"] = solutionData(run.Optimum)
	}
	if len(run.Path) > 0 {
		response["history"] = pathData(run.Path)
	}
	return response
}

func solutionData(sol *optimization.Solution) map[string]interface{} {
	return map[string]interface{}{
		"parameters": sol.Parameters,
		"value":      finite(sol.Value),
	}
}

func pathData(path []robust.Step) []map[string]interface{} {
	out := make([]map[string]interface{}, len(path))
	for i, step := range path {
		out[i] = map[string]interface{}{
			"iteration":    step.Iteration,
			"sample_size":  step.SampleSize,
			"tolerance":    finite(step.Tolerance),
			"parameters":   step.Point,
			"value":        finite(step.Value),
			"displacement": finite(step.Displacement),
			"status":       step.Status,
		}
	}
	return out
}

// finite maps NaN and infinities to null; encoding/json rejects them.
func finite(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// handleOptimizationCancel handles the optimization.cancel JSON-RPC method.
// It cancels a pending or running optimization job.
// Expected parameters: {"optimization_id": "..."}
func (s *Server) handleOptimizationCancel(params []interface{}) error {
	id, err := optimizationID(params)
	if err != nil {
		return err
	}

	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	state, exists := s.optimizations[id]
	if !exists {
		return fmt.Errorf("optimization %s: %w", id, apierrors.ErrNotFound)
	}

	if state.finished() {
		return fmt.Errorf("cannot cancel optimization with status %s: %w", state.Status, apierrors.ErrConflict)
	}

	if state.CancelFunc != nil {
		state.CancelFunc()
	}

	state.Status = StatusCanceled
	state.LastUpdated = time.Now()

	s.logger.Info("Optimization cancelled", map[string]interface{}{
		"optimization_id": id,
	})

	return nil
}

// runData is the JSON form of a stored run. Values the solver could not
// evaluate are stored as NaN and written as null.
func runData(run *store.Run) map[string]interface{} {
	data := map[string]interface{}{
		"id":          run.ID,
		"scenario":    run.Scenario,
		"spec":        run.Spec,
		"status":      run.Status,
		"reason":      run.Reason,
		"iterations":  run.Iterations,
		"sample_size": run.SampleSize,
		"converged":   run.Converged,
		"created_at":  run.CreatedAt.Format(time.RFC3339Nano),
		"finished_at": run.FinishedAt.Format(time.RFC3339Nano),
	}
	if run.Error != "" {
		data["error"] = run.Error
	}
	if run.Optimum != nil {
		data["optimum"] = solutionData(run.Optimum)
	}
	if len(run.Path) > 0 {
		data["path"] = pathData(run.Path)
	}
	return data
}

func (s *Server) getRun(ctx context.Context, id string) (*store.Run, error) {
	if s.store == nil {
		return nil, fmt.Errorf("optimization %s: %w", id, apierrors.ErrNotFound)
	}
	run, err := s.store.GetRun(ctx, id)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("optimization %s: %w", id, apierrors.ErrNotFound)
	}
	return run, err
}

func (s *Server) listRuns(ctx context.Context, limit int) ([]map[string]interface{}, error) {
	if s.store == nil {
		return []map[string]interface{}{}, nil
	}
	runs, err := s.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, len(runs))
	for i := range runs {
		out[i] = runData(&runs[i])
	}
	return out, nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("Request error", map[string]interface{}{
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

// Close cancels all jobs and waits for them to record their outcome.
func (s *Server) Close() error {
	s.optimizationsMu.Lock()
	for _, opt := range s.optimizations {
		if opt.CancelFunc != nil && !opt.finished() {
			opt.CancelFunc()
		}
	}
	s.optimizationsMu.Unlock()

	s.jobs.Wait()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleOptimize handles POST /api/v1/optimize. The body is a YAML or JSON
// run spec.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		apierrors.WriteJSON(w, fmt.Errorf("%w: invalid request body: %v", optimization.ErrInvalidArgument, err))
		return
	}

	result, err := s.start(body)
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleStatus handles GET /api/v1/status/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.handleOptimizationStatus(r.Context(), []interface{}{map[string]interface{}{
		"optimization_id": chi.URLParam(r, "id"),
	}})
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCancel handles DELETE /api/v1/optimization/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.handleOptimizationCancel([]interface{}{map[string]interface{}{
		"optimization_id": chi.URLParam(r, "id"),
	}})
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "cancellation requested",
	})
}

// handleScenarios handles GET /api/v1/scenarios
func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenario.List())
}

// handleListRuns handles GET /api/v1/runs?limit=n
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			apierrors.WriteJSON(w, fmt.Errorf("%w: limit must be an integer", optimization.ErrInvalidArgument))
			return
		}
		limit = n
	}
	runs, err := s.listRuns(r.Context(), limit)
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun handles GET /api/v1/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.getRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runStatusResponse(run))
}
