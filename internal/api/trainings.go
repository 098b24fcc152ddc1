package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/module"
)

const (
	defaultListLimit   = 20
	maxListLimit       = 100
	maxBodySize        = 1 << 20 // 1 MB
	defaultWaitTimeout = 10 * time.Second
	maxWaitTimeout     = 5 * time.Minute
)

// submitTrainingRequest is the JSON body for POST /v1/trainings.
type submitTrainingRequest struct {
	Kind       string                     `json:"kind"`
	TrainingID string                     `json:"training_id"`
	Name       string                     `json:"name"`
	SavePath   string                     `json:"save_path"`
	SaveWithID bool                       `json:"save_with_id"`
	ModelName  string                     `json:"model_name"`
	Args       []json.RawMessage          `json:"args"`
	Kwargs     map[string]json.RawMessage `json:"kwargs"`
}

// trainingResponse describes one registered training.
type trainingResponse struct {
	TrainingID string `json:"training_id"`
	RunID      string `json:"run_id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Backend    string `json:"backend"`
	SavePath   string `json:"save_path,omitempty"`
	engine.Info
}

// resultResponse is the JSON response for GET /v1/trainings/{id}/result.
type resultResponse struct {
	TrainingID string `json:"training_id"`
	Kind       string `json:"kind"`
	SavePath   string `json:"save_path,omitempty"`
	Output     any    `json:"output"`
}

// listTrainingsResponse wraps the paginated run history.
type listTrainingsResponse struct {
	Trainings []*model.Run `json:"trainings"`
	Total     int          `json:"total"`
	Limit     int          `json:"limit"`
	Offset    int          `json:"offset"`
}

func newTrainingResponse(f *engine.Future) trainingResponse {
	return trainingResponse{
		TrainingID: f.ID(),
		RunID:      f.RunID(),
		Name:       f.Name(),
		Kind:       f.Kind(),
		Backend:    f.Backend(),
		SavePath:   f.SavePath(),
		Info:       f.Info(),
	}
}

func (s *Server) handleSubmitTraining(w http.ResponseWriter, r *http.Request) {
	var req submitTrainingRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	args, err := module.DecodeArguments(s.engine.Catalog(), s.engine.Cache(), module.WireArguments{
		Positional: req.Args,
		Named:      req.Kwargs,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		Kind:       req.Kind,
		Args:       args,
		SavePath:   req.SavePath,
		SaveWithID: req.SaveWithID,
		ModelName:  req.ModelName,
		ExternalID: req.TrainingID,
		Name:       req.Name,
	})
	if err != nil {
		s.writeEngineError(w, err, "submit training")
		return
	}

	s.writeJSON(w, http.StatusAccepted, newTrainingResponse(f))
}

func (s *Server) handleListTrainings(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list trainings")
		return
	}

	s.writeJSON(w, http.StatusOK, listTrainingsResponse{
		Trainings: runs,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleGetTraining(w http.ResponseWriter, r *http.Request) {
	f, err := s.engine.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err, "get training")
		return
	}
	s.writeJSON(w, http.StatusOK, newTrainingResponse(f))
}

func (s *Server) handleCancelTraining(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Cancel(id); err != nil {
		s.writeEngineError(w, err, "cancel training")
		return
	}
	f, err := s.engine.Lookup(id)
	if err != nil {
		s.writeEngineError(w, err, "get canceled training")
		return
	}
	s.writeJSON(w, http.StatusOK, newTrainingResponse(f))
}

func (s *Server) handleWaitTraining(w http.ResponseWriter, r *http.Request) {
	f, err := s.engine.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err, "wait training")
		return
	}

	timeout, err := parseTimeoutQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.extendWriteDeadline(w, timeout)

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	// A timeout is not an error here; the caller reads the status.
	if err := f.Wait(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Debug("wait interrupted", "training_id", f.ID(), "error", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newTrainingResponse(f))
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	f, err := s.engine.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err, "get result")
		return
	}

	timeout, err := parseTimeoutQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.extendWriteDeadline(w, timeout)

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	m, err := f.Load(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		s.writeError(w, http.StatusGatewayTimeout, "training still running")
		return
	}
	if err != nil {
		s.writeEngineError(w, err, "load result")
		return
	}

	output, err := m.Run(r.Context(), nil)
	if err != nil {
		s.logger.Error("run trained module", "training_id", f.ID(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to run trained module")
		return
	}

	s.writeJSON(w, http.StatusOK, resultResponse{
		TrainingID: f.ID(),
		Kind:       m.Kind(),
		SavePath:   f.SavePath(),
		Output:     output,
	})
}

// writeEngineError maps engine errors to HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, op string) {
	var execErr *engine.ExecutionError
	switch {
	case errors.Is(err, engine.ErrCanceled):
		s.writeError(w, http.StatusGone, err.Error())
	case errors.As(err, &execErr):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrPrecondition):
		s.writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "training not found")
	case errors.Is(err, engine.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrUnknownKind):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// extendWriteDeadline lets a blocking handler outlive the server write timeout.
func (s *Server) extendWriteDeadline(w http.ResponseWriter, wait time.Duration) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(wait + writeTimeout)); err != nil {
		s.logger.Debug("set write deadline", "error", err)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// parseTimeoutQuery reads the timeout query parameter, capped at maxWaitTimeout.
func parseTimeoutQuery(r *http.Request) (time.Duration, error) {
	s := r.URL.Query().Get("timeout")
	if s == "" {
		return defaultWaitTimeout, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	return min(d, maxWaitTimeout), nil
}
