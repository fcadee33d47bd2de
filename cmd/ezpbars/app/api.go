package app

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ezpbars/ezpbars/modules/intake"
	"github.com/ezpbars/ezpbars/pkg/errkind"
	"github.com/ezpbars/ezpbars/pkg/uid"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	ownerHeader      = "X-Ezpbars-Sub"
	defaultWatchWait = 25 * time.Second
	maxWatchWait     = 55 * time.Second
)

func (a *App) registerRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/traces/{bar}/start", a.handleTraceStart).Methods(http.MethodPost)
	api.HandleFunc("/traces/{bar}/{trace}/steps/{position}/start", a.handleStepStart).Methods(http.MethodPost)
	api.HandleFunc("/traces/{bar}/{trace}/steps/{position}/progress", a.handleStepProgress).Methods(http.MethodPost)
	api.HandleFunc("/traces/{bar}/{trace}/steps/{position}/finish", a.handleStepFinish).Methods(http.MethodPost)
	api.HandleFunc("/bars/{bar}/estimate", a.handleEstimate).Methods(http.MethodGet)
	api.HandleFunc("/traces/{bar}/{trace}/watch", a.handleWatch).Methods(http.MethodGet)
}

type startRequest struct {
	StepName   string  `json:"step_name"`
	Iterations *int64  `json:"iterations,omitempty"`
	OccurredAt float64 `json:"occurred_at,omitempty"`
}

type progressRequest struct {
	Iteration  int64   `json:"iteration"`
	OccurredAt float64 `json:"occurred_at,omitempty"`
}

type finishRequest struct {
	OccurredAt float64 `json:"occurred_at,omitempty"`
}

type estimateResponse struct {
	Seconds float64 `json:"seconds"`
	OK      bool    `json:"ok"`
}

// handleTraceStart creates a trace: the server mints the uid and applies the
// first step's start event.
func (a *App) handleTraceStart(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	bar := mux.Vars(r)["bar"]

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, errkind.Validationf("malformed body: %s", err))
		return
	}

	traceUID := uid.New(uid.PrefixTrace)
	err := a.intake.StepStart(r.Context(), owner, bar, traceUID, intake.StartEvent{
		Position:   1,
		StepName:   req.StepName,
		Iterations: req.Iterations,
		OccurredAt: req.OccurredAt,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}

	resp := struct {
		UID      string            `json:"uid"`
		Estimate *estimateResponse `json:"estimate,omitempty"`
	}{UID: traceUID}

	if schema, err := a.reg.Resolve(r.Context(), owner, bar); err == nil {
		if est, err := a.engine.EstimateTrace(r.Context(), schema, nil); err == nil {
			resp.Estimate = &estimateResponse{Seconds: est.Seconds, OK: est.OK}
		}
	}
	a.writeJSON(w, http.StatusCreated, resp)
}

func (a *App) handleStepStart(w http.ResponseWriter, r *http.Request) {
	owner, bar, traceUID, position, ok := a.traceVars(w, r)
	if !ok {
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, errkind.Validationf("malformed body: %s", err))
		return
	}
	err := a.intake.StepStart(r.Context(), owner, bar, traceUID, intake.StartEvent{
		Position:   position,
		StepName:   req.StepName,
		Iterations: req.Iterations,
		OccurredAt: req.OccurredAt,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, struct{}{})
}

func (a *App) handleStepProgress(w http.ResponseWriter, r *http.Request) {
	owner, bar, traceUID, position, ok := a.traceVars(w, r)
	if !ok {
		return
	}
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, errkind.Validationf("malformed body: %s", err))
		return
	}
	err := a.intake.StepProgress(r.Context(), owner, bar, traceUID, intake.ProgressEvent{
		Position:   position,
		Iteration:  req.Iteration,
		OccurredAt: req.OccurredAt,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, struct{}{})
}

func (a *App) handleStepFinish(w http.ResponseWriter, r *http.Request) {
	owner, bar, traceUID, position, ok := a.traceVars(w, r)
	if !ok {
		return
	}
	var req finishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, errkind.Validationf("malformed body: %s", err))
		return
	}
	err := a.intake.StepFinish(r.Context(), owner, bar, traceUID, intake.FinishEvent{
		Position:   position,
		OccurredAt: req.OccurredAt,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, struct{}{})
}

// handleEstimate serves the whole-trace estimate, or one step's with
// ?step=N. Iteration counts for iterated steps are supplied as repeated
// ?iterations=pos:count pairs.
func (a *App) handleEstimate(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	bar := mux.Vars(r)["bar"]

	schema, err := a.reg.Resolve(r.Context(), owner, bar)
	if err != nil {
		a.writeError(w, err)
		return
	}

	if stepParam := r.URL.Query().Get("step"); stepParam != "" {
		position, err := strconv.Atoi(stepParam)
		if err != nil {
			a.writeError(w, errkind.Validationf("bad step %q", stepParam))
			return
		}
		var iterations int64
		if v := r.URL.Query().Get("iterations"); v != "" {
			iterations, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				a.writeError(w, errkind.Validationf("bad iterations %q", v))
				return
			}
		}
		est, err := a.engine.PredictStep(r.Context(), schema, position, iterations)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, estimateResponse{Seconds: est.Seconds, OK: est.OK})
		return
	}

	iterationsByPos := map[int]int64{}
	for _, pair := range r.URL.Query()["iterations"] {
		pos, count, perr := parseIterationsPair(pair)
		if perr != nil {
			a.writeError(w, perr)
			return
		}
		iterationsByPos[pos] = count
	}

	est, err := a.engine.EstimateTrace(r.Context(), schema, iterationsByPos)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, estimateResponse{Seconds: est.Seconds, OK: est.OK})
}

func parseIterationsPair(pair string) (int, int64, error) {
	parts := strings.SplitN(pair, ":", 2)
	if len(parts) != 2 {
		return 0, 0, errkind.Validationf("bad iterations pair %q, want pos:count", pair)
	}
	pos, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, errkind.Validationf("bad iterations pair %q", pair)
	}
	count, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, errkind.Validationf("bad iterations pair %q", pair)
	}
	return pos, count, nil
}

type stepSnapshot struct {
	StepName   string  `json:"step_name"`
	Iteration  int64   `json:"iteration,omitempty"`
	Iterations int64   `json:"iterations,omitempty"`
	StartedAt  float64 `json:"started_at"`
	FinishedAt float64 `json:"finished_at,omitempty"`
}

type watchResponse struct {
	Updated     bool           `json:"updated"`
	Lagged      bool           `json:"lagged"`
	Done        bool           `json:"done"`
	CurrentStep int            `json:"current_step"`
	Steps       []stepSnapshot `json:"steps"`
}

// handleWatch long-polls for the next update on a trace, then returns a
// fresh snapshot of its hot state. A lagged subscription tells the client
// its stream dropped updates; the snapshot below is the re-sync.
func (a *App) handleWatch(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	bar, traceUID := vars["bar"], vars["trace"]

	wait := defaultWatchWait
	if v := r.URL.Query().Get("timeout"); v != "" {
		seconds, err := strconv.ParseFloat(v, 64)
		if err != nil || seconds <= 0 {
			a.writeError(w, errkind.Validationf("bad timeout %q", v))
			return
		}
		wait = time.Duration(seconds * float64(time.Second))
		if wait > maxWatchWait {
			wait = maxWatchWait
		}
	}

	sub, err := a.fabric.SubscribeTrace(r.Context(), owner, bar, traceUID)
	if err != nil {
		a.writeError(w, errors.Wrap(errkind.ErrStoreUnavailable, err.Error()))
		return
	}
	defer sub.Close()

	resp := watchResponse{}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case _, open := <-sub.Updates():
		resp.Updated = open
		resp.Lagged = sub.Lagged()
	case <-timer.C:
	case <-r.Context().Done():
		return
	}

	state, found, err := a.hot.TraceState(r.Context(), owner, bar, traceUID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !found {
		a.writeError(w, errkind.Validationf("trace_not_found: no in-flight trace %s", traceUID))
		return
	}
	resp.Done = state.Done
	resp.CurrentStep = state.CurrentStep
	for pos := 1; pos <= state.CurrentStep; pos++ {
		st, found, err := a.hot.StepState(r.Context(), owner, bar, traceUID, pos)
		if err != nil {
			a.writeError(w, err)
			return
		}
		if !found {
			continue
		}
		resp.Steps = append(resp.Steps, stepSnapshot{
			StepName:   st.StepName,
			Iteration:  st.Iteration,
			Iterations: st.Iterations,
			StartedAt:  st.StartedAt,
			FinishedAt: st.FinishedAt,
		})
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *App) traceVars(w http.ResponseWriter, r *http.Request) (owner, bar, traceUID string, position int, ok bool) {
	owner, ok = a.owner(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	bar, traceUID = vars["bar"], vars["trace"]
	if !uid.IsSafe(traceUID) {
		a.writeError(w, errkind.Validationf("bad trace uid %q", traceUID))
		return "", "", "", 0, false
	}
	position, err := strconv.Atoi(vars["position"])
	if err != nil {
		a.writeError(w, errkind.Validationf("bad step position %q", vars["position"]))
		return "", "", "", 0, false
	}
	return owner, bar, traceUID, position, true
}

func (a *App) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		http.Error(w, "missing "+ownerHeader+" header", http.StatusUnauthorized)
		return "", false
	}
	return owner, true
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errkind.ErrNoSuchBar):
		status = http.StatusNotFound
	case errors.Is(err, errkind.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, errkind.ErrSchemaDrift), errors.Is(err, errkind.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, errkind.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, errkind.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
