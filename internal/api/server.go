// Package api exposes the control plane over REST/JSON plus the websocket
// subscriber endpoint for run progress.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openjudge/arbiter/internal/dispatcher"
	"github.com/openjudge/arbiter/internal/gateway"
	"github.com/openjudge/arbiter/internal/middleware"
	"github.com/openjudge/arbiter/internal/model"
	"github.com/openjudge/arbiter/internal/queue"
	"github.com/openjudge/arbiter/internal/store"
)

const (
	maxTestcaseArchive = 256 << 20 // 256 MiB

	// Admission endpoints are the only ones that fan out to judge workers.
	submitPerMinute = 30
)

// Server wires the REST surface over the dispatcher, the stores and the
// queue fabric.
type Server struct {
	stores  *store.Stores
	logs    *store.LogStore
	queues  *queue.Manager
	disp    *dispatcher.Dispatcher
	gate    *gateway.Gateway
	limiter *middleware.RateLimiter
	log     *slog.Logger
}

func NewServer(stores *store.Stores, logs *store.LogStore, queues *queue.Manager, disp *dispatcher.Dispatcher) *Server {
	return &Server{
		stores:  stores,
		logs:    logs,
		queues:  queues,
		disp:    disp,
		gate:    gateway.New(queues, logs),
		limiter: middleware.NewRateLimiter(submitPerMinute),
		log:     slog.With("component", "api"),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.Handle("/judge/{id}", s.limiter.Wrap(http.HandlerFunc(s.handleJudgeSubmit))).Methods("POST")
	r.HandleFunc("/judge/{id}", s.handleJudgeSubscribe).Methods("GET")
	r.HandleFunc("/judge/{id}", s.handleJudgeAbort).Methods("DELETE")

	r.HandleFunc("/servers", s.handleServerList).Methods("GET")
	r.HandleFunc("/server", s.handleServerAdd).Methods("POST")
	r.HandleFunc("/server/{id}", s.handleServerRemove).Methods("DELETE")
	r.HandleFunc("/server/{id}/pause", s.handleServerPause).Methods("POST")
	r.HandleFunc("/server/{id}/resume", s.handleServerResume).Methods("POST")
	r.HandleFunc("/server/{id}/disconnect", s.handleServerDisconnect).Methods("POST")
	r.HandleFunc("/server/{id}/reconnect", s.handleServerReconnect).Methods("POST")

	r.HandleFunc("/problems", s.handleProblemList).Methods("GET")
	r.HandleFunc("/problem", s.handleProblemAdd).Methods("POST")
	r.HandleFunc("/problem/{id}", s.handleProblemGet).Methods("GET")
	r.HandleFunc("/problem/{id}", s.handleProblemUpdate).Methods("PUT")
	r.HandleFunc("/problem/{id}", s.handleProblemDelete).Methods("DELETE")
	r.HandleFunc("/problem/{id}/testcases", s.handleTestcaseUpload).Methods("POST")

	r.HandleFunc("/submissions", s.handleSubmissionList).Methods("GET")
	r.Handle("/submission", s.limiter.Wrap(http.HandlerFunc(s.handleSubmissionAdd))).Methods("POST")
	r.HandleFunc("/submission/{id}", s.handleSubmissionGet).Methods("GET")
	r.HandleFunc("/submission/{id}/logs", s.handleLogList).Methods("GET")
	r.HandleFunc("/submission/{id}/logs/{run}", s.handleLogGet).Methods("GET")

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleJudgeSubmit admits a submission: a fresh run id is rolled until its
// queue name is unused, the progress queue is created and the submission
// enters the admission queue. Responds with "<submission_id>:<run_id>".
func (s *Server) handleJudgeSubmit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	sub, err := s.stores.Submissions.Get(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Submission not found")
		return
	}
	if _, err := s.stores.Problems.Get(ctx, sub.Problem); err != nil {
		writeError(w, http.StatusNotFound, "Problem not found")
		return
	}

	runID := ulid.Make().String()
	for tries := 0; s.queues.Check(dispatcher.QueueName(sub.ID, runID)); tries++ {
		if tries > 1000 {
			writeError(w, http.StatusInternalServerError, "Out of judge id")
			return
		}
		runID = ulid.Make().String()
	}

	q, err := s.queues.Create(dispatcher.QueueName(sub.ID, runID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.disp.AddSubmission(ctx, sub.ID, q); err != nil {
		s.queues.Close(q.Name())
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": sub.ID + ":" + runID})
}

func (s *Server) handleJudgeSubscribe(w http.ResponseWriter, r *http.Request) {
	s.gate.Serve(w, r, mux.Vars(r)["id"])
}

func (s *Server) handleJudgeAbort(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.disp.AbortRun("judge::" + id) {
		writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborting"})
}

func (s *Server) handleServerList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.disp.Status(r.Context()))
}

func (s *Server) handleServerAdd(w http.ResponseWriter, r *http.Request) {
	var srv model.Server
	if err := json.NewDecoder(r.Body).Decode(&srv); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if srv.URI == "" {
		writeError(w, http.StatusBadRequest, "uri is required")
		return
	}

	stored, err := s.disp.AddServer(r.Context(), srv)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleServerRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.disp.RemoveServer(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleServerPause(w http.ResponseWriter, r *http.Request) {
	if err := s.disp.Pause(mux.Vars(r)["id"]); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleServerResume(w http.ResponseWriter, r *http.Request) {
	if err := s.disp.Resume(mux.Vars(r)["id"]); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleServerDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.disp.Disconnect(mux.Vars(r)["id"]); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleServerReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.disp.ReconnectWithID(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconnecting"})
}

func (s *Server) handleProblemList(w http.ResponseWriter, r *http.Request) {
	problems, err := s.stores.Problems.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, problems)
}

func (s *Server) handleProblemGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.stores.Problems.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProblemAdd(w http.ResponseWriter, r *http.Request) {
	var p model.Problem
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateProblem(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p.CreatedAt = time.Now().UTC()
	if len(p.Roles) == 0 {
		p.Roles = []string{"@everyone"}
	}

	if err := s.stores.Problems.Add(r.Context(), &p); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleProblemUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var p model.Problem
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p.ID = id
	if err := validateProblem(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.stores.Problems.Update(r.Context(), id, &p); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProblemDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.stores.Problems.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleTestcaseUpload ingests a testcase zip for a problem. Query params:
// strictness (strict|delete|warn|ignore, default strict) and overwrite.
func (s *Server) handleTestcaseUpload(w http.ResponseWriter, r *http.Request) {
	p, err := s.stores.Problems.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxTestcaseArchive))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	strictness := r.URL.Query().Get("strictness")
	if strictness == "" {
		strictness = store.IngestStrict
	}
	overwrite := r.URL.Query().Get("overwrite") == "true"

	reader := bytes.NewReader(body)
	if err := store.IngestTestcases(p, reader, int64(len(body)), strictness, overwrite); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ingested"})
}

func (s *Server) handleSubmissionList(w http.ResponseWriter, r *http.Request) {
	subs, err := s.stores.Submissions.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleSubmissionGet(w http.ResponseWriter, r *http.Request) {
	sub, err := s.stores.Submissions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleSubmissionAdd(w http.ResponseWriter, r *http.Request) {
	var sub model.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sub.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	prob, err := s.stores.Problems.Get(r.Context(), sub.Problem)
	if err != nil {
		writeError(w, http.StatusNotFound, "Problem not found")
		return
	}
	if _, ok := store.SourceFileName(sub.Language.Name); !ok {
		writeError(w, http.StatusBadRequest, store.ErrLanguageNotSupport.Error())
		return
	}
	if !prob.Accepts(sub.Language.Name) {
		writeError(w, http.StatusBadRequest, store.ErrLanguageNotAccept.Error())
		return
	}

	sub.ID = uuid.NewString()
	sub.CreatedAt = time.Now().UTC()
	sub.Result = nil

	if err := s.stores.Submissions.Add(r.Context(), &sub); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleLogList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.logs.ListIDs(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleLogGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	logEntry, err := s.logs.Get(r.Context(), vars["id"], vars["run"])
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, logEntry)
}

func validateProblem(p *model.Problem) error {
	if p.ID == "" {
		return errors.New("id is required")
	}
	if p.TotalTestcases <= 0 {
		return store.ErrInvalidTestcaseCount
	}
	if p.TestType != model.TestTypeStd && p.TestType != model.TestTypeFile {
		return store.ErrTestTypeNotSupport
	}
	for _, lang := range p.AcceptLanguage {
		if _, ok := store.SourceFileName(lang); !ok {
			return store.ErrLanguageNotSupport
		}
	}
	return nil
}

// statusOf maps store and dispatcher errors to HTTP codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrProblemNotFound),
		errors.Is(err, store.ErrSubmissionNotFound),
		errors.Is(err, store.ErrServerNotFound),
		errors.Is(err, store.ErrLogNotFound),
		errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrRoleNotFound),
		errors.Is(err, dispatcher.ErrNotConnected):
		return http.StatusNotFound
	case errors.Is(err, store.ErrProblemExists),
		errors.Is(err, store.ErrSubmissionExists),
		errors.Is(err, store.ErrTestcasesExist),
		errors.Is(err, dispatcher.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, store.ErrLanguageNotSupport),
		errors.Is(err, store.ErrLanguageNotAccept),
		errors.Is(err, store.ErrCompilerNotSupport),
		errors.Is(err, store.ErrTestTypeNotSupport),
		errors.Is(err, store.ErrInvalidProblemJudger),
		errors.Is(err, store.ErrInvalidTestcaseExtension),
		errors.Is(err, store.ErrInvalidTestcaseCount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
