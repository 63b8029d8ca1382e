// Package taskapi is the thin inbound HTTP surface: one
// endpoint accepting a TaskDownload batch, one accepting TaskDelete, and a
// status endpoint reading the task catalogue. Auth is a preshared key
// pair; business logic stays in the pipeline behind the queues.
package taskapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/trailofbits/crs-core/internal/logging"
	"github.com/trailofbits/crs-core/internal/queue"
	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/internal/wire"
	"github.com/trailofbits/crs-core/pkg/model"
)

// Config configures the server.
type Config struct {
	Addr     string
	KeyID    string
	KeyToken string
}

// Server is the inbound task API.
type Server struct {
	cfg Config
	q   queue.Queue
	reg *registry.Registry
	log *logging.Logger

	httpSrv *http.Server
	now     func() time.Time
}

// TaskBatch is the inbound body of POST /tasks.
type TaskBatch struct {
	MessageTimeMs int64        `json:"message_time_ms"`
	Tasks         []model.Task `json:"tasks"`
}

// StatusResponse is the body of GET /status/{task_id}.
type StatusResponse struct {
	TaskID          string          `json:"task_id"`
	State           model.TaskState `json:"state"`
	Cancelled       bool            `json:"cancelled"`
	DeadlineMs      int64           `json:"deadline_ms"`
	Vulnerabilities int             `json:"vulnerabilities"`
	Submissions     int             `json:"submissions"`
}

// New builds a Server.
func New(cfg Config, q queue.Queue, reg *registry.Registry, log *logging.Logger) *Server {
	s := &Server{
		cfg: cfg, q: q, reg: reg,
		log: log.WithField("component", "taskapi"),
		now: time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", s.auth(s.handleTasks))
	mux.HandleFunc("/tasks/delete", s.auth(s.handleDelete))
	mux.HandleFunc("/status/", s.auth(s.handleStatus))

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the mux, for tests driving the server in-process.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks serving until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.log.Info("task api listening", "addr", s.cfg.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// auth enforces the preshared key pair with constant-time comparison.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, token, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(id), []byte(s.cfg.KeyID)) != 1 ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.KeyToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var batch TaskBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, fmt.Sprintf("malformed body: %v", err), http.StatusBadRequest)
		return
	}
	if batch.MessageTimeMs == 0 {
		batch.MessageTimeMs = s.now().UnixMilli()
	}

	for i := range batch.Tasks {
		if err := validateTask(&batch.Tasks[i], batch.MessageTimeMs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	accepted := 0
	for i := range batch.Tasks {
		task := batch.Tasks[i]
		task.State = model.StatePending
		if err := s.reg.PutTask(r.Context(), &task); err != nil {
			// Duplicate task_id or store trouble: skip, keep the batch going.
			s.log.Warn("task intake skipped", "task_id", task.TaskID, "error", err.Error())
			continue
		}
		env, err := wire.Encode("task_download", model.TaskDownload{Task: task})
		if err != nil {
			s.log.Error("encode task_download failed", "task_id", task.TaskID, "error", err.Error())
			continue
		}
		if _, err := s.q.Push(r.Context(), "task_download_queue", env); err != nil {
			s.log.Error("push task_download failed", "task_id", task.TaskID, "error", err.Error())
			continue
		}
		accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{"accepted": accepted})
}

// validateTask enforces the inbound schema: deadline ahead of message time,
// exactly one repo source, exactly one fuzz-tooling source, at most one
// diff.
func validateTask(t *model.Task, messageTimeMs int64) error {
	if t.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if t.Type != model.TaskTypeFull && t.Type != model.TaskTypeDelta {
		return fmt.Errorf("task %s: unknown type %q", t.TaskID, t.Type)
	}
	if t.DeadlineMs <= messageTimeMs {
		return fmt.Errorf("task %s: deadline must be after message time", t.TaskID)
	}

	var repos, tooling, diffs int
	for _, src := range t.Sources {
		switch src.SourceType {
		case model.SourceRepo:
			repos++
		case model.SourceFuzzTooling:
			tooling++
		case model.SourceDiff:
			diffs++
		default:
			return fmt.Errorf("task %s: unknown source_type %q", t.TaskID, src.SourceType)
		}
		if src.URL == "" {
			return fmt.Errorf("task %s: source url is required", t.TaskID)
		}
	}
	if repos != 1 || tooling != 1 || diffs > 1 {
		return fmt.Errorf("task %s: want exactly one repo, one fuzz-tooling, at most one diff (got %d/%d/%d)",
			t.TaskID, repos, tooling, diffs)
	}
	if t.Type == model.TaskTypeDelta && diffs != 1 {
		return fmt.Errorf("task %s: delta task requires a diff source", t.TaskID)
	}
	return nil
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var td model.TaskDelete
	if err := json.NewDecoder(r.Body).Decode(&td); err != nil {
		http.Error(w, fmt.Sprintf("malformed body: %v", err), http.StatusBadRequest)
		return
	}
	if td.TaskID == "" && !td.All {
		http.Error(w, "task_id or all is required", http.StatusBadRequest)
		return
	}

	env, err := wire.Encode("task_delete", td)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	if _, err := s.q.Push(r.Context(), "task_delete_queue", env); err != nil {
		http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/status/")
	if taskID == "" {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}

	task, ok, err := s.reg.GetTask(r.Context(), taskID)
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	vulns, err := s.reg.ScanVulnerabilities(r.Context(), taskID)
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	entries, err := s.reg.ScanSubmissionEntries(r.Context(), taskID)
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := StatusResponse{
		TaskID: task.TaskID, State: task.State, Cancelled: task.Cancelled,
		DeadlineMs: task.DeadlineMs, Vulnerabilities: len(vulns), Submissions: len(entries),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
