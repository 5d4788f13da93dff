// Package statusapi serves a run's progress over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/vinayprograms/ftcoll/logging"
	"github.com/vinayprograms/ftcoll/reduce"
	"github.com/vinayprograms/ftcoll/results"
	"github.com/vinayprograms/ftcoll/scheduler"
)

// Scheduler is the part of a coordinator the server reads.
type Scheduler interface {
	Snapshot() scheduler.Status
	Results() results.ResultPublisher
}

// Reduction is the JSON view of a root's reduce.Result.
type Reduction struct {
	Run          string  `json:"run"`
	Sum          float64 `json:"sum"`
	Contributors []int   `json:"contributors"`
	Missing      []int   `json:"missing"`
	Faulted      []int   `json:"faulted"`
	Complete     bool    `json:"complete"`
	Rounds       uint64  `json:"rounds"`
	Duration     string  `json:"duration"`
	Error        string  `json:"error,omitempty"`
}

// Server answers:
//
//	GET /health
//	GET /status          scheduler snapshot
//	GET /results         accepted results, ?status=success|failed&limit=n
//	GET /results/{id}    one task's result
//	GET /reduce          the last reduction recorded
type Server struct {
	log    *logging.Logger
	router *mux.Router
	server *http.Server
	start  time.Time

	mu        sync.RWMutex
	sched     Scheduler
	reduction *Reduction
}

// New creates a Server. Sources are attached later with SetScheduler and
// RecordReduction; until then their routes answer 404.
func New(logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		log:    logger.WithComponent("statusapi"),
		router: mux.NewRouter(),
		start:  time.Now(),
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/results", s.handleListResults).Methods(http.MethodGet)
	s.router.HandleFunc("/results/{id:[0-9]+}", s.handleGetResult).Methods(http.MethodGet)
	s.router.HandleFunc("/reduce", s.handleReduce).Methods(http.MethodGet)
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// SetScheduler attaches the coordinator whose state /status and
// /results report.
func (s *Server) SetScheduler(sched Scheduler) {
	s.mu.Lock()
	s.sched = sched
	s.mu.Unlock()
}

// RecordReduction stores the outcome of a reduction for /reduce.
func (s *Server) RecordReduction(run string, res reduce.Result, err error) {
	view := &Reduction{
		Run:          run,
		Sum:          res.Sum,
		Contributors: res.Contributors,
		Missing:      res.Missing,
		Faulted:      res.Faulted,
		Complete:     res.Complete,
		Rounds:       res.Rounds,
		Duration:     res.Duration.String(),
	}
	if err != nil {
		view.Error = err.Error()
	}
	s.mu.Lock()
	s.reduction = view
	s.mu.Unlock()
}

// Start listens on addr and serves in the background. It returns the
// bound address, useful when addr ends in ":0".
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve_failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	s.log.Info("listening", map[string]interface{}{"addr": ln.Addr().String()})
	return ln.Addr().String(), nil
}

// Shutdown stops the server if it was started.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) scheduler() Scheduler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sched
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.start).Round(time.Millisecond).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sched := s.scheduler()
	if sched == nil {
		http.Error(w, "no scheduler running", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sched.Snapshot())
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	sched := s.scheduler()
	if sched == nil {
		http.Error(w, "no scheduler running", http.StatusNotFound)
		return
	}

	filter := results.ResultFilter{Status: results.ResultStatus(r.URL.Query().Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	list, err := sched.Results().List(filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*results.Result{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	sched := s.scheduler()
	if sched == nil {
		http.Error(w, "no scheduler running", http.StatusNotFound)
		return
	}
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}

	res, err := sched.Results().Get(r.Context(), id)
	switch {
	case stderrors.Is(err, results.ErrNotFound):
		http.Error(w, "result not found", http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleReduce(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	view := s.reduction
	s.mu.RUnlock()
	if view == nil {
		http.Error(w, "no reduction recorded", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
