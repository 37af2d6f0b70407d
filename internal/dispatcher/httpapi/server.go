// Package httpapi implements the dispatcher's HTTP control plane: get_work,
// submit_result, work_timeout, and status, transported over JSON via
// gorilla/mux, following the route-registration and envelope conventions of
// the project's web control-plane server.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/LumiOpen/dispatcher/internal/dispatcher/logging"
	"github.com/LumiOpen/dispatcher/internal/dispatcher/queue"
	"github.com/LumiOpen/dispatcher/internal/dispatcher/ratelimit"
)

// Server wires the queue core to HTTP handlers.
type Server struct {
	core         *queue.Core
	log          *logging.Logger
	limiter      *ratelimit.Limiter
	batchSizeMax int
	router       *mux.Router

	onSubmit func() // hook invoked after each submit_result; used by wsstatus
}

// New builds a Server. limiter may be nil to disable rate limiting.
func New(core *queue.Core, log *logging.Logger, limiter *ratelimit.Limiter, batchSizeMax int) *Server {
	s := &Server{
		core:         core,
		log:          log.WithComponent("httpapi"),
		limiter:      limiter,
		batchSizeMax: batchSizeMax,
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the mux.Router so callers (main, wsstatus) can attach
// additional routes or wrap it for http.ListenAndServe.
func (s *Server) Router() *mux.Router {
	return s.router
}

// OnSubmit registers a hook invoked after every submit_result call that
// reaches the core without error, independent of acceptance count. It is
// not invoked for a malformed body or a write failure. Used to trigger a
// status broadcast.
func (s *Server) OnSubmit(fn func()) {
	s.onSubmit = fn
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		if s.limiter == nil {
			return h
		}
		return s.limiter.Middleware(h)
	}

	r.HandleFunc("/get_work", wrap(s.handleGetWork)).Methods(http.MethodPost)
	r.HandleFunc("/submit_result", wrap(s.handleSubmitResult)).Methods(http.MethodPost)
	r.HandleFunc("/work_timeout", wrap(s.handleWorkTimeout)).Methods(http.MethodPost)
	r.HandleFunc("/status", wrap(s.handleStatus)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	return r
}

// sendJSON writes v as a JSON response body with status 200.
func sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// sendError writes an error response with the given status code.
func sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// getWorkRequest is the POST /get_work body.
type getWorkRequest struct {
	BatchSize int `json:"batch_size"`
}

// workItemJSON mirrors queue.Item's JSON shape for the response.
type workItemJSON struct {
	WorkID  int    `json:"work_id"`
	Content string `json:"content"`
}

// getWorkResponse is the tagged-variant response body for get_work.
type getWorkResponse struct {
	Status  string         `json:"status"`
	Items   []workItemJSON `json:"items,omitempty"`
	RetryIn int            `json:"retry_in,omitempty"`
}

func (s *Server) handleGetWork(w http.ResponseWriter, r *http.Request) {
	var req getWorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.BatchSize < 1 {
		sendError(w, http.StatusBadRequest, "batch_size must be >= 1")
		return
	}
	if s.batchSizeMax > 0 && req.BatchSize > s.batchSizeMax {
		req.BatchSize = s.batchSizeMax
	}

	result, err := s.core.Issue(req.BatchSize)
	if err != nil {
		s.log.Errorf("fatal error issuing work: %v", err)
		sendError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := getWorkResponse{Status: string(result.Status)}
	switch result.Status {
	case queue.StatusOK:
		resp.Items = make([]workItemJSON, len(result.Items))
		for i, item := range result.Items {
			resp.Items[i] = workItemJSON{WorkID: item.WorkID, Content: item.Content}
		}
	case queue.StatusRetry:
		resp.RetryIn = result.RetryIn
	}
	sendJSON(w, resp)
}

// submitResultRequest is the POST /submit_result body.
type submitResultRequest struct {
	Items []struct {
		WorkID int    `json:"work_id"`
		Result string `json:"result"`
	} `json:"items"`
}

type submitResultResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	var req submitResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	results := make([]queue.Result, len(req.Items))
	for i, item := range req.Items {
		results[i] = queue.Result{WorkID: item.WorkID, Result: item.Result}
	}

	count, err := s.core.Submit(results)
	if err != nil {
		s.log.Errorf("fatal error writing submitted results: %v", err)
		sendError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if s.onSubmit != nil {
		s.onSubmit()
	}

	sendJSON(w, submitResultResponse{Status: "OK", Count: count})
}

// workTimeoutRequest is the POST /work_timeout body.
type workTimeoutRequest struct {
	Timeout int `json:"timeout"`
}

type workTimeoutResponse struct {
	Status  string `json:"status"`
	Timeout int    `json:"timeout"`
}

func (s *Server) handleWorkTimeout(w http.ResponseWriter, r *http.Request) {
	var req workTimeoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Timeout <= 0 {
		sendError(w, http.StatusBadRequest, "timeout must be positive")
		return
	}

	s.core.SetWorkTimeout(time.Duration(req.Timeout) * time.Second)
	sendJSON(w, workTimeoutResponse{Status: "OK", Timeout: req.Timeout})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, s.core.Snapshot())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
