// Package server hosts the local HTTP listener. Handlers never touch the
// document directly: every document operation is enqueued on the dispatch
// queue and executed on the mutation goroutine, with the handler blocking
// on a reply channel until the item runs or the wait times out.
package server

import (
	"context"
	"encoding/json"
	stdliberrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calunsford/sidenote/pkg/dispatch"
	"github.com/calunsford/sidenote/pkg/doc"
	"github.com/calunsford/sidenote/pkg/errors"
	"github.com/calunsford/sidenote/pkg/logging"
)

const maxBodyBytes int64 = 64 << 10

// Options configures the listener.
type Options struct {
	Bind  string
	Queue *dispatch.Queue
	Host  doc.Host
	Log   *logging.Logger
	// WaitTimeout bounds how long a handler waits for its queue item to be
	// drained. Zero means 10 seconds.
	WaitTimeout time.Duration
}

// Server exposes document operations over loopback HTTP.
type Server struct {
	bind        string
	queue       *dispatch.Queue
	host        doc.Host
	log         *logging.Logger
	waitTimeout time.Duration
	httpServer  *http.Server
}

func New(opts Options) *Server {
	s := &Server{
		bind:        opts.Bind,
		queue:       opts.Queue,
		host:        opts.Host,
		log:         opts.Log,
		waitTimeout: opts.WaitTimeout,
	}
	if s.waitTimeout <= 0 {
		s.waitTimeout = 10 * time.Second
	}
	return s
}

// Router builds the route table. Exposed so tests can drive handlers
// through httptest without binding a socket.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Get("/healthz", s.handleHealth)
	router.Get("/metrics", promhttp.Handler().ServeHTTP)
	router.Route("/v1", func(r chi.Router) {
		r.Post("/export", s.handleExport)
		r.Get("/comments", s.handleListComments)
		r.Post("/comments", s.handleAddComment)
	})
	return router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.bind,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.log.Info(logging.CategoryServer, "listener_started", "listener started", map[string]any{
			"bind": s.bind,
		})
		if err := s.httpServer.ListenAndServe(); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return errors.Wrap(err, errors.ErrCodeInternal, "listener failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

type exportRequest struct {
	Scope string `json:"scope,omitempty"`
}

type exportResponse struct {
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if status, err := decodeJSONBody(w, r, &req, true); err != nil {
		respondError(w, status, err)
		return
	}
	scope := doc.ScopeFull
	switch req.Scope {
	case "", "full":
	case "selection":
		scope = doc.ScopeSelection
	default:
		respondError(w, http.StatusBadRequest,
			errors.New(errors.ErrCodeInvalidInput, "scope must be full or selection"))
		return
	}

	type reply struct {
		title    string
		markdown string
		err      error
	}
	out := make(chan reply, 1)
	s.queue.Enqueue("export", func() {
		md, err := s.host.Markdown(scope)
		out <- reply{title: s.host.Title(), markdown: md, err: err}
	})

	res, err := await(r.Context(), out, s.waitTimeout)
	if err != nil {
		respondError(w, http.StatusGatewayTimeout, err)
		return
	}
	if res.err != nil {
		respondError(w, http.StatusInternalServerError, res.err)
		return
	}
	respondJSON(w, exportResponse{Title: res.title, Markdown: res.markdown})
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	out := make(chan []doc.Comment, 1)
	s.queue.Enqueue("list_comments", func() {
		out <- s.host.Comments()
	})
	comments, err := await(r.Context(), out, s.waitTimeout)
	if err != nil {
		respondError(w, http.StatusGatewayTimeout, err)
		return
	}
	if comments == nil {
		comments = []doc.Comment{}
	}
	respondJSON(w, map[string]any{"comments": comments})
}

type addCommentRequest struct {
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Author string `json:"author,omitempty"`
	Text   string `json:"text"`
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var req addCommentRequest
	if status, err := decodeJSONBody(w, r, &req, false); err != nil {
		respondError(w, status, err)
		return
	}
	if req.Text == "" {
		respondError(w, http.StatusBadRequest,
			errors.New(errors.ErrCodeInvalidInput, "comment text required"))
		return
	}
	author := req.Author
	if author == "" {
		author = "api"
	}

	type reply struct {
		id  string
		err error
	}
	out := make(chan reply, 1)
	s.queue.Enqueue("add_comment", func() {
		id, err := s.host.AddComment(req.Start, req.End, author, req.Text)
		out <- reply{id: id, err: err}
	})

	res, err := await(r.Context(), out, s.waitTimeout)
	if err != nil {
		respondError(w, http.StatusGatewayTimeout, err)
		return
	}
	if res.err != nil {
		status := http.StatusInternalServerError
		if errors.IsCode(res.err, errors.ErrCodeInvalidInput) {
			status = http.StatusBadRequest
		}
		respondError(w, status, res.err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": res.id})
}

// await blocks until the drained queue item replies, the client goes away,
// or the wait timeout fires. The queue only drains while the mutation
// goroutine is polling, so a stalled host surfaces here as a timeout
// rather than a hung connection.
func await[T any](ctx context.Context, out <-chan T, timeout time.Duration) (T, error) {
	var zero T
	select {
	case v := <-out:
		return v, nil
	case <-ctx.Done():
		return zero, errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "client went away")
	case <-time.After(timeout):
		return zero, errors.New(errors.ErrCodeInternal, "timed out waiting for the mutation goroutine").
			WithContext("timeout", timeout.String())
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) (int, error) {
	if r.Body == nil {
		if allowEmpty {
			return 0, nil
		}
		return http.StatusBadRequest, errors.New(errors.ErrCodeInvalidInput, "request body required")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && stdliberrors.Is(err, io.EOF) {
			return 0, nil
		}
		return http.StatusBadRequest, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body")
	}
	return 0, nil
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Code      string `json:"code,omitempty"`
		Retryable bool   `json:"retryable,omitempty"`
		Timestamp string `json:"timestamp"`
	}{
		Error:     err.Error(),
		Status:    status,
		Code:      string(errors.GetCode(err)),
		Retryable: errors.IsRetryable(err),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	_ = json.NewEncoder(w).Encode(response)
}
