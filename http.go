package toolrpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tmaxmax/go-sse"
)

// HTTPServer is the optional HTTP binding. It exposes the same dispatcher
// as the stdio transport plus a batch endpoint and an SSE event stream, so
// one process can serve both surfaces at once.
type HTTPServer struct {
	dispatcher *Dispatcher
	batch      *BatchExecutor
	feed       *EventFeed
	logger     *slog.Logger

	srv *http.Server
}

// HTTPOption configures optional HTTPServer behavior.
type HTTPOption func(*HTTPServer)

// WithHTTPBatchExecutor enables the POST /batch endpoint.
func WithHTTPBatchExecutor(batch *BatchExecutor) HTTPOption {
	return func(h *HTTPServer) {
		h.batch = batch
	}
}

// WithHTTPEventFeed enables the GET /events SSE stream.
func WithHTTPEventFeed(feed *EventFeed) HTTPOption {
	return func(h *HTTPServer) {
		h.feed = feed
	}
}

// WithHTTPLogger sets the logger for the HTTP binding.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(h *HTTPServer) {
		h.logger = logger.With(slog.String("component", "http"))
	}
}

// NewHTTPServer creates the HTTP binding listening on addr.
func NewHTTPServer(addr string, dispatcher *Dispatcher, options ...HTTPOption) *HTTPServer {
	h := &HTTPServer{
		dispatcher: dispatcher,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(h)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", h.handleHealth)
	router.Post("/rpc", h.handleRPC)
	if h.batch != nil {
		router.Post("/batch", h.handleBatch)
	}
	if h.feed != nil {
		router.Get("/events", h.handleEvents)
	}

	h.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return h
}

// Handler exposes the root HTTP handler, mainly for tests.
func (h *HTTPServer) Handler() http.Handler {
	return h.srv.Handler
}

// Start runs the listener. It blocks until Shutdown or a listener error.
func (h *HTTPServer) Start() error {
	h.logger.Info("http server listening", slog.String("addr", h.srv.Addr))
	if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleRPC accepts one JSON-RPC envelope per request body and answers with
// the response envelope. Notifications get 202 with an empty body.
func (h *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	var msg JSONRPCMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	res := h.dispatcher.Handle(r.Context(), msg)
	if res == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

type batchRequestBody struct {
	Requests []BatchRequest `json:"requests"`
}

type batchResponseBody struct {
	Results []BatchResult `json:"results"`
}

func (h *HTTPServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	// The request context doubles as the cancel signal: a dropped client
	// connection flips the handle and the remaining positions short-circuit.
	cancel := NewCancelHandle()
	stop := context.AfterFunc(r.Context(), cancel.Cancel)
	defer stop()

	results := h.batch.Execute(r.Context(), body.Requests, cancel)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(batchResponseBody{Results: results})
}

// handleEvents streams the event feed over SSE until the client disconnects.
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		h.logger.Error("failed to upgrade session", slog.String("err", err.Error()))
		http.Error(w, "failed to upgrade session", http.StatusInternalServerError)
		return
	}

	events, cancel := h.feed.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			bs, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to marshal event", slog.String("err", err.Error()))
				continue
			}

			msg := sse.Message{
				Type: sse.Type(ev.Type),
			}
			msg.AppendData(string(bs))
			if err := sess.Send(&msg); err != nil {
				h.logger.Warn("failed to send event", slog.String("err", err.Error()))
				return
			}
			if err := sess.Flush(); err != nil {
				return
			}
		}
	}
}
