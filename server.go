package toolrpc

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"
)

var defaultServerSendTimeout = 30 * time.Second

// Transport carries JSON-RPC envelopes between the server and a single
// peer. StdIO is the canonical implementation; the HTTP binding bypasses it
// and talks to the dispatcher directly.
type Transport interface {
	// Messages returns an iterator over decoded inbound envelopes. The
	// iteration ends when the transport closes.
	Messages() iter.Seq[JSONRPCMessage]
	// Send writes one envelope to the peer.
	Send(ctx context.Context, msg JSONRPCMessage) error
	// Close stops the transport. It must be safe to call more than once.
	Close()
}

// Server drives the request loop: it reads envelopes from the transport,
// hands each to the dispatcher on its own goroutine, and writes back the
// non-nil responses. Handling is deliberately not serialized, so responses
// go out in completion order; callers correlate replies by id.
type Server struct {
	dispatcher *Dispatcher
	transport  Transport

	logger      *slog.Logger
	sendTimeout time.Duration

	handlersWaitGroup sync.WaitGroup
	done              chan struct{}
	closeOnce         sync.Once
}

// ServerOption configures optional Server behavior.
type ServerOption func(*Server)

// WithServerSendTimeout bounds how long a response write may block.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "server"))
	}
}

// NewServer creates a server over the given dispatcher and transport.
func NewServer(dispatcher *Dispatcher, transport Transport, options ...ServerOption) *Server {
	s := &Server{
		dispatcher: dispatcher,
		transport:  transport,
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	return s
}

// Serve runs the request loop. It blocks until the transport closes, then
// waits for in-flight handlers to drain.
func (s *Server) Serve() {
	for msg := range s.transport.Messages() {
		select {
		case <-s.done:
			return
		default:
		}

		s.handlersWaitGroup.Add(1)
		go func(msg JSONRPCMessage) {
			defer s.handlersWaitGroup.Done()
			s.handle(msg)
		}(msg)
	}

	s.handlersWaitGroup.Wait()
}

// Shutdown closes the transport and waits for in-flight handlers to finish
// or the context to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.transport.Close()
	})

	drained := make(chan struct{})
	go func() {
		s.handlersWaitGroup.Wait()
		close(drained)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-drained:
		return nil
	}
}

func (s *Server) handle(msg JSONRPCMessage) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := s.dispatcher.Handle(ctx, msg)
	if res == nil {
		return
	}

	sendCtx, sendCancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer sendCancel()

	if err := s.transport.Send(sendCtx, *res); err != nil {
		s.logger.Error("failed to send response",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
	}
}
