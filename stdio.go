package toolrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

// StdIO implements the transport layer over an io.Reader/io.Writer pair,
// typically stdin/stdout. Incoming bytes pass through the dual-mode framing
// decoder; outgoing messages are serialized through a write queue so
// concurrent handlers never interleave partial frames.
//
// The read loop does not serialize request handling: the server dispatches
// each yielded message on its own goroutine, so responses may be emitted in
// completion order. Callers correlate replies by id, never by position.
type StdIO struct {
	id  string
	dec *Decoder
	enc *Encoder

	logger *slog.Logger

	writeMessages chan stdIOMessage
	done          chan struct{}
	writeClosed   chan struct{}

	signals   chan os.Signal
	signalsMu sync.Mutex

	decOptions []DecoderOption
	closeOnce  sync.Once
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// StdIOOption configures optional StdIO behavior.
type StdIOOption func(*StdIO)

// WithStdIOLogger sets the logger for the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger.With(slog.String("component", "stdio"))
	}
}

// WithStdIODecoder overrides decoder options (size cap, stall timeout).
func WithStdIODecoder(options ...DecoderOption) StdIOOption {
	return func(s *StdIO) {
		s.decOptions = options
	}
}

// NewStdIO creates a StdIO transport reading from reader and writing to
// writer, and starts its write queue.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		id:            uuid.New().String(),
		logger:        slog.Default(),
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	decOpts := append([]DecoderOption{WithDecoderLogger(s.logger)}, s.decOptions...)
	s.dec = NewDecoder(reader, decOpts...)
	s.enc = NewEncoder(writer, s.dec.Mode)

	go s.processWriteMessages()

	return s
}

// ID returns the unique identifier of this transport session.
func (s *StdIO) ID() string {
	return s.id
}

// Messages returns an iterator yielding decoded JSON-RPC envelopes. Bodies
// that fail to parse as JSON are dropped silently per JSON-RPC convention:
// no recoverable id means no response can be addressed. The iteration ends
// on stream close or Close.
func (s *StdIO) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			body, err := s.dec.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.logger.Error("failed to read message", slog.String("err", err.Error()))
				}
				return
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal(body, &msg); err != nil {
				s.logger.Warn("dropping unparsable frame", slog.String("err", err.Error()))
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

// Send marshals and writes one message through the write queue.
func (s *StdIO) Send(ctx context.Context, msg JSONRPCMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ioMsg := stdIOMessage{
		msg:  body,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("transport closed while queueing message")
		return nil
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// WatchSignals installs SIGINT/SIGTERM handlers that close the transport.
// Close deregisters the handlers; registration and deregistration both run
// exactly once, so a transport restarted in the same process never
// accumulates handlers.
func (s *StdIO) WatchSignals() {
	s.signalsMu.Lock()
	defer s.signalsMu.Unlock()

	if s.signals != nil {
		return
	}
	s.signals = make(chan os.Signal, 1)
	signal.Notify(s.signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-s.done:
		case sig := <-s.signals:
			s.logger.Info("received signal, closing transport", slog.String("signal", sig.String()))
			s.Close()
		}
	}()
}

// Close stops the transport. It is safe to call multiple times; teardown
// runs once.
func (s *StdIO) Close() {
	s.closeOnce.Do(func() {
		s.signalsMu.Lock()
		if s.signals != nil {
			signal.Stop(s.signals)
			s.signals = nil
		}
		s.signalsMu.Unlock()

		close(s.done)
		s.dec.Close()
		<-s.writeClosed
	})
}

func (s *StdIO) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		msg.errs <- s.enc.Encode(msg.msg)
	}
}
