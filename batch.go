package toolrpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const (
	// DefaultBatchChunkSize is how many requests run concurrently within
	// one chunk.
	DefaultBatchChunkSize = 10
	// DefaultMaxBatchSize is the hard ceiling on batch length; excess
	// entries are returned as failed records rather than processed.
	DefaultMaxBatchSize = 100
)

// BatchRequest names one tool invocation within a batch.
type BatchRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// BatchResult is the outcome for one batch position. Results match requests
// one-to-one by position.
type BatchResult struct {
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BatchExecutor runs many tool invocations against the registry under a
// concurrency cap. Requests run in fixed-size chunks, never unbounded
// fan-out. A single request's failure is converted to a failed record
// without aborting siblings, and the call as a whole resolves only once
// every position has a record.
type BatchExecutor struct {
	registry  *Registry
	chunkSize int
	maxBatch  int
	logger    *slog.Logger
	progress  func(fraction float64)
	feed      *EventFeed
	sanitizer *Sanitizer
}

// BatchOption configures optional BatchExecutor behavior.
type BatchOption func(*BatchExecutor)

// WithBatchChunkSize sets the per-chunk concurrency cap.
func WithBatchChunkSize(n int) BatchOption {
	return func(b *BatchExecutor) {
		if n > 0 {
			b.chunkSize = n
		}
	}
}

// WithMaxBatchSize sets the hard ceiling on batch length.
func WithMaxBatchSize(n int) BatchOption {
	return func(b *BatchExecutor) {
		if n > 0 {
			b.maxBatch = n
		}
	}
}

// WithBatchProgress sets a callback reporting progress as a fraction of
// completed positions within the batch.
func WithBatchProgress(fn func(fraction float64)) BatchOption {
	return func(b *BatchExecutor) {
		b.progress = fn
	}
}

// WithBatchEventFeed publishes a "batch_progress" event to the feed for
// every completed position, carrying the progress fraction.
func WithBatchEventFeed(feed *EventFeed) BatchOption {
	return func(b *BatchExecutor) {
		b.feed = feed
	}
}

// WithBatchSanitizer scrubs successful results before they are recorded, so
// batch output leaves the process under the same redaction and size rules
// as single tool calls.
func WithBatchSanitizer(sanitizer *Sanitizer) BatchOption {
	return func(b *BatchExecutor) {
		b.sanitizer = sanitizer
	}
}

// WithBatchLogger sets the logger for the executor.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(b *BatchExecutor) {
		b.logger = logger.With(slog.String("component", "batch"))
	}
}

// NewBatchExecutor creates a batch executor over the registry.
func NewBatchExecutor(registry *Registry, options ...BatchOption) *BatchExecutor {
	b := &BatchExecutor{
		registry:  registry,
		chunkSize: DefaultBatchChunkSize,
		maxBatch:  DefaultMaxBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Execute runs the batch and returns one record per request, in input
// order. Before starting each request it checks the shared cancel handle
// and, if flipped, short-circuits to a "batch cancelled" record without
// invoking the tool.
func (b *BatchExecutor) Execute(ctx context.Context, requests []BatchRequest, cancel *CancelHandle) []BatchResult {
	results := make([]BatchResult, len(requests))

	run := requests
	if len(requests) > b.maxBatch {
		b.logger.Warn("truncating oversized batch",
			slog.Int("size", len(requests)),
			slog.Int("max", b.maxBatch))
		for i := b.maxBatch; i < len(requests); i++ {
			results[i] = BatchResult{
				Tool:    requests[i].Tool,
				Success: false,
				Error:   fmt.Sprintf("batch size exceeds limit of %d", b.maxBatch),
			}
		}
		run = requests[:b.maxBatch]
	}

	var completedMu sync.Mutex
	completed := len(requests) - len(run)

	for start := 0; start < len(run); start += b.chunkSize {
		end := start + b.chunkSize
		if end > len(run) {
			end = len(run)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()

				if cancel != nil && cancel.Cancelled() {
					results[i] = BatchResult{
						Tool:    run[i].Tool,
						Success: false,
						Error:   "batch cancelled",
					}
				} else {
					results[i] = b.runOne(ctx, run[i], cancel)
				}

				// Reporting stays inside the lock so fractions arrive in
				// order and the last one observed is 1.0.
				completedMu.Lock()
				completed++
				fraction := float64(completed) / float64(len(requests))
				if b.progress != nil {
					b.progress(fraction)
				}
				if b.feed != nil {
					b.feed.Publish(Event{Type: "batch_progress", Progress: fraction})
				}
				completedMu.Unlock()
			}(i)
		}
		wg.Wait()
	}

	return results
}

func (b *BatchExecutor) runOne(ctx context.Context, req BatchRequest, cancel *CancelHandle) (result BatchResult) {
	result.Tool = req.Tool

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("tool panicked in batch",
				slog.String("tool", req.Tool),
				slog.Any("panic", r))
			result.Success = false
			result.Result = nil
			result.Error = "tool execution failed: " + req.Tool
		}
	}()

	tool, ok := b.registry.Lookup(req.Tool)
	if !ok {
		result.Error = ToolNotFoundError{Name: req.Tool}.Error()
		return result
	}

	if err := b.registry.ValidateArguments(tool, req.Args); err != nil {
		result.Error = err.Error()
		return result
	}

	out, err := tool.Execute(ctx, req.Args, cancel)
	if err != nil {
		b.logger.Error("tool failed in batch",
			slog.String("tool", req.Tool),
			slog.String("err", err.Error()))
		result.Error = "tool execution failed: " + req.Tool
		return result
	}

	result.Success = true
	result.Result = out
	if b.sanitizer != nil {
		result.Result = b.sanitizer.Value(out)
	}
	return result
}
