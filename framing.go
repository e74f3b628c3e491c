package toolrpc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FramingMode selects how discrete messages are delimited within the byte
// stream.
type FramingMode int

const (
	// FramingNewline delimits messages by newlines, one JSON body per
	// line. This is the default for broad client compatibility.
	FramingNewline FramingMode = iota
	// FramingContentLength prefixes each body with a "Content-Length: N"
	// header line, with the body accumulated across as many subsequent
	// lines as needed.
	FramingContentLength
)

const (
	// DefaultMaxMessageSize caps a single message at 10 MiB. The cap is
	// enforced against both declared Content-Length values and the byte
	// length of unframed lines.
	DefaultMaxMessageSize = 10 << 20

	// DefaultStallTimeout bounds how long the decoder waits for the rest
	// of a length-prefixed body before discarding the partial buffer.
	DefaultStallTimeout = 30 * time.Second
)

type decodeChunk struct {
	data []byte
	err  error
}

// Decoder turns a line-oriented byte stream into complete message bodies.
// It supports both framing modes and switches to Content-Length mode for
// the remaining life of the stream when a header line is observed. Input
// that exceeds the size cap is dropped without a reply, since no request id
// is known at this layer.
//
// Decoder reads the underlying stream from a single pump goroutine, so
// Next can observe the stall timeout and Close without blocking on a slow
// sender. Next itself must be called from one goroutine at a time.
type Decoder struct {
	maxSize int
	stall   time.Duration
	logger  *slog.Logger

	chunks  chan decodeChunk
	done    chan struct{}
	pending []byte
	readErr error

	mu   sync.Mutex
	mode FramingMode

	closeOnce sync.Once
}

// DecoderOption configures optional Decoder behavior.
type DecoderOption func(*Decoder)

// WithMaxMessageSize overrides the message size cap.
func WithMaxMessageSize(n int) DecoderOption {
	return func(d *Decoder) {
		d.maxSize = n
	}
}

// WithStallTimeout overrides the framed-body stall timeout.
func WithStallTimeout(timeout time.Duration) DecoderOption {
	return func(d *Decoder) {
		d.stall = timeout
	}
}

// WithDecoderLogger sets the logger for the decoder.
func WithDecoderLogger(logger *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		d.logger = logger.With(slog.String("component", "framing"))
	}
}

// NewDecoder creates a Decoder reading from r and starts its pump goroutine.
func NewDecoder(r io.Reader, options ...DecoderOption) *Decoder {
	d := &Decoder{
		maxSize: DefaultMaxMessageSize,
		stall:   DefaultStallTimeout,
		logger:  slog.Default(),
		chunks:  make(chan decodeChunk),
		done:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(d)
	}

	go d.pump(r)

	return d
}

// Mode reports the framing mode currently active on the stream. Output
// serialization mirrors this mode.
func (d *Decoder) Mode() FramingMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Close releases the pump goroutine. Pending input is discarded.
func (d *Decoder) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
}

// Next returns the next complete message body, or io.EOF when the stream
// ends. Over-limit and stalled input is dropped and logged, never returned.
func (d *Decoder) Next() ([]byte, error) {
	for {
		line, err := d.nextLine()
		if err != nil {
			return nil, err
		}

		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			continue
		}

		n, ok := parseContentLength(trimmed)
		if !ok {
			if len(trimmed) > d.maxSize {
				d.logger.Warn("dropping over-limit line",
					slog.Int("length", len(trimmed)),
					slog.Int("max", d.maxSize))
				continue
			}
			return trimmed, nil
		}

		d.setMode(FramingContentLength)

		if n > d.maxSize {
			// Reject the declaration outright and return to idle;
			// whatever body follows falls through as unframed lines
			// and is dropped when it fails to parse.
			d.logger.Warn("dropping over-limit framed message",
				slog.Int("declaredLength", n),
				slog.Int("max", d.maxSize))
			continue
		}

		body, err := d.readBody(n)
		if err != nil {
			return nil, err
		}
		if body == nil {
			// Stalled sender; the partial buffer was discarded.
			continue
		}
		return body, nil
	}
}

// nextLine returns the next raw line including its terminator. At EOF a
// trailing unterminated line is returned before the error.
func (d *Decoder) nextLine() ([]byte, error) {
	for {
		if idx := bytes.IndexByte(d.pending, '\n'); idx >= 0 {
			line := d.pending[:idx+1]
			d.pending = d.pending[idx+1:]
			return line, nil
		}

		if d.readErr != nil {
			if len(d.pending) > 0 {
				line := d.pending
				d.pending = nil
				return line, nil
			}
			return nil, d.readErr
		}

		select {
		case <-d.done:
			return nil, io.EOF
		case c := <-d.chunks:
			if c.err != nil {
				d.readErr = c.err
				continue
			}
			d.pending = append(d.pending, c.data...)
		}
	}
}

// readBody accumulates exactly n bytes of a length-prefixed body. A nil
// body with nil error means the sender stalled and the partial buffer was
// discarded.
func (d *Decoder) readBody(n int) ([]byte, error) {
	stall := time.NewTimer(d.stall)
	defer stall.Stop()

	// An optional blank separator line may follow the header; it does not
	// count toward the declared length.
	separatorChecked := false

	buf := make([]byte, 0, n)
	for len(buf) < n {
		if len(d.pending) == 0 {
			if d.readErr != nil {
				d.logger.Warn("stream ended mid-body, discarding partial buffer",
					slog.Int("have", len(buf)),
					slog.Int("want", n))
				return nil, d.readErr
			}
			select {
			case <-d.done:
				return nil, io.EOF
			case <-stall.C:
				d.logger.Warn("timed out waiting for framed body, discarding partial buffer",
					slog.Int("have", len(buf)),
					slog.Int("want", n))
				return nil, nil
			case c := <-d.chunks:
				if c.err != nil {
					d.readErr = c.err
					continue
				}
				d.pending = append(d.pending, c.data...)
			}
		}

		if !separatorChecked {
			separatorChecked = true
			if bytes.HasPrefix(d.pending, []byte("\r\n")) {
				d.pending = d.pending[2:]
				continue
			}
			if bytes.HasPrefix(d.pending, []byte("\n")) {
				d.pending = d.pending[1:]
				continue
			}
		}

		take := n - len(buf)
		if take > len(d.pending) {
			take = len(d.pending)
		}
		buf = append(buf, d.pending[:take]...)
		d.pending = d.pending[take:]
	}

	// The body's own line terminator, when present, is not part of the
	// declared length.
	if bytes.HasPrefix(d.pending, []byte("\r\n")) {
		d.pending = d.pending[2:]
	} else if bytes.HasPrefix(d.pending, []byte("\n")) {
		d.pending = d.pending[1:]
	}

	return buf, nil
}

func (d *Decoder) setMode(mode FramingMode) {
	d.mu.Lock()
	d.mode = mode
	d.mu.Unlock()
}

func (d *Decoder) pump(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			select {
			case <-d.done:
				return
			case d.chunks <- decodeChunk{data: line}:
			}
		}
		if err != nil {
			select {
			case <-d.done:
			case d.chunks <- decodeChunk{err: err}:
			}
			return
		}
	}
}

// parseContentLength recognizes a "Content-Length: N" header line. A
// malformed value is not a header; the line falls through as an unframed
// message.
func parseContentLength(line []byte) (int, bool) {
	const prefix = "content-length:"
	s := string(line)
	if !strings.HasPrefix(strings.ToLower(s), prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s[len(prefix):]))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Encoder reassembles message bodies into wire bytes, mirroring the framing
// mode reported by the mode function. Writes are not synchronized; callers
// serialize them (see the stdio transport's write queue).
type Encoder struct {
	w    io.Writer
	mode func() FramingMode
}

// NewEncoder creates an Encoder writing to w. When mode is nil the encoder
// always uses newline framing.
func NewEncoder(w io.Writer, mode func() FramingMode) *Encoder {
	if mode == nil {
		mode = func() FramingMode { return FramingNewline }
	}
	return &Encoder{w: w, mode: mode}
}

// Encode writes one message body in the active framing mode.
func (e *Encoder) Encode(body []byte) error {
	var wire []byte
	switch e.mode() {
	case FramingContentLength:
		wire = append([]byte(fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))), body...)
		wire = append(wire, '\r', '\n')
	default:
		wire = append(body, '\n')
	}

	if _, err := e.w.Write(wire); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
