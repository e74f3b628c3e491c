package toolrpc_test

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hyperionlab/toolrpc"
)

func TestDecoderNewlineMode(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":"1","method":"ping"}` + "\n" +
		`{"jsonrpc":"2.0","id":"2","method":"tools/list"}` + "\n"

	dec := toolrpc.NewDecoder(strings.NewReader(input))
	defer dec.Close()

	first, err := dec.Next()
	if err != nil {
		t.Fatalf("failed to read first message: %v", err)
	}
	if !strings.Contains(string(first), `"id":"1"`) {
		t.Errorf("unexpected first message: %s", first)
	}

	second, err := dec.Next()
	if err != nil {
		t.Fatalf("failed to read second message: %v", err)
	}
	if !strings.Contains(string(second), `"id":"2"`) {
		t.Errorf("unexpected second message: %s", second)
	}

	if dec.Mode() != toolrpc.FramingNewline {
		t.Errorf("expected newline mode, got %v", dec.Mode())
	}

	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after last message, got %v", err)
	}
}

func TestDecoderContentLengthMode(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":"1","method":"ping"}`
	input := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body + "\r\n"

	dec := toolrpc.NewDecoder(strings.NewReader(input))
	defer dec.Close()

	got, err := dec.Next()
	if err != nil {
		t.Fatalf("failed to read framed message: %v", err)
	}
	if string(got) != body {
		t.Errorf("body mismatch.\nGot:  %s\nWant: %s", got, body)
	}

	// Observing a header line switches the stream to length-prefixed mode
	// for its remaining life.
	if dec.Mode() != toolrpc.FramingContentLength {
		t.Errorf("expected content-length mode, got %v", dec.Mode())
	}
}

func TestDecoderContentLengthBodySpansLines(t *testing.T) {
	// A declared length may cover a body containing newlines; the decoder
	// must accumulate across lines instead of treating each as a message.
	body := "{\"a\":\n\"b\",\n\"c\":1}"
	input := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body + "\r\n"

	dec := toolrpc.NewDecoder(strings.NewReader(input))
	defer dec.Close()

	got, err := dec.Next()
	if err != nil {
		t.Fatalf("failed to read framed message: %v", err)
	}
	if string(got) != body {
		t.Errorf("body mismatch.\nGot:  %q\nWant: %q", got, body)
	}
}

func TestDecoderCaseInsensitiveHeader(t *testing.T) {
	body := `{"id":"1"}`
	input := "content-length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body + "\r\n"

	dec := toolrpc.NewDecoder(strings.NewReader(input))
	defer dec.Close()

	got, err := dec.Next()
	if err != nil {
		t.Fatalf("failed to read framed message: %v", err)
	}
	if string(got) != body {
		t.Errorf("body mismatch. Got %s, want %s", got, body)
	}
}

func TestDecoderMalformedHeaderIsPlainLine(t *testing.T) {
	// A header with an unparsable value is not a header at all; the line
	// falls through as an unframed message.
	input := "Content-Length: abc\n"

	dec := toolrpc.NewDecoder(strings.NewReader(input))
	defer dec.Close()

	got, err := dec.Next()
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	if string(got) != "Content-Length: abc" {
		t.Errorf("unexpected message: %s", got)
	}
	if dec.Mode() != toolrpc.FramingNewline {
		t.Errorf("malformed header must not switch mode")
	}
}

func TestDecoderSizeCapBoundary(t *testing.T) {
	maxSize := 10

	t.Run("ExactlyAtLimit", func(t *testing.T) {
		body := strings.Repeat("a", maxSize)
		input := "Content-Length: " + strconv.Itoa(maxSize) + "\r\n\r\n" + body + "\r\n"

		dec := toolrpc.NewDecoder(strings.NewReader(input), toolrpc.WithMaxMessageSize(maxSize))
		defer dec.Close()

		got, err := dec.Next()
		if err != nil {
			t.Fatalf("message exactly at the limit must be accepted: %v", err)
		}
		if string(got) != body {
			t.Errorf("body mismatch. Got %s, want %s", got, body)
		}
	})

	t.Run("OneOverLimit", func(t *testing.T) {
		over := strings.Repeat("a", maxSize+1)
		follow := "ok"
		input := "Content-Length: " + strconv.Itoa(maxSize+1) + "\r\n\r\n" + over + "\r\n" +
			follow + "\n"

		dec := toolrpc.NewDecoder(strings.NewReader(input), toolrpc.WithMaxMessageSize(maxSize))
		defer dec.Close()

		// The over-limit declaration is rejected and its body dropped;
		// the decoder recovers and the next message is still decodable.
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("decoder must recover after over-limit message: %v", err)
		}
		if string(got) != follow {
			t.Errorf("expected follow-up message %q, got %q", follow, got)
		}
	})

	t.Run("OverLimitPlainLine", func(t *testing.T) {
		over := strings.Repeat("b", maxSize+1)
		follow := "ok"
		input := over + "\n" + follow + "\n"

		dec := toolrpc.NewDecoder(strings.NewReader(input), toolrpc.WithMaxMessageSize(maxSize))
		defer dec.Close()

		got, err := dec.Next()
		if err != nil {
			t.Fatalf("decoder must drop over-limit line and continue: %v", err)
		}
		if string(got) != follow {
			t.Errorf("expected follow-up message %q, got %q", follow, got)
		}
	})
}

func TestDecoderStallTimeout(t *testing.T) {
	pr, pw := io.Pipe()

	dec := toolrpc.NewDecoder(pr,
		toolrpc.WithStallTimeout(50*time.Millisecond))
	defer dec.Close()

	// Declare 100 bytes but deliver only part of the body, then go silent.
	go func() {
		_, _ = pw.Write([]byte("Content-Length: 100\r\n\r\npartial\n"))
		// After the stall fires, send a complete newline-delimited message
		// to prove the decoder recovered.
		time.Sleep(200 * time.Millisecond)
		_, _ = pw.Write([]byte("recovered\n"))
		pw.Close()
	}()

	got, err := dec.Next()
	if err != nil {
		t.Fatalf("decoder must recover after a stalled sender: %v", err)
	}
	if string(got) != "recovered" {
		t.Errorf("expected recovered message, got %q", got)
	}
}

func TestEncoderMirrorsDecoderMode(t *testing.T) {
	body := `{"id":"1"}`
	input := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body + "\r\n"

	dec := toolrpc.NewDecoder(strings.NewReader(input))
	defer dec.Close()

	var out bytes.Buffer
	enc := toolrpc.NewEncoder(&out, dec.Mode)

	// Before any input, output uses newline framing.
	if err := enc.Encode([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	if out.String() != `{"a":1}`+"\n" {
		t.Errorf("unexpected newline-framed output: %q", out.String())
	}

	// Once the decoder observes a header, output mirrors the new mode.
	if _, err := dec.Next(); err != nil {
		t.Fatalf("failed to read framed message: %v", err)
	}

	out.Reset()
	if err := enc.Encode([]byte(`{"b":2}`)); err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	want := "Content-Length: 7\r\n\r\n" + `{"b":2}` + "\r\n"
	if out.String() != want {
		t.Errorf("unexpected length-framed output.\nGot:  %q\nWant: %q", out.String(), want)
	}
}
