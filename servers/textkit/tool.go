// Package textkit provides a small set of text utility tools used as the
// default catalog of the toolrpc daemon. The tools double as exercise
// material for the registry, cancellation and batch machinery.
package textkit

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/zeebo/blake3"

	"github.com/hyperionlab/toolrpc"
)

// Tools returns the textkit tool catalog, ready for Registry.Register.
func Tools() []toolrpc.Tool {
	return []toolrpc.Tool{
		{
			Name:        "echo",
			Description: "Echo the given message back to the caller.",
			InputSchema: echoSchema,
			Execute:     echo,
		},
		{
			Name: "text_diff",
			Description: "Compare two texts and return either a readable diff or " +
				"insertion/deletion statistics.",
			InputSchema: textDiffSchema,
			Execute:     textDiff,
		},
		{
			Name:        "hash_text",
			Description: "Hash the given text with BLAKE3 and return the hex digest.",
			InputSchema: hashTextSchema,
			Execute:     hashText,
		},
		{
			Name:        "make_id",
			Description: "Generate one or more random UUIDs.",
			InputSchema: makeIDSchema,
			Execute:     makeID,
		},
		{
			Name: "slow_count",
			Description: "Count up slowly, one step per delay interval. Useful for " +
				"exercising cancellation: a cancelled call returns the partial count.",
			InputSchema: slowCountSchema,
			Execute:     slowCount,
		},
	}
}

// Loader serves the textkit catalog through the external-catalog path, so
// the naming rewrite and substitution logging can be exercised against a
// real loader.
type Loader struct{}

// Load implements toolrpc.CatalogLoader.
func (Loader) Load(context.Context) ([]toolrpc.Tool, error) {
	return Tools(), nil
}

func echo(_ context.Context, args map[string]any, _ *toolrpc.CancelHandle) (any, error) {
	message, _ := args["message"].(string)
	return message, nil
}

func textDiff(_ context.Context, args map[string]any, _ *toolrpc.CancelHandle) (any, error) {
	oldText, _ := args["old"].(string)
	newText, _ := args["new"].(string)
	format, _ := args["format"].(string)
	if format == "" {
		format = "unified"
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)

	if format == "stats" {
		var inserted, deleted int
		for _, d := range diffs {
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				inserted += len(d.Text)
			case diffmatchpatch.DiffDelete:
				deleted += len(d.Text)
			case diffmatchpatch.DiffEqual:
			}
		}
		return map[string]any{
			"inserted": inserted,
			"deleted":  deleted,
			"distance": dmp.DiffLevenshtein(diffs),
		}, nil
	}

	var sb strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			sb.WriteString("+" + d.Text)
		case diffmatchpatch.DiffDelete:
			sb.WriteString("-" + d.Text)
		case diffmatchpatch.DiffEqual:
			sb.WriteString(d.Text)
		}
	}
	return sb.String(), nil
}

func hashText(_ context.Context, args map[string]any, _ *toolrpc.CancelHandle) (any, error) {
	text, _ := args["text"].(string)
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:]), nil
}

func makeID(_ context.Context, args map[string]any, _ *toolrpc.CancelHandle) (any, error) {
	count := 1
	if v, ok := args["count"].(float64); ok {
		count = int(v)
	}
	if count < 1 || count > 100 {
		return nil, fmt.Errorf("count must be between 1 and 100")
	}

	ids := make([]string, count)
	for i := range ids {
		ids[i] = uuid.New().String()
	}
	if count == 1 {
		return ids[0], nil
	}
	return ids, nil
}

func slowCount(ctx context.Context, args map[string]any, cancel *toolrpc.CancelHandle) (any, error) {
	steps := 10
	if v, ok := args["steps"].(float64); ok {
		steps = int(v)
	}
	delay := 100 * time.Millisecond
	if v, ok := args["delayMs"].(float64); ok {
		delay = time.Duration(v) * time.Millisecond
	}

	count := 0
	for i := 0; i < steps; i++ {
		if cancel != nil && cancel.Cancelled() {
			break
		}
		select {
		case <-ctx.Done():
			return map[string]any{"count": count, "partial": true}, nil
		case <-time.After(delay):
		}
		count++
	}

	return map[string]any{
		"count":   count,
		"partial": count < steps,
	}, nil
}
