package textkit

import "github.com/hyperionlab/toolrpc"

var echoSchema = toolrpc.Schema{
	Type: "object",
	Properties: map[string]toolrpc.Property{
		"message": {
			Type:        "string",
			Description: "Text to echo back.",
		},
	},
	Required: []string{"message"},
}

var textDiffSchema = toolrpc.Schema{
	Type: "object",
	Properties: map[string]toolrpc.Property{
		"old": {
			Type:        "string",
			Description: "Original text.",
		},
		"new": {
			Type:        "string",
			Description: "Modified text.",
		},
		"format": {
			Type:        "string",
			Description: "Output format.",
			Enum:        []any{"unified", "stats"},
			Default:     "unified",
		},
	},
	Required: []string{"old", "new"},
}

var hashTextSchema = toolrpc.Schema{
	Type: "object",
	Properties: map[string]toolrpc.Property{
		"text": {
			Type:        "string",
			Description: "Text to hash.",
		},
	},
	Required: []string{"text"},
}

var makeIDSchema = toolrpc.Schema{
	Type: "object",
	Properties: map[string]toolrpc.Property{
		"count": {
			Type:        "integer",
			Description: "How many UUIDs to generate, between 1 and 100.",
			Default:     1,
		},
	},
}

var slowCountSchema = toolrpc.Schema{
	Type: "object",
	Properties: map[string]toolrpc.Property{
		"steps": {
			Type:        "integer",
			Description: "Number of counting steps.",
			Default:     10,
		},
		"delayMs": {
			Type:        "integer",
			Description: "Delay between steps in milliseconds.",
			Default:     100,
		},
	},
}
