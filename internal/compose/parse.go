package compose

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/calder-ai/switchboard/internal/dispatch"
	"github.com/calder-ai/switchboard/internal/fault"
)

// ParseCalls converts the raw tool-call elements of one model turn into
// dispatch requests, assigning emission order by position. Structurally
// malformed elements — no usable tool name, arguments that are neither
// an object nor a JSON-encoded object — become requests marked
// Malformed: they are never dispatched, but they still surface an error
// entry so the model is never left without feedback. A missing id is
// synthesized so every outcome stays labeled.
func ParseCalls(raw []json.RawMessage) []dispatch.Request {
	reqs := make([]dispatch.Request, 0, len(raw))
	for i, elem := range raw {
		reqs = append(reqs, parseCall(elem, i))
	}
	return reqs
}

// parseCall decodes one call element leniently. Both flat
// {id, name, arguments} and nested {id, function: {name, arguments}}
// shapes are accepted, since models emit both.
func parseCall(elem json.RawMessage, order int) dispatch.Request {
	req := dispatch.Request{EmissionOrder: order}

	var m map[string]any
	if err := json.Unmarshal(elem, &m); err != nil {
		req.ID = uuid.NewString()
		req.Malformed = fault.New(fault.KindProtocolError, "tool call is not a JSON object: %v", err)
		return req
	}

	if id, ok := m["id"].(string); ok && id != "" {
		req.ID = id
	} else {
		req.ID = uuid.NewString()
	}

	// Nested function shape takes precedence when present.
	fields := m
	if fn, ok := m["function"].(map[string]any); ok {
		fields = fn
	}

	name, ok := fields["name"].(string)
	if !ok || name == "" {
		req.Malformed = fault.New(fault.KindProtocolError, "tool call has no tool name")
		return req
	}
	req.Tool = name

	args, err := decodeArguments(fields["arguments"])
	if err != nil {
		req.Malformed = fault.New(fault.KindProtocolError, "tool %s: %s", name, err.Error())
		return req
	}
	req.Arguments = args

	return req
}

// decodeArguments accepts the argument encodings models actually emit:
// an object, a JSON-encoded object string, or nothing.
func decodeArguments(v any) (map[string]any, error) {
	switch args := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return args, nil
	case string:
		if strings.TrimSpace(args) == "" {
			return map[string]any{}, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(args), &m); err != nil {
			return nil, fault.New(fault.KindProtocolError, "arguments are not a JSON object")
		}
		return m, nil
	default:
		return nil, fault.New(fault.KindProtocolError, "arguments are not structural")
	}
}

// ParseText extracts tool calls that models emit as text rather than
// native tool_calls: <tool_call>-tagged JSON, a bare JSON object with a
// name field, or a JSON array of such objects. Returns nil when the
// content holds no recognizable call — ordinary prose is not an error.
func ParseText(content string) []dispatch.Request {
	content = strings.TrimSpace(content)

	// Tagged form first.
	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else {
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	if !strings.HasPrefix(content, "{") && !strings.HasPrefix(content, "[") {
		return nil
	}

	// Array of calls.
	if strings.HasPrefix(content, "[") {
		var elems []json.RawMessage
		if err := json.Unmarshal([]byte(content), &elems); err != nil {
			return nil
		}
		reqs := ParseCalls(elems)
		for _, r := range reqs {
			if r.Malformed == nil {
				return reqs
			}
		}
		return nil
	}

	// Single call object. Only treat it as a call if it names a tool;
	// arbitrary JSON in prose stays prose.
	var probe map[string]any
	if err := json.Unmarshal([]byte(content), &probe); err != nil {
		return nil
	}
	if _, ok := probe["name"].(string); !ok {
		if fn, ok := probe["function"].(map[string]any); !ok {
			return nil
		} else if _, ok := fn["name"].(string); !ok {
			return nil
		}
	}
	return ParseCalls([]json.RawMessage{json.RawMessage(content)})
}
