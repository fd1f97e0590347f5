// Package compose turns a turn's dispatch results back into
// model-facing context entries, and extracts tool-call requests from
// raw model output. Composition is deterministic: entries appear in
// request-emission order, never completion order, so replaying the same
// inputs yields the same context regardless of provider latencies.
package compose

import (
	"encoding/json"

	"github.com/calder-ai/switchboard/internal/dispatch"
)

// Entry is one labeled tool outcome in the model-facing context.
type Entry struct {
	Role      string `json:"role"`
	RequestID string `json:"tool_call_id"`
	Tool      string `json:"tool,omitempty"`
	Content   string `json:"content"`
}

// errorBody is the rendered form of a failed call. The model sees it as
// ordinary tool output and may retry, apologize, or proceed.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// Compose renders the ordered result sequence into entries, one per
// result, preserving the order it was given (the dispatcher already
// emits results in emission order).
func Compose(results []dispatch.Result) []Entry {
	entries := make([]Entry, len(results))
	for i, res := range results {
		entries[i] = render(res)
	}
	return entries
}

// render produces the entry for one result. Ok payloads pass through
// verbatim; failures become structured error bodies, not exceptions.
func render(res dispatch.Result) Entry {
	e := Entry{
		Role:      "tool",
		RequestID: res.RequestID,
		Tool:      res.Tool,
	}

	if res.Status == dispatch.StatusOK {
		e.Content = string(res.Payload)
		if e.Content == "" {
			e.Content = "null"
		}
		return e
	}

	var body errorBody
	body.Error.Kind = string(res.ErrorKind)
	body.Error.Message = res.Message
	data, err := json.Marshal(body)
	if err != nil {
		// Kind and message are plain strings; this cannot fail on
		// values the dispatcher produces.
		e.Content = `{"error":{"kind":"` + string(res.ErrorKind) + `"}}`
		return e
	}
	e.Content = string(data)
	return e
}
