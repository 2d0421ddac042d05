package bridge

import (
	"strings"

	"github.com/tidwall/gjson"
)

// textPaths are tried in order against each JSON frame to locate the human
// readable payload.
var textPaths = []string{
	"result.status.message.parts.#(type==\"text\").text",
	"result.text",
	"status.message.parts.#(type==\"text\").text",
	"text",
	"message",
	"content",
}

// Unwrap normalizes peer output that arrives wrapped in server-sent event
// frames. Some peers hand back the raw stream body ("data: {...}" lines)
// instead of the final text; Unwrap extracts the text payload from each data
// frame and concatenates it. Output that is not SSE framed passes through
// unchanged.
func Unwrap(raw string) string {
	if !strings.Contains(raw, "data:") {
		return raw
	}

	var (
		b       strings.Builder
		framed  bool
		scanned = strings.Split(raw, "\n")
	)
	for _, line := range scanned {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		framed = true
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		b.WriteString(frameText(data))
	}
	if !framed {
		return raw
	}
	return b.String()
}

// frameText pulls the text payload out of one frame, falling back to the
// frame itself when no known path matches.
func frameText(data string) string {
	if !gjson.Valid(data) {
		return data
	}
	for _, path := range textPaths {
		if res := gjson.Get(data, path); res.Exists() && res.String() != "" {
			return res.String()
		}
	}
	return data
}
