package wire

import (
	"encoding/json"
	"strings"
)

// Text fields read from a layout, in display order.
var layoutTextFields = []string{"title", "text", "topText", "bottomText"}

// LayoutText flattens the text fields of a layout into newline-separated
// lines. Non-object layouts and non-string fields yield nothing.
func LayoutText(layout json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(layout, &fields); err != nil {
		return ""
	}
	var lines []string
	for _, key := range layoutTextFields {
		if v, ok := fields[key].(string); ok && strings.TrimSpace(v) != "" {
			lines = append(lines, v)
		}
	}
	return strings.Join(lines, "\n")
}
