package httpstages

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSON decodes body and returns the value at the dotted path sel as
// text. Strings are returned as is; other values are re-encoded as compact
// JSON. An empty sel selects the whole document.
func extractJSON(body []byte, sel string) (string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("parse json: %w", err)
	}
	v := doc
	if sel != "" {
		for _, key := range strings.Split(sel, ".") {
			obj, ok := v.(map[string]any)
			if !ok {
				return "", fmt.Errorf("select %q: %q is not inside an object", sel, key)
			}
			if v, ok = obj[key]; !ok {
				return "", fmt.Errorf("select %q: no key %q", sel, key)
			}
		}
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
