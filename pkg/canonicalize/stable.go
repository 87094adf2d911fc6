package canonicalize

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Stable renders v as canonical JSON indented by two spaces with a trailing
// newline. Baselines and run records are written in this form so they diff
// cleanly and still compare byte-for-byte.
func Stable(v interface{}) ([]byte, error) {
	canonical, err := JCS(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, canonical, "", "  "); err != nil {
		return nil, fmt.Errorf("stable: indent failed: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// JSONL renders each item as one canonical line, newline terminated.
func JSONL[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	for i := range items {
		line, err := JCS(items[i])
		if err != nil {
			return nil, fmt.Errorf("jsonl: item %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
