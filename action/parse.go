package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Parse decodes a Scraper-Action header value.
//
// A JSON object is a single instruction, a JSON array a sequence applied in
// order. Any other value is legacy script source: it becomes a single
// script instruction when opts.AllowScripts is set and is rejected
// otherwise. A value that looks like JSON but does not decode is also
// treated as legacy script source.
func Parse(header string, opts ParseOptions) ([]Instruction, error) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty action", ErrInvalid)
	}

	if trimmed[0] == '{' || trimmed[0] == '[' {
		instrs, err := decodeJSON(trimmed)
		if err == nil {
			for i, in := range instrs {
				if err := in.Validate(opts); err != nil {
					return nil, fmt.Errorf("instruction %d: %w", i, err)
				}
			}
			return instrs, nil
		}
		if !opts.AllowScripts {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	if !opts.AllowScripts {
		return nil, ErrScriptsDisabled
	}
	return []Instruction{Script(header)}, nil
}

func decodeJSON(s string) ([]Instruction, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.DisallowUnknownFields()

	if s[0] == '{' {
		var in Instruction
		if err := dec.Decode(&in); err != nil {
			return nil, err
		}
		if dec.More() {
			return nil, fmt.Errorf("trailing data after instruction")
		}
		return []Instruction{in}, nil
	}

	var instrs []Instruction
	if err := dec.Decode(&instrs); err != nil {
		return nil, err
	}
	if len(instrs) == 0 {
		return nil, fmt.Errorf("empty instruction list")
	}
	return instrs, nil
}

// Encode serialises instructions into a header value: a JSON object for a
// single instruction, an array otherwise. Unknown ops are rejected.
func Encode(instrs ...Instruction) (string, error) {
	if len(instrs) == 0 {
		return "", fmt.Errorf("%w: nothing to encode", ErrInvalid)
	}
	for _, in := range instrs {
		if !known(in.Op) {
			return "", fmt.Errorf("%w: %q", ErrUnknownOp, in.Op)
		}
	}

	var v any = instrs
	if len(instrs) == 1 {
		v = instrs[0]
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("action: encode: %w", err)
	}
	// Header values cannot carry newlines.
	return strings.TrimRight(buf.String(), "\n"), nil
}
