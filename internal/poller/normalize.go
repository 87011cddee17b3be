package poller

import (
	"fmt"
	"strconv"
	"strings"
)

// Normalize validates raw extracted values against the declared field specs
// and converts them to their typed form. A missing or empty required field,
// or a number that does not parse, yields a ValidationError.
func Normalize(src Source, raw map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(src.Fields))
	for _, spec := range src.Fields {
		value, ok := raw[spec.Name]
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			if spec.Required {
				return nil, &ValidationError{
					SourceID: src.ID,
					Field:    spec.Name,
					Err:      fmt.Errorf("required field is empty"),
				}
			}
			continue
		}
		switch spec.Type {
		case FieldNumber:
			n, err := parseNumber(value)
			if err != nil {
				return nil, &ValidationError{SourceID: src.ID, Field: spec.Name, Err: err}
			}
			out[spec.Name] = n
		case FieldString, "":
			out[spec.Name] = value
		default:
			return nil, &ValidationError{
				SourceID: src.ID,
				Field:    spec.Name,
				Err:      fmt.Errorf("unknown field type %q", spec.Type),
			}
		}
	}
	return out, nil
}

// parseNumber accepts the formats scraped prices and figures show up in:
// currency symbols, thousands separators, surrounding text stripped by the
// selector already.
func parseNumber(value string) (float64, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return -1
		}
	}, value)
	if cleaned == "" {
		return 0, fmt.Errorf("no numeric content in %q", value)
	}
	n, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", value, err)
	}
	return n, nil
}
