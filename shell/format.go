package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Format is how EvaluateAs decodes output.
type Format int

const (
	JSON Format = iota
	YAML
)

func (f Format) String() string {
	switch f {
	case JSON:
		return "JSON"
	case YAML:
		return "YAML"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// EvaluateAs evaluates s and decodes its output into a T.
func EvaluateAs[T any](ctx context.Context, s *Script, in io.Reader, format Format) (T, error) {
	var v T
	out, err := s.Evaluate(ctx, in)
	if err != nil {
		return v, err
	}
	switch format {
	case JSON:
		err = json.Unmarshal([]byte(out), &v)
	case YAML:
		err = yaml.Unmarshal([]byte(out), &v)
	default:
		return v, fmt.Errorf("unsupported format %s", format)
	}
	if err != nil {
		return v, fmt.Errorf("decoding output of %q as %s: %w", firstLine(s.Text), format, err)
	}
	return v, nil
}
