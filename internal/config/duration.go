package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support. It accepts Go duration
// strings ("5s", "2m30s") or a bare integer number of seconds. "0"
// disables optional timeouts.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration from a YAML scalar.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar (e.g. \"5s\", 30)", value.Line)
	}

	if value.Tag == "!!int" {
		secs, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
		}
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}

	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}

	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration as a Go duration string.
func (d Duration) MarshalYAML() (any, error) { //nolint:unparam // yaml.Marshaler interface requires error return
	return d.Duration.String(), nil
}
