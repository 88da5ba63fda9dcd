// Package output renders dmsctl command results as a table, JSON, or YAML.
// Adapted from dittofs' internal/cli/output, trimmed to what dmsctl's
// read-only/probe commands actually print.
package output

import (
	"fmt"
	"strings"
)

// Format is the output rendering requested on the command line.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses the --output flag value into a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table", "":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid output format %q (valid: table, json, yaml)", s)
	}
}
