package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatWide  Format = "wide"
)

// ParseFormat accepts the values of the --output flag. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatYAML, FormatWide:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (want table, wide, json or yaml)", s)
	}
}

// WriteObject encodes obj as json or yaml. Table formats need a dedicated writer.
func WriteObject(w io.Writer, format Format, obj any) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatJSON:
		data, err = json.MarshalIndent(obj, "", "  ")
		data = append(data, '\n')
	case FormatYAML:
		data, err = yaml.Marshal(obj)
	case FormatTable, FormatWide:
		return fmt.Errorf("%s output needs a dedicated formatter", format)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
	if err != nil {
		return fmt.Errorf("encoding %s output: %w", format, err)
	}
	_, err = w.Write(data)
	return err
}
