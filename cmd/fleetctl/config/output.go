package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// OutputFormat represents the output format
type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// Outputter handles formatted output
type Outputter struct {
	format OutputFormat
	writer io.Writer
}

// NewOutputter creates an outputter writing to stdout
func NewOutputter(format string) *Outputter {
	return NewOutputterTo(format, os.Stdout)
}

// NewOutputterTo creates an outputter writing to w
func NewOutputterTo(format string, w io.Writer) *Outputter {
	return &Outputter{
		format: OutputFormat(format),
		writer: w,
	}
}

// Print outputs data as JSON or YAML. Tables need PrintTable.
func (o *Outputter) Print(data interface{}) error {
	switch o.format {
	case OutputJSON:
		encoder := json.NewEncoder(o.writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	case OutputYAML:
		encoder := yaml.NewEncoder(o.writer)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(data)
	case OutputTable:
		return fmt.Errorf("table format requires custom formatting")
	default:
		return fmt.Errorf("unknown output format: %s", o.format)
	}
}

// PrintTable prints rows under headers
func (o *Outputter) PrintTable(headers []string, rows [][]string) error {
	table := tablewriter.NewWriter(o.writer)

	header := make([]any, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	table.Header(header...)

	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	return table.Render()
}

// Writer returns the destination of the output
func (o *Outputter) Writer() io.Writer {
	return o.writer
}

// GetFormat returns the output format
func (o *Outputter) GetFormat() OutputFormat {
	return o.format
}
