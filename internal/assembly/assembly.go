// Package assembly writes synthesized resource graphs to disk and reads them
// back for deployment.
package assembly

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

// DefaultDir is where synth writes when no output directory is given.
const DefaultDir = "stowrs.out"

// Format is the encoding of an assembly file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts json, yaml or yml, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json", "":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown assembly format %q: expected json or yaml", s)
	}
}

// Writer writes assemblies under one output directory.
type Writer struct {
	fs  afero.Fs
	dir string
}

func NewWriter(fs afero.Fs, dir string) *Writer {
	if dir == "" {
		dir = DefaultDir
	}
	return &Writer{fs: fs, dir: dir}
}

// Path returns the file an assembly of app is written to.
func (w *Writer) Path(app string, format Format) string {
	return filepath.Join(w.dir, app+".graph."+string(format))
}

// Write encodes the graph and writes it to <dir>/<app>.graph.<format>,
// replacing any previous assembly of the same application.
func (w *Writer) Write(graph *ir.Config, format Format) (string, error) {
	if graph.Metadata == nil || graph.Metadata.App == "" {
		return "", fmt.Errorf("graph has no application name")
	}

	data, err := Encode(graph, format)
	if err != nil {
		return "", err
	}

	if err := w.fs.MkdirAll(w.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", w.dir, err)
	}
	path := w.Path(graph.Metadata.App, format)
	if err := afero.WriteFile(w.fs, path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write assembly %s: %w", path, err)
	}
	return path, nil
}

// Encode renders a graph. JSON is indented and newline-terminated.
func Encode(graph *ir.Config, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(graph, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode graph: %w", err)
		}
		return append(data, '\n'), nil
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(graph); err != nil {
			return nil, fmt.Errorf("failed to encode graph: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode graph: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown assembly format %q", format)
	}
}

// Read loads an assembly, choosing the decoder by file extension.
func Read(fs afero.Fs, path string) (*ir.Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read assembly %s: %w", path, err)
	}

	var graph ir.Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &graph)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &graph)
	default:
		return nil, fmt.Errorf("unsupported assembly file %s: expected .json, .yaml or .yml", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse assembly %s: %w", path, err)
	}
	if len(graph.Resources) == 0 {
		return nil, fmt.Errorf("assembly %s declares no resources", path)
	}
	return &graph, nil
}
