package designs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a serialization format for export and import
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts json, yaml or yml, case-insensitively. Empty means json.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", ErrUnsupportedFormat
}

// FormatFromContentType maps a request Content-Type to a Format
func FormatFromContentType(ct string) Format {
	ct = strings.ToLower(ct)
	if strings.Contains(ct, "yaml") {
		return FormatYAML
	}
	return FormatJSON
}

// ContentType returns the MIME type for f
func (f Format) ContentType() string {
	if f == FormatYAML {
		return "application/yaml"
	}
	return "application/json"
}

// exportDocument is the portable form of a design. It carries content only,
// never tenant or storage identifiers.
type exportDocument struct {
	Format  string      `json:"format" yaml:"format"`
	Version int         `json:"version" yaml:"version"`
	Design  DesignInput `json:"design" yaml:"design"`
}

const exportFormatName = "netforge.design"

// Marshal serializes the editable content of d
func Marshal(d *Design, f Format) ([]byte, error) {
	doc := exportDocument{
		Format:  exportFormatName,
		Version: 1,
		Design: DesignInput{
			Name:        d.Name,
			Description: d.Description,
			Status:      d.Status,
			Tags:        d.Tags,
			Subnets:     d.Subnets,
			VLANs:       d.VLANs,
			Devices:     d.Devices,
			Links:       d.Links,
		},
	}
	switch f {
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, ErrUnsupportedFormat
}

// Unmarshal parses an exported document. A bare design body without the
// envelope is accepted too.
func Unmarshal(data []byte, f Format) (*DesignInput, error) {
	var doc exportDocument
	var err error
	switch f {
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, &ValidationError{Issues: []FieldIssue{{Field: "body", Message: "could not parse " + string(f) + ": " + err.Error()}}}
	}
	if doc.Format != "" && doc.Format != exportFormatName {
		return nil, &ValidationError{Issues: []FieldIssue{{Field: "format", Message: fmt.Sprintf("unknown document format %q", doc.Format)}}}
	}
	if doc.Format == "" && doc.Design.Name == "" {
		var bare DesignInput
		if f == FormatJSON {
			err = json.Unmarshal(data, &bare)
		} else {
			err = yaml.Unmarshal(data, &bare)
		}
		if err != nil {
			return nil, &ValidationError{Issues: []FieldIssue{{Field: "body", Message: err.Error()}}}
		}
		return &bare, nil
	}
	return &doc.Design, nil
}
