package mixer

import (
	"encoding/json"
	"strings"

	"github.com/goccy/go-yaml"
)

// Format is a wire codec tied to a media type. The permuted document's
// produces/consumes entries name one of these.
type Format struct {
	Name   string
	Decode func(data []byte, v any) error
	Encode func(v any) ([]byte, error)
}

var (
	JSONFormat = Format{
		Name:   "application/json",
		Decode: json.Unmarshal,
		Encode: func(v any) ([]byte, error) { return json.Marshal(v) },
	}
	YAMLFormat = Format{
		Name:   "application/x-yaml",
		Decode: func(data []byte, v any) error { return yaml.Unmarshal(data, v) },
		Encode: func(v any) ([]byte, error) { return yaml.Marshal(v) },
	}
)

// Formats lists the supported media types; JSON is the default.
var Formats = []Format{JSONFormat, YAMLFormat}

// FormatByName resolves a media type (parameters after ';' ignored) to
// its codec.
func FormatByName(contentType string) (Format, bool) {
	name := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	for _, f := range Formats {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Format{}, false
}

// EffectiveFormat picks the codec for an operation: its first declared
// media type if supported, JSON otherwise.
func EffectiveFormat(declared []string) Format {
	if len(declared) > 0 {
		if f, ok := FormatByName(declared[0]); ok {
			return f
		}
	}
	return JSONFormat
}
