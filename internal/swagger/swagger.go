// Package swagger is an in-memory model of a Swagger 2.0 document. Only
// the pieces the permutation engine rewrites (paths, methods, parameter
// name/location, definitions, media types) are typed; everything else is
// retained verbatim as raw JSON. Path and method iteration order is
// preserved from the source document, which matters: the engine's
// deterministic draws follow document order.
package swagger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Param is a single parameter spec of an operation. Name and In are the
// fields the engine rewrites; all descriptive fields are kept as-is.
type Param struct {
	Name  string
	In    string
	Extra map[string]json.RawMessage
}

func (p *Param) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["name"]; ok {
		if err := json.Unmarshal(v, &p.Name); err != nil {
			return fmt.Errorf("parameter name: %w", err)
		}
		delete(raw, "name")
	}
	if v, ok := raw["in"]; ok {
		if err := json.Unmarshal(v, &p.In); err != nil {
			return fmt.Errorf("parameter in: %w", err)
		}
		delete(raw, "in")
	}
	p.Extra = raw
	return nil
}

func (p *Param) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+2)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["name"] = p.Name
	out["in"] = p.In
	return json.Marshal(out)
}

// Operation is one method entry under a path.
type Operation struct {
	Parameters []*Param
	Produces   []string
	Consumes   []string
	Extra      map[string]json.RawMessage
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["parameters"]; ok {
		if err := json.Unmarshal(v, &o.Parameters); err != nil {
			return fmt.Errorf("parameters: %w", err)
		}
		delete(raw, "parameters")
	}
	if v, ok := raw["produces"]; ok {
		if err := json.Unmarshal(v, &o.Produces); err != nil {
			return fmt.Errorf("produces: %w", err)
		}
		delete(raw, "produces")
	}
	if v, ok := raw["consumes"]; ok {
		if err := json.Unmarshal(v, &o.Consumes); err != nil {
			return fmt.Errorf("consumes: %w", err)
		}
		delete(raw, "consumes")
	}
	o.Extra = raw
	return nil
}

func (o *Operation) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(o.Extra)+3)
	for k, v := range o.Extra {
		out[k] = v
	}
	if o.Parameters != nil {
		out["parameters"] = o.Parameters
	}
	if o.Produces != nil {
		out["produces"] = o.Produces
	}
	if o.Consumes != nil {
		out["consumes"] = o.Consumes
	}
	return json.Marshal(out)
}

// PathItem maps lowercase method names to operations, in document order.
type PathItem = orderedmap.OrderedMap[string, *Operation]

// Document is the parsed Swagger document.
type Document struct {
	Host        string
	Paths       *orderedmap.OrderedMap[string, *PathItem]
	Definitions *orderedmap.OrderedMap[string, json.RawMessage]
	Extra       map[string]json.RawMessage
}

// Parse decodes a Swagger 2.0 JSON document.
func Parse(data []byte) (*Document, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("swagger document: %w", err)
	}

	doc := &Document{
		Paths:       orderedmap.New[string, *PathItem](),
		Definitions: orderedmap.New[string, json.RawMessage](),
	}
	if v, ok := raw["host"]; ok {
		if err := json.Unmarshal(v, &doc.Host); err != nil {
			return nil, fmt.Errorf("host: %w", err)
		}
		delete(raw, "host")
	}
	if v, ok := raw["paths"]; ok {
		if err := json.Unmarshal(v, doc.Paths); err != nil {
			return nil, fmt.Errorf("paths: %w", err)
		}
		delete(raw, "paths")
	}
	if v, ok := raw["definitions"]; ok {
		if err := json.Unmarshal(v, doc.Definitions); err != nil {
			return nil, fmt.Errorf("definitions: %w", err)
		}
		delete(raw, "definitions")
	}
	doc.Extra = raw
	return doc, nil
}

// LoadFile reads and parses a Swagger document from disk.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read swagger file: %w", err)
	}
	return Parse(data)
}

// MarshalJSON emits the document with paths and definitions in their
// original order and all other top-level fields sorted, so output is
// stable across runs.
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	first := true
	writeField := func(key string, val any) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		buf.Write(v)
		return nil
	}

	keys := make([]string, 0, len(d.Extra))
	for k := range d.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writeField(k, d.Extra[k]); err != nil {
			return nil, err
		}
	}
	if d.Host != "" {
		if err := writeField("host", d.Host); err != nil {
			return nil, err
		}
	}
	if err := writeField("paths", d.Paths); err != nil {
		return nil, err
	}
	if d.Definitions.Len() > 0 {
		if err := writeField("definitions", d.Definitions); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Clone deep-copies the document via a JSON round-trip.
func (d *Document) Clone() (*Document, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Operation returns the operation registered for (path, method), if any.
func (d *Document) Operation(path, method string) (*Operation, bool) {
	item, ok := d.Paths.Get(path)
	if !ok {
		return nil, false
	}
	return item.Get(method)
}

// EachOperation visits every (path, method, operation) triple in
// document order.
func (d *Document) EachOperation(fn func(path, method string, op *Operation)) {
	for p := d.Paths.Oldest(); p != nil; p = p.Next() {
		for m := p.Value.Oldest(); m != nil; m = m.Next() {
			fn(p.Key, m.Key, m.Value)
		}
	}
}
