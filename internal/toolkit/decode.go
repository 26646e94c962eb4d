package toolkit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// requestSchema mirrors the execute service schema: every field is
// optional and unknown keys become handler parameters.
const requestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "id":           {"type": "string", "maxLength": 64},
    "command":      {"type": ["string", "null"], "maxLength": 64},
    "ieee":         {"type": ["string", "null"], "maxLength": 64},
    "command_data": {"type": ["string", "number", "boolean", "null"], "maxLength": 4096},
    "params":       {"type": "object"}
  },
  "additionalProperties": true
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func requestValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("execute.json", strings.NewReader(requestSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("execute.json")
	})
	return schema, schemaErr
}

var reservedKeys = map[string]bool{"id": true, "command": true, "ieee": true, "command_data": true, "params": true}

// ParseRequest validates a JSON execute payload and builds a Request.
// Keys other than id, command, ieee and command_data are merged into
// Params, with an explicit "params" object taking precedence.
func ParseRequest(raw []byte) (*Request, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode request: %v", ErrInvalidData, err)
	}
	v, err := requestValidator()
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	if err := v.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	m := doc.(map[string]interface{})
	req := &Request{
		ID:      str(m["id"]),
		Command: strings.TrimSpace(str(m["command"])),
		IEEE:    strings.TrimSpace(str(m["ieee"])),
		Data:    str(m["command_data"]),
	}
	for k, val := range m {
		if reservedKeys[k] {
			continue
		}
		if req.Params == nil {
			req.Params = make(map[string]interface{})
		}
		req.Params[k] = val
	}
	if p, ok := m["params"].(map[string]interface{}); ok {
		if req.Params == nil {
			req.Params = make(map[string]interface{}, len(p))
		}
		for k, val := range p {
			req.Params[k] = val
		}
	}
	return req, nil
}

func str(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
