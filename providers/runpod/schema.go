package runpod

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"remote-trainer/core/models"
)

var identifierPattern = regexp.MustCompile(`^[_A-Za-z][_0-9A-Za-z]*$`)

const typeQuery = `query Type($name: String!) {
  __type(name: $name) {
    fields {
      name
      type { kind name ofType { kind name ofType { kind name } } }
    }
  }
}`

type typeRef struct {
	Kind   string   `json:"kind"`
	Name   string   `json:"name"`
	OfType *typeRef `json:"ofType"`
}

// named unwraps NON_NULL and LIST wrappers
func (t *typeRef) named() *typeRef {
	for t != nil && (t.Kind == "NON_NULL" || t.Kind == "LIST") && t.OfType != nil {
		t = t.OfType
	}
	return t
}

// TypeFields introspects the fields of an API type
func (c *Client) TypeFields(ctx context.Context, typeName string) ([]models.SchemaField, error) {
	var out struct {
		Type *struct {
			Fields []struct {
				Name string   `json:"name"`
				Type *typeRef `json:"type"`
			} `json:"fields"`
		} `json:"__type"`
	}
	if err := c.do(ctx, typeQuery, map[string]interface{}{"name": typeName}, &out); err != nil {
		return nil, err
	}
	if out.Type == nil {
		return nil, fmt.Errorf("type %s not found", typeName)
	}

	fields := make([]models.SchemaField, 0, len(out.Type.Fields))
	for _, f := range out.Type.Fields {
		sf := models.SchemaField{Name: f.Name}
		if t := f.Type.named(); t != nil {
			sf.Kind = t.Kind
			sf.TypeName = t.Name
		}
		fields = append(fields, sf)
	}
	return fields, nil
}

// InstanceField queries a single (possibly nested) field of a pod and returns
// its value as a string; null yields "".
func (c *Client) InstanceField(ctx context.Context, instanceID string, path ...string) (string, error) {
	if len(path) == 0 {
		return "", fmt.Errorf("empty field path")
	}
	for _, p := range path {
		if !identifierPattern.MatchString(p) {
			return "", fmt.Errorf("invalid field name %q", p)
		}
	}

	query := fmt.Sprintf(`query PodField($podId: String!) { pod(input: {podId: $podId}) { %s } }`, selection(path))

	var out struct {
		Pod map[string]interface{} `json:"pod"`
	}
	if err := c.do(ctx, query, map[string]interface{}{"podId": instanceID}, &out); err != nil {
		return "", err
	}
	if out.Pod == nil {
		return "", fmt.Errorf("pod %s not found", instanceID)
	}

	var cur interface{} = out.Pod
	for _, p := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", nil
		}
		cur = m[p]
	}
	switch v := cur.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		b, _ := json.Marshal(v)
		return string(b), nil
	}
}

// selection renders ["a","b"] as "a { b }"
func selection(path []string) string {
	var b strings.Builder
	for i, p := range path {
		if i > 0 {
			b.WriteString(" { ")
		}
		b.WriteString(p)
	}
	b.WriteString(strings.Repeat(" }", len(path)-1))
	return b.String()
}
