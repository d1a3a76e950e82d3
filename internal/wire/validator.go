package wire

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	jss "github.com/kaptinlin/jsonschema"
)

//go:embed schemas/request-v1.schema.json
var schemaFS embed.FS

var versionToPath = map[int]string{
	1: "schemas/request-v1.schema.json",
}

// Validator validates raw requests against the JSON schema of their version.
type Validator struct {
	schemas map[int]*jss.Schema
}

func NewValidator(versions ...int) (Validator, error) {
	var zero Validator
	if len(versions) == 0 {
		versions = []int{Version}
	}
	schemas := make(map[int]*jss.Schema, len(versions))
	for _, ver := range versions {
		path, ok := versionToPath[ver]
		if !ok {
			return zero, fmt.Errorf("unknown schema version: %d", ver)
		}
		b, err := schemaFS.ReadFile(path)
		if err != nil {
			return zero, fmt.Errorf("reading embedded schema: %w", err)
		}
		compiler := jss.NewCompiler()
		schema, err := compiler.Compile(b)
		if err != nil {
			return zero, fmt.Errorf("compiling schema: %w", err)
		}
		schemas[ver] = schema
	}
	return Validator{
		schemas: schemas,
	}, nil
}

// DecodeRequest reads one request from r, validates and decodes it.
func (v Validator) DecodeRequest(ctx context.Context, r io.Reader) (Request, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return Request{}, fmt.Errorf("reading request: %w", err)
	}
	if err := v.ValidateBytes(ctx, b); err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return Request{}, fmt.Errorf("decoding request: %w", err)
	}
	return req, nil
}

func (v Validator) ValidateBytes(ctx context.Context, b []byte) error {
	var req struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(b, &req); err != nil {
		return fmt.Errorf("reading request version: %w", err)
	}

	schema, err := v.versionToSchema(req.Version)
	if err != nil {
		return err
	}
	return v.validateBytes(ctx, schema, b)
}

func (v Validator) versionToSchema(version int) (*jss.Schema, error) {
	schema, ok := v.schemas[version]
	if !ok {
		supported := make([]string, 0, len(v.schemas))
		for k := range v.schemas {
			supported = append(supported, fmt.Sprint(k))
		}
		sort.Strings(supported)
		return nil, fmt.Errorf("unsupported request version: supported %s: got: %d",
			strings.Join(supported, ","),
			version,
		)
	}
	return schema, nil
}

func (v Validator) validateBytes(_ context.Context, schema *jss.Schema, b []byte) error {
	res := schema.Validate(b)
	if !res.Valid {
		var errorMsgs []string
		for _, err := range res.Errors {
			errorMsgs = append(errorMsgs, fmt.Sprintf("%s: %s", err.Keyword, err.Error()))
		}
		sort.Strings(errorMsgs)
		return fmt.Errorf("request validation failed:\n%s", strings.Join(errorMsgs, "\n"))
	}
	return nil
}
