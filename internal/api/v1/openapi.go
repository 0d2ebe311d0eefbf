package apiv1

import (
	"context"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// DocPath is the OpenAPI document served under /docs/api/v1, relative to the
// project root.
const DocPath = "public/docs/v1/openapi.yml"

// LoadDocument parses and validates the OpenAPI document at path.
func LoadDocument(ctx context.Context, path string) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return doc, nil
}
