package state

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed checkpoint.schema.json
var checkpointSchema []byte

// maxSchemaErrors caps the number of schema violations quoted in an error.
const maxSchemaErrors = 3

// validateSchema checks raw checkpoint JSON against the embedded schema.
func validateSchema(raw []byte) error {
	schemaLoader := gojsonschema.NewBytesLoader(checkpointSchema)
	docLoader := gojsonschema.NewBytesLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
	}

	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, maxSchemaErrors)

	for i, verr := range result.Errors() {
		if i == maxSchemaErrors {
			break
		}

		violations = append(violations, verr.String())
	}

	return fmt.Errorf("%w: %s", ErrCorruptCheckpoint, strings.Join(violations, "; "))
}
