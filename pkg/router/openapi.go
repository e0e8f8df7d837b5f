package router

import (
	"path/filepath"

	"kawan-hiking/backend/pkg/validator"
)

// setupOpenAPI loads the request validator and serves the schema under
// /api/docs. An empty or unreadable schemaPath disables both.
func (r *Router) setupOpenAPI(schemaPath string) {
	if schemaPath == "" {
		return
	}

	v, err := validator.NewOpenAPIValidator(schemaPath)
	if err != nil {
		r.Logger.Error("Failed to initialize OpenAPI validator, validation disabled", "error", err.Error())
		return
	}
	r.validator = v
	r.Logger.Info("OpenAPI validation enabled", "schema", schemaPath)

	r.Engine.StaticFile("/api/docs/"+filepath.Base(schemaPath), schemaPath)
}
