package server

import (
	"encoding/json"
	"net/http"

	"github.com/invopop/jsonschema"

	"github.com/autarch-dev/autarch/pkg/config"
)

// handleConfigSchema serves the JSON Schema of the configuration file.
// The schema is reflected on each request so it never drifts from the
// running binary.
func (s *Server) handleConfigSchema(w http.ResponseWriter, r *http.Request) {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = "https://autarch.dev/schemas/config.json"
	schema.Title = "Autarch Configuration Schema"
	schema.Description = "Configuration schema for the Autarch workflow engine"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(schema); err != nil {
		s.log.Error("failed to encode schema", "error", err)
	}
}
