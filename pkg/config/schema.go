package config

import (
	"github.com/invopop/jsonschema"
)

// Schema reflects the Config struct into a JSON Schema document. Used by
// the schema CLI command and the /config/schema endpoint.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&Config{})
	schema.ID = "https://autarch.dev/schemas/config.json"
	schema.Title = "Autarch Configuration Schema"
	schema.Description = "Configuration schema for the Autarch workflow engine"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	return schema
}
