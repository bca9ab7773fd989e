package profile

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// aggregateSchemaJSON is the shape contract for persisted profiles. It pins
// the fields this build writes and leaves unknown fields alone, so files
// from newer minor versions still load.
const aggregateSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["schema_version", "name", "network", "settings"],
	"properties": {
		"schema_version": {"type": "integer", "minimum": 1},
		"name": {"type": "string", "minLength": 1},
		"network": {"type": "string", "enum": ["mainnet", "devnet"]},
		"settings": {
			"type": "object",
			"properties": {
				"max_retries": {"type": "integer", "minimum": 0},
				"initial_delay_ms": {"type": "integer", "minimum": 0},
				"max_delay_ms": {"type": "integer", "minimum": 0},
				"slippage_pct": {"type": ["string", "number"]},
				"execution_mode": {"type": "string"}
			}
		},
		"operations": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"required": ["id", "target_id", "amount_in"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"target_id": {"type": "string", "minLength": 1},
					"amount_in": {"type": "string", "minLength": 1},
					"credential_ref": {"type": "string"},
					"active": {"type": "boolean"},
					"status": {"type": "string"}
				}
			}
		},
		"updated_at": {"type": "string"}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaCompile  error
)

func aggregateSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("profile.json", strings.NewReader(aggregateSchemaJSON)); err != nil {
			schemaCompile = err
			return
		}
		compiledSchema, schemaCompile = compiler.Compile("profile.json")
	})
	return compiledSchema, schemaCompile
}
