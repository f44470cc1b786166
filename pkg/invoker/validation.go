package invoker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/meridianhq/meridian/pkg/registry"
)

// schemaCache compiles tool parameter schemas once and reuses them
// across calls. Entries are keyed by tool name and invalidated when the
// declared schema changes after a catalog refresh.
type schemaCache struct {
	compiled sync.Map
}

type schemaEntry struct {
	raw    string
	schema *jsonschema.Schema
}

// validate checks arguments against the tool's parameter schema. Tools
// without a schema accept anything. A schema that fails to compile is
// logged and skipped rather than blocking the tool.
func (c *schemaCache) validate(tool registry.ToolSchema, arguments map[string]any) error {
	if len(tool.Parameters) == 0 {
		return nil
	}

	raw, err := json.Marshal(tool.Parameters)
	if err != nil {
		slog.Warn("Unserializable parameter schema, skipping validation", "tool", tool.Name)
		return nil
	}

	schema, err := c.compile(tool.Name, string(raw))
	if err != nil {
		slog.Warn("Invalid parameter schema, skipping validation", "tool", tool.Name, "error", err)
		return nil
	}

	// Round-trip so nested values are plain JSON types.
	encoded, err := json.Marshal(arguments)
	if err != nil {
		return fmt.Errorf("arguments for %s are not serializable: %w", tool.Name, err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return fmt.Errorf("arguments for %s are not serializable: %w", tool.Name, err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("invalid arguments for %s: %v", tool.Name, err)
	}
	return nil
}

func (c *schemaCache) compile(name, raw string) (*jsonschema.Schema, error) {
	if cached, ok := c.compiled.Load(name); ok {
		entry := cached.(*schemaEntry)
		if entry.raw == raw {
			return entry.schema, nil
		}
	}

	schema, err := jsonschema.CompileString(name+".json", raw)
	if err != nil {
		return nil, err
	}

	c.compiled.Store(name, &schemaEntry{raw: raw, schema: schema})
	return schema, nil
}
