package viewerproto

import (
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// schemaBase keeps resource URLs independent of the working directory.
const schemaBase = "mem://viewerproto/"

const (
	SchemaSubscribe = "subscribe.schema.json"
	SchemaDiffMsg   = "voxel_diff.schema.json"
	SchemaDiff      = "diff.schema.json"
	SchemaSnapshot  = "snapshot.schema.json"
)

var (
	schemaMu    sync.Mutex
	schemaCache = map[string]*jsonschema.Schema{}
)

// Schema compiles (once) one of the embedded schemas.
func Schema(name string) (*jsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[name]; ok {
		return s, nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		f, err := schemaFS.Open("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		err = c.AddResource(schemaBase+e.Name(), f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
	}
	s, err := c.Compile(schemaBase + name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	schemaCache[name] = s
	return s, nil
}
