package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Each schema source
// declares one definition named after the schema, e.g. #config.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, src := range map[string]string{
		"config": builtinConfigSchema,
		"plan":   builtinPlanSchema,
	} {
		if err := sr.RegisterSchema(name, src); err != nil {
			panic(err)
		}
	}
}

// RegisterSchema compiles schema and registers its #name definition.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath("#" + name))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare #%s", name, name)
	}
	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema. data is
// compiled from its JSON form so json tags name the fields.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	sr.mu.RLock()
	defer sr.mu.RUnlock()
	// JSON is CUE; compiling it keeps integers integral.
	dataVal := sr.ctx.CompileBytes(raw)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions. Durations are nanoseconds.

const builtinConfigSchema = `
#config: {
	store: {
		driver: "memory" | "sqlite" | "postgres"
		dsn:    string
		if driver == "sqlite" {
			dsn: !=""
		}
		if driver == "postgres" {
			dsn: =~"^postgres(ql)?://"
		}
		max_open_conns: int & >=0
		max_idle_conns: int & >=0 & <=max_open_conns
		...
	}

	queue: {
		driver:       "memory" | "sql"
		workers:      int & >=1 & <=256
		batch_size:   int & >=1
		lease:        int & >poll_interval
		poll_interval: int & >0
		...
	}

	// The SQL queue is kept in the store database.
	if queue.driver == "sql" {
		store: driver: "sqlite" | "postgres"
	}

	policy?: {
		enabled:  bool
		paths:    [...(string & !="")] | null
		disabled: [...string] | null
	}

	engine: {
		task_workers:    int & >=1
		task_queue_size: int & >=task_workers
		...
	}
	...
}
`

const builtinPlanSchema = `
#ident: =~"^[A-Za-z0-9_.-]+$"

#obtainment: {
	type:        string & !=""
	parameters?: _
}

#node: {
	uuid:        #ident
	identifier:  #ident
	name?:       string
	kind:        "PLAN" | "IDENTITY"
	group?:      string
	step_type?:  string
	step_parameters?: _
	facilitators?: [...#obtainment]
	advisers?:     [...#obtainment]
	ref_objects?: [...{
		name: string & !=""
		kind: "OUTCOME" | "SWEEPING_OUTPUT"
		key?: string
	}]
	original_node_execution_id?: string
}

#plan: {
	uuid:             string & !=""
	starting_node_id: #ident
	nodes: [#node, ...#node]
}
`
