package entity

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"sort"

	"github.com/matheus3301/fieldsync/internal/store"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://schemas.fieldsync.app/"

// ErrUnknownKind is returned for a kind with no registered schema.
var ErrUnknownKind = errors.New("unknown entity kind")

// Payload schema versions. Bump when a schema changes shape.
var versions = map[Kind]int{
	KindPatient:      2,
	KindExercise:     1,
	KindSession:      1,
	KindProgressNote: 1,
}

// ValidationError reports a payload that does not match its kind's schema.
type ValidationError struct {
	Kind Kind
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Spec is a registered kind with its compiled schema.
type Spec struct {
	Kind          Kind
	SchemaVersion int
	schema        *jsonschema.Schema
}

// Registry holds the compiled schema of every known kind.
type Registry struct {
	specs map[Kind]*Spec
}

// NewRegistry compiles the embedded schemas.
func NewRegistry() (*Registry, error) {
	c := jsonschema.NewCompiler()
	for kind := range versions {
		raw, err := schemaFS.ReadFile("schemas/" + string(kind) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", kind, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", kind, err)
		}
		if err := c.AddResource(schemaBase+string(kind)+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", kind, err)
		}
	}

	r := &Registry{specs: make(map[Kind]*Spec, len(versions))}
	for kind, version := range versions {
		sch, err := c.Compile(schemaBase + string(kind) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		r.specs[kind] = &Spec{Kind: kind, SchemaVersion: version, schema: sch}
	}
	return r, nil
}

// Lookup returns the spec for kind.
func (r *Registry) Lookup(kind Kind) (*Spec, error) {
	s, ok := r.specs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s, nil
}

// Kinds returns every registered kind, sorted.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.specs))
	for k := range r.specs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Validate checks an encoded payload against the kind's schema and returns
// the schema version it conforms to.
func (r *Registry) Validate(kind Kind, payload []byte) (int, error) {
	s, err := r.Lookup(kind)
	if err != nil {
		return 0, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return 0, &ValidationError{Kind: kind, Err: err}
	}
	if err := s.schema.Validate(inst); err != nil {
		return 0, &ValidationError{Kind: kind, Err: err}
	}
	return s.SchemaVersion, nil
}

// OpenPartition returns the typed store partition for kind at its current
// schema version.
func OpenPartition[T any](db *store.DB, r *Registry, kind Kind) (*store.Partition[T], error) {
	s, err := r.Lookup(kind)
	if err != nil {
		return nil, err
	}
	return store.NewPartition[T](db, string(kind), s.SchemaVersion)
}
