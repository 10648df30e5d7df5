package sim

import "fmt"

// EntityType describes a registered entity type.
type EntityType struct {
	// ID identifies the type on the wire.
	ID EntityTypeID
	// Name is a diagnostic name for logging.
	Name string
	// Flags holds the default entity flags instances are created with.
	Flags EntityFlag
	// State is the variable table of the type.
	State *StateDescriptor
	// New constructs the behaviour of a fresh instance. It may be nil for
	// pure-data entities, which receive NopBehaviour.
	New func(e *Entity) Behaviour
}

// EntityRegistry maps entity type IDs to their types. Registries are
// immutable after construction.
type EntityRegistry struct {
	types map[EntityTypeID]*EntityType
}

// NewEntityRegistry creates a registry holding the types passed, panicking on
// duplicate type IDs.
func NewEntityRegistry(types []*EntityType) *EntityRegistry {
	r := &EntityRegistry{types: make(map[EntityTypeID]*EntityType, len(types))}
	for _, t := range types {
		if t.State == nil {
			panic(fmt.Sprintf("sim: entity type %v has no state descriptor", t.Name))
		}
		if prev, ok := r.types[t.ID]; ok {
			panic(fmt.Sprintf("sim: entity type %v registered twice (%v and %v)", t.ID, prev.Name, t.Name))
		}
		r.types[t.ID] = t
	}
	return r
}

// Lookup returns the type registered under the ID passed.
func (r *EntityRegistry) Lookup(id EntityTypeID) (*EntityType, bool) {
	t, ok := r.types[id]
	return t, ok
}

// Types returns all registered types.
func (r *EntityRegistry) Types() []*EntityType {
	out := make([]*EntityType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	return out
}
