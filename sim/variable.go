package sim

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// VarKind is the value kind of a variable.
type VarKind uint8

const (
	// KindInt32 is a fixed-width 32-bit signed integer.
	KindInt32 VarKind = iota
	// KindVarInt is a zig-zag varint encoded signed integer.
	KindVarInt
	// KindUint is a varint encoded unsigned integer.
	KindUint
	// KindFloat is an IEEE-754 32-bit float.
	KindFloat
	// KindVec3 is a three-component float vector.
	KindVec3
	// KindQuat is a quaternion. Combined with VarNormalized only the vector
	// part travels on the wire.
	KindQuat
	// KindColor is a 32-bit ABGR color.
	KindColor
	// KindString is a length-prefixed UTF-8 string.
	KindString
	// KindUserID is a user wire ID.
	KindUserID
	// KindEntityID is an entity ID.
	KindEntityID
)

// VarFlag is a bitmask of variable behaviours.
type VarFlag uint8

const (
	// VarUpdatedFrequently hints that the variable changes every tick.
	VarUpdatedFrequently VarFlag = 1 << iota
	// VarPredicted includes the variable in client-side prediction replay.
	VarPredicted
	// VarInterpolated includes the variable in client-side interpolation.
	VarInterpolated
	// VarNormalized marks a quaternion as unit length, enabling the
	// three-component wire encoding.
	VarNormalized
)

// VarDef declares one variable of an entity state type.
type VarDef struct {
	// Tag is the stable numeric identifier of the variable. Tags must be
	// unique within a type chain and must never be reused across versions.
	Tag uint16
	// Name is a diagnostic name for logging.
	Name string
	// Kind is the value kind of the variable.
	Kind VarKind
	// Flags holds the variable behaviour flags.
	Flags VarFlag
	// Priority orders variables within the table. Higher priorities receive
	// lower ordinals; ties keep declaration order.
	Priority int
	// OnChange, if set, fires after a setter writes a new value. Callbacks
	// must not mutate other variables on the same entity while a deserialize
	// pass is running.
	OnChange func(e *Entity)
}

// Variable is a declared variable bound to its position in a StateDescriptor.
// The ordinal is the variable's bit in the dirty mask and its position on the
// wire.
type Variable struct {
	def     VarDef
	ordinal int
}

// Tag returns the stable tag of the variable.
func (v *Variable) Tag() uint16 { return v.def.Tag }

// Name returns the diagnostic name of the variable.
func (v *Variable) Name() string { return v.def.Name }

// Kind returns the value kind of the variable.
func (v *Variable) Kind() VarKind { return v.def.Kind }

// Flags returns the behaviour flags of the variable.
func (v *Variable) Flags() VarFlag { return v.def.Flags }

// Ordinal returns the runtime-assigned position of the variable.
func (v *Variable) Ordinal() int { return v.ordinal }

// StateDescriptor is the immutable per-type variable table, built once at
// registration. It holds the stable variable ordering and the predicted,
// interpolated and immediate subsets used by the client pipeline.
type StateDescriptor struct {
	vars  []*Variable
	byTag map[uint16]*Variable

	predicted    []*Variable
	interpolated []*Variable
	immediate    []*Variable

	digest uint64
}

// NewStateDescriptor builds the variable table for a state type. parent may be
// nil; if set, the parent's variables are inherited ahead of defs, forming a
// type chain. NewStateDescriptor panics on duplicate tags or when more than 64
// variables would be declared, as both are registration-time programmer
// errors.
func NewStateDescriptor(parent *StateDescriptor, defs []VarDef) *StateDescriptor {
	all := make([]VarDef, 0, len(defs))
	if parent != nil {
		for _, v := range parent.vars {
			all = append(all, v.def)
		}
	}
	all = append(all, defs...)

	if len(all) > 64 {
		panic(fmt.Sprintf("sim: state descriptor declares %v variables, limit is 64", len(all)))
	}
	seen := make(map[uint16]string, len(all))
	for _, def := range all {
		if prev, ok := seen[def.Tag]; ok {
			panic(fmt.Sprintf("sim: variable tag %v declared twice (%v and %v)", def.Tag, prev, def.Name))
		}
		seen[def.Tag] = def.Name
	}

	// Stable sort: higher priority first, declaration order within a
	// priority.
	order := make([]int, len(all))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return all[order[i]].Priority > all[order[j]].Priority
	})

	d := &StateDescriptor{byTag: make(map[uint16]*Variable, len(all))}
	h := xxhash.New()
	for ord, idx := range order {
		v := &Variable{def: all[idx], ordinal: ord}
		d.vars = append(d.vars, v)
		d.byTag[v.def.Tag] = v

		if v.def.Flags&VarPredicted != 0 {
			d.predicted = append(d.predicted, v)
		}
		if v.def.Flags&VarInterpolated != 0 {
			d.interpolated = append(d.interpolated, v)
		}
		if v.def.Flags&(VarPredicted|VarInterpolated) == 0 {
			d.immediate = append(d.immediate, v)
		}

		_, _ = h.Write([]byte{
			byte(v.def.Tag), byte(v.def.Tag >> 8),
			byte(v.def.Kind),
			byte(v.def.Flags &^ VarUpdatedFrequently),
		})
	}
	d.digest = h.Sum64()
	return d
}

// Var returns the variable with the tag passed.
func (d *StateDescriptor) Var(tag uint16) (*Variable, bool) {
	v, ok := d.byTag[tag]
	return v, ok
}

// MustVar returns the variable with the tag passed, panicking if no such
// variable was declared. It is intended for type registration code.
func (d *StateDescriptor) MustVar(tag uint16) *Variable {
	v, ok := d.byTag[tag]
	if !ok {
		panic(fmt.Sprintf("sim: no variable with tag %v", tag))
	}
	return v
}

// Len returns the number of variables in the table.
func (d *StateDescriptor) Len() int { return len(d.vars) }

// Digest returns a hash over the tags, kinds and wire-relevant flags of the
// table in ordinal order. Two peers that build different digests for the same
// type will not decode each other's deltas; the digest makes that mismatch
// diagnosable.
func (d *StateDescriptor) Digest() uint64 { return d.digest }
