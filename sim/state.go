package sim

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/playmesh/playmesh/sim/wire"
)

// varSlot stores the value of one variable. Only the field matching the
// variable's kind is meaningful.
type varSlot struct {
	num  uint64
	f    float32
	vec  mgl32.Vec3
	quat mgl32.Quat
	str  string
}

// EntityState holds all replicable, predictable and interpolable data of one
// entity. It owns a 64-bit dirty-variable bitmask split into two 32-bit
// halves, matching the wire layout of deltas.
type EntityState struct {
	desc   *StateDescriptor
	entity *Entity

	// Time stamps the state when it is used as a historical snapshot.
	Time float64

	dirty [2]uint32
	slots []varSlot
}

// NewState creates a blank state for the descriptor passed.
func NewState(desc *StateDescriptor) *EntityState {
	return &EntityState{desc: desc, slots: make([]varSlot, desc.Len())}
}

// Descriptor returns the variable table of the state.
func (s *EntityState) Descriptor() *StateDescriptor { return s.desc }

// bind attaches the state to an entity so that variable writes bubble an
// invalidation into the simulator's dirty list.
func (s *EntityState) bind(e *Entity) { s.entity = e }

// Clone returns a detached copy of the state, used for snapshot history.
func (s *EntityState) Clone() *EntityState {
	c := &EntityState{desc: s.desc, Time: s.Time, slots: make([]varSlot, len(s.slots))}
	copy(c.slots, s.slots)
	return c
}

// HasDirty reports whether any variable changed since the last reset.
func (s *EntityState) HasDirty() bool { return s.dirty[0] != 0 || s.dirty[1] != 0 }

// DirtyMask returns the two 32-bit halves of the dirty-variable bitmask.
func (s *EntityState) DirtyMask() (uint32, uint32) { return s.dirty[0], s.dirty[1] }

// ResetDirtyState clears the dirty-variable bitmask. The simulator calls this
// after the post-tick phase completes.
func (s *EntityState) ResetDirtyState() { s.dirty[0], s.dirty[1] = 0, 0 }

func (s *EntityState) markDirty(ordinal int) {
	s.dirty[ordinal>>5] |= 1 << (ordinal & 31)
	if s.entity != nil {
		s.entity.Invalidate()
	}
}

func (s *EntityState) changed(v *Variable) {
	s.markDirty(v.ordinal)
	if v.def.OnChange != nil && s.entity != nil {
		v.def.OnChange(s.entity)
	}
}

func (s *EntityState) kindCheck(v *Variable, kinds ...VarKind) {
	for _, k := range kinds {
		if v.def.Kind == k {
			return
		}
	}
	panic(fmt.Sprintf("sim: variable %v accessed as wrong kind", v.def.Name))
}

// Int32 returns the value of a KindInt32 or KindVarInt variable.
func (s *EntityState) Int32(v *Variable) int32 {
	s.kindCheck(v, KindInt32, KindVarInt)
	return int32(s.slots[v.ordinal].num)
}

// SetInt32 writes a KindInt32 or KindVarInt variable.
func (s *EntityState) SetInt32(v *Variable, x int32) {
	s.kindCheck(v, KindInt32, KindVarInt)
	if int32(s.slots[v.ordinal].num) == x {
		return
	}
	s.slots[v.ordinal].num = uint64(uint32(x))
	s.changed(v)
}

// Uint returns the value of a KindUint variable.
func (s *EntityState) Uint(v *Variable) uint64 {
	s.kindCheck(v, KindUint)
	return s.slots[v.ordinal].num
}

// SetUint writes a KindUint variable.
func (s *EntityState) SetUint(v *Variable, x uint64) {
	s.kindCheck(v, KindUint)
	if s.slots[v.ordinal].num == x {
		return
	}
	s.slots[v.ordinal].num = x
	s.changed(v)
}

// Float returns the value of a KindFloat variable.
func (s *EntityState) Float(v *Variable) float32 {
	s.kindCheck(v, KindFloat)
	return s.slots[v.ordinal].f
}

// SetFloat writes a KindFloat variable.
func (s *EntityState) SetFloat(v *Variable, x float32) {
	s.kindCheck(v, KindFloat)
	if s.slots[v.ordinal].f == x {
		return
	}
	s.slots[v.ordinal].f = x
	s.changed(v)
}

// Vec3 returns the value of a KindVec3 variable.
func (s *EntityState) Vec3(v *Variable) mgl32.Vec3 {
	s.kindCheck(v, KindVec3)
	return s.slots[v.ordinal].vec
}

// SetVec3 writes a KindVec3 variable.
func (s *EntityState) SetVec3(v *Variable, x mgl32.Vec3) {
	s.kindCheck(v, KindVec3)
	if s.slots[v.ordinal].vec == x {
		return
	}
	s.slots[v.ordinal].vec = x
	s.changed(v)
}

// Quat returns the value of a KindQuat variable.
func (s *EntityState) Quat(v *Variable) mgl32.Quat {
	s.kindCheck(v, KindQuat)
	return s.slots[v.ordinal].quat
}

// SetQuat writes a KindQuat variable.
func (s *EntityState) SetQuat(v *Variable, x mgl32.Quat) {
	s.kindCheck(v, KindQuat)
	if s.slots[v.ordinal].quat == x {
		return
	}
	s.slots[v.ordinal].quat = x
	s.changed(v)
}

// Color returns the value of a KindColor variable as ABGR.
func (s *EntityState) Color(v *Variable) uint32 {
	s.kindCheck(v, KindColor)
	return uint32(s.slots[v.ordinal].num)
}

// SetColor writes a KindColor variable.
func (s *EntityState) SetColor(v *Variable, x uint32) {
	s.kindCheck(v, KindColor)
	if uint32(s.slots[v.ordinal].num) == x {
		return
	}
	s.slots[v.ordinal].num = uint64(x)
	s.changed(v)
}

// String returns the value of a KindString variable.
func (s *EntityState) String(v *Variable) string {
	s.kindCheck(v, KindString)
	return s.slots[v.ordinal].str
}

// SetString writes a KindString variable.
func (s *EntityState) SetString(v *Variable, x string) {
	s.kindCheck(v, KindString)
	if s.slots[v.ordinal].str == x {
		return
	}
	s.slots[v.ordinal].str = x
	s.changed(v)
}

// UserID returns the value of a KindUserID variable.
func (s *EntityState) UserID(v *Variable) uint32 {
	s.kindCheck(v, KindUserID)
	return uint32(s.slots[v.ordinal].num)
}

// SetUserID writes a KindUserID variable.
func (s *EntityState) SetUserID(v *Variable, x uint32) {
	s.kindCheck(v, KindUserID)
	if uint32(s.slots[v.ordinal].num) == x {
		return
	}
	s.slots[v.ordinal].num = uint64(x)
	s.changed(v)
}

// EntityID returns the value of a KindEntityID variable.
func (s *EntityState) EntityID(v *Variable) EntityID {
	s.kindCheck(v, KindEntityID)
	return EntityID(s.slots[v.ordinal].num)
}

// SetEntityID writes a KindEntityID variable.
func (s *EntityState) SetEntityID(v *Variable, x EntityID) {
	s.kindCheck(v, KindEntityID)
	if EntityID(s.slots[v.ordinal].num) == x {
		return
	}
	s.slots[v.ordinal].num = uint64(x)
	s.changed(v)
}

// Serialize writes every variable in ordinal order.
func (s *EntityState) Serialize(w *wire.Writer) {
	for _, v := range s.desc.vars {
		s.writeVar(v, w)
	}
}

// SerializeDelta writes the dirty mask halves and the variables whose bits
// are set, in ascending ordinal order. The second half only travels when the
// table declares more than 31 variables.
func (s *EntityState) SerializeDelta(w *wire.Writer) {
	w.Varuint32(s.dirty[0])
	for _, v := range s.desc.vars {
		if v.ordinal > 31 {
			break
		}
		if s.dirty[0]&(1<<v.ordinal) != 0 {
			s.writeVar(v, w)
		}
	}
	if s.desc.Len() > 31 {
		w.Varuint32(s.dirty[1])
		for _, v := range s.desc.vars {
			if v.ordinal <= 31 {
				continue
			}
			if s.dirty[1]&(1<<(v.ordinal-32)) != 0 {
				s.writeVar(v, w)
			}
		}
	}
}

// Deserialize reads every variable in ordinal order, mirroring Serialize.
func (s *EntityState) Deserialize(r *wire.Reader) {
	for _, v := range s.desc.vars {
		s.readVar(v, r)
	}
}

// DeserializeDelta reads a delta written by SerializeDelta. Set bits whose
// ordinals are beyond the variables this peer knows are ignored rather than
// fatal.
func (s *EntityState) DeserializeDelta(r *wire.Reader) {
	mask := r.Varuint32()
	for _, v := range s.desc.vars {
		if v.ordinal > 31 {
			break
		}
		if mask&(1<<v.ordinal) != 0 {
			s.readVar(v, r)
		}
	}
	if s.desc.Len() > 31 {
		mask = r.Varuint32()
		for _, v := range s.desc.vars {
			if v.ordinal <= 31 {
				continue
			}
			if mask&(1<<(v.ordinal-32)) != 0 {
				s.readVar(v, r)
			}
		}
	}
}

func (s *EntityState) writeVar(v *Variable, w *wire.Writer) {
	slot := &s.slots[v.ordinal]
	switch v.def.Kind {
	case KindInt32:
		w.Int32(int32(slot.num))
	case KindVarInt:
		w.Varint32(int32(slot.num))
	case KindUint:
		w.Varuint64(slot.num)
	case KindFloat:
		w.Float32(slot.f)
	case KindVec3:
		w.Vec3(slot.vec)
	case KindQuat:
		w.Quat(slot.quat, v.def.Flags&VarNormalized != 0)
	case KindColor:
		w.Uint32(uint32(slot.num))
	case KindString:
		w.String(slot.str)
	case KindUserID:
		w.Varuint32(uint32(slot.num))
	case KindEntityID:
		w.Varuint64(slot.num)
	}
}

func (s *EntityState) readVar(v *Variable, r *wire.Reader) {
	switch v.def.Kind {
	case KindInt32:
		s.SetInt32(v, r.Int32())
	case KindVarInt:
		s.SetInt32(v, r.Varint32())
	case KindUint:
		s.SetUint(v, r.Varuint64())
	case KindFloat:
		s.SetFloat(v, r.Float32())
	case KindVec3:
		s.SetVec3(v, r.Vec3())
	case KindQuat:
		s.SetQuat(v, r.Quat(v.def.Flags&VarNormalized != 0))
	case KindColor:
		s.SetColor(v, r.Uint32())
	case KindString:
		s.SetString(v, r.String())
	case KindUserID:
		s.SetUserID(v, r.Varuint32())
	case KindEntityID:
		s.SetEntityID(v, EntityID(r.Varuint64()))
	}
}

func (s *EntityState) copyVars(dst *EntityState, vars []*Variable) {
	for _, v := range vars {
		dst.slots[v.ordinal] = s.slots[v.ordinal]
	}
}

// CopyAll copies every variable into dst without touching dirty state.
func (s *EntityState) CopyAll(dst *EntityState) {
	copy(dst.slots, s.slots)
}

// CopyImmediate copies the variables that are neither predicted nor
// interpolated.
func (s *EntityState) CopyImmediate(dst *EntityState) {
	s.copyVars(dst, s.desc.immediate)
}

// CopyPredicted copies only the predicted variables.
func (s *EntityState) CopyPredicted(dst *EntityState) {
	s.copyVars(dst, s.desc.predicted)
}

// CopyInterpolated copies only the interpolated variables.
func (s *EntityState) CopyInterpolated(dst *EntityState) {
	s.copyVars(dst, s.desc.interpolated)
}

// Interpolate blends the interpolated variables of from and to at parameter t
// into the receiver. If skipPredicted is true, variables flagged as predicted
// are left untouched so that interpolation does not trample prediction
// output. Kinds without a blend rule snap to the target at t >= 1.
func (s *EntityState) Interpolate(from, to *EntityState, t float32, skipPredicted bool) {
	for _, v := range s.desc.interpolated {
		if skipPredicted && v.def.Flags&VarPredicted != 0 {
			continue
		}
		s.interpolateVar(v, from, to, t)
	}
}

func (s *EntityState) interpolateVar(v *Variable, from, to *EntityState, t float32) {
	a, b := &from.slots[v.ordinal], &to.slots[v.ordinal]
	out := &s.slots[v.ordinal]
	switch v.def.Kind {
	case KindFloat:
		out.f = a.f + (b.f-a.f)*t
	case KindVec3:
		out.vec = a.vec.Add(b.vec.Sub(a.vec).Mul(t))
	case KindQuat:
		out.quat = mgl32.QuatSlerp(a.quat, b.quat, t).Normalize()
	case KindColor:
		out.num = uint64(lerpColor(uint32(a.num), uint32(b.num), t))
	default:
		if t >= 1 {
			*out = *b
		} else {
			*out = *a
		}
	}
}

// lerpColor blends two ABGR colors channelwise in 8-bit integer space.
func lerpColor(a, b uint32, t float32) uint32 {
	var out uint32
	for shift := 0; shift < 32; shift += 8 {
		ca := float32((a >> shift) & 0xff)
		cb := float32((b >> shift) & 0xff)
		c := uint32(ca + (cb-ca)*t)
		if c > 0xff {
			c = 0xff
		}
		out |= c << shift
	}
	return out
}
