package sim

import (
	"fmt"

	"github.com/playmesh/playmesh/sim/session"
)

// Behaviour is the application-supplied logic of an entity type. Every hook,
// Update included, has a no-op default in NopBehaviour; embedding it does not
// force a type to implement Update.
type Behaviour interface {
	// Update runs scheduled entity logic at the time passed.
	Update(e *Entity, now, delta float64)
	// PostTickUpdate fires at the end of a tick if the entity was dirtied
	// during it.
	PostTickUpdate(e *Entity, frame *Frame)
	// PostNetworkUpdate fires on the client on the first tick after the
	// entity received state from the server.
	PostNetworkUpdate(e *Entity)
	// ParentChanged fires after the entity was re-linked under a new parent.
	ParentChanged(e *Entity, old, parent *Entity)
	// ChildAdded fires after a child was linked under the entity.
	ChildAdded(e *Entity, child *Entity)
	// ChildRemoved fires after a child was unlinked from the entity.
	ChildRemoved(e *Entity, child *Entity)
	// ExecuteCommand processes a command addressed at the entity.
	ExecuteCommand(e *Entity, c Command)
}

// NopBehaviour implements every Behaviour hook as a no-op. Entity behaviours
// embed it and override the hooks they need.
type NopBehaviour struct{}

func (NopBehaviour) Update(*Entity, float64, float64)        {}
func (NopBehaviour) PostTickUpdate(*Entity, *Frame)          {}
func (NopBehaviour) PostNetworkUpdate(*Entity)               {}
func (NopBehaviour) ParentChanged(*Entity, *Entity, *Entity) {}
func (NopBehaviour) ChildAdded(*Entity, *Entity)             {}
func (NopBehaviour) ChildRemoved(*Entity, *Entity)           {}
func (NopBehaviour) ExecuteCommand(*Entity, Command)         {}

// RemoveMode selects how an entity's children are treated when the entity is
// removed.
type RemoveMode uint8

const (
	// RemoveRecursive disposes the entity's children with it. It is the
	// default mode.
	RemoveRecursive RemoveMode = iota
	// RemoveDetach unparents the children and leaves them live. The detach is
	// replicated.
	RemoveDetach
	// RemoveShallow removes only the entity itself. Clients use it when
	// applying server deletes, as the server deletes the children through
	// their own records.
	RemoveShallow
)

// Entity is one replicated object in a simulation. Entities are created
// through the simulator and must not be shared across simulators.
type Entity struct {
	sim   *Simulator
	id    EntityID
	typ   *EntityType
	flags EntityFlag

	owner    *session.User
	parent   *Entity
	children []*Entity

	dirty       DirtyFlag
	inDirtyList bool
	disposed    bool

	behaviour Behaviour

	// state is the networked state: authoritative on the server, the last
	// confirmed server state on the client.
	state *EntityState
	// clientState is the client-side view of entities that are predicted or
	// interpolated; nil otherwise and on the server.
	clientState *EntityState
	// history holds interpolation snapshots ordered by time.
	history []*EntityState

	networkTouched bool
}

// ID returns the session-unique entity ID.
func (e *Entity) ID() EntityID { return e.id }

// Type returns the registered type of the entity.
func (e *Entity) Type() *EntityType { return e.typ }

// Flags returns the entity's flag bitmask.
func (e *Entity) Flags() EntityFlag { return e.flags }

// Behaviour returns the application behaviour bound to the entity.
func (e *Entity) Behaviour() Behaviour { return e.behaviour }

// Simulator returns the simulator that owns the entity.
func (e *Entity) Simulator() *Simulator { return e.sim }

// Disposed reports whether the entity was removed from its simulation.
func (e *Entity) Disposed() bool { return e.disposed }

// Owner returns the user owning the entity, if any.
func (e *Entity) Owner() *session.User { return e.owner }

// SetOwner changes the owning user.
func (e *Entity) SetOwner(u *session.User) {
	if e.owner == u {
		return
	}
	e.owner = u
	e.Invalidate()
}

// DirtyFlags returns what happened to the entity during the current tick.
func (e *Entity) DirtyFlags() DirtyFlag { return e.dirty }

// State returns the entity state to read and write. On a client, predicted
// and interpolated entities expose their client-side view here; all other
// entities and all server entities expose the networked state.
func (e *Entity) State() *EntityState {
	if e.clientState != nil {
		return e.clientState
	}
	return e.state
}

// NetworkedState returns the networked state: the authoritative state on the
// server, the last confirmed server state on a client. Prediction replay
// restores from it.
func (e *Entity) NetworkedState() *EntityState { return e.state }

// Parent returns the entity's parent, if any.
func (e *Entity) Parent() *Entity { return e.parent }

// SetParent re-links the entity under parent, which may be nil to unparent.
// On the server the change is broadcast as a Reparent command unless the
// entity is not replicated or suppressReplication is set.
func (e *Entity) SetParent(parent *Entity, suppressReplication bool) {
	old := e.parent
	if old == parent {
		return
	}
	if old != nil {
		for i, c := range old.children {
			if c == e {
				old.children = append(old.children[:i], old.children[i+1:]...)
				break
			}
		}
		old.behaviour.ChildRemoved(old, e)
	}
	e.parent = parent
	if parent != nil {
		parent.children = append(parent.children, e)
		parent.behaviour.ChildAdded(parent, e)
	}
	e.behaviour.ParentChanged(e, old, parent)
	e.Invalidate()

	if e.sim != nil && e.sim.server && !suppressReplication && e.flags&NotReplicated == 0 {
		e.sim.replicateReparent(e, parent)
	}
}

// ChildCount returns the number of children linked under the entity.
func (e *Entity) ChildCount() int { return len(e.children) }

// ChildAt returns the child at index i.
func (e *Entity) ChildAt(i int) *Entity { return e.children[i] }

// ChildByID returns the direct child with the ID passed.
func (e *Entity) ChildByID(id EntityID) (*Entity, bool) {
	for _, c := range e.children {
		if c.id == id {
			return c, true
		}
	}
	return nil, false
}

// ForEachChild calls f for every direct child of the entity.
func (e *Entity) ForEachChild(f func(child *Entity)) {
	for _, c := range e.children {
		f(c)
	}
}

// CreateCommand allocates a command of the type passed, addressed at the
// entity.
func (e *Entity) CreateCommand(id CommandTypeID) (Command, error) {
	d, ok := e.sim.commands.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("create command %v: unknown command type", id)
	}
	c := d.Allocate()
	c.SetTarget(e.id)
	return c, nil
}

// ExecuteCommand processes a command addressed at the entity. The built-in
// Reparent command is handled here; everything else goes to the behaviour.
func (e *Entity) ExecuteCommand(c Command) {
	if rc, ok := c.(*ReparentCommand); ok {
		var parent *Entity
		if rc.Parent != NoEntityID {
			parent, _ = e.sim.Entity(rc.Parent)
		}
		e.SetParent(parent, true)
		return
	}
	e.behaviour.ExecuteCommand(e, c)
}

// ScheduleUpdate schedules the entity's Update hook at the target time. It is
// a no-op on disposed entities, and an update whose entity is disposed by the
// time it fires does nothing.
func (e *Entity) ScheduleUpdate(p Priority, targetTime float64) {
	if e.disposed {
		return
	}
	e.sim.scheduler.Schedule(p, targetTime, func(now, delta float64) {
		if e.disposed {
			return
		}
		defer e.sim.recoverHandler("update", uint64(e.id))
		e.behaviour.Update(e, now, delta)
	})
}

// Invalidate marks the entity updated for this tick and enqueues it into the
// simulator's dirty list if it is not there yet.
func (e *Entity) Invalidate() {
	e.dirty |= DirtyUpdated
	if e.sim != nil {
		e.sim.invalidateEntity(e)
	}
}

// resetDirtyState clears the tick-local dirty bookkeeping. The simulator
// calls it after the post-tick phase.
func (e *Entity) resetDirtyState() {
	e.dirty = 0
	e.inDirtyList = false
	e.networkTouched = false
	e.state.ResetDirtyState()
	if e.clientState != nil {
		e.clientState.ResetDirtyState()
	}
}

// SnapshotState clones the networked state into the interpolation history,
// tagged with the arrival time passed.
func (e *Entity) SnapshotState(time float64) {
	snap := e.state.Clone()
	snap.Time = time
	e.history = append(e.history, snap)
	if len(e.history) == 1 {
		// A single snapshot has no segment to interpolate over; tag it with
		// the arrival time so the first segment starts here.
		e.history[0].Time = time
	}
}

// interpolate advances the client-side view of the entity to the time
// passed: immediate variables copy straight through, interpolated variables
// blend between the two snapshots spanning the time and predicted variables
// are restored from the networked state to prepare for replay.
func (e *Entity) interpolate(time float64) {
	if e.clientState == nil {
		return
	}
	e.state.CopyImmediate(e.clientState)

	if e.flags&Interpolated != 0 && len(e.history) > 0 {
		e.interpolateFromHistory(time)
	}
	if e.flags&Predicted != 0 {
		e.state.CopyPredicted(e.clientState)
	}
}

func (e *Entity) interpolateFromHistory(time float64) {
	// Find the last snapshot at or before the time and the first after it.
	from := -1
	for i, s := range e.history {
		if s.Time <= time {
			from = i
		} else {
			break
		}
	}
	if from == -1 {
		// All snapshots are in the future; hold the current view.
		return
	}
	if from == len(e.history)-1 {
		// All snapshots are in the past: snap to the newest and drop the
		// rest.
		newest := e.history[from]
		newest.CopyInterpolated(e.clientState)
		e.releaseHistoryBefore(from)
		return
	}
	s, f := e.history[from], e.history[from+1]
	t := (time - s.Time) / (f.Time - s.Time)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	e.clientState.Interpolate(s, f, float32(t), e.flags&Predicted != 0)
	e.releaseHistoryBefore(from)
}

// releaseHistoryBefore drops snapshots strictly older than the index passed.
func (e *Entity) releaseHistoryBefore(i int) {
	if i == 0 {
		return
	}
	remaining := copy(e.history, e.history[i:])
	for j := remaining; j < len(e.history); j++ {
		e.history[j] = nil
	}
	e.history = e.history[:remaining]
}

// HistoryLen returns the number of interpolation snapshots currently held.
func (e *Entity) HistoryLen() int { return len(e.history) }

func (e *Entity) dispose() {
	e.disposed = true
	e.history = nil
}
