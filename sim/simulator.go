package sim

import (
	"fmt"
	"log/slog"

	"github.com/playmesh/playmesh/sim/clock"
	"github.com/playmesh/playmesh/sim/session"
)

// Watcher observes entity lifecycle changes on a simulator.
type Watcher interface {
	// EntityAdded fires after an entity entered the entity map.
	EntityAdded(e *Entity)
	// EntityRemoved fires after an entity was removed from the entity map.
	EntityRemoved(e *Entity)
}

// Simulator is the state shared by the server and client simulators: the
// entity map, registries, scheduler, dirty tracking and command routing. It
// is single-threaded; all entity methods, command dispatch and scheduler
// callbacks run on the owning goroutine inside Update.
type Simulator struct {
	log   *slog.Logger
	clock *clock.Clock

	commands    *CommandRegistry
	entityTypes *EntityRegistry
	users       *session.Registry

	server       bool
	entities     map[EntityID]*Entity
	root         *Entity
	nextEntityID EntityID

	scheduler *Scheduler

	// dirty holds the entities invalidated this tick. Its length is tracked
	// separately so the backing array survives across ticks.
	dirty    []*Entity
	dirtyLen int

	removed []*Entity

	watchers []Watcher
	stats    Stats

	// globalCommands handles application global commands. Built-in globals
	// are handled before it runs.
	globalCommands func(c Command)
	// postTickEntity runs for each dirty entity at the end of a tick; the
	// server simulator uses it to write deltas into per-user sync writers.
	postTickEntity func(e *Entity, frame *Frame)
	// reparentHook broadcasts tree changes; only the server sets it.
	reparentHook func(e *Entity, parent *Entity)
}

func newSimulator(conf Config, server bool) *Simulator {
	s := &Simulator{
		log:         conf.Log,
		clock:       conf.Clock,
		commands:    conf.Commands,
		entityTypes: conf.Entities,
		users:       conf.Users,
		server:      server,
		entities:    make(map[EntityID]*Entity),
		scheduler:   NewScheduler(conf.SchedulerBudget),
	}
	if server {
		s.nextEntityID = 2
	} else {
		s.nextEntityID = 1
	}
	return s
}

// Log returns the simulator's logger.
func (s *Simulator) Log() *slog.Logger { return s.log }

// Clock returns the simulator's clock.
func (s *Simulator) Clock() *clock.Clock { return s.clock }

// Commands returns the command registry.
func (s *Simulator) Commands() *CommandRegistry { return s.commands }

// EntityTypes returns the entity type registry.
func (s *Simulator) EntityTypes() *EntityRegistry { return s.entityTypes }

// Users returns the user registry.
func (s *Simulator) Users() *session.Registry { return s.users }

// Stats returns a snapshot of the statistics counters.
func (s *Simulator) Stats() Stats { return s.stats }

// Server reports whether this is the authoritative side.
func (s *Simulator) Server() bool { return s.server }

// Scheduler returns the event scheduler of the simulator.
func (s *Simulator) Scheduler() *Scheduler { return s.scheduler }

// SetGlobalCommandHandler installs the handler for application global
// commands.
func (s *Simulator) SetGlobalCommandHandler(h func(c Command)) {
	s.globalCommands = h
}

// AddWatcher registers a lifecycle watcher.
func (s *Simulator) AddWatcher(w Watcher) {
	s.watchers = append(s.watchers, w)
}

// Root returns the designated root entity, if any.
func (s *Simulator) Root() *Entity { return s.root }

// Entity returns the live entity with the ID passed.
func (s *Simulator) Entity(id EntityID) (*Entity, bool) {
	e, ok := s.entities[id]
	return e, ok
}

// EntityCount returns the number of live entities.
func (s *Simulator) EntityCount() int { return len(s.entities) }

// ForEachEntity calls f for every live entity.
func (s *Simulator) ForEachEntity(f func(e *Entity)) {
	for _, e := range s.entities {
		f(e)
	}
}

// allocateEntityID steps the ID counter by two, preserving the side parity
// bit forever.
func (s *Simulator) allocateEntityID() EntityID {
	id := s.nextEntityID
	s.nextEntityID += 2
	return id
}

// CreateEntity instantiates a registered entity type with its default flags,
// inserts it into the entity map and marks it created.
func (s *Simulator) CreateEntity(typeID EntityTypeID, owner *session.User) (*Entity, error) {
	t, ok := s.entityTypes.Lookup(typeID)
	if !ok {
		return nil, fmt.Errorf("create entity: unknown entity type %v", typeID)
	}
	e := s.buildEntity(s.allocateEntityID(), t, t.Flags, owner)
	s.addEntity(e, true)
	return e, nil
}

// buildEntity wires an entity instance without inserting it into the map.
func (s *Simulator) buildEntity(id EntityID, t *EntityType, flags EntityFlag, owner *session.User) *Entity {
	e := &Entity{
		sim:   s,
		id:    id,
		typ:   t,
		flags: flags,
		owner: owner,
		state: NewState(t.State),
	}
	e.state.bind(e)
	if !s.server && flags&(Predicted|Interpolated) != 0 {
		e.clientState = NewState(t.State)
	}
	if t.New != nil {
		e.behaviour = t.New(e)
	}
	if e.behaviour == nil {
		e.behaviour = NopBehaviour{}
	}
	return e
}

// addEntity inserts an entity into the entity map and marks it created. On
// the server a second root entity is a programmer error and panics; on a
// client the newly added root replaces the previous one.
func (s *Simulator) addEntity(e *Entity, notify bool) {
	if _, ok := s.entities[e.id]; ok {
		panic(fmt.Sprintf("sim: entity %v added twice", e.id))
	}
	s.entities[e.id] = e
	if e.flags&RootFlag != 0 {
		if s.root != nil && s.root != e {
			if s.server {
				panic("sim: a root entity is already present")
			}
			// The server is authoritative over which entity is root.
		}
		s.root = e
	}
	e.dirty |= DirtyCreated
	e.Invalidate()
	if notify {
		s.notifyAdded(e)
	}
}

// RemoveEntity removes an entity from the simulation. The mode selects how
// its children are treated. The entity is marked deleted for the rest of the
// tick and reports Disposed immediately; its interpolation history is
// released once the tick completes.
func (s *Simulator) RemoveEntity(e *Entity, mode RemoveMode) {
	s.removeEntity(e, mode, true)
}

func (s *Simulator) removeEntity(e *Entity, mode RemoveMode, notify bool) {
	if e == nil || e.disposed {
		return
	}
	if _, ok := s.entities[e.id]; !ok {
		return
	}

	switch mode {
	case RemoveRecursive:
		for len(e.children) > 0 {
			s.removeEntity(e.children[len(e.children)-1], RemoveRecursive, notify)
		}
	case RemoveDetach:
		for len(e.children) > 0 {
			e.children[len(e.children)-1].SetParent(nil, false)
		}
	case RemoveShallow:
		for len(e.children) > 0 {
			e.children[len(e.children)-1].SetParent(nil, true)
		}
	}
	e.SetParent(nil, true)

	delete(s.entities, e.id)
	if s.root == e {
		s.root = nil
	}
	e.dirty |= DirtyDeleted
	e.Invalidate()
	e.disposed = true
	s.removed = append(s.removed, e)
	if notify {
		s.notifyRemoved(e)
	}
}

// invalidateEntity appends an entity to the dirty list when it had no prior
// dirty bits this tick.
func (s *Simulator) invalidateEntity(e *Entity) {
	if e.inDirtyList {
		return
	}
	e.inDirtyList = true
	if s.dirtyLen < len(s.dirty) {
		s.dirty[s.dirtyLen] = e
	} else {
		s.dirty = append(s.dirty, e)
	}
	s.dirtyLen++
}

// ExecuteCommand routes a single command: global commands go to the
// simulator's executor, entity commands to the addressed entity. Commands
// addressing a missing entity are discarded with a debug log. Predicted
// commands are marked as having predicted after execution.
func (s *Simulator) ExecuteCommand(c Command) {
	s.executeCommand(c)
	if p, ok := c.(PredictedCommand); ok {
		p.SetHasPredicted(true)
	}
}

func (s *Simulator) executeCommand(c Command) {
	defer s.recoverHandler("command", uint64(c.Desc().TypeID()))
	if c.Desc().Flags()&CommandGlobal != 0 || c.Target() == NoEntityID {
		s.executeGlobalCommand(c)
		return
	}
	e, ok := s.entities[c.Target()]
	if !ok {
		s.log.Debug("discarded command for unknown entity", "command", c.Desc().Name(), "entity", uint64(c.Target()))
		return
	}
	e.ExecuteCommand(c)
}

func (s *Simulator) executeGlobalCommand(c Command) {
	if rc, ok := c.(*SetRootCommand); ok {
		if e, ok := s.entities[rc.Root]; ok {
			s.root = e
		} else {
			s.log.Debug("set_root_entity for unknown entity", "entity", uint64(rc.Root))
		}
		return
	}
	if s.globalCommands != nil {
		s.globalCommands(c)
	}
}

// executeCommands drains a command batch in order and releases the commands
// back to their factories.
func (s *Simulator) executeCommands(cmds []Command) {
	for _, c := range cmds {
		s.ExecuteCommand(c)
		c.Desc().Release(c)
	}
}

// postTickUpdateEntities runs the post-tick hooks on every entity dirtied
// during the tick. Hooks may dirty further entities; those are processed in
// the same pass.
func (s *Simulator) postTickUpdateEntities(frame *Frame) {
	for i := 0; i < s.dirtyLen; i++ {
		e := s.dirty[i]
		if e.dirty == 0 {
			continue
		}
		s.callPostTick(e, frame)
		if s.postTickEntity != nil {
			s.postTickEntity(e, frame)
		}
	}
}

func (s *Simulator) callPostTick(e *Entity, frame *Frame) {
	defer s.recoverHandler("post_tick_update", uint64(e.id))
	e.behaviour.PostTickUpdate(e, frame)
}

// postUpdate releases the dirty list, resets per-entity dirty state and
// disposes entities removed during the tick.
func (s *Simulator) postUpdate() {
	for i := 0; i < s.dirtyLen; i++ {
		s.dirty[i].resetDirtyState()
		s.dirty[i] = nil
	}
	s.dirtyLen = 0
	for i, e := range s.removed {
		e.dispose()
		s.removed[i] = nil
	}
	s.removed = s.removed[:0]
}

func (s *Simulator) notifyAdded(e *Entity) {
	for _, w := range s.watchers {
		w.EntityAdded(e)
	}
}

func (s *Simulator) notifyRemoved(e *Entity) {
	for _, w := range s.watchers {
		w.EntityRemoved(e)
	}
}

// replicateReparent is called by SetParent on the server side.
func (s *Simulator) replicateReparent(e *Entity, parent *Entity) {
	if s.reparentHook != nil {
		s.reparentHook(e, parent)
	}
}

// recoverHandler keeps a panicking per-entity handler from aborting the whole
// tick.
func (s *Simulator) recoverHandler(phase string, subject uint64) {
	if v := recover(); v != nil {
		s.log.Error("handler panicked", "phase", phase, "subject", subject, "panic", v)
	}
}
