package sim

import (
	"testing"
)

func TestEntityIDParity(t *testing.T) {
	env := newTestEnv(t)

	var serverIDs []EntityID
	for i := 0; i < 3; i++ {
		e, err := env.server.CreateEntity(nodeTypeID, nil)
		if err != nil {
			t.Fatalf("create entity: %v", err)
		}
		serverIDs = append(serverIDs, e.ID())
	}
	seen := map[EntityID]bool{}
	for _, id := range serverIDs {
		if id&1 != 0 {
			t.Fatalf("expected even server IDs, got %v", uint64(id))
		}
		if seen[id] {
			t.Fatalf("expected unique IDs, %v repeated", uint64(id))
		}
		seen[id] = true
	}

	for i := 0; i < 3; i++ {
		e, err := env.client.CreateEntity(nodeTypeID, nil)
		if err != nil {
			t.Fatalf("create client entity: %v", err)
		}
		if e.ID()&1 != 1 {
			t.Fatalf("expected odd client IDs, got %v", uint64(e.ID()))
		}
		if seen[e.ID()] {
			t.Fatalf("expected IDs to never repeat, %v did", uint64(e.ID()))
		}
		seen[e.ID()] = true
	}
}

func TestRecursiveRemoval(t *testing.T) {
	env := newTestEnv(t)

	a, _ := env.server.CreateEntity(nodeTypeID, nil)
	b, _ := env.server.CreateEntity(nodeTypeID, nil)
	c, _ := env.server.CreateEntity(nodeTypeID, nil)
	b.SetParent(a, true)
	c.SetParent(b, true)

	env.server.RemoveEntity(a, RemoveRecursive)

	if got := env.server.EntityCount(); got != 0 {
		t.Fatalf("expected an empty entity map, got %v entities", got)
	}
	env.serverTick()
	for _, e := range []*Entity{a, b, c} {
		if !e.Disposed() {
			t.Fatalf("expected entity %v to be disposed", uint64(e.ID()))
		}
	}
}

func TestDetachRemovalKeepsChildren(t *testing.T) {
	env := newTestEnv(t)

	a, _ := env.server.CreateEntity(nodeTypeID, nil)
	b, _ := env.server.CreateEntity(nodeTypeID, nil)
	b.SetParent(a, true)

	env.server.RemoveEntity(a, RemoveDetach)
	if _, ok := env.server.Entity(b.ID()); !ok {
		t.Fatalf("expected the child to stay live after a detach removal")
	}
	if b.Parent() != nil {
		t.Fatalf("expected the child to be unparented")
	}
}

func TestChildBookkeeping(t *testing.T) {
	env := newTestEnv(t)

	parent, _ := env.server.CreateEntity(nodeTypeID, nil)
	c1, _ := env.server.CreateEntity(nodeTypeID, nil)
	c2, _ := env.server.CreateEntity(nodeTypeID, nil)
	c1.SetParent(parent, true)
	c2.SetParent(parent, true)

	if got := parent.ChildCount(); got != 2 {
		t.Fatalf("expected two children, got %v", got)
	}
	if got := parent.ChildAt(0); got != c1 {
		t.Fatalf("expected c1 at index 0")
	}
	if got, ok := parent.ChildByID(c2.ID()); !ok || got != c2 {
		t.Fatalf("expected to find c2 by ID")
	}
	count := 0
	parent.ForEachChild(func(*Entity) { count++ })
	if count != 2 {
		t.Fatalf("expected the iterator to visit both children, visited %v", count)
	}

	c1.SetParent(nil, true)
	if got := parent.ChildCount(); got != 1 {
		t.Fatalf("expected one child after unparenting, got %v", got)
	}
}

func TestSetRootEntityGlobalDispatch(t *testing.T) {
	env := newTestEnv(t)

	e, _ := env.server.CreateEntity(nodeTypeID, nil)

	d, ok := env.server.Commands().Lookup(MakeCommandTypeID(CoreModuleID, setRootCommandID))
	if !ok {
		t.Fatalf("expected the built-in set_root_entity command to be registered")
	}
	cmd := d.Allocate().(*SetRootCommand)
	cmd.Root = e.ID()
	// Global commands carry no target; the simulator's own executor handles
	// them.
	if cmd.Target() != NoEntityID {
		t.Fatalf("expected a fresh global command to target no entity")
	}
	env.server.ExecuteCommand(cmd)
	d.Release(cmd)

	if env.server.Root() != e {
		t.Fatalf("expected the root entity pointer to update")
	}
}

func TestReparentCommandExecution(t *testing.T) {
	env := newTestEnv(t)

	child, _ := env.client.CreateEntity(nodeTypeID, nil)
	parent, _ := env.client.CreateEntity(nodeTypeID, nil)

	rc := reparentDesc.Allocate().(*ReparentCommand)
	rc.SetTarget(child.ID())
	rc.Parent = parent.ID()
	env.client.ExecuteCommand(rc)
	if child.Parent() == nil || child.Parent().ID() != parent.ID() {
		t.Fatalf("expected the child to be linked under the command's parent")
	}
	reparentDesc.Release(rc)

	rc = reparentDesc.Allocate().(*ReparentCommand)
	rc.SetTarget(child.ID())
	rc.Parent = NoEntityID
	env.client.ExecuteCommand(rc)
	if child.Parent() != nil {
		t.Fatalf("expected NoEntityID to unparent the child")
	}
	reparentDesc.Release(rc)
}

func TestCommandForUnknownEntityIsDiscarded(t *testing.T) {
	env := newTestEnv(t)

	c := newNudge(1)
	c.SetTarget(EntityID(9000))
	// Must not panic or error; the command is simply dropped.
	env.server.ExecuteCommand(c)
	nudgeDesc.Release(c)
}

func TestInvalidateAppendsOnce(t *testing.T) {
	env := newTestEnv(t)

	e, _ := env.server.CreateEntity(nodeTypeID, nil)
	before := env.server.dirtyLen
	e.Invalidate()
	e.Invalidate()
	if env.server.dirtyLen != before {
		t.Fatalf("expected repeated invalidation to keep a single dirty entry")
	}
}

func TestDirtyStateIsTickLocal(t *testing.T) {
	env := newTestEnv(t)

	e, _ := env.server.CreateEntity(nodeTypeID, nil)
	e.State().SetString(nodeLabelVar, "x")
	if e.DirtyFlags() == 0 {
		t.Fatalf("expected dirty flags before the tick")
	}
	env.serverTick()
	if e.DirtyFlags() != 0 {
		t.Fatalf("expected dirty flags to clear after the tick")
	}
	if e.State().HasDirty() {
		t.Fatalf("expected the variable mask to clear after the tick")
	}
}

func TestSecondRootPanics(t *testing.T) {
	reg := NewEntityRegistry([]*EntityType{
		{ID: 9, Name: "root", Flags: RootFlag, State: nodeTestState},
	})
	srv := Config{Log: discardLogger(), Entities: reg}.NewServer()

	if _, err := srv.CreateEntity(9, nil); err != nil {
		t.Fatalf("create root: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a second root entity to panic")
		}
	}()
	_, _ = srv.CreateEntity(9, nil)
}

type recordingWatcher struct {
	added, removed []EntityID
}

func (w *recordingWatcher) EntityAdded(e *Entity)   { w.added = append(w.added, e.ID()) }
func (w *recordingWatcher) EntityRemoved(e *Entity) { w.removed = append(w.removed, e.ID()) }

func TestWatcherNotifications(t *testing.T) {
	env := newTestEnv(t)
	w := &recordingWatcher{}
	env.server.AddWatcher(w)

	e, _ := env.server.CreateEntity(nodeTypeID, nil)
	if len(w.added) != 1 || w.added[0] != e.ID() {
		t.Fatalf("expected an added notification, got %v", w.added)
	}
	env.server.RemoveEntity(e, RemoveRecursive)
	if len(w.removed) != 1 || w.removed[0] != e.ID() {
		t.Fatalf("expected a removed notification, got %v", w.removed)
	}
}
