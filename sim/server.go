package sim

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playmesh/playmesh/sim/session"
	"github.com/playmesh/playmesh/sim/userdb"
	"github.com/playmesh/playmesh/sim/wire"
)

// maxPacketCommands bounds the command count a single inbound packet may
// claim, as a defense against malicious length fields.
const maxPacketCommands = 4096

// ServerSimulator runs the authoritative side of a simulation. Each connected
// user is observed through a SyncWriter that accumulates the replication
// actions relevant to that user during a tick.
type ServerSimulator struct {
	*Simulator

	allower   session.Allower
	userStore *userdb.Store

	mu    sync.Mutex
	users map[*session.User]*serverUser
	order []*serverUser

	tick int64
}

type serverUser struct {
	user   *session.User
	writer *SyncWriter

	mu             sync.Mutex
	inbound        []Command
	pendingConfirm uint32

	lastSentConfirm uint32
}

// NewServer creates a ServerSimulator from the configuration passed.
func (conf Config) NewServer() *ServerSimulator {
	conf = conf.fill()
	s := &ServerSimulator{
		Simulator: newSimulator(conf, true),
		allower:   conf.Allower,
		userStore: conf.UserStore,
		users:     make(map[*session.User]*serverUser),
	}
	s.Simulator.postTickEntity = s.writeEntityActions
	s.Simulator.reparentHook = s.broadcastReparent
	s.Simulator.globalCommands = conf.GlobalCommands
	return s
}

// RegisterHandlers wires the server's packet handlers into a packet switch.
func (s *ServerSimulator) RegisterHandlers(sw *session.Switch) {
	sw.Register(wire.IDExecCommands, s.HandleExecCommands)
}

// AdmitUser admits a connecting user: the allow list is consulted, a wire ID
// is restored from the user store or newly allocated, and the user is added
// to the simulation with the connection attached. Like all entity-map access
// it must run on the simulator goroutine or between ticks.
func (s *ServerSimulator) AdmitUser(sessionID uuid.UUID, name string, conn session.Conn) (*session.User, error) {
	if s.allower != nil {
		if reason, ok := s.allower.Allow(name); !ok {
			return nil, fmt.Errorf("admit user %v: %v", name, reason)
		}
	}

	var wireID uint32
	if s.userStore != nil {
		if rec, err := s.userStore.Load(sessionID); err == nil {
			if _, taken := s.Users().UserByWireID(rec.WireID); !taken {
				wireID = rec.WireID
			}
			if name == "" {
				name = rec.Name
			}
		}
	}
	if wireID == 0 {
		wireID = s.Users().AllocateWireID()
	}
	if s.userStore != nil {
		if err := s.userStore.Save(sessionID, userdb.Record{WireID: wireID, Name: name}); err != nil {
			s.log.Error("persist user failed", "user", name, "err", err)
		}
	}

	u := session.NewUser(sessionID, wireID, name)
	u.Attach(conn)
	s.Users().Add(u)
	s.AddUser(u)
	return u, nil
}

// AddUser starts observing a user. Every replicated entity already live in
// the simulation is queued as a create record so the user receives a full
// resync.
func (s *ServerSimulator) AddUser(u *session.User) {
	su := &serverUser{user: u, writer: NewSyncWriter(u)}

	s.mu.Lock()
	if _, ok := s.users[u]; ok {
		s.mu.Unlock()
		return
	}
	s.users[u] = su
	s.order = append(s.order, su)
	s.mu.Unlock()

	for _, e := range s.entities {
		if s.replicatedTo(e, u) && e.dirty&DirtyCreated == 0 {
			su.writer.AddCreate(e)
		}
	}
}

// RemoveUser stops observing a user and drops its queued content.
func (s *ServerSimulator) RemoveUser(u *session.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	su, ok := s.users[u]
	if !ok {
		return
	}
	delete(s.users, u)
	for i, o := range s.order {
		if o == su {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// HandleExecCommands decodes an ExecCommands packet from a user and buffers
// the commands for the next tick. It returns false on malformed packets and
// unknown command types; the session layer may disconnect the sender.
func (s *ServerSimulator) HandleExecCommands(sender *session.User, packet []byte) bool {
	s.mu.Lock()
	su, ok := s.users[sender]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("exec commands from unknown user", "user", sender.Name())
		return false
	}

	cmds, highest, err := s.decodeExecCommands(packet)
	if err != nil {
		s.log.Debug("rejected exec commands packet", "user", sender.Name(), "err", err)
		for _, c := range cmds {
			c.Desc().Release(c)
		}
		return false
	}

	su.mu.Lock()
	su.inbound = append(su.inbound, cmds...)
	if highest > su.pendingConfirm {
		su.pendingConfirm = highest
	}
	su.mu.Unlock()
	return true
}

func (s *ServerSimulator) decodeExecCommands(packet []byte) (cmds []Command, highest uint32, err error) {
	defer wire.Catch(&err)

	r := wire.NewReader(packet)
	if r.Uint8() != wire.IDExecCommands {
		return cmds, 0, fmt.Errorf("%w: unexpected packet type", wire.ErrMalformed)
	}
	highest = r.Varuint32()
	count := r.Varuint32()
	if count > maxPacketCommands {
		return cmds, 0, fmt.Errorf("%w: command count %v exceeds limit", wire.ErrMalformed, count)
	}
	for i := uint32(0); i < count; i++ {
		typeID := CommandTypeID(r.Varuint32())
		desc, ok := s.commands.Lookup(typeID)
		if !ok {
			return cmds, 0, fmt.Errorf("%w: unknown command type %v", wire.ErrMalformed, typeID)
		}
		c := desc.Allocate()
		c.Unmarshal(r, 0)
		cmds = append(cmds, c)
	}

	s.stats.PacketsIn++
	s.stats.BytesIn += uint64(len(packet))
	s.stats.CommandsIn += uint64(count)
	return cmds, highest, nil
}

// Update runs one authoritative tick: inbound commands, scheduler, post-tick
// entity hooks with delta collection, packet emission and dirty state reset.
func (s *ServerSimulator) Update(frame *Frame) {
	s.tick = frame.Tick

	// Drain inbound commands from all connected users, in user join order and
	// packet order per user.
	s.mu.Lock()
	order := append([]*serverUser(nil), s.order...)
	s.mu.Unlock()
	for _, su := range order {
		su.mu.Lock()
		cmds := su.inbound
		su.inbound = nil
		confirm := su.pendingConfirm
		su.mu.Unlock()

		su.writer.ConfirmSequence(confirm)
		s.executeCommands(cmds)
	}

	s.scheduler.Update(frame)
	s.postTickUpdateEntities(frame)

	// Emit one SyncSimulation packet per user with queued content. A freshly
	// advanced confirmed sequence counts as content: the client needs it to
	// release acknowledged commands.
	for _, su := range order {
		if !su.writer.HasContent() && su.writer.ConfirmedSequence() == su.lastSentConfirm {
			continue
		}
		su.lastSentConfirm = su.writer.ConfirmedSequence()
		b := su.writer.Finish(&s.stats)
		if err := su.user.Send(b); err != nil {
			s.log.Debug("send sync packet failed", "user", su.user.Name(), "err", err)
		}
	}

	s.detachTransient()
	s.postUpdate()
}

// Run ticks the simulation at the interval passed until done closes,
// advancing game time by a fixed step each tick and keeping a ticks-per-
// second average for diagnostics.
func (s *ServerSimulator) Run(interval time.Duration, done <-chan struct{}) {
	const tpsSampleSize = 20

	tc := time.NewTicker(interval)
	defer tc.Stop()

	step := interval.Seconds()
	warnThreshold := (1.0 / step) * 0.95
	lastTick := time.Now()
	var (
		durationSum time.Duration
		ticksCount  int
		warned      bool
	)
	for {
		select {
		case <-tc.C:
			tickStart := time.Now()
			duration := tickStart.Sub(lastTick)
			lastTick = tickStart
			if duration > 0 {
				durationSum += duration
				ticksCount++
				if ticksCount >= tpsSampleSize {
					if avg := durationSum / time.Duration(ticksCount); avg > 0 {
						tps := 1.0 / avg.Seconds()
						if tps < warnThreshold && !math.IsInf(tps, 0) {
							if !warned {
								s.log.Warn("TPS dropped below threshold.", "tps", tps)
								warned = true
							}
						} else if warned {
							warned = false
						}
					}
					durationSum = 0
					ticksCount = 0
				}
			}

			s.clock.StepGameTime(step)
			s.tick++
			frame := &Frame{Time: s.clock.GameTime(), Delta: step, Tick: s.tick}
			s.Update(frame)
		case <-done:
			return
		}
	}
}

// writeEntityActions is the post-tick hook collecting replication actions per
// user for one dirty entity.
func (s *ServerSimulator) writeEntityActions(e *Entity, _ *Frame) {
	if e.flags&NotReplicated != 0 {
		return
	}
	created := e.dirty&DirtyCreated != 0
	deleted := e.dirty&DirtyDeleted != 0
	if created && deleted {
		// Created and deleted within one tick: never replicated.
		return
	}

	s.mu.Lock()
	order := s.order
	s.mu.Unlock()
	for _, su := range order {
		if e.flags&OwnerOnly != 0 && e.owner != su.user {
			continue
		}
		switch {
		case created:
			su.writer.AddCreate(e)
		case deleted:
			su.writer.AddDelete(e.id)
		case e.state.HasDirty():
			su.writer.AddUpdate(e)
		}
	}
}

// broadcastReparent queues the built-in Reparent command for every user that
// replicates the entity.
func (s *ServerSimulator) broadcastReparent(e *Entity, parent *Entity) {
	parentID := NoEntityID
	if parent != nil {
		parentID = parent.id
	}
	s.mu.Lock()
	order := s.order
	s.mu.Unlock()
	for _, su := range order {
		if e.flags&OwnerOnly != 0 && e.owner != su.user {
			continue
		}
		c := reparentDesc.Allocate().(*ReparentCommand)
		c.SetTarget(e.id)
		c.Parent = parentID
		su.writer.AddCommand(c)
	}
}

// detachTransient removes entities that were created and replicated this
// tick with the Transient flag. No delete record is sent: clients keep their
// copy while the creating host forgets it.
func (s *ServerSimulator) detachTransient() {
	for i := 0; i < s.dirtyLen; i++ {
		e := s.dirty[i]
		if e.flags&Transient == 0 || e.dirty&DirtyCreated == 0 || e.dirty&DirtyDeleted != 0 {
			continue
		}
		e.SetParent(nil, true)
		delete(s.entities, e.id)
		e.disposed = true
		s.removed = append(s.removed, e)
		s.notifyRemoved(e)
	}
}

// replicatedTo reports whether the entity is replicated to the user at all.
func (s *ServerSimulator) replicatedTo(e *Entity, u *session.User) bool {
	if e.flags&NotReplicated != 0 {
		return false
	}
	if e.flags&OwnerOnly != 0 && e.owner != u {
		return false
	}
	return true
}
