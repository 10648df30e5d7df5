package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/playmesh/playmesh/sim/session"
	"github.com/playmesh/playmesh/sim/wire"
)

// sendInterval is the fixed pacing of client command flushes: at most one
// ExecCommands packet every 1/20 of a second.
const sendInterval = 1.0 / 20

// compactInterval is how often the client compacts its command lists.
const compactInterval = 15.0

// ClientSimulator runs the predicted, interpolated side of a simulation.
// Inbound packets are buffered on arrival and applied at the next tick
// boundary; all entity work happens inside Update.
type ClientSimulator struct {
	*Simulator

	predicted *PredictedCommandList
	inbound   CommandList

	mu        sync.Mutex
	pending   [][]byte
	submitted []Command

	send    func(b []byte) error
	sendBuf *wire.Writer

	interpDelay float64
	latency     float64

	lastSendTime    float64
	lastCompactTime float64

	fatalErr error

	// touched collects entities that received network state during packet
	// processing, for the post-network pass.
	touched []*Entity
	// netAdded and netRemoved collect lifecycle changes from packets so
	// watchers are notified after the whole packet applied.
	netAdded   []*Entity
	netRemoved []*Entity
}

// NewClient creates a ClientSimulator from the configuration passed.
func (conf Config) NewClient() *ClientSimulator {
	conf = conf.fill()
	c := &ClientSimulator{
		Simulator:   newSimulator(conf, false),
		predicted:   NewPredictedCommandList(),
		send:        conf.Send,
		sendBuf:     wire.NewWriter(),
		interpDelay: conf.InterpolationDelay,
	}
	c.Simulator.globalCommands = conf.GlobalCommands
	if c.send == nil {
		c.send = func(b []byte) error {
			u := c.users.LocalUser()
			if u == nil {
				return session.ErrNotConnected
			}
			return u.Send(b)
		}
	}
	return c
}

// RegisterHandlers wires the client's packet handlers into a packet switch.
func (c *ClientSimulator) RegisterHandlers(sw *session.Switch) {
	sw.Register(wire.IDSyncSimulation, c.HandleSyncSimulation)
}

// SetLatency sets the one-way latency estimate fed into the clock when server
// time readings arrive.
func (c *ClientSimulator) SetLatency(latency float64) { c.latency = latency }

// Err returns the fatal error of the client, if any. A non-nil error means
// the client must disconnect.
func (c *ClientSimulator) Err() error { return c.fatalErr }

// SubmitCommand queues a command for transmission to the server. It may be
// called from any goroutine; the command enters the predicted command list at
// the next tick boundary, where predicted commands receive their sequence and
// are replayed locally until confirmed.
func (c *ClientSimulator) SubmitCommand(cmd Command) {
	c.mu.Lock()
	c.submitted = append(c.submitted, cmd)
	c.mu.Unlock()
}

// CreateCommand allocates a command of the registered type passed.
func (c *ClientSimulator) CreateCommand(id CommandTypeID) (Command, error) {
	d, ok := c.commands.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("create command %v: unknown command type", id)
	}
	return d.Allocate(), nil
}

// HandleSyncSimulation buffers a SyncSimulation packet for processing at the
// next tick boundary. Packet validity is only known once it is applied.
func (c *ClientSimulator) HandleSyncSimulation(_ *session.User, packet []byte) bool {
	c.mu.Lock()
	c.pending = append(c.pending, packet)
	c.mu.Unlock()
	return true
}

// Update runs one client tick: apply buffered server packets, interpolate and
// re-predict entities, execute inbound commands, run the scheduler, fire
// post-tick hooks and flush queued commands if the send interval elapsed.
func (c *ClientSimulator) Update(frame *Frame) error {
	c.mu.Lock()
	packets := c.pending
	c.pending = nil
	submitted := c.submitted
	c.submitted = nil
	c.mu.Unlock()
	for _, cmd := range submitted {
		c.predicted.AddCommand(cmd)
	}
	for _, b := range packets {
		if err := c.processSyncPacket(b); err != nil {
			c.log.Error("rejected sync packet", "err", err)
			if c.fatalErr == nil {
				c.fatalErr = err
			}
		}
	}

	c.interpolateAndPredict()

	c.executeCommands(c.inbound.Take())

	c.scheduler.Update(frame)
	c.postTickUpdateEntities(frame)

	if now := c.clock.ClientTime(); now-c.lastSendTime >= sendInterval && c.predicted.HasOutgoing() {
		c.lastSendTime = now
		c.flushCommands()
	}

	if c.predicted.Desynced() {
		c.log.Error("too many unconfirmed predicted commands, disconnecting",
			"unconfirmed", c.predicted.UnconfirmedLen())
		if c.fatalErr == nil {
			c.fatalErr = ErrDesync
		}
	}

	c.postUpdate()

	if now := c.clock.ClientTime(); now-c.lastCompactTime >= compactInterval {
		c.lastCompactTime = now
		c.predicted.Compact()
		c.inbound.Compact()
	}
	return c.fatalErr
}

// interpolateAndPredict advances the client view of every predicted or
// interpolated entity to the render time and then replays the unconfirmed and
// outgoing predicted commands on top.
func (c *ClientSimulator) interpolateAndPredict() {
	renderTime := c.clock.ServerTime() - c.interpDelay
	for _, e := range c.entities {
		if e.clientState != nil {
			e.interpolate(renderTime)
		}
	}
	c.predicted.ExecutePrediction(c.executeCommand)
}

// flushCommands serializes the queued commands into an ExecCommands packet
// and sends it to the server.
func (c *ClientSimulator) flushCommands() {
	c.sendBuf.Reset()
	c.sendBuf.Uint8(wire.IDExecCommands)
	outgoing := uint64(len(c.predicted.outgoing))
	c.predicted.Write(c.sendBuf)

	c.stats.PacketsOut++
	c.stats.BytesOut += uint64(c.sendBuf.Len())
	c.stats.CommandsOut += outgoing
	if err := c.send(c.sendBuf.Bytes()); err != nil {
		c.log.Debug("send commands failed", "err", err)
	}
}

type pendingParent struct {
	entity *Entity
	parent EntityID
}

// processSyncPacket applies one SyncSimulation packet: confirm the sequence,
// clear prior dirty flags, apply creates, updates and deletes, resolve
// deferred parents, queue commands and fire the post-network pass.
func (c *ClientSimulator) processSyncPacket(packet []byte) (err error) {
	defer wire.Catch(&err)

	r := wire.NewReader(packet)
	if r.Uint8() != wire.IDSyncSimulation {
		return fmt.Errorf("%w: unexpected packet type", wire.ErrMalformed)
	}
	timeBase := float64(r.Varuint64()) / 1000
	confirmed := r.Varuint32()
	createCount := r.Varuint32()
	updateCount := r.Varuint32()
	deleteCount := r.Varuint32()
	commandCount := r.Varuint32()
	if commandCount > maxPacketCommands {
		return fmt.Errorf("%w: command count %v exceeds limit", wire.ErrMalformed, commandCount)
	}

	c.stats.PacketsIn++
	c.stats.BytesIn += uint64(len(packet))

	c.predicted.ConfirmSequence(confirmed)

	if timeBase > 0 {
		c.clock.UpdateServerTime(timeBase, c.latency)
	}
	snapTime := timeBase
	if snapTime <= 0 {
		snapTime = c.clock.ServerTime()
	}

	// Clear dirty flags left over from local work so the post-network pass
	// only sees what this packet touched.
	c.preNetworkUpdateEntities()

	c.touched = c.touched[:0]
	c.netAdded = c.netAdded[:0]
	c.netRemoved = c.netRemoved[:0]

	var reparents []pendingParent
	for i := uint32(0); i < createCount; i++ {
		pp, err := c.readCreate(r, snapTime)
		if err != nil {
			return err
		}
		if pp.parent != NoEntityID {
			reparents = append(reparents, pp)
		}
		c.stats.EntityCreatesIn++
	}

	for i := uint32(0); i < updateCount; i++ {
		id := EntityID(r.Varuint64() << 1)
		e, ok := c.entities[id]
		if !ok {
			return fmt.Errorf("update record: %w: %v", ErrUnknownEntity, uint64(id))
		}
		e.state.DeserializeDelta(r)
		if e.flags&Interpolated != 0 {
			e.SnapshotState(snapTime)
		}
		e.networkTouched = true
		c.touched = append(c.touched, e)
		c.stats.EntityUpdatesIn++
	}

	for i := uint32(0); i < deleteCount; i++ {
		id := EntityID(r.Varuint64() << 1)
		e, ok := c.entities[id]
		if !ok {
			// The entity may have been deleted by an earlier record already.
			c.log.Debug("delete record for unknown entity", "entity", uint64(id))
			continue
		}
		// Children are deleted by their own records; never dispose them here.
		c.removeEntity(e, RemoveShallow, false)
		c.netRemoved = append(c.netRemoved, e)
		c.stats.EntityDeletesIn++
	}

	// Create records are not topologically sorted: re-link parents only after
	// every create in the packet was applied.
	for _, pp := range reparents {
		parent, ok := c.entities[pp.parent]
		if !ok {
			return fmt.Errorf("create record for %v: %w: %v", uint64(pp.entity.id), ErrUnknownParent, uint64(pp.parent))
		}
		pp.entity.SetParent(parent, true)
	}

	for i := uint32(0); i < commandCount; i++ {
		typeID := CommandTypeID(r.Varuint32())
		desc, ok := c.commands.Lookup(typeID)
		if !ok {
			return fmt.Errorf("%w: unknown command type %v", wire.ErrMalformed, typeID)
		}
		cmd := desc.Allocate()
		cmd.Unmarshal(r, timeBase)
		c.inbound.Add(cmd)
		c.stats.CommandsIn++
	}

	c.postNetworkUpdateEntities()
	return nil
}

func (c *ClientSimulator) readCreate(r *wire.Reader, snapTime float64) (pendingParent, error) {
	id := EntityID(r.Varuint64() << 1)
	typeID := EntityTypeID(r.Varuint32())
	flags := EntityFlag(r.Varuint32())
	ownerWire := r.Varuint32()
	parentID := EntityID(r.Varuint64() << 1)

	t, ok := c.entityTypes.Lookup(typeID)
	if !ok {
		return pendingParent{}, fmt.Errorf("%w: unknown entity type %v", wire.ErrMalformed, typeID)
	}

	var owner *session.User
	if ownerWire != 0 {
		owner, _ = c.users.UserByWireID(ownerWire)
	}

	// Predicting other players' entities would fight their own inputs: the
	// predicted flag only survives when this user owns the entity.
	if flags&Predicted != 0 && (owner == nil || owner != c.users.LocalUser()) {
		flags &^= Predicted
	}

	if e, ok := c.entities[id]; ok {
		// A resync may repeat a create for an entity already known; re-read
		// the full state into it.
		e.state.Deserialize(r)
		if e.flags&Interpolated != 0 {
			e.SnapshotState(snapTime)
		}
		e.networkTouched = true
		c.touched = append(c.touched, e)
		return pendingParent{entity: e, parent: parentID}, nil
	}

	e := c.buildEntity(id, t, flags, owner)
	e.state.Deserialize(r)
	c.addEntity(e, false)
	if e.flags&Interpolated != 0 {
		e.SnapshotState(snapTime)
	}
	e.networkTouched = true
	c.touched = append(c.touched, e)
	c.netAdded = append(c.netAdded, e)
	return pendingParent{entity: e, parent: parentID}, nil
}

// preNetworkUpdateEntities clears the dirty state accumulated before the
// packet so post-network hooks observe only network changes.
func (c *ClientSimulator) preNetworkUpdateEntities() {
	for i := 0; i < c.dirtyLen; i++ {
		c.dirty[i].resetDirtyState()
		c.dirty[i] = nil
	}
	c.dirtyLen = 0
}

// postNetworkUpdateEntities fires PostNetworkUpdate on every entity the
// packet touched and notifies watchers of creates and deletes.
func (c *ClientSimulator) postNetworkUpdateEntities() {
	for _, e := range c.touched {
		if e.disposed {
			continue
		}
		c.callPostNetwork(e)
	}
	for _, e := range c.netAdded {
		c.notifyAdded(e)
	}
	for _, e := range c.netRemoved {
		c.notifyRemoved(e)
	}
	c.touched = c.touched[:0]
	c.netAdded = c.netAdded[:0]
	c.netRemoved = c.netRemoved[:0]
}

func (c *ClientSimulator) callPostNetwork(e *Entity) {
	defer c.recoverHandler("post_network_update", uint64(e.id))
	e.behaviour.PostNetworkUpdate(e)
}

// Run ticks the client at the interval passed until done closes or a fatal
// error occurs.
func (c *ClientSimulator) Run(interval time.Duration, done <-chan struct{}) error {
	tc := time.NewTicker(interval)
	defer tc.Stop()

	step := interval.Seconds()
	var tick int64
	for {
		select {
		case <-tc.C:
			c.clock.StepGameTime(step)
			tick++
			frame := &Frame{Time: c.clock.GameTime(), Delta: step, Tick: tick}
			if err := c.Update(frame); err != nil {
				return err
			}
		case <-done:
			return c.fatalErr
		}
	}
}
