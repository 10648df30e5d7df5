package sim

import (
	"fmt"
	"sync"

	"github.com/playmesh/playmesh/sim/wire"
)

// CommandFlag is a bitmask describing how a command type is routed and
// encoded.
type CommandFlag uint8

const (
	// CommandGlobal marks a command that is routed to the simulator's own
	// executor instead of an entity, bypassing target validation.
	CommandGlobal CommandFlag = 1 << iota
	// CommandTime marks a command that carries an absolute time, delta-encoded
	// against the per-packet time base.
	CommandTime
	// CommandPredicted marks a command type whose instances participate in
	// client-side prediction.
	CommandPredicted
)

// Command is a message targeted either globally or at one entity. Command
// implementations embed CommandBase or PredictedCommandBase and override
// Marshal, Unmarshal and Reset for their payload.
type Command interface {
	// Desc returns the descriptor the command was allocated from.
	Desc() *CommandDesc
	// Target returns the addressed entity, or NoEntityID for global commands.
	Target() EntityID
	// SetTarget addresses the command at an entity.
	SetTarget(id EntityID)
	// Marshal writes the type-specific payload. baseTime is the packet time
	// base used by time-carrying commands.
	Marshal(w *wire.Writer, baseTime float64)
	// Unmarshal reads the type-specific payload written by Marshal.
	Unmarshal(r *wire.Reader, baseTime float64)
	// Reset restores the command to its blank state before it returns to the
	// pool. Overrides must call the embedded base's Reset.
	Reset()

	attach(d *CommandDesc)
}

// PredictedCommand is implemented by commands that embed
// PredictedCommandBase. Predicted commands carry a per-client sequence and are
// re-executed during prediction replay until the server confirms them.
type PredictedCommand interface {
	Command
	// Sequence returns the client-assigned sequence number.
	Sequence() uint32
	// SetSequence assigns the sequence number.
	SetSequence(seq uint32)
	// HasPredicted reports whether the command has executed at least once
	// before. Entities use it to keep visible side effects idempotent across
	// prediction replays.
	HasPredicted() bool
	// SetHasPredicted updates the replay marker.
	SetHasPredicted(v bool)
}

// TimedCommand is implemented by commands flagged CommandTime. The sync
// writer adopts the time of the first timed command in a packet as the packet
// time base.
type TimedCommand interface {
	Command
	// CommandTime returns the absolute time carried by the command in
	// seconds.
	CommandTime() float64
	// SetCommandTime sets the carried time in seconds.
	SetCommandTime(t float64)
}

// CommandBase provides the bookkeeping shared by all commands. Embed it (or
// PredictedCommandBase) in every command implementation.
type CommandBase struct {
	desc   *CommandDesc
	target EntityID
}

// Desc returns the descriptor the command was allocated from.
func (c *CommandBase) Desc() *CommandDesc { return c.desc }

// Target returns the addressed entity, or NoEntityID for global commands.
func (c *CommandBase) Target() EntityID { return c.target }

// SetTarget addresses the command at an entity.
func (c *CommandBase) SetTarget(id EntityID) { c.target = id }

// Marshal writes nothing; commands with a payload override it.
func (c *CommandBase) Marshal(*wire.Writer, float64) {}

// Unmarshal reads nothing; commands with a payload override it.
func (c *CommandBase) Unmarshal(*wire.Reader, float64) {}

// Reset clears the target.
func (c *CommandBase) Reset() { c.target = NoEntityID }

func (c *CommandBase) attach(d *CommandDesc) { c.desc = d }

// PredictedCommandBase extends CommandBase with the sequence and replay
// marker of predicted commands.
type PredictedCommandBase struct {
	CommandBase
	sequence     uint32
	hasPredicted bool
}

// Sequence returns the client-assigned sequence number.
func (c *PredictedCommandBase) Sequence() uint32 { return c.sequence }

// SetSequence assigns the sequence number.
func (c *PredictedCommandBase) SetSequence(seq uint32) { c.sequence = seq }

// HasPredicted reports whether the command has executed before.
func (c *PredictedCommandBase) HasPredicted() bool { return c.hasPredicted }

// SetHasPredicted updates the replay marker.
func (c *PredictedCommandBase) SetHasPredicted(v bool) { c.hasPredicted = v }

// Reset clears the base fields.
func (c *PredictedCommandBase) Reset() {
	c.CommandBase.Reset()
	c.sequence = 0
	c.hasPredicted = false
}

// CommandDesc describes a registered command type and pools its instances.
type CommandDesc struct {
	id    CommandTypeID
	name  string
	flags CommandFlag
	pool  sync.Pool
}

// NewCommandDesc creates a command descriptor. newFn must return a blank
// instance of the command type.
func NewCommandDesc(id CommandTypeID, name string, flags CommandFlag, newFn func() Command) *CommandDesc {
	d := &CommandDesc{id: id, name: name, flags: flags}
	d.pool.New = func() any { return newFn() }
	return d
}

// TypeID returns the command type ID.
func (d *CommandDesc) TypeID() CommandTypeID { return d.id }

// Name returns the diagnostic name of the command type.
func (d *CommandDesc) Name() string { return d.name }

// Flags returns the command type flags.
func (d *CommandDesc) Flags() CommandFlag { return d.flags }

// Allocate returns a blank command instance from the pool.
func (d *CommandDesc) Allocate() Command {
	c := d.pool.Get().(Command)
	c.attach(d)
	return c
}

// Release resets the command and returns it to the pool.
func (d *CommandDesc) Release(c Command) {
	if c == nil {
		return
	}
	c.Reset()
	d.pool.Put(c)
}

// PutTime delta-encodes an absolute time in seconds against the packet time
// base.
func PutTime(w *wire.Writer, baseTime, t float64) {
	w.Varint64(int64(t*1000) - int64(baseTime*1000))
}

// GetTime decodes a time written by PutTime.
func GetTime(r *wire.Reader, baseTime float64) float64 {
	return float64(int64(baseTime*1000)+r.Varint64()) / 1000
}

// CommandRegistry maps command type IDs to their descriptors. The registry is
// immutable after bootstrap; Register calls during a running simulation are a
// programmer error.
type CommandRegistry struct {
	types map[CommandTypeID]*CommandDesc
}

// NewCommandRegistry creates a registry with the built-in commands
// registered.
func NewCommandRegistry() *CommandRegistry {
	r := &CommandRegistry{types: make(map[CommandTypeID]*CommandDesc)}
	r.Register(reparentDesc)
	r.Register(setRootDesc)
	return r
}

// Register adds a command descriptor, panicking on a duplicate type ID.
func (r *CommandRegistry) Register(d *CommandDesc) {
	if prev, ok := r.types[d.id]; ok {
		panic(fmt.Sprintf("sim: command type %v registered twice (%v and %v)", d.id, prev.name, d.name))
	}
	r.types[d.id] = d
}

// Lookup returns the descriptor for a command type ID.
func (r *CommandRegistry) Lookup(id CommandTypeID) (*CommandDesc, bool) {
	d, ok := r.types[id]
	return d, ok
}

// Built-in command local IDs within CoreModuleID.
const (
	reparentCommandID = iota
	setRootCommandID
)

var reparentDesc = NewCommandDesc(MakeCommandTypeID(CoreModuleID, reparentCommandID), "reparent",
	0, func() Command { return &ReparentCommand{} })

var setRootDesc = NewCommandDesc(MakeCommandTypeID(CoreModuleID, setRootCommandID), "set_root_entity",
	CommandGlobal, func() Command { return &SetRootCommand{} })

// ReparentCommand re-links an entity under a new parent. The server sends it
// whenever SetParent changes the tree, unless replication is suppressed.
type ReparentCommand struct {
	CommandBase
	// Parent is the new parent entity, or NoEntityID to unparent.
	Parent EntityID
}

// Marshal writes the new parent ID.
func (c *ReparentCommand) Marshal(w *wire.Writer, _ float64) {
	w.Varuint64(uint64(c.Parent))
}

// Unmarshal reads the new parent ID.
func (c *ReparentCommand) Unmarshal(r *wire.Reader, _ float64) {
	c.Parent = EntityID(r.Varuint64())
}

// Reset clears the command.
func (c *ReparentCommand) Reset() {
	c.CommandBase.Reset()
	c.Parent = NoEntityID
}

// SetRootCommand designates the root entity of a simulation. It is global:
// the simulator's own executor processes it.
type SetRootCommand struct {
	CommandBase
	// Root is the entity to install as root.
	Root EntityID
}

// Marshal writes the root entity ID.
func (c *SetRootCommand) Marshal(w *wire.Writer, _ float64) {
	w.Varuint64(uint64(c.Root))
}

// Unmarshal reads the root entity ID.
func (c *SetRootCommand) Unmarshal(r *wire.Reader, _ float64) {
	c.Root = EntityID(r.Varuint64())
}

// Reset clears the command.
func (c *SetRootCommand) Reset() {
	c.CommandBase.Reset()
	c.Root = NoEntityID
}
