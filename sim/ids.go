// Package sim implements a replicated, tick-driven entity simulation shared
// between an authoritative server and predicting, interpolating clients.
package sim

import "errors"

// EntityID is a session-unique entity identifier. The least-significant bit
// records which side created the entity: server-created entities have an even
// ID and are replicated, client-created entities have an odd ID and exist only
// on the creating client.
type EntityID uint64

// NoEntityID addresses no entity. Commands targeting NoEntityID are global.
const NoEntityID EntityID = 0

// ClientCreated reports whether the ID was allocated by a client.
func (id EntityID) ClientCreated() bool { return id&1 == 1 }

// EntityTypeID identifies a registered entity type.
type EntityTypeID uint32

// CommandTypeID identifies a registered command type. It is composed of a
// module ID and a module-local ID so that applications can allocate their own
// command ranges without colliding with the built-in commands.
type CommandTypeID uint32

// MakeCommandTypeID composes a CommandTypeID from a module ID and a
// module-local command ID.
func MakeCommandTypeID(module, local uint32) CommandTypeID {
	return CommandTypeID(module<<8 | local&0xff)
}

// CoreModuleID is the module ID reserved for the built-in commands.
// Applications must allocate module IDs starting at 1.
const CoreModuleID = 0

// EntityFlag is a bitmask describing the behaviour and replication of an
// entity.
type EntityFlag uint32

const (
	// NotReplicated marks an entity that exists only on the creating host and
	// is never serialized to the wire.
	NotReplicated EntityFlag = 1 << iota
	// UpdatedFrequently hints that the entity changes every tick.
	UpdatedFrequently
	// Predicted marks an entity whose predicted variables are rolled forward
	// by unconfirmed commands on the client.
	Predicted
	// Interpolated marks an entity whose interpolated variables blend between
	// snapshotted server states on the client.
	Interpolated
	// LatencyCompensated marks an entity for which the server records
	// historical states for hit rewinding. Only the interface is reserved.
	LatencyCompensated
	// Transient marks an entity that is replicated once and then detached on
	// the creating host.
	Transient
	// OwnerOnly restricts replication of the entity to its owning user.
	OwnerOnly
	// RootFlag marks the single designated root entity of a simulation.
	RootFlag
)

// DirtyFlag records what happened to an entity during the current tick. Dirty
// flags are cleared once the post-tick phase completes.
type DirtyFlag uint8

const (
	// DirtyCreated is set on entities added to the simulation this tick.
	DirtyCreated DirtyFlag = 1 << iota
	// DirtyUpdated is set on entities whose state changed this tick.
	DirtyUpdated
	// DirtyDeleted is set on entities removed from the simulation this tick.
	DirtyDeleted
)

var (
	// ErrUnknownEntity is returned when an update record in a sync packet
	// addresses an entity that is not in the entity map; the packet is
	// rejected. Commands addressing a missing entity do not produce it: they
	// are discarded with a debug log.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrUnknownParent is returned when a create record references a parent
	// that cannot be resolved after all creates in a packet were applied. It
	// is fatal to the packet.
	ErrUnknownParent = errors.New("unknown parent entity")
	// ErrDesync is surfaced by a client that accumulated too many unconfirmed
	// predicted commands. The client must disconnect.
	ErrDesync = errors.New("server stopped confirming predicted commands")
)

// Frame describes one simulation update step.
type Frame struct {
	// Time is the game time of the frame in seconds.
	Time float64
	// Delta is the amount of game time passed since the previous frame.
	Delta float64
	// Tick is the sequential number of the frame.
	Tick int64
}
