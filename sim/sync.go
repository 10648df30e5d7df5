package sim

import (
	"github.com/playmesh/playmesh/sim/session"
	"github.com/playmesh/playmesh/sim/wire"
)

// SyncWriter accumulates the create, update and delete actions and the queued
// commands destined for one user during a tick, and finalizes them into a
// SyncSimulation packet.
type SyncWriter struct {
	user *session.User

	confirmedSequence uint32

	creates []*Entity
	updates []*Entity
	deletes []EntityID
	// commands holds queued commands for the user. The writer owns them and
	// releases them to their factories once the packet is finished.
	commands []Command

	buf *wire.Writer
}

// NewSyncWriter creates a writer for the user passed.
func NewSyncWriter(user *session.User) *SyncWriter {
	return &SyncWriter{user: user, buf: wire.NewWriter()}
}

// User returns the user the writer serves.
func (w *SyncWriter) User() *session.User { return w.user }

// ConfirmSequence raises the confirmed predicted-command sequence reported to
// the user. It never lowers it.
func (w *SyncWriter) ConfirmSequence(seq uint32) {
	if seq > w.confirmedSequence {
		w.confirmedSequence = seq
	}
}

// ConfirmedSequence returns the highest sequence observed from the user.
func (w *SyncWriter) ConfirmedSequence() uint32 { return w.confirmedSequence }

// AddCreate queues a create record for the entity.
func (w *SyncWriter) AddCreate(e *Entity) { w.creates = append(w.creates, e) }

// AddUpdate queues a delta record for the entity.
func (w *SyncWriter) AddUpdate(e *Entity) { w.updates = append(w.updates, e) }

// AddDelete queues a delete record for the entity ID.
func (w *SyncWriter) AddDelete(id EntityID) { w.deletes = append(w.deletes, id) }

// AddCommand queues a command for the user. The writer takes ownership and
// releases the command after the packet is finished.
func (w *SyncWriter) AddCommand(c Command) { w.commands = append(w.commands, c) }

// HasContent reports whether any record or command is queued.
func (w *SyncWriter) HasContent() bool {
	return len(w.creates) != 0 || len(w.updates) != 0 || len(w.deletes) != 0 || len(w.commands) != 0
}

// Finish serializes the queued content into a SyncSimulation packet and
// clears the writer for the next tick. The returned slice is only valid until
// the next Finish call.
func (w *SyncWriter) Finish(stats *Stats) []byte {
	w.buf.Reset()
	w.buf.Uint8(wire.IDSyncSimulation)

	// The first time-carrying command establishes the packet time base; all
	// command times are delta-encoded against it.
	timeBase := 0.0
	for _, c := range w.commands {
		if c.Desc().Flags()&CommandTime != 0 {
			if tc, ok := c.(TimedCommand); ok {
				timeBase = tc.CommandTime()
				break
			}
		}
	}
	w.buf.Varuint64(uint64(int64(timeBase * 1000)))

	w.buf.Varuint32(w.confirmedSequence)
	w.buf.Varuint32(uint32(len(w.creates)))
	w.buf.Varuint32(uint32(len(w.updates)))
	w.buf.Varuint32(uint32(len(w.deletes)))
	w.buf.Varuint32(uint32(len(w.commands)))

	for _, e := range w.creates {
		w.writeCreate(e)
		stats.EntityCreatesOut++
	}
	for _, e := range w.updates {
		w.buf.Varuint64(uint64(e.ID() >> 1))
		e.NetworkedState().SerializeDelta(w.buf)
		stats.EntityUpdatesOut++
	}
	for _, id := range w.deletes {
		w.buf.Varuint64(uint64(id >> 1))
		stats.EntityDeletesOut++
	}
	for _, c := range w.commands {
		w.buf.Varuint32(uint32(c.Desc().TypeID()))
		c.Marshal(w.buf, timeBase)
		c.Desc().Release(c)
		stats.CommandsOut++
	}

	w.creates = w.creates[:0]
	w.updates = w.updates[:0]
	w.deletes = w.deletes[:0]
	w.commands = w.commands[:0]

	stats.PacketsOut++
	stats.BytesOut += uint64(w.buf.Len())
	return w.buf.Bytes()
}

func (w *SyncWriter) writeCreate(e *Entity) {
	w.buf.Varuint64(uint64(e.ID() >> 1))
	w.buf.Varuint32(uint32(e.Type().ID))
	w.buf.Varuint32(uint32(e.Flags()))
	owner := uint32(0)
	if e.Owner() != nil {
		owner = e.Owner().WireID()
	}
	w.buf.Varuint32(owner)
	parent := uint64(0)
	if e.Parent() != nil {
		parent = uint64(e.Parent().ID() >> 1)
	}
	w.buf.Varuint64(parent)
	e.NetworkedState().Serialize(w.buf)
}
