package sim

import (
	"github.com/playmesh/playmesh/sim/wire"
)

// desyncLimit is the number of unconfirmed predicted commands after which a
// client must consider itself disconnected: the server has stopped
// acknowledging.
const desyncLimit = 1500

// CommandList buffers inbound commands until the next tick drains them.
type CommandList struct {
	cmds []Command
}

// Add appends a command to the list.
func (l *CommandList) Add(c Command) {
	l.cmds = append(l.cmds, c)
}

// Len returns the number of buffered commands.
func (l *CommandList) Len() int { return len(l.cmds) }

// Take returns the buffered commands and empties the list. The caller owns
// the returned slice and is responsible for releasing the commands.
func (l *CommandList) Take() []Command {
	cmds := l.cmds
	l.cmds = nil
	return cmds
}

// Compact drops the retained capacity of the list. Simulators call it
// periodically so that a burst of commands does not pin its peak allocation
// forever.
func (l *CommandList) Compact() {
	if cap(l.cmds) > 64 && len(l.cmds)*4 < cap(l.cmds) {
		l.cmds = append(make([]Command, 0, len(l.cmds)), l.cmds...)
	}
}

// PredictedCommandList is the client-side command queue: it assigns sequence
// numbers to predicted commands, batches all commands for the next send,
// keeps sent-but-unacknowledged predicted commands for replay and releases
// them once the server confirms their sequence.
type PredictedCommandList struct {
	nextSequence uint32

	// unconfirmed holds predicted commands that were sent but not yet
	// acknowledged, in sequence order.
	unconfirmed []PredictedCommand
	// outgoing holds all commands awaiting the next send, in submission
	// order.
	outgoing []Command
	// outgoingPredicted aliases the predicted subset of outgoing for the
	// replay fast path.
	outgoingPredicted []PredictedCommand
}

// NewPredictedCommandList creates an empty list. Sequences start at 1.
func NewPredictedCommandList() *PredictedCommandList {
	return &PredictedCommandList{nextSequence: 1}
}

// AddCommand queues a command for the next send. Predicted commands receive
// the next sequence number and start with HasPredicted unset so that their
// first execution may produce side effects.
func (l *PredictedCommandList) AddCommand(c Command) {
	if p, ok := c.(PredictedCommand); ok {
		p.SetSequence(l.nextSequence)
		l.nextSequence++
		p.SetHasPredicted(false)
		l.outgoingPredicted = append(l.outgoingPredicted, p)
	}
	l.outgoing = append(l.outgoing, c)
}

// ConfirmSequence releases every unconfirmed predicted command with a
// sequence at or below seq back to its factory.
func (l *PredictedCommandList) ConfirmSequence(seq uint32) {
	keep := 0
	for _, c := range l.unconfirmed {
		if c.Sequence() <= seq {
			c.Desc().Release(c)
			continue
		}
		l.unconfirmed[keep] = c
		keep++
	}
	for i := keep; i < len(l.unconfirmed); i++ {
		l.unconfirmed[i] = nil
	}
	l.unconfirmed = l.unconfirmed[:keep]
}

// UnconfirmedLen returns the number of sent, unacknowledged predicted
// commands.
func (l *PredictedCommandList) UnconfirmedLen() int { return len(l.unconfirmed) }

// Desynced reports whether the unconfirmed queue has grown past the point
// where the client must disconnect.
func (l *PredictedCommandList) Desynced() bool { return len(l.unconfirmed) > desyncLimit }

// HasOutgoing reports whether any command awaits the next send.
func (l *PredictedCommandList) HasOutgoing() bool { return len(l.outgoing) > 0 }

// Write serializes the queued commands as the body of an ExecCommands packet:
// the highest sequence being sent, the command count and then each command as
// its type ID and payload. Predicted commands move to the unconfirmed queue;
// unpredicted commands are released immediately.
func (l *PredictedCommandList) Write(w *wire.Writer) {
	w.Varuint32(l.nextSequence - 1)
	w.Varuint32(uint32(len(l.outgoing)))
	for _, c := range l.outgoing {
		w.Varuint32(uint32(c.Desc().TypeID()))
		c.Marshal(w, 0)
		if p, ok := c.(PredictedCommand); ok {
			l.unconfirmed = append(l.unconfirmed, p)
		} else {
			c.Desc().Release(c)
		}
	}
	l.outgoing = l.outgoing[:0]
	l.outgoingPredicted = l.outgoingPredicted[:0]
}

// ExecutePrediction replays the predicted commands through exec: first every
// unconfirmed command, then every outgoing predicted command, both in
// sequence order. Unconfirmed commands always replay with HasPredicted set;
// outgoing commands execute with their current marker and are marked
// afterwards, so only their first execution observes HasPredicted unset.
func (l *PredictedCommandList) ExecutePrediction(exec func(Command)) {
	for _, c := range l.unconfirmed {
		c.SetHasPredicted(true)
		exec(c)
	}
	for _, c := range l.outgoingPredicted {
		exec(c)
		c.SetHasPredicted(true)
	}
}

// Compact drops retained capacity across the internal queues.
func (l *PredictedCommandList) Compact() {
	if cap(l.outgoing) > 64 && len(l.outgoing)*4 < cap(l.outgoing) {
		l.outgoing = append(make([]Command, 0, len(l.outgoing)), l.outgoing...)
	}
	if cap(l.outgoingPredicted) > 64 && len(l.outgoingPredicted)*4 < cap(l.outgoingPredicted) {
		l.outgoingPredicted = append(make([]PredictedCommand, 0, len(l.outgoingPredicted)), l.outgoingPredicted...)
	}
	if cap(l.unconfirmed) > 64 && len(l.unconfirmed)*4 < cap(l.unconfirmed) {
		l.unconfirmed = append(make([]PredictedCommand, 0, len(l.unconfirmed)), l.unconfirmed...)
	}
}
