package inflight

import (
	"context"

	"github.com/ahmetk3436/relay/internal/models"
	"github.com/google/uuid"
)

// Handle is the generation's exclusive reference to its entry.
type Handle struct {
	table *Table
	id    uuid.UUID
	slot  *slot
	entry *entry
	ctx   context.Context
}

func (h *Handle) ConversationID() uuid.UUID { return h.id }

// Context is cancelled on timeout, abort, shutdown or End.
func (h *Handle) Context() context.Context { return h.ctx }

// Publish runs fn under the conversation guard.
func (h *Handle) Publish(fn func() error) error {
	h.table.lockSlot(h.slot)
	defer h.table.release(h.id, h.slot)

	if h.entry.aborted {
		return context.Canceled
	}
	return fn()
}

// Open runs create under the guard and installs the returned message as the
// placeholder. From then on joiners receive it through snapshots.
func (h *Handle) Open(create func() (models.Message, error)) error {
	h.table.lockSlot(h.slot)
	defer h.table.release(h.id, h.slot)

	if h.entry.aborted {
		return context.Canceled
	}
	msg, err := create()
	if err != nil {
		return err
	}
	h.entry.placeholder = msg
	h.entry.started = true
	return nil
}

// Aborted reports whether the generation was aborted by Table.Abort.
func (h *Handle) Aborted() bool {
	h.table.lockSlot(h.slot)
	defer h.table.release(h.id, h.slot)
	return h.entry.aborted
}
