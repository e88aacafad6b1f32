// Package inflight tracks the one active generation per conversation.
//
// Each conversation gets a slot with its own guard. The guard serializes
// fragment appends, room broadcasts and joiner snapshots, so a client that
// joins mid-stream sees every fragment exactly once: either inside its
// catch-up snapshot or as a live event queued after it.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ahmetk3436/relay/internal/models"
	"github.com/google/uuid"
)

var ErrAlreadyGenerating = errors.New("conversation is already generating")

const clearTimeout = 5 * time.Second

// StateStore persists the generating flag. MarkGenerating must be a
// conditional update that reports false when the flag is already set.
type StateStore interface {
	MarkGenerating(ctx context.Context, id uuid.UUID) (bool, error)
	ClearGenerating(ctx context.Context, id uuid.UUID) error
}

type State int

const (
	Idle State = iota
	Generating
	Retained
)

func (s State) String() string {
	switch s {
	case Generating:
		return "generating"
	case Retained:
		return "retained"
	default:
		return "idle"
	}
}

// Snapshot is a copy of a conversation's in-flight message. When Done is
// true the generation has finished and Message is the finalized record.
type Snapshot struct {
	Message models.Message
	Text    string
	Done    bool
}

type entry struct {
	placeholder models.Message
	started     bool
	text        strings.Builder
	cancel      context.CancelFunc
	aborted     bool
	startedAt   time.Time
}

type slot struct {
	mu     sync.Mutex
	refs   int // guarded by Table.mu
	gen    *entry
	done   *models.Message
	doneAt time.Time
}

type Table struct {
	mu     sync.Mutex
	slots  map[uuid.UUID]*slot
	active map[uuid.UUID]time.Time

	base    context.Context
	store   StateStore
	timeout time.Duration
	grace   time.Duration
	now     func() time.Time

	stop chan struct{}
}

// NewTable creates a table whose generation contexts derive from base, so
// cancelling base fails every active generation.
func NewTable(base context.Context, store StateStore, timeout, grace time.Duration) *Table {
	return &Table{
		slots:   make(map[uuid.UUID]*slot),
		active:  make(map[uuid.UUID]time.Time),
		base:    base,
		store:   store,
		timeout: timeout,
		grace:   grace,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

func (t *Table) acquire(id uuid.UUID) *slot {
	t.mu.Lock()
	s, ok := t.slots[id]
	if !ok {
		s = &slot{}
		t.slots[id] = s
	}
	s.refs++
	t.mu.Unlock()

	s.mu.Lock()
	return s
}

// lockSlot locks a slot the caller already references through a Handle.
func (t *Table) lockSlot(s *slot) {
	t.mu.Lock()
	s.refs++
	t.mu.Unlock()
	s.mu.Lock()
}

// release unlocks s and drops it from the map once nobody references it and
// it holds no state. refs == 0 means no goroutine holds or waits on s.mu.
func (t *Table) release(id uuid.UUID, s *slot) {
	s.mu.Unlock()

	t.mu.Lock()
	s.refs--
	if s.refs == 0 && s.gen == nil && s.done == nil && t.slots[id] == s {
		delete(t.slots, id)
	}
	t.mu.Unlock()
}

// Begin is the only gate for starting a generation. It fails with
// ErrAlreadyGenerating when this instance already has an active entry or
// when the store flag is held by someone else.
func (t *Table) Begin(ctx context.Context, id uuid.UUID) (*Handle, error) {
	s := t.acquire(id)
	defer t.release(id, s)

	if s.gen != nil {
		return nil, ErrAlreadyGenerating
	}

	ok, err := t.store.MarkGenerating(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mark generating: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyGenerating
	}

	gctx, cancel := context.WithTimeout(t.base, t.timeout)
	e := &entry{cancel: cancel, startedAt: t.now()}
	s.gen = e
	s.done = nil

	t.mu.Lock()
	t.active[id] = e.startedAt
	t.mu.Unlock()

	return &Handle{table: t, id: id, slot: s, entry: e, ctx: gctx}, nil
}

// AppendFragment adds text to the accumulator and calls publish while the
// guard is held. publish is skipped once the entry has been aborted.
func (t *Table) AppendFragment(h *Handle, text string, publish func()) bool {
	t.lockSlot(h.slot)
	defer t.release(h.id, h.slot)

	h.entry.text.WriteString(text)
	if h.entry.aborted {
		return false
	}
	if publish != nil {
		publish()
	}
	return true
}

// Snapshot copies the in-flight message of a conversation. It reports false
// when nothing is generating or retained, or when the placeholder has not
// been created yet.
func (t *Table) Snapshot(id uuid.UUID) (Snapshot, bool) {
	s := t.acquire(id)
	defer t.release(id, s)

	snap := s.snapshot()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}

// JoinSnapshot runs fn with the current snapshot (nil when there is none)
// while holding the conversation guard. No fragment can be appended or
// broadcast while fn runs.
func (t *Table) JoinSnapshot(id uuid.UUID, fn func(snap *Snapshot) error) error {
	s := t.acquire(id)
	defer t.release(id, s)
	return fn(s.snapshot())
}

func (s *slot) snapshot() *Snapshot {
	if s.gen != nil {
		if !s.gen.started || s.gen.aborted {
			return nil
		}
		return &Snapshot{Message: s.gen.placeholder, Text: s.gen.text.String()}
	}
	if s.done != nil {
		return &Snapshot{Message: *s.done, Text: s.done.Content, Done: true}
	}
	return nil
}

// End finalizes the generation exactly once. Under the guard it builds the
// final message from the accumulator, calls persist, clears the generating
// flag and calls announce. persist and announce are skipped when the entry
// was aborted or never got a placeholder. A successful generation is
// retained for the grace window so late joiners see the final text.
func (t *Table) End(h *Handle, errText string, persist func(models.Message) error, announce func(models.Message)) (models.Message, error) {
	t.lockSlot(h.slot)
	defer t.release(h.id, h.slot)

	e := h.entry
	if h.slot.gen != e {
		return models.Message{}, errors.New("generation already ended")
	}
	defer e.cancel()

	final := e.placeholder
	final.Content = e.text.String()
	if errText != "" {
		final.Error = &errText
	} else {
		final.Error = nil
	}

	var persistErr error
	publish := e.started && !e.aborted
	if publish && persist != nil {
		persistErr = persist(final)
	}

	cctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	if err := t.store.ClearGenerating(cctx, h.id); err != nil {
		slog.Error("Failed to clear generating flag", "conversation_id", h.id, "error", err)
	}
	cancel()

	if publish && announce != nil {
		announce(final)
	}

	h.slot.gen = nil
	if publish && errText == "" && persistErr == nil {
		h.slot.done = &final
		h.slot.doneAt = t.now()
	}

	t.mu.Lock()
	delete(t.active, h.id)
	t.mu.Unlock()

	return final, persistErr
}

// Abort cancels the active generation and suppresses its remaining events.
// Any retained result is dropped as well.
func (t *Table) Abort(id uuid.UUID) bool {
	s := t.acquire(id)
	defer t.release(id, s)

	s.done = nil
	if s.gen == nil {
		return false
	}
	s.gen.aborted = true
	s.gen.cancel()
	return true
}

func (t *Table) State(id uuid.UUID) State {
	s := t.acquire(id)
	defer t.release(id, s)

	switch {
	case s.gen != nil:
		return Generating
	case s.done != nil:
		return Retained
	default:
		return Idle
	}
}

// Active returns the ids of conversations generating on this instance.
func (t *Table) Active() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	return ids
}

func (t *Table) IsActive(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[id]
	return ok
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func (t *Table) Start() {
	go t.cleanupLoop()
	slog.Info("In-flight table started", "grace", t.grace, "timeout", t.timeout)
}

func (t *Table) Stop() {
	close(t.stop)
}

func (t *Table) cleanupLoop() {
	interval := t.grace / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.evictExpired()
		case <-t.stop:
			return
		}
	}
}

// evictExpired drops retained results older than the grace window. Slots
// that are referenced are left for the next tick.
func (t *Table) evictExpired() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for id, s := range t.slots {
		if s.refs != 0 || s.gen != nil || s.done == nil {
			continue
		}
		if now.Sub(s.doneAt) >= t.grace {
			delete(t.slots, id)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("Evicted retained generations", "count", evicted)
	}
	return evicted
}
