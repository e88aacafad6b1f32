package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/ahmetk3436/relay/internal/inflight"
	"github.com/ahmetk3436/relay/internal/models"
	"github.com/ahmetk3436/relay/internal/repositories"
	"github.com/google/uuid"
)

const (
	sweepInterval    = time.Minute
	sweepTimeout     = 30 * time.Second
	interruptedError = "generation interrupted"
)

// Sweeper clears generating flags that no live generation backs. Only flags
// older than threshold are touched, except at startup of an exclusive
// instance where every flag is stale.
type Sweeper struct {
	convs     repositories.ConversationRepository
	table     *inflight.Table
	threshold time.Duration
	exclusive bool
	stop      chan struct{}
	log       *slog.Logger
}

// NewSweeper builds a sweeper. exclusive means this is the only instance,
// so at startup every flag is stale.
func NewSweeper(convs repositories.ConversationRepository, table *inflight.Table, threshold time.Duration, exclusive bool) *Sweeper {
	return &Sweeper{
		convs:     convs,
		table:     table,
		threshold: threshold,
		exclusive: exclusive,
		stop:      make(chan struct{}),
		log:       slog.With("component", "Sweeper"),
	}
}

func (s *Sweeper) Start() {
	cutoff := time.Now().Add(-s.threshold)
	if s.exclusive {
		cutoff = time.Now()
	}
	s.sweep(cutoff)

	go s.loop()
	slog.Info("Stale generation sweeper started", "threshold", s.threshold)
}

func (s *Sweeper) Stop() {
	close(s.stop)
	slog.Info("Stale generation sweeper stopped")
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now().Add(-s.threshold))
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweep(before time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	cleared, err := s.Reconcile(ctx, before)
	if err != nil {
		s.log.Error("Sweep failed", "error", err)
		return
	}
	if cleared > 0 {
		s.log.Warn("Cleared stale generating flags", "count", cleared)
	}
}

// Reconcile clears flags set before the cutoff that have no local in-flight
// entry. A placeholder left empty by the lost generation gets an error so
// clients can offer a regenerate.
func (s *Sweeper) Reconcile(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.convs.ListStaleGenerating(ctx, before)
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, id := range ids {
		if s.table.IsActive(id) {
			continue
		}
		if err := s.markInterrupted(ctx, id); err != nil {
			s.log.Warn("Failed to mark interrupted message", "conversation_id", id, "error", err)
		}
		if err := s.convs.ClearGenerating(ctx, id); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

func (s *Sweeper) markInterrupted(ctx context.Context, id uuid.UUID) error {
	msgs, err := s.convs.ListMessages(ctx, id)
	if err != nil || len(msgs) == 0 {
		return err
	}
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleAssistant || last.Content != "" || last.Error != nil {
		return nil
	}
	errText := interruptedError
	last.Error = &errText
	return s.convs.UpdateMessage(ctx, &last)
}
