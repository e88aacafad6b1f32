package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ahmetk3436/relay/internal/database"
	"github.com/ahmetk3436/relay/internal/inflight"
	"github.com/ahmetk3436/relay/internal/models"
	"github.com/ahmetk3436/relay/internal/observability"
	"github.com/ahmetk3436/relay/internal/provider"
	"github.com/ahmetk3436/relay/internal/realtime"
	"github.com/ahmetk3436/relay/internal/repositories"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const waitTimeout = 2 * time.Second

// scriptedProvider lets a test feed fragments and the terminal result of
// each stream from the test goroutine.
type scriptedProvider struct {
	frags   chan string
	result  chan error
	started chan []provider.Message
	title   func(prompt string) (string, error)
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{
		frags:   make(chan string),
		result:  make(chan error),
		started: make(chan []provider.Message, 8),
		title:   func(string) (string, error) { return "\"A title\"", nil },
	}
}

func (p *scriptedProvider) Stream(ctx context.Context, _ string, history []provider.Message, onFragment func(string) error) error {
	p.started <- history
	for {
		select {
		case frag := <-p.frags:
			if err := onFragment(frag); err != nil {
				return err
			}
		case err := <-p.result:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *scriptedProvider) Complete(_ context.Context, _ string, prompt string) (string, error) {
	return p.title(prompt)
}

func (p *scriptedProvider) push(t *testing.T, frags ...string) {
	t.Helper()
	for _, f := range frags {
		select {
		case p.frags <- f:
		case <-time.After(waitTimeout):
			t.Fatalf("provider never consumed fragment %q", f)
		}
	}
}

func (p *scriptedProvider) finish(t *testing.T, err error) {
	t.Helper()
	select {
	case p.result <- err:
	case <-time.After(waitTimeout):
		t.Fatal("provider never consumed the result")
	}
}

type harness struct {
	db      *gorm.DB
	convs   repositories.ConversationRepository
	table   *inflight.Table
	hub     *realtime.Hub
	sup     *Supervisor
	prov    *scriptedProvider
	gw      *provider.Gateway
	titles  *TitleService
	metrics *observability.StreamingMetrics
	svc     *ChatService
	cancel  context.CancelFunc
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newTestDB(t)
	convs := repositories.NewConversationRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	metrics := observability.NewStreamingMetrics(prometheus.NewRegistry())
	table := inflight.NewTable(ctx, convs, time.Minute, time.Minute)
	hub := realtime.NewHub(metrics)
	sup := NewSupervisor(ctx, 2)

	prov := newScriptedProvider()
	gw := provider.NewGateway("fake", "fake/title", []string{"fake/model"})
	gw.Register("fake", prov)

	titles := NewTitleService(convs, gw, hub, sup, metrics)
	svc := NewChatService(convs, table, hub, gw, titles, sup, metrics, "fake/model")

	h := &harness{
		db: db, convs: convs, table: table, hub: hub, sup: sup, prov: prov,
		gw: gw, titles: titles, metrics: metrics, svc: svc, cancel: cancel,
	}
	t.Cleanup(func() {
		cancel()
		wctx, wcancel := context.WithTimeout(context.Background(), waitTimeout)
		defer wcancel()
		_ = sup.Wait(wctx)
	})
	return h
}

// waitIdle blocks until every supervised task has returned.
func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.sup.Wait(ctx))
}

// seed creates a conversation holding messages with the given roles.
func (h *harness) seed(t *testing.T, userID uuid.UUID, title string, roles ...models.Role) (*models.Conversation, []models.Message) {
	t.Helper()
	ctx := context.Background()
	conv := &models.Conversation{UserID: userID, Title: title}
	require.NoError(t, h.convs.Create(ctx, conv))
	for i, role := range roles {
		msg := &models.Message{ConversationID: conv.ID, Role: role, Content: string(rune('a' + i))}
		if role == models.RoleAssistant {
			model := "fake/model"
			msg.Model = &model
		}
		require.NoError(t, h.convs.AppendMessage(ctx, msg))
	}
	msgs, err := h.convs.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	return conv, msgs
}

// inbox reads a client's queue. Conversation events come back from next in
// order; user-room events are set aside for later inspection.
type inbox struct {
	t      *testing.T
	client *realtime.Client
	user   []realtime.Event
}

func (h *harness) connect(t *testing.T, userID uuid.UUID) *inbox {
	return &inbox{t: t, client: h.hub.Register(userID)}
}

func isUserEvent(ev realtime.Event) bool {
	switch ev.Event {
	case realtime.EventChatTitle, realtime.EventNewConversation, realtime.EventDeleteConversation:
		return true
	}
	return false
}

func (in *inbox) next() realtime.Event {
	in.t.Helper()
	for {
		select {
		case ev := <-in.client.Outbound:
			if isUserEvent(ev) {
				in.user = append(in.user, ev)
				continue
			}
			return ev
		case <-time.After(waitTimeout):
			in.t.Fatal("timed out waiting for event")
			return realtime.Event{}
		}
	}
}

func (in *inbox) expect(name realtime.EventName) realtime.Event {
	in.t.Helper()
	ev := in.next()
	require.Equal(in.t, name, ev.Event)
	return ev
}

// drain collects whatever is queued right now and reports the conversation
// events among it.
func (in *inbox) drain() []realtime.Event {
	var out []realtime.Event
	for {
		select {
		case ev := <-in.client.Outbound:
			if isUserEvent(ev) {
				in.user = append(in.user, ev)
				continue
			}
			out = append(out, ev)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func (in *inbox) userEvents(name realtime.EventName) []realtime.Event {
	var out []realtime.Event
	for _, ev := range in.user {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

func partText(t *testing.T, ev realtime.Event) string {
	t.Helper()
	require.Equal(t, realtime.EventNewAssistantPart, ev.Event)
	return ev.Data.(realtime.PartPayload).Text
}

func historyOf(t *testing.T, ev realtime.Event) []models.Message {
	t.Helper()
	require.Equal(t, realtime.EventConversationHistory, ev.Event)
	return ev.Data.(realtime.HistoryPayload).Messages.([]models.Message)
}
