package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ahmetk3436/relay/internal/inflight"
	"github.com/ahmetk3436/relay/internal/models"
	"github.com/ahmetk3436/relay/internal/realtime"
	"github.com/ahmetk3436/relay/internal/repositories"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage_StreamsAndPersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	in := h.connect(t, userID)

	conv, err := h.svc.CreateConversation(ctx, userID)
	require.NoError(t, err)
	require.NoError(t, h.svc.ChooseChat(ctx, in.client, conv.ID))
	assert.Empty(t, historyOf(t, in.expect(realtime.EventConversationHistory)))

	require.NoError(t, h.svc.SendMessage(ctx, userID, conv.ID, "", "hello there"))

	userMsg := in.expect(realtime.EventUserMessage).Data.(models.Message)
	assert.Equal(t, "hello there", userMsg.Content)
	assert.Equal(t, 0, userMsg.Index)

	placeholder := in.expect(realtime.EventBeginAssistantMessage).Data.(models.Message)
	assert.Equal(t, models.RoleAssistant, placeholder.Role)
	assert.Equal(t, 1, placeholder.Index)
	assert.Empty(t, placeholder.Content)
	require.NotNil(t, placeholder.Model)
	assert.Equal(t, "fake/model", *placeholder.Model)

	h.prov.push(t, "Hel", "lo", " world")
	h.prov.finish(t, nil)

	var streamed strings.Builder
	for i := 0; i < 3; i++ {
		streamed.WriteString(partText(t, in.next()))
	}
	end := in.expect(realtime.EventEndAssistantMessage)
	assert.Nil(t, end.Data.(realtime.EndPayload).Error)

	h.waitIdle(t)

	_, msgs, err := h.svc.GetConversation(ctx, userID, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, placeholder.ID, msgs[1].ID)
	assert.Equal(t, streamed.String(), msgs[1].Content)
	assert.Nil(t, msgs[1].Error)

	stored, err := h.convs.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, stored.Generating)
	assert.Equal(t, "A title", stored.Title)
	assert.Equal(t, inflight.Retained, h.table.State(conv.ID))
}

func TestSendMessage_TitleOnlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	in := h.connect(t, userID)

	var mu sync.Mutex
	var prompts []string
	h.prov.title = func(prompt string) (string, error) {
		mu.Lock()
		prompts = append(prompts, prompt)
		mu.Unlock()
		return "  'Weekend plans'\nextra", nil
	}

	conv, err := h.svc.CreateConversation(ctx, userID)
	require.NoError(t, err)

	for _, text := range []string{"first " + strings.Repeat("x", 600), "second"} {
		require.NoError(t, h.svc.SendMessage(ctx, userID, conv.ID, "", text))
		h.prov.finish(t, nil)
		h.waitIdle(t)
	}
	in.drain()

	titles := in.userEvents(realtime.EventChatTitle)
	require.Len(t, titles, 1)
	assert.Equal(t, "Weekend plans", titles[0].Data.(realtime.TitlePayload).Title)
	assert.Equal(t, conv.ID, *titles[0].ConversationID)

	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "first ")
	assert.NotContains(t, prompts[0], strings.Repeat("x", 500))
	assert.Contains(t, prompts[0], strings.Repeat("x", 494))
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Weekend plans", CleanTitle("  \"Weekend plans\"  "))
	assert.Equal(t, "First line", CleanTitle("First line\nsecond line"))
	assert.Equal(t, 40, len([]rune(CleanTitle(strings.Repeat("é", 60)))))
	assert.Empty(t, CleanTitle(" \"\" "))
}

func TestSendMessage_RejectsSecondGeneration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	conv, _ := h.seed(t, userID, "Foo")

	require.NoError(t, h.svc.SendMessage(ctx, userID, conv.ID, "", "one"))
	err := h.svc.SendMessage(ctx, userID, conv.ID, "", "two")
	assert.ErrorIs(t, err, ErrAlreadyGenerating)

	msgs, err := h.convs.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	h.prov.finish(t, nil)
	h.waitIdle(t)
	assert.NoError(t, h.svc.SendMessage(ctx, userID, conv.ID, "", "three"))
	h.prov.finish(t, nil)
	h.waitIdle(t)
}

func TestSendMessage_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := uuid.New()
	conv, _ := h.seed(t, owner, "Foo")

	assert.ErrorIs(t, h.svc.SendMessage(ctx, owner, conv.ID, "", "   "), ErrEmptyMessage)
	assert.ErrorIs(t, h.svc.SendMessage(ctx, uuid.New(), conv.ID, "", "hi"), ErrNotOwner)
	assert.ErrorIs(t, h.svc.SendMessage(ctx, owner, uuid.New(), "", "hi"), ErrConversationNotFound)

	in := h.connect(t, uuid.New())
	assert.ErrorIs(t, h.svc.ChooseChat(ctx, in.client, conv.ID), ErrNotOwner)
	_, ok := h.hub.Conversation(in.client)
	assert.False(t, ok)
}

func TestGeneration_FailureKeepsPartialContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	conv, _ := h.seed(t, userID, "Foo")
	in := h.connect(t, userID)
	require.NoError(t, h.svc.ChooseChat(ctx, in.client, conv.ID))
	in.expect(realtime.EventConversationHistory)

	require.NoError(t, h.svc.SendMessage(ctx, userID, conv.ID, "", "hi"))
	in.expect(realtime.EventUserMessage)
	placeholder := in.expect(realtime.EventBeginAssistantMessage).Data.(models.Message)

	h.prov.push(t, "Hel", "lo")
	h.prov.finish(t, errors.New("connection reset"))

	assert.Equal(t, "Hel", partText(t, in.next()))
	assert.Equal(t, "lo", partText(t, in.next()))
	end := in.expect(realtime.EventEndAssistantMessage).Data.(realtime.EndPayload)
	require.NotNil(t, end.Error)
	assert.NotEmpty(t, *end.Error)

	h.waitIdle(t)

	msg, err := h.convs.GetMessage(ctx, conv.ID, placeholder.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", msg.Content)
	require.NotNil(t, msg.Error)
	assert.Contains(t, *msg.Error, "connection reset")

	stored, err := h.convs.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, stored.Generating)
	assert.Equal(t, inflight.Idle, h.table.State(conv.ID))
}

func TestChooseChat_MidStreamCatchUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	conv, _ := h.seed(t, userID, "Foo")

	first := h.connect(t, userID)
	require.NoError(t, h.svc.ChooseChat(ctx, first.client, conv.ID))
	first.expect(realtime.EventConversationHistory)

	require.NoError(t, h.svc.SendMessage(ctx, userID, conv.ID, "", "hi"))
	first.expect(realtime.EventUserMessage)
	placeholder := first.expect(realtime.EventBeginAssistantMessage).Data.(models.Message)

	h.prov.push(t, "A", "B")
	assert.Equal(t, "A", partText(t, first.next()))
	assert.Equal(t, "B", partText(t, first.next()))

	late := h.connect(t, userID)
	require.NoError(t, h.svc.ChooseChat(ctx, late.client, conv.ID))

	history := historyOf(t, late.next())
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Content)

	begin := late.expect(realtime.EventBeginAssistantMessage).Data.(models.Message)
	assert.Equal(t, placeholder.ID, begin.ID)
	assert.Equal(t, "AB", partText(t, late.next()))

	h.prov.push(t, "C")
	assert.Equal(t, "C", partText(t, late.next()))
	assert.Equal(t, "C", partText(t, first.next()))

	h.prov.finish(t, nil)
	late.expect(realtime.EventEndAssistantMessage)
	first.expect(realtime.EventEndAssistantMessage)
	assert.Empty(t, late.drain())

	// A client arriving during the grace window gets the final message.
	after := h.connect(t, userID)
	require.NoError(t, h.svc.ChooseChat(ctx, after.client, conv.ID))
	history = historyOf(t, after.next())
	require.Len(t, history, 2)
	assert.Equal(t, "ABC", history[1].Content)
	assert.Empty(t, after.drain())
}

func TestChooseChat_FlagWithoutEntrySendsStoredHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	conv, _ := h.seed(t, userID, "Foo", models.RoleUser)

	ok, err := h.convs.MarkGenerating(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, ok)

	in := h.connect(t, userID)
	require.NoError(t, h.svc.ChooseChat(ctx, in.client, conv.ID))
	assert.Len(t, historyOf(t, in.next()), 1)
	assert.Empty(t, in.drain())
}

func TestRegenerate_TruncatesAndReusesIndex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	conv, msgs := h.seed(t, userID, "Foo",
		models.RoleUser, models.RoleAssistant, models.RoleUser, models.RoleAssistant, models.RoleUser)
	target := msgs[3]

	in := h.connect(t, userID)
	require.NoError(t, h.svc.ChooseChat(ctx, in.client, conv.ID))
	in.expect(realtime.EventConversationHistory)

	require.NoError(t, h.svc.RegenerateMessage(ctx, userID, conv.ID, "fake/other", target.ID))

	truncated := historyOf(t, in.next())
	require.Len(t, truncated, 3)
	for i, m := range truncated {
		assert.Equal(t, msgs[i].ID, m.ID)
	}
	begin := in.expect(realtime.EventBeginAssistantMessage).Data.(models.Message)
	assert.Equal(t, target.ID, begin.ID)
	assert.Equal(t, 3, begin.Index)
	assert.Empty(t, begin.Content)

	history := <-h.prov.started
	require.Len(t, history, 3)

	h.prov.push(t, "again")
	h.prov.finish(t, nil)
	assert.Equal(t, "again", partText(t, in.next()))
	in.expect(realtime.EventEndAssistantMessage)
	h.waitIdle(t)

	after, err := h.convs.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, after, 4)
	assert.Equal(t, target.ID, after[3].ID)
	assert.Equal(t, 3, after[3].Index)
	assert.Equal(t, "again", after[3].Content)
	require.NotNil(t, after[3].Model)
	assert.Equal(t, "fake/other", *after[3].Model)
}

func TestRegenerate_NonAssistantTargetIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	conv, msgs := h.seed(t, userID, "Foo", models.RoleUser, models.RoleAssistant)

	require.NoError(t, h.svc.RegenerateMessage(ctx, userID, conv.ID, "", msgs[0].ID))
	assert.Equal(t, inflight.Idle, h.table.State(conv.ID))

	after, err := h.convs.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msgs, after)

	err = h.svc.RegenerateMessage(ctx, userID, conv.ID, "", uuid.New())
	assert.ErrorIs(t, err, ErrTargetMessageNotFound)
}

func TestFork_CopiesPrefixAndNamesBranches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	src, msgs := h.seed(t, userID, "Foo",
		models.RoleUser, models.RoleAssistant, models.RoleUser, models.RoleAssistant)
	in := h.connect(t, userID)

	fork, err := h.svc.Fork(ctx, userID, src.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "Foo (Branch)", fork.Title)

	forked, err := h.convs.ListMessages(ctx, fork.ID)
	require.NoError(t, err)
	require.Len(t, forked, 3)
	for i := range forked {
		assert.NotEqual(t, msgs[i].ID, forked[i].ID)
		assert.Equal(t, msgs[i].Index, forked[i].Index)
		assert.Equal(t, msgs[i].Role, forked[i].Role)
		assert.Equal(t, msgs[i].Content, forked[i].Content)
		assert.Equal(t, msgs[i].Model, forked[i].Model)
		assert.Equal(t, msgs[i].Error, forked[i].Error)
		assert.True(t, msgs[i].CreatedAt.Equal(forked[i].CreatedAt))
	}

	unchanged, err := h.convs.ListMessages(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, msgs, unchanged)

	again, err := h.svc.Fork(ctx, userID, fork.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Foo (Branch_2)", again.Title)

	in.drain()
	created := in.userEvents(realtime.EventNewConversation)
	require.Len(t, created, 2)
	assert.Equal(t, fork.ID, created[0].Data.(models.ConversationSummary).ID)

	_, err = h.svc.Fork(ctx, userID, src.ID, 7)
	assert.ErrorIs(t, err, ErrTargetMessageNotFound)
	_, err = h.svc.Fork(ctx, uuid.New(), src.ID, 0)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestBranchTitle(t *testing.T) {
	assert.Equal(t, "Foo (Branch)", BranchTitle("Foo"))
	assert.Equal(t, "Foo (Branch_2)", BranchTitle("Foo (Branch)"))
	assert.Equal(t, "Foo (Branch_3)", BranchTitle("Foo (Branch_2)"))
	assert.Equal(t, "Foo (Branch_10)", BranchTitle("Foo (Branch_9)"))
	assert.Equal(t, "(Branch) (Branch)", BranchTitle("(Branch)"))
}

func TestDelete_WhileGeneratingStopsEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	conv, _ := h.seed(t, userID, "Foo")
	in := h.connect(t, userID)
	require.NoError(t, h.svc.ChooseChat(ctx, in.client, conv.ID))
	in.expect(realtime.EventConversationHistory)

	require.NoError(t, h.svc.SendMessage(ctx, userID, conv.ID, "", "hi"))
	in.expect(realtime.EventUserMessage)
	in.expect(realtime.EventBeginAssistantMessage)
	h.prov.push(t, "A")
	assert.Equal(t, "A", partText(t, in.next()))

	require.NoError(t, h.svc.DeleteConversation(ctx, userID, conv.ID))
	h.waitIdle(t)

	assert.Empty(t, in.drain())
	assert.Len(t, in.userEvents(realtime.EventDeleteConversation), 1)

	list, err := h.svc.ListConversations(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, inflight.Idle, h.table.State(conv.ID))

	_, _, err = h.svc.GetConversation(ctx, userID, conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestShutdown_FinalizesWithPartialContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	conv, _ := h.seed(t, userID, "Foo")

	require.NoError(t, h.svc.SendMessage(ctx, userID, conv.ID, "", "hi"))
	h.prov.push(t, "Hel")
	<-h.prov.started

	h.cancel()
	h.waitIdle(t)

	msgs, err := h.convs.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hel", msgs[1].Content)
	require.NotNil(t, msgs[1].Error)
	assert.Equal(t, "generation cancelled", *msgs[1].Error)

	stored, err := h.convs.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, stored.Generating)
}

func TestListConversations_OnlyOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := uuid.New()
	h.seed(t, owner, "Mine")
	h.seed(t, uuid.New(), "Theirs")

	list, err := h.svc.ListConversations(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Mine", list[0].Title)
}

// failingDelete is a conversation store whose Delete always fails.
type failingDelete struct {
	repositories.ConversationRepository
}

func (failingDelete) Delete(context.Context, uuid.UUID) error {
	return errors.New("db down")
}

func TestDelete_StoreFailureLetsGenerationFinish(t *testing.T) {
	h := newHarness(t)
	svc := NewChatService(failingDelete{h.convs}, h.table, h.hub, h.gw, h.titles, h.sup, h.metrics, "fake/model")
	ctx := context.Background()
	userID := uuid.New()
	conv, _ := h.seed(t, userID, "Foo")
	in := h.connect(t, userID)
	require.NoError(t, svc.ChooseChat(ctx, in.client, conv.ID))
	in.expect(realtime.EventConversationHistory)

	require.NoError(t, svc.SendMessage(ctx, userID, conv.ID, "", "hi"))
	in.expect(realtime.EventUserMessage)
	in.expect(realtime.EventBeginAssistantMessage)
	h.prov.push(t, "Hel")
	assert.Equal(t, "Hel", partText(t, in.next()))

	err := svc.DeleteConversation(ctx, userID, conv.ID)
	require.EqualError(t, err, "db down")
	assert.Equal(t, inflight.Generating, h.table.State(conv.ID))

	h.prov.push(t, "lo")
	assert.Equal(t, "lo", partText(t, in.next()))
	h.prov.finish(t, nil)
	end := in.expect(realtime.EventEndAssistantMessage)
	assert.Nil(t, end.Data.(realtime.EndPayload).Error)
	h.waitIdle(t)

	assert.Empty(t, in.userEvents(realtime.EventDeleteConversation))
	msgs, err := h.convs.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Nil(t, msgs[1].Error)

	stored, err := h.convs.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, stored.Generating)
}

func TestSendMessage_AfterShutdownClosesPlaceholder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	conv, _ := h.seed(t, userID, "Foo")
	in := h.connect(t, userID)
	require.NoError(t, h.svc.ChooseChat(ctx, in.client, conv.ID))
	in.expect(realtime.EventConversationHistory)

	h.cancel()
	require.NoError(t, h.svc.SendMessage(ctx, userID, conv.ID, "", "hi"))

	in.expect(realtime.EventUserMessage)
	in.expect(realtime.EventBeginAssistantMessage)
	end := in.expect(realtime.EventEndAssistantMessage)
	require.NotNil(t, end.Data.(realtime.EndPayload).Error)
	assert.Equal(t, "generation cancelled", *end.Data.(realtime.EndPayload).Error)
	assert.Empty(t, h.prov.started, "provider must not be called")

	msgs, err := h.convs.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.NotNil(t, msgs[1].Error)
	assert.Equal(t, "generation cancelled", *msgs[1].Error)

	stored, err := h.convs.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, stored.Generating)
	assert.Equal(t, inflight.Idle, h.table.State(conv.ID))
}

func TestChooseChat_NilConversationLeavesRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	conv, _ := h.seed(t, userID, "Foo")
	in := h.connect(t, userID)
	require.NoError(t, h.svc.ChooseChat(ctx, in.client, conv.ID))
	in.expect(realtime.EventConversationHistory)

	require.NoError(t, h.svc.ChooseChat(ctx, in.client, uuid.Nil))
	_, ok := h.hub.Conversation(in.client)
	assert.False(t, ok)
	assert.Zero(t, h.hub.RoomSize(realtime.ConversationRoom(conv.ID)))

	h.hub.Broadcast(conv.ID, realtime.NewEvent(realtime.EventNewAssistantPart, conv.ID, realtime.PartPayload{Text: "x"}))
	assert.Empty(t, in.drain())
}
