package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kioku/internal/kioku/auth"
	"github.com/bdobrica/Kioku/internal/kioku/memories"
)

func TestMemories_CreateQueryDelete(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	e, err := h.coord.CreateMemory(ctx, aliceToken, memories.CreateInput{
		Content:  "Allergic to peanuts",
		Tags:     []string{"health"},
		Metadata: map[string]string{"source": "onboarding"},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", e.UserID)
	_, err = h.coord.CreateMemory(ctx, aliceToken, memories.CreateInput{Content: "likes peanut-free cookies", Tags: []string{"food"}})
	require.NoError(t, err)

	got, err := h.coord.GetMemory(ctx, aliceToken, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "onboarding", got.Metadata["source"])

	page, err := h.coord.ListMemories(ctx, aliceToken, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "likes peanut-free cookies", page.Entries[0].Content)

	found, err := h.coord.QueryMemories(ctx, aliceToken, memories.Query{Text: "PEANUT", Tags: []string{"health"}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, e.ID, found[0].ID)

	require.NoError(t, h.coord.DeleteMemory(ctx, aliceToken, e.ID))
	_, err = h.coord.GetMemory(ctx, aliceToken, e.ID)
	assert.ErrorIs(t, err, memories.ErrNotFound)
}

func TestMemories_ScopedToCaller(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	e, err := h.coord.CreateMemory(ctx, aliceToken, memories.CreateInput{Content: "private"})
	require.NoError(t, err)

	_, err = h.coord.GetMemory(ctx, bobToken, e.ID)
	assert.ErrorIs(t, err, memories.ErrNotFound)
	assert.ErrorIs(t, h.coord.DeleteMemory(ctx, bobToken, e.ID), memories.ErrNotFound)

	found, err := h.coord.QueryMemories(ctx, bobToken, memories.Query{Text: "private"})
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = h.coord.ListMemories(ctx, "bad-token", 0, 0)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestMemories_DisabledWithoutStore(t *testing.T) {
	h := newHarness(t, options{})
	h.coord.memories = nil

	_, err := h.coord.CreateMemory(context.Background(), aliceToken, memories.CreateInput{Content: "x"})
	assert.ErrorIs(t, err, ErrMemoriesDisabled)
}
