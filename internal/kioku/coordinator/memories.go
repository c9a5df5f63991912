package coordinator

import (
	"context"

	"github.com/bdobrica/Kioku/common/trace"
	"github.com/bdobrica/Kioku/internal/kioku/memories"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

// memoryStore authorises token and returns the caller's user id.
func (c *Coordinator) memoryStore(ctx context.Context, token string) (string, error) {
	if c.memories == nil {
		return "", ErrMemoriesDisabled
	}
	principal, err := c.auth.Authorize(ctx, token)
	if err != nil {
		return "", err
	}
	return principal.UserID, nil
}

// CreateMemory remembers a note for the caller.
func (c *Coordinator) CreateMemory(ctx context.Context, token string, in memories.CreateInput) (*memories.Entry, error) {
	ctx, _ = trace.Ensure(ctx)
	userID, err := c.memoryStore(ctx, token)
	if err != nil {
		return nil, err
	}
	e, err := c.memories.Create(ctx, userID, in)
	if err != nil {
		return nil, err
	}
	observability.WithTrace(ctx, c.logger).Info("memory created", "user_id", userID, "memory_id", e.ID)
	return e, nil
}

// GetMemory returns one of the caller's notes.
func (c *Coordinator) GetMemory(ctx context.Context, token, id string) (*memories.Entry, error) {
	userID, err := c.memoryStore(ctx, token)
	if err != nil {
		return nil, err
	}
	return c.memories.Get(ctx, userID, id)
}

// ListMemories pages through the caller's notes, newest first.
func (c *Coordinator) ListMemories(ctx context.Context, token string, limit, offset int) (memories.Page, error) {
	userID, err := c.memoryStore(ctx, token)
	if err != nil {
		return memories.Page{}, err
	}
	return c.memories.List(ctx, userID, limit, offset)
}

// QueryMemories searches the caller's notes.
func (c *Coordinator) QueryMemories(ctx context.Context, token string, q memories.Query) ([]*memories.Entry, error) {
	userID, err := c.memoryStore(ctx, token)
	if err != nil {
		return nil, err
	}
	return c.memories.Query(ctx, userID, q)
}

// DeleteMemory forgets one of the caller's notes.
func (c *Coordinator) DeleteMemory(ctx context.Context, token, id string) error {
	ctx, _ = trace.Ensure(ctx)
	userID, err := c.memoryStore(ctx, token)
	if err != nil {
		return err
	}
	if err := c.memories.Delete(ctx, userID, id); err != nil {
		return err
	}
	observability.WithTrace(ctx, c.logger).Info("memory deleted", "user_id", userID, "memory_id", id)
	return nil
}
