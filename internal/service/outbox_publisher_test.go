package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/trip-booking/internal/clock"
	"github.com/iliyamo/trip-booking/internal/model"
)

type recordingPublisher struct {
	mu     sync.Mutex
	failOn map[string]error
	sent   []string
}

func (p *recordingPublisher) Publish(_ context.Context, eventType, messageID string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failOn[messageID]; ok {
		delete(p.failOn, messageID)
		return err
	}
	p.sent = append(p.sent, messageID)
	return nil
}

func TestDrain_StopsAtFirstFailure(t *testing.T) {
	db := newMemDB()
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		require.NoError(t, db.Append(ctx, model.OutboxEvent{
			ID:        fmt.Sprintf("e%d", i),
			EventType: model.EventBookingCreated,
			Payload:   []byte(`{}`),
			CreatedAt: t0,
		}))
	}
	pub := &recordingPublisher{failOn: map[string]error{"e3": errors.New("channel closed")}}
	p := NewOutboxPublisher(db, pub, WithClock(clock.NewFixed(t0)))

	n, err := p.Drain(ctx, 10)
	assert.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"e1", "e2"}, pub.sent)

	n, err = p.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"e1", "e2", "e3", "e4"}, pub.sent)

	n, err = p.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, e := range db.allOutbox() {
		require.NotNil(t, e.PublishedAt, e.ID)
		assert.Equal(t, t0, *e.PublishedAt)
	}
}

func TestDrain_RespectsBatch(t *testing.T) {
	h := newHarness(t)
	h.book(t, 1, "a", 101)
	h.book(t, 2, "b", 102)
	h.book(t, 3, "c", 103)

	pub := &recordingPublisher{}
	p := NewOutboxPublisher(h.db, pub)
	n, err := p.Drain(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = p.Drain(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
