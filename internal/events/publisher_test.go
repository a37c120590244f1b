package events_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/gosplit/internal/events"
	"github.com/jonesrussell/gosplit/internal/testhelpers"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublishAppendsToStream(t *testing.T) {
	client := newClient(t)
	publisher := events.NewPublisher(client, testhelpers.NewTestLogger())
	ctx := context.Background()

	err := publisher.Publish(ctx, events.Event{
		EventType:   events.WinnerDeclared,
		Experiment:  "checkout",
		Alternative: "variant",
		Version:     2,
	})
	require.NoError(t, err)

	entries, err := client.XRange(ctx, events.StreamName, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	payload, ok := entries[0].Values["event"].(string)
	require.True(t, ok)

	var event events.Event
	require.NoError(t, json.Unmarshal([]byte(payload), &event))
	assert.Equal(t, events.WinnerDeclared, event.EventType)
	assert.Equal(t, "checkout", event.Experiment)
	assert.Equal(t, "variant", event.Alternative)
	assert.Equal(t, 2, event.Version)
	assert.NotEmpty(t, event.EventID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestNilPublisherIsNoOp(t *testing.T) {
	var publisher *events.Publisher

	assert.NoError(t, publisher.Publish(context.Background(), events.Event{
		EventType:  events.ExperimentCreated,
		Experiment: "checkout",
	}))
	publisher.PublishAsync(events.Event{EventType: events.ExperimentDeleted})

	assert.Nil(t, events.NewPublisher(nil, testhelpers.NewTestLogger()))
}
