package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/gosplit/internal/session"
	"github.com/jonesrussell/gosplit/internal/testhelpers"
)

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "split:session:visitor-1", session.Key("visitor-1"))
	assert.Equal(t, "split:session:*", session.KeyPattern())
	assert.Equal(t, "visitor-1", session.VisitorID("split:session:visitor-1"))
	assert.Empty(t, session.VisitorID("unrelated:key"))
}

func TestRedisSessionRoundTrip(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	factory := session.NewRedisFactory(st, time.Hour)
	sess := factory.Session("visitor-1")
	ctx := context.Background()

	assert.Equal(t, "visitor-1", sess.ID())

	_, ok, err := sess.Get(ctx, "checkout")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, sess.Set(ctx, "checkout", "variant"))
	val, ok, err := sess.Get(ctx, "checkout")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "variant", val)

	entries, err := sess.MultiGet(ctx, "checkout", "absent")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, session.Entry{Val: "variant", OK: true}, entries[0])
	assert.False(t, entries[1].OK)

	keys, err := sess.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"checkout"}, keys)

	require.NoError(t, sess.Delete(ctx, "checkout"))
	_, ok, err = sess.Get(ctx, "checkout")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSessionExpiry(t *testing.T) {
	st, mr := testhelpers.NewTestStore(t)
	factory := session.NewRedisFactory(st, time.Minute)
	sess := factory.Session("visitor-1")
	ctx := context.Background()

	require.NoError(t, sess.Set(ctx, "checkout", "variant"))
	assert.Positive(t, mr.TTL(session.Key("visitor-1")))

	mr.FastForward(2 * time.Minute)

	_, ok, err := sess.Get(ctx, "checkout")
	require.NoError(t, err)
	assert.False(t, ok, "visitor record expires with its TTL")
}

func TestMemorySessionIsolation(t *testing.T) {
	factory := session.NewMemoryFactory()
	ctx := context.Background()

	a := factory.Session("a")
	b := factory.Session("b")
	require.NoError(t, a.Set(ctx, "checkout", "variant"))

	_, ok, err := b.Get(ctx, "checkout")
	require.NoError(t, err)
	assert.False(t, ok, "sessions are per visitor")

	// The same visitor gets the same session back.
	again := factory.Session("a")
	val, ok, err := again.Get(ctx, "checkout")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "variant", val)
}
