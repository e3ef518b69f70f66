package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"guildlicense-bot/internal/license"
)

type collect struct {
	mu  sync.Mutex
	got []license.Event
}

func (c *collect) Notify(_ context.Context, ev license.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ev)
}

func (c *collect) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestMulti_FansOutInOrder(t *testing.T) {
	var order []string
	a := license.NotifierFunc(func(context.Context, license.Event) { order = append(order, "a") })
	b := license.NotifierFunc(func(context.Context, license.Event) { order = append(order, "b") })

	Multi{a, nil, b}.Notify(context.Background(), license.Event{Kind: license.EventActivated})
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestLogSink_LevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	id := uuid.New()

	sink.Notify(context.Background(), license.Event{ID: id, Kind: license.EventActivated, TenantID: 42, Key: "ABCD1234", Detail: "valid until x"})
	sink.Notify(context.Background(), license.Event{Kind: license.EventInvalidKey, TenantID: 42, Key: "NOPE"})
	sink.Notify(context.Background(), license.Event{Kind: license.EventSweepFailed, Detail: "store down"})

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "license", entries[0].LoggerName)

	fields := entries[0].ContextMap()
	assert.Equal(t, id.String(), fields["event_id"])
	assert.Equal(t, int64(42), fields["tenant_id"])
	assert.Equal(t, "ABCD1234", fields["license"])
	assert.Equal(t, "activated", fields["kind"])

	_, hasTenant := entries[2].ContextMap()["tenant_id"]
	assert.False(t, hasTenant)
}

func TestAsync_DeliversAndDrainsOnClose(t *testing.T) {
	next := &collect{}
	a := NewAsync(next, 16, zaptest.NewLogger(t))
	for i := 0; i < 10; i++ {
		a.Notify(context.Background(), license.Event{Kind: license.EventKeyIssued})
	}
	a.Close()

	assert.Equal(t, 10, next.len())
	assert.Zero(t, a.Dropped())

	a.Notify(context.Background(), license.Event{Kind: license.EventKeyIssued})
	assert.Equal(t, 1, a.Dropped(), "events after Close are dropped")
	a.Close()
}

func TestAsync_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	next := license.NotifierFunc(func(context.Context, license.Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})
	a := NewAsync(next, 2, zap.NewNop())

	a.Notify(context.Background(), license.Event{Kind: license.EventActivated})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first event never reached the sink")
	}

	start := time.Now()
	for i := 0; i < 5; i++ {
		a.Notify(context.Background(), license.Event{Kind: license.EventActivated})
	}
	assert.Less(t, time.Since(start), time.Second, "Notify must not block on a stuck sink")
	assert.Equal(t, 3, a.Dropped())

	close(release)
	a.Close()
}

func TestAsync_SinkPanicIsContained(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	next := &collect{}
	calls := 0
	sink := license.NotifierFunc(func(ctx context.Context, ev license.Event) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		next.Notify(ctx, ev)
	})
	a := NewAsync(sink, 4, zap.New(core))
	a.Notify(context.Background(), license.Event{Kind: license.EventExpired})
	a.Notify(context.Background(), license.Event{Kind: license.EventExpired})
	a.Close()

	assert.Equal(t, 1, next.len())
	assert.Equal(t, 1, logs.FilterMessage("notification sink panicked").Len())
}
