package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionkit/bastion/internal/config"
)

type fakeSender struct {
	sent []string
	fail map[string]bool
}

func (f *fakeSender) Send(ctx context.Context, payload Payload, channel config.ChannelConfig) Result {
	f.sent = append(f.sent, channel.Name)
	if f.fail[channel.Name] {
		return Result{Channel: channel.Name, Error: "boom"}
	}
	return Result{Channel: channel.Name, Success: true}
}

func testPayload(severity string) Payload {
	return Payload{
		ID:        "a1",
		Timestamp: time.Now(),
		Severity:  severity,
		Category:  "backup",
		Title:     "Backup failed",
		Message:   "backup b1 failed",
	}
}

func TestDispatchSeverityFilter(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher([]config.ChannelConfig{
		{Name: "ops", MinSeverity: "critical"},
		{Name: "all"},
	}, sender)

	d.Dispatch(context.Background(), testPayload("warning"))
	assert.Equal(t, []string{"all"}, sender.sent)

	sender.sent = nil
	d.Dispatch(context.Background(), testPayload("critical"))
	assert.Equal(t, []string{"ops", "all"}, sender.sent)
}

func TestDispatchCategoryFilter(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher([]config.ChannelConfig{
		{Name: "db-only", Categories: []string{"database"}},
	}, sender)

	d.Dispatch(context.Background(), testPayload("critical"))
	assert.Empty(t, sender.sent)
}

func TestChannelFailuresAreIsolated(t *testing.T) {
	sender := &fakeSender{fail: map[string]bool{"broken": true}}
	d := NewDispatcher([]config.ChannelConfig{
		{Name: "broken"},
		{Name: "working"},
	}, sender)

	results := d.Dispatch(context.Background(), testPayload("critical"))
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.Equal(t, []string{"broken", "working"}, sender.sent, "failure must not block later channels")
}

func TestHourlyRateLimit(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher([]config.ChannelConfig{{Name: "ops", MaxPerHour: 2}}, sender)

	for i := 0; i < 4; i++ {
		d.Dispatch(context.Background(), testPayload("critical"))
	}
	assert.Len(t, sender.sent, 2)
}

func TestCooldownBetweenSends(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher([]config.ChannelConfig{{Name: "ops", CooldownMin: 5}}, sender)

	now := time.Now()
	d.clock = func() time.Time { return now }
	d.Dispatch(context.Background(), testPayload("critical"))
	d.Dispatch(context.Background(), testPayload("critical"))
	assert.Len(t, sender.sent, 1, "second send inside cooldown is skipped")

	d.clock = func() time.Time { return now.Add(6 * time.Minute) }
	d.Dispatch(context.Background(), testPayload("critical"))
	assert.Len(t, sender.sent, 2)
}

type countingSender struct {
	sends atomic.Int32
}

func (c *countingSender) Send(ctx context.Context, payload Payload, channel config.ChannelConfig) Result {
	c.sends.Add(1)
	return Result{Channel: channel.Name, Success: true}
}

func TestConcurrentDispatchHonorsHourlyLimit(t *testing.T) {
	sender := &countingSender{}
	d := NewDispatcher([]config.ChannelConfig{{Name: "ops", MaxPerHour: 50}}, sender)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				d.Dispatch(context.Background(), testPayload("critical"))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), sender.sends.Load())
}

func TestDispatchToRestrictsChannels(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher([]config.ChannelConfig{
		{Name: "level0"},
		{Name: "level1"},
	}, sender)

	d.DispatchTo(context.Background(), testPayload("critical"), []string{"level1"})
	assert.Equal(t, []string{"level1"}, sender.sent)
}

func TestInWindow(t *testing.T) {
	at := func(hhmm string) time.Time {
		ts, err := time.Parse("15:04", hhmm)
		require.NoError(t, err)
		return ts
	}
	assert.True(t, inWindow(at("10:00"), "09:00", "17:00"))
	assert.False(t, inWindow(at("18:00"), "09:00", "17:00"))
	// Window crossing midnight.
	assert.True(t, inWindow(at("23:30"), "22:00", "06:00"))
	assert.True(t, inWindow(at("05:00"), "22:00", "06:00"))
	assert.False(t, inWindow(at("12:00"), "22:00", "06:00"))
}

func TestWebhookSender(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.Client())
	result := sender.Send(context.Background(), testPayload("critical"), config.ChannelConfig{
		Name: "hook", URL: srv.URL,
	})
	assert.True(t, result.Success)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookSenderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.Client())
	result := sender.Send(context.Background(), testPayload("critical"), config.ChannelConfig{
		Name: "hook", URL: srv.URL,
	})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "500")
}
