// Package notify delivers alerts to configured channels. Channel failures
// are isolated: a failing channel never blocks other channels or the
// monitoring cycle.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bastionkit/bastion/internal/config"
	bkerrors "github.com/bastionkit/bastion/internal/errors"
	"github.com/bastionkit/bastion/internal/logging"
)

// Payload is the channel-agnostic alert body handed to senders.
type Payload struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Category  string    `json:"category"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Escalated bool      `json:"escalated,omitempty"`
	Level     int       `json:"escalationLevel,omitempty"`
}

// Result is the per-channel delivery outcome.
type Result struct {
	Channel      string        `json:"channel"`
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"responseTime"`
	Error        string        `json:"error,omitempty"`
}

// Sender delivers one payload to one channel.
type Sender interface {
	Send(ctx context.Context, payload Payload, channel config.ChannelConfig) Result
}

// Dispatcher fans a payload out to every matching channel.
type Dispatcher struct {
	channels []config.ChannelConfig
	sender   Sender
	logger   zerolog.Logger
	clock    func() time.Time

	// mu guards sendTimes; Dispatch is reachable from the monitoring cycle
	// and the backup failure callback concurrently.
	mu        sync.Mutex
	sendTimes map[string][]time.Time
}

// NewDispatcher builds a dispatcher over the configured channels. sender
// may be nil, in which case a webhook sender is used.
func NewDispatcher(channels []config.ChannelConfig, sender Sender) *Dispatcher {
	if sender == nil {
		sender = NewWebhookSender(nil)
	}
	return &Dispatcher{
		channels:  channels,
		sender:    sender,
		logger:    logging.Component("notify"),
		clock:     time.Now,
		sendTimes: make(map[string][]time.Time),
	}
}

// Dispatch sends the payload to every channel whose filters match. Each
// channel send is independent; failures are logged and returned, never
// propagated.
func (d *Dispatcher) Dispatch(ctx context.Context, payload Payload) []Result {
	return d.DispatchTo(ctx, payload, nil)
}

// DispatchTo behaves like Dispatch but restricts delivery to the named
// channels (used by escalation levels). nil means every channel.
func (d *Dispatcher) DispatchTo(ctx context.Context, payload Payload, only []string) []Result {
	var results []Result
	for _, channel := range d.channels {
		if only != nil && !contains(only, channel.Name) {
			continue
		}
		if !d.matches(payload, channel) {
			continue
		}
		if !d.reserveSend(channel) {
			d.logger.Warn().
				Str("channel", channel.Name).
				Str("alert", payload.ID).
				Msg("Channel rate limit reached, skipping notification")
			continue
		}
		result := d.sender.Send(ctx, payload, channel)
		if !result.Success {
			nerr := bkerrors.Newf(bkerrors.KindNotification, "send_notification", channel.Name, "%s", result.Error)
			d.logger.Error().Err(nerr).Str("alert", payload.ID).Msg("Notification delivery failed")
		}
		results = append(results, result)
	}
	return results
}

// matches applies the channel's severity, category and time-window filters.
func (d *Dispatcher) matches(payload Payload, channel config.ChannelConfig) bool {
	if channel.MinSeverity != "" && severityRank(payload.Severity) < severityRank(channel.MinSeverity) {
		return false
	}
	if len(channel.Categories) > 0 && !contains(channel.Categories, payload.Category) {
		return false
	}
	if channel.ActiveFrom != "" && channel.ActiveUntil != "" {
		if !inWindow(d.clock(), channel.ActiveFrom, channel.ActiveUntil) {
			return false
		}
	}
	return true
}

// reserveSend enforces the per-channel cooldown and hourly cap, claiming a
// send slot when allowed. Check and record happen under one lock so
// concurrent dispatches cannot overshoot the limits.
func (d *Dispatcher) reserveSend(channel config.ChannelConfig) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	times := d.sendTimes[channel.Name]

	// Drop entries older than an hour.
	cutoff := now.Add(-time.Hour)
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if channel.MaxPerHour > 0 && len(kept) >= channel.MaxPerHour {
		d.sendTimes[channel.Name] = kept
		return false
	}
	if channel.CooldownMin > 0 && len(kept) > 0 {
		last := kept[len(kept)-1]
		if now.Sub(last) < time.Duration(channel.CooldownMin)*time.Minute {
			d.sendTimes[channel.Name] = kept
			return false
		}
	}
	d.sendTimes[channel.Name] = append(kept, now)
	return true
}

func severityRank(s string) int {
	switch s {
	case "info":
		return 0
	case "warning":
		return 1
	case "critical":
		return 2
	case "emergency":
		return 3
	}
	return 0
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// inWindow reports whether now's clock time falls inside [from, until),
// handling windows that cross midnight.
func inWindow(now time.Time, from, until string) bool {
	parse := func(s string) (int, bool) {
		t, err := time.Parse("15:04", s)
		if err != nil {
			return 0, false
		}
		return t.Hour()*60 + t.Minute(), true
	}
	start, ok := parse(from)
	if !ok {
		return true
	}
	end, ok := parse(until)
	if !ok {
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

// WebhookSender posts the payload as JSON.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender builds a webhook sender; client may be nil.
func NewWebhookSender(client *http.Client) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookSender{client: client}
}

func (w *WebhookSender) Send(ctx context.Context, payload Payload, channel config.ChannelConfig) Result {
	start := time.Now()
	result := Result{Channel: channel.Name}

	body, err := json.Marshal(payload)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.URL, bytes.NewReader(body))
	if err != nil {
		result.Error = err.Error()
		return result
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	result.ResponseTime = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		result.Error = fmt.Sprintf("webhook returned %d", resp.StatusCode)
		return result
	}
	result.Success = true
	return result
}
