// Package usage aggregates per-session token accounting and periodically
// pushes a global snapshot to every connected client.
package usage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/session/store"
	"github.com/agentdock/agentdock/pkg/streamjson"
	"github.com/agentdock/agentdock/pkg/ws"
)

// blockSize is the width of one usage block in the blocks series.
const blockSize = 5 * time.Hour

// dailyWindow is how many days the daily series covers.
const dailyWindow = 7

// Totals is one aggregated usage bucket.
type Totals struct {
	InputTokens         int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"outputTokens"`
	CacheCreationTokens int64 `json:"cacheCreationTokens"`
	CacheReadTokens     int64 `json:"cacheReadTokens"`
}

func (t *Totals) add(sample streamjson.UsageSample) {
	t.InputTokens += sample.InputTokens
	t.OutputTokens += sample.OutputTokens
	t.CacheCreationTokens += sample.CacheCreationInputTokens
	t.CacheReadTokens += sample.CacheReadInputTokens
}

// DayUsage is one entry of the daily series.
type DayUsage struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Usage Totals `json:"usage"`
}

// BlockUsage is one 5-hour block of the blocks series.
type BlockUsage struct {
	Start time.Time `json:"start"`
	Usage Totals    `json:"usage"`
}

// Reporter runs on a timer and broadcasts global_usage snapshots. Clients
// treat the first snapshot after connect as the authoritative baseline.
type Reporter struct {
	store    *store.Store
	bus      bus.Bus
	interval time.Duration
	logger   *logger.Logger
}

// NewReporter creates a reporter.
func NewReporter(st *store.Store, b bus.Bus, interval time.Duration, log *logger.Logger) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{
		store:    st,
		bus:      b,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "usage_reporter")),
	}
}

// Run publishes snapshots until the context is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

// report aggregates and broadcasts one snapshot.
func (r *Reporter) report(ctx context.Context) {
	snapshot, err := r.Snapshot(ctx)
	if err != nil {
		r.logger.Warn("failed to build usage snapshot", zap.Error(err))
		return
	}
	if err := r.bus.Publish(ctx, bus.SubjectGlobal, bus.NewEvent(ws.EvGlobalUsage, "", snapshot)); err != nil {
		r.logger.Warn("failed to publish usage snapshot", zap.Error(err))
	}
}

// Snapshot builds the global_usage payload: all-time totals from session
// accumulators plus today/daily/block series from recorded samples.
func (r *Reporter) Snapshot(ctx context.Context) (*ws.GlobalUsagePayload, error) {
	var totals Totals
	for _, sess := range r.store.List() {
		totals.add(sess.Usage)
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	since := midnight.AddDate(0, 0, -(dailyWindow - 1))

	samples, err := r.store.UsageSamplesSince(ctx, since.UTC())
	if err != nil {
		return nil, err
	}

	var today Totals
	dayBuckets := make(map[string]*Totals)
	blockBuckets := make(map[time.Time]*Totals)

	for i := range samples {
		sample := samples[i].Sample()
		at := samples[i].CreatedAt.In(now.Location())

		if !at.Before(midnight) {
			today.add(sample)

			blockStart := midnight.Add(at.Sub(midnight).Truncate(blockSize))
			if _, ok := blockBuckets[blockStart]; !ok {
				blockBuckets[blockStart] = &Totals{}
			}
			blockBuckets[blockStart].add(sample)
		}

		day := at.Format("2006-01-02")
		if _, ok := dayBuckets[day]; !ok {
			dayBuckets[day] = &Totals{}
		}
		dayBuckets[day].add(sample)
	}

	daily := make([]DayUsage, 0, dailyWindow)
	for i := dailyWindow - 1; i >= 0; i-- {
		day := midnight.AddDate(0, 0, -i).Format("2006-01-02")
		entry := DayUsage{Date: day}
		if bucket, ok := dayBuckets[day]; ok {
			entry.Usage = *bucket
		}
		daily = append(daily, entry)
	}

	blocks := make([]BlockUsage, 0, len(blockBuckets))
	for start := midnight; start.Before(now); start = start.Add(blockSize) {
		entry := BlockUsage{Start: start}
		if bucket, ok := blockBuckets[start]; ok {
			entry.Usage = *bucket
		}
		blocks = append(blocks, entry)
	}

	return &ws.GlobalUsagePayload{
		Today:  today,
		Totals: totals,
		Daily:  daily,
		Blocks: blocks,
	}, nil
}
