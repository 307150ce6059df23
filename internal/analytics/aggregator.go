package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

// Store is the analytics persistence the aggregator needs.
type Store interface {
	DeliveryStats(ctx context.Context, from, to time.Time) ([]db.DeliveryStat, error)
	ReadCounts(ctx context.Context, from, to time.Time) (map[db.Type]int, error)
	UpsertBuckets(ctx context.Context, buckets []*db.AnalyticsBucket) error
	ListBuckets(ctx context.Context, from, to time.Time) ([]*db.AnalyticsBucket, error)
}

type Config struct {
	// Interval between background rollups of today and yesterday.
	Interval time.Duration
	// Location decides where a day starts and ends.
	Location *time.Location
}

// Aggregator rolls queue outcomes and reads up into daily buckets per
// (date, type, channel).
type Aggregator struct {
	store  Store
	config Config
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, cfg Config, logger *zap.Logger) *Aggregator {
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Aggregator{
		store:  store,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start rolls up today and yesterday immediately and then on every tick.
// Yesterday is repeated so late outcomes near midnight are picked up.
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	a.rollupRecent(ctx)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("analytics aggregator stopping")
			return
		case <-ticker.C:
			a.rollupRecent(ctx)
		}
	}
}

func (a *Aggregator) rollupRecent(ctx context.Context) {
	today := a.now().In(a.config.Location)
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today} {
		n, err := a.Rollup(ctx, day)
		if err != nil {
			metrics.RecordRollup("error")
			a.logger.Error("analytics rollup failed",
				zap.String("date", day.Format(time.DateOnly)),
				zap.Error(err),
			)
			continue
		}
		metrics.RecordRollup("ok")
		a.logger.Debug("analytics rollup complete",
			zap.String("date", day.Format(time.DateOnly)),
			zap.Int("buckets", n),
		)
	}
}

// Rollup recomputes every bucket of the calendar day containing day and
// overwrites the stored counters. Running it twice yields the same buckets.
// It returns the number of buckets written.
func (a *Aggregator) Rollup(ctx context.Context, day time.Time) (int, error) {
	start, end := a.dayBounds(day)

	stats, err := a.store.DeliveryStats(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("delivery stats for %s: %w", start.Format(time.DateOnly), err)
	}
	if len(stats) == 0 {
		return 0, nil
	}

	reads, err := a.store.ReadCounts(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("read counts for %s: %w", start.Format(time.DateOnly), err)
	}

	date := db.DateOf(start)
	now := a.now()
	buckets := make([]*db.AnalyticsBucket, 0, len(stats))
	for _, s := range stats {
		b := &db.AnalyticsBucket{
			Date:           date,
			Type:           s.Type,
			Channel:        s.Channel,
			TotalSent:      s.Delivered + s.Failed,
			TotalDelivered: s.Delivered,
			TotalFailed:    s.Failed,
			TotalRead:      reads[s.Type],
			UpdatedAt:      now,
		}
		b.ComputeRates()
		buckets = append(buckets, b)
	}

	if err := a.store.UpsertBuckets(ctx, buckets); err != nil {
		return 0, err
	}
	return len(buckets), nil
}

func (a *Aggregator) dayBounds(day time.Time) (time.Time, time.Time) {
	local := day.In(a.config.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.config.Location)
	return start, start.AddDate(0, 0, 1)
}

// Summary is an aggregate over a set of buckets.
type Summary struct {
	TotalSent      int     `json:"total_sent"`
	TotalDelivered int     `json:"total_delivered"`
	TotalRead      int     `json:"total_read"`
	TotalClicked   int     `json:"total_clicked"`
	TotalFailed    int     `json:"total_failed"`
	DeliveryRate   float64 `json:"delivery_rate"`
	ReadRate       float64 `json:"read_rate"`
	ClickRate      float64 `json:"click_rate"`
}

type DailySummary struct {
	Date string `json:"date"`
	Summary
}

type Report struct {
	From      string                 `json:"from"`
	To        string                 `json:"to"`
	Totals    Summary                `json:"totals"`
	ByType    map[db.Type]Summary    `json:"by_type"`
	ByChannel map[db.Channel]Summary `json:"by_channel"`
	Daily     []DailySummary         `json:"daily"`
}

// Report aggregates the stored buckets dated from..to inclusive.
//
// Reads are tracked per notification, so every channel bucket of a
// (date, type) carries the same read count. Totals, per-type and daily
// figures count it once; per-channel figures count it per channel.
func (a *Aggregator) Report(ctx context.Context, from, to time.Time) (*Report, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("invalid range: %s is before %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}

	buckets, err := a.store.ListBuckets(ctx, from, to)
	if err != nil {
		return nil, err
	}

	type dayType struct {
		date string
		typ  db.Type
	}
	reads := make(map[dayType]int)

	var totals tally
	byType := make(map[db.Type]*tally)
	byChannel := make(map[db.Channel]*tally)
	byDay := make(map[string]*tally)

	for _, b := range buckets {
		date := b.Date.Format(time.DateOnly)

		totals.addCounts(b)
		get(byType, b.Type).addCounts(b)
		get(byDay, date).addCounts(b)

		ch := get(byChannel, b.Channel)
		ch.addCounts(b)
		ch.read += b.TotalRead

		key := dayType{date, b.Type}
		reads[key] = max(reads[key], b.TotalRead)
	}
	for key, n := range reads {
		totals.read += n
		byType[key.typ].read += n
		byDay[key.date].read += n
	}

	report := &Report{
		From:      db.DateOf(from).Format(time.DateOnly),
		To:        db.DateOf(to).Format(time.DateOnly),
		Totals:    totals.summary(),
		ByType:    make(map[db.Type]Summary, len(byType)),
		ByChannel: make(map[db.Channel]Summary, len(byChannel)),
		Daily:     make([]DailySummary, 0, len(byDay)),
	}
	for t, s := range byType {
		report.ByType[t] = s.summary()
	}
	for c, s := range byChannel {
		report.ByChannel[c] = s.summary()
	}
	for date, s := range byDay {
		report.Daily = append(report.Daily, DailySummary{Date: date, Summary: s.summary()})
	}
	sort.Slice(report.Daily, func(i, j int) bool {
		return report.Daily[i].Date < report.Daily[j].Date
	})

	return report, nil
}

type tally struct {
	sent, delivered, read, clicked, failed int
}

func get[K comparable](m map[K]*tally, k K) *tally {
	t, ok := m[k]
	if !ok {
		t = &tally{}
		m[k] = t
	}
	return t
}

// addCounts adds everything except reads, which callers dedupe.
func (t *tally) addCounts(b *db.AnalyticsBucket) {
	t.sent += b.TotalSent
	t.delivered += b.TotalDelivered
	t.clicked += b.TotalClicked
	t.failed += b.TotalFailed
}

func (t *tally) summary() Summary {
	b := db.AnalyticsBucket{
		TotalSent:      t.sent,
		TotalDelivered: t.delivered,
		TotalRead:      t.read,
		TotalClicked:   t.clicked,
		TotalFailed:    t.failed,
	}
	b.ComputeRates()
	return Summary{
		TotalSent:      b.TotalSent,
		TotalDelivered: b.TotalDelivered,
		TotalRead:      b.TotalRead,
		TotalClicked:   b.TotalClicked,
		TotalFailed:    b.TotalFailed,
		DeliveryRate:   b.DeliveryRate,
		ReadRate:       b.ReadRate,
		ClickRate:      b.ClickRate,
	}
}
