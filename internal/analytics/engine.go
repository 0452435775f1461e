package analytics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"formpulse/internal/logx"
	"formpulse/internal/metrics"
	"formpulse/pkg/model"
)

var analyticsLogger = logx.GetScope("analytics")

// DefaultIdle is how long a session may sit without activity before it
// counts as abandoned.
const DefaultIdle = 30 * time.Minute

// Source is the read-only corpus. *store.Store implements it.
type Source interface {
	AllSessions(ctx context.Context) ([]model.Session, error)
	AllDocuments(ctx context.Context) ([]model.Document, error)
}

// Engine recomputes every report from the source on each call; nothing is
// cached or materialized.
type Engine struct {
	src        Source
	now        func() time.Time
	industries []Industry
	topN       atomic.Int64
	idle       atomic.Int64
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option    { return func(e *Engine) { e.now = now } }
func WithIndustries(table []Industry) Option   { return func(e *Engine) { e.industries = table } }
func WithTopN(n int) Option                    { return func(e *Engine) { e.SetTopN(n) } }
func WithIdleThreshold(d time.Duration) Option { return func(e *Engine) { e.SetIdleThreshold(d) } }

func NewEngine(src Source, opts ...Option) *Engine {
	e := &Engine{src: src, now: time.Now, industries: DefaultIndustries}
	e.topN.Store(DefaultTopN)
	e.idle.Store(int64(DefaultIdle))
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetTopN changes the truncation of ranked reports; values <= 0 restore the default.
func (e *Engine) SetTopN(n int) {
	if n <= 0 {
		n = DefaultTopN
	}
	e.topN.Store(int64(n))
}

func (e *Engine) SetIdleThreshold(d time.Duration) {
	if d <= 0 {
		d = DefaultIdle
	}
	e.idle.Store(int64(d))
}

func (e *Engine) TopN() int                    { return int(e.topN.Load()) }
func (e *Engine) IdleThreshold() time.Duration { return time.Duration(e.idle.Load()) }

type corpus struct {
	sessions []model.Session
	docs     []model.Document
}

// load reads what a report needs, sessions and documents concurrently.
func (e *Engine) load(ctx context.Context, sessions, docs bool) (corpus, error) {
	var c corpus
	g, gctx := errgroup.WithContext(ctx)
	if sessions {
		g.Go(func() error {
			var err error
			c.sessions, err = e.src.AllSessions(gctx)
			if err != nil {
				return fmt.Errorf("load sessions: %w", err)
			}
			return nil
		})
	}
	if docs {
		g.Go(func() error {
			var err error
			c.docs, err = e.src.AllDocuments(gctx)
			if err != nil {
				return fmt.Errorf("load documents: %w", err)
			}
			return nil
		})
	}
	return c, g.Wait()
}

func report[T any](ctx context.Context, e *Engine, name string, sessions, docs bool, fn func(corpus) T) (T, error) {
	start := time.Now()
	defer func() {
		metrics.AnalyticsSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()
	c, err := e.load(ctx, sessions, docs)
	if err != nil {
		var zero T
		analyticsLogger.Error("report failed", zap.String("report", name), zap.Error(err))
		return zero, err
	}
	return fn(c), nil
}

// Overview is the dashboard headline.
type Overview struct {
	Sessions       int             `json:"sessions"`
	Completed      int             `json:"completed"`
	CompletionRate float64         `json:"completionRate"`
	Status         StatusCounts    `json:"status"`
	Returning      ReturningReport `json:"returning"`
	Durations      DurationStats   `json:"durations"`
	Interaction    Interaction     `json:"interaction"`
	Documents      int             `json:"documents"`
	Currencies     []CurrencyStat  `json:"currencies"`
	GeneratedAt    time.Time       `json:"generatedAt"`
}

func (e *Engine) Overview(ctx context.Context) (Overview, error) {
	return report(ctx, e, "overview", true, true, func(c corpus) Overview {
		now := e.now()
		st := Statuses(c.sessions, now, e.IdleThreshold())
		o := Overview{
			Sessions:    len(c.sessions),
			Completed:   st.Completed,
			Status:      st,
			Returning:   Returning(c.sessions),
			Durations:   Durations(c.sessions),
			Interaction: Interactions(c.sessions),
			Documents:   len(c.docs),
			Currencies:  Currencies(c.docs),
			GeneratedAt: now.UTC(),
		}
		if o.Sessions > 0 {
			o.CompletionRate = float64(o.Completed) / float64(o.Sessions)
		}
		return o
	})
}

func (e *Engine) FieldTimings(ctx context.Context) ([]FieldTiming, error) {
	return report(ctx, e, "field_timings", true, false, func(c corpus) []FieldTiming {
		return FieldTimings(c.sessions, e.TopN())
	})
}

func (e *Engine) DropOffs(ctx context.Context) ([]Ranked, error) {
	return report(ctx, e, "drop_offs", true, false, func(c corpus) []Ranked {
		return DropOffs(c.sessions, e.TopN())
	})
}

func (e *Engine) Edits(ctx context.Context) ([]Ranked, error) {
	return report(ctx, e, "edits", true, false, func(c corpus) []Ranked {
		return EditFrequency(c.sessions, e.TopN())
	})
}

func (e *Engine) Pastes(ctx context.Context) ([]Ranked, error) {
	return report(ctx, e, "pastes", true, false, func(c corpus) []Ranked {
		return PasteFrequency(c.sessions, e.TopN())
	})
}

func (e *Engine) Durations(ctx context.Context) (DurationStats, error) {
	return report(ctx, e, "durations", true, false, func(c corpus) DurationStats {
		return Durations(c.sessions)
	})
}

func (e *Engine) Statuses(ctx context.Context) (StatusCounts, error) {
	return report(ctx, e, "status", true, false, func(c corpus) StatusCounts {
		return Statuses(c.sessions, e.now(), e.IdleThreshold())
	})
}

func (e *Engine) Interactions(ctx context.Context) (Interaction, error) {
	return report(ctx, e, "interactions", true, false, func(c corpus) Interaction {
		return Interactions(c.sessions)
	})
}

func (e *Engine) Industries(ctx context.Context) ([]IndustryStat, error) {
	return report(ctx, e, "industries", false, true, func(c corpus) []IndustryStat {
		return Industries(c.docs, e.industries)
	})
}

func (e *Engine) Revenue(ctx context.Context) ([]RevenueStat, error) {
	return report(ctx, e, "revenue", false, true, func(c corpus) []RevenueStat {
		return Revenue(c.docs)
	})
}

func (e *Engine) Geo(ctx context.Context) (GeoReport, error) {
	return report(ctx, e, "geo", true, false, func(c corpus) GeoReport {
		return Geo(c.sessions, e.TopN())
	})
}

func (e *Engine) Returning(ctx context.Context) (ReturningReport, error) {
	return report(ctx, e, "returning", true, false, func(c corpus) ReturningReport {
		return Returning(c.sessions)
	})
}

func (e *Engine) Relationships(ctx context.Context) ([]Pair, error) {
	return report(ctx, e, "relationships", false, true, func(c corpus) []Pair {
		return RepeatBusiness(c.docs)
	})
}

func (e *Engine) Traffic(ctx context.Context) (Traffic, error) {
	return report(ctx, e, "traffic", true, false, func(c corpus) Traffic {
		return TrafficSources(c.sessions, e.TopN())
	})
}

func (e *Engine) Devices(ctx context.Context) (DeviceMix, error) {
	return report(ctx, e, "devices", true, false, func(c corpus) DeviceMix {
		return Devices(c.sessions)
	})
}
