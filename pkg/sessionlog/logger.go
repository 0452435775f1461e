// Package sessionlog owns the lifecycle of one form session on the client:
// lazy creation, debounced field-change batching, periodic behavioral
// snapshot upload, ordered completion and a best-effort teardown flush.
//
// A Logger is scoped to one form-fill workflow. Construct it when the form
// opens and Close it when the form goes away.
package sessionlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"formpulse/pkg/fingerprint"
	"formpulse/pkg/model"
	"formpulse/pkg/tracker"
)

var _ SnapshotSource = (*tracker.Tracker)(nil)

// State of a Logger.
type State int

const (
	StateUninitialized State = iota
	StateCreating
	StateCreated
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateCreated:
		return "created"
	case StateCompleted:
		return "completed"
	default:
		return "uninitialized"
	}
}

const (
	DefaultDebounce         = 2 * time.Second
	DefaultSnapshotInterval = 30 * time.Second
	defaultRequestTimeout   = 10 * time.Second
)

// Identity is the client context sent with session creation.
type Identity struct {
	Fingerprint     model.Fingerprint
	FingerprintHash string
	Device          *model.Device
	Referral        model.ReferralData
}

// CollectIdentity gathers fingerprint, device and referral data from the
// host environment.
func CollectIdentity(env fingerprint.Environment, loc fingerprint.Location) Identity {
	fp := fingerprint.Collect(env)
	dev := fingerprint.DescribeDevice(env.UserAgent, env.Screen)
	return Identity{
		Fingerprint:     fp,
		FingerprintHash: fingerprint.Hash(fp),
		Device:          &dev,
		Referral:        fingerprint.CollectReferral(loc),
	}
}

type creation struct {
	done chan struct{}
	id   string
	ok   bool
}

// Logger is safe for concurrent use.
type Logger struct {
	transport Transport
	sender    BestEffortSender
	source    SnapshotSource
	identity  Identity
	sched     Scheduler
	log       *zap.Logger
	now       func() time.Time

	debounce       time.Duration
	snapshotEvery  time.Duration
	requestTimeout time.Duration

	mu            sync.Mutex
	state         State
	sessionID     string
	returning     bool
	documentType  string
	inflight      *creation
	pending       []model.FieldLogInput
	debounceTimer Timer
	snapshotTimer Timer
	closed        bool

	flushMu   sync.Mutex
	snapMu    sync.Mutex
	closeOnce sync.Once
	bg        sync.WaitGroup
}

// Option configures a Logger.
type Option func(*Logger)

func WithTracker(src SnapshotSource) Option { return func(l *Logger) { l.source = src } }

func WithSender(s BestEffortSender) Option { return func(l *Logger) { l.sender = s } }

func WithScheduler(s Scheduler) Option { return func(l *Logger) { l.sched = s } }

func WithLogger(z *zap.Logger) Option { return func(l *Logger) { l.log = z } }

func WithClock(now func() time.Time) Option { return func(l *Logger) { l.now = now } }

// WithDebounce sets the quiet period before queued fields are flushed.
func WithDebounce(d time.Duration) Option { return func(l *Logger) { l.debounce = d } }

// WithSnapshotInterval sets the period of behavioral snapshot uploads.
func WithSnapshotInterval(d time.Duration) Option {
	return func(l *Logger) { l.snapshotEvery = d }
}

// WithRequestTimeout bounds requests issued from timers and background goroutines.
func WithRequestTimeout(d time.Duration) Option {
	return func(l *Logger) { l.requestTimeout = d }
}

// WithDocumentType sets the document type used when the session is created
// implicitly.
func WithDocumentType(t string) Option { return func(l *Logger) { l.documentType = t } }

// New returns an uninitialized logger. No request is made until the first
// relevant interaction.
func New(t Transport, id Identity, opts ...Option) *Logger {
	l := &Logger{
		transport:      t,
		identity:       id,
		sched:          WallClock,
		log:            zap.NewNop(),
		now:            time.Now,
		debounce:       DefaultDebounce,
		snapshotEvery:  DefaultSnapshotInterval,
		requestTimeout: defaultRequestTimeout,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// State reports the lifecycle state.
func (l *Logger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SessionID returns the server id, or "" before creation succeeded.
func (l *Logger) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// IsReturning reports the server's returning-visitor verdict.
func (l *Logger) IsReturning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.returning
}

// EnsureSession returns the session id, creating the session if needed.
// Concurrent callers share one creation request. On failure the logger stays
// uninitialized so a later call retries; the error is logged, not returned.
func (l *Logger) EnsureSession(ctx context.Context, documentType string) (string, bool) {
	l.mu.Lock()
	if l.sessionID != "" {
		id := l.sessionID
		l.mu.Unlock()
		return id, true
	}
	if l.closed {
		l.mu.Unlock()
		return "", false
	}
	if c := l.inflight; c != nil {
		l.mu.Unlock()
		select {
		case <-c.done:
			return c.id, c.ok
		case <-ctx.Done():
			return "", false
		}
	}
	if documentType != "" {
		l.documentType = documentType
	}
	c := &creation{done: make(chan struct{})}
	l.inflight = c
	l.state = StateCreating
	req := l.createRequest()
	l.mu.Unlock()

	resp, err := l.transport.CreateSession(ctx, req)

	l.mu.Lock()
	defer func() {
		l.inflight = nil
		l.mu.Unlock()
		close(c.done)
	}()
	if err != nil || resp.ID == "" {
		l.state = StateUninitialized
		l.log.Warn("sessionlog: create session failed", zap.Error(err))
		return "", false
	}
	l.sessionID = resp.ID
	l.returning = resp.IsReturning
	l.state = StateCreated
	c.id, c.ok = resp.ID, true
	if !l.closed {
		l.armSnapshotLocked()
	}
	l.log.Debug("sessionlog: session created", zap.String("session_id", resp.ID), zap.Bool("returning", resp.IsReturning))
	return resp.ID, true
}

func (l *Logger) createRequest() model.CreateSessionRequest {
	fp := l.identity.Fingerprint
	ref := l.identity.Referral
	return model.CreateSessionRequest{
		DocumentType:    lo.EmptyableToPtr(l.documentType),
		Fingerprint:     &fp,
		FingerprintHash: l.identity.FingerprintHash,
		Device:          l.identity.Device,
		Referral:        &ref,
	}
}

// LogField queues one field change and re-arms the trailing debounce, so a
// burst of edits produces a single flush after the quiet period.
func (l *Logger) LogField(name, value string) {
	if name == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	at := l.now()
	l.pending = append(l.pending, model.FieldLogInput{FieldName: name, Value: value, LoggedAt: &at})
	if l.debounceTimer != nil {
		l.debounceTimer.Stop()
	}
	l.debounceTimer = l.sched.AfterFunc(l.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.requestTimeout)
		defer cancel()
		l.FlushFields(ctx)
	})
}

// Pending returns a copy of the queued, unsent field changes.
func (l *Logger) Pending() []model.FieldLogInput {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.FieldLogInput(nil), l.pending...)
}

// FlushFields sends every queued change in one batch. A failed batch goes
// back to the front of the queue, ahead of anything logged meanwhile.
func (l *Logger) FlushFields(ctx context.Context) {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	if l.debounceTimer != nil {
		l.debounceTimer.Stop()
		l.debounceTimer = nil
	}
	empty := len(l.pending) == 0
	l.mu.Unlock()
	if empty {
		return
	}

	id, ok := l.EnsureSession(ctx, "")
	if !ok {
		return
	}

	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := l.transport.AppendFieldLogs(ctx, id, batch); err != nil {
		l.mu.Lock()
		closed := l.closed
		if !closed {
			l.pending = append(batch[:len(batch):len(batch)], l.pending...)
		}
		l.mu.Unlock()
		if closed {
			// Close already drained the queue; nothing would flush a re-queued batch.
			l.log.Warn("sessionlog: flush fields failed after close, sent as beacon",
				zap.String("session_id", id), zap.Int("fields", len(batch)), zap.Error(err))
			l.beacon(id, model.BeaconPayload{Fields: batch})
			return
		}
		l.log.Warn("sessionlog: flush fields failed, re-queued",
			zap.String("session_id", id), zap.Int("fields", len(batch)), zap.Error(err))
	}
}

// SendBehavioralSnapshot uploads the tracker's cumulative snapshot, replacing
// the stored one. Failures are logged; the next tick retries with fresher data.
func (l *Logger) SendBehavioralSnapshot(ctx context.Context) {
	l.snapMu.Lock()
	defer l.snapMu.Unlock()
	l.sendSnapshotLocked(ctx)
}

func (l *Logger) sendSnapshotLocked(ctx context.Context) {
	l.mu.Lock()
	id, closed := l.sessionID, l.closed
	l.mu.Unlock()
	// after Close the final snapshot travels in the beacon only
	if id == "" || closed || l.source == nil {
		return
	}
	if err := l.transport.UpdateSession(ctx, id, l.snapshotPatch()); err != nil {
		l.log.Warn("sessionlog: behavioral snapshot failed", zap.String("session_id", id), zap.Error(err))
	}
}

func (l *Logger) snapshotPatch() model.SessionPatch {
	snap := l.source.Snapshot()
	return model.SessionPatch{
		Behavioral:   &snap,
		MouseHeatmap: l.source.Heatmap(),
		ClickMap:     l.source.ClickMap(),
	}
}

func (l *Logger) armSnapshotLocked() {
	if l.snapshotEvery <= 0 || l.source == nil {
		return
	}
	l.snapshotTimer = l.sched.AfterFunc(l.snapshotEvery, l.tick)
}

// tick skips the send when another snapshot is still in flight.
func (l *Logger) tick() {
	if l.snapMu.TryLock() {
		ctx, cancel := context.WithTimeout(context.Background(), l.requestTimeout)
		l.sendSnapshotLocked(ctx)
		cancel()
		l.snapMu.Unlock()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.state != StateCreated {
		return
	}
	l.armSnapshotLocked()
}

// UpdateSession applies patch in the background. The caller never waits and
// never sees the outcome.
func (l *Logger) UpdateSession(patch model.SessionPatch) {
	if patch.Empty() {
		return
	}
	l.bg.Add(1)
	go func() {
		defer l.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.requestTimeout)
		defer cancel()
		l.updateSession(ctx, patch)
	}()
}

func (l *Logger) updateSession(ctx context.Context, patch model.SessionPatch) bool {
	id, ok := l.EnsureSession(ctx, lo.FromPtr(patch.DocumentType))
	if !ok {
		return false
	}
	if err := l.transport.UpdateSession(ctx, id, patch); err != nil {
		l.log.Warn("sessionlog: update session failed", zap.String("session_id", id), zap.Error(err))
		return false
	}
	return true
}

// CompleteSession flushes queued fields, sends a final snapshot and only then
// marks the session completed, so the backend never sees a completed session
// ahead of the data it summarizes.
func (l *Logger) CompleteSession(ctx context.Context, documentID string) {
	if _, ok := l.EnsureSession(ctx, ""); !ok {
		return
	}
	l.FlushFields(ctx)
	l.SendBehavioralSnapshot(ctx)

	patch := model.SessionPatch{Completed: lo.ToPtr(true), DocumentID: lo.EmptyableToPtr(documentID)}
	if !l.updateSession(ctx, patch) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateCompleted
	if l.snapshotTimer != nil {
		l.snapshotTimer.Stop()
		l.snapshotTimer = nil
	}
}

// Close stops every timer and hands the queued fields plus a final
// behavioral snapshot to the best-effort sender. It does not wait for
// delivery and does not destroy the tracker. When a snapshot upload is still
// in flight, the fields go out at once and the final snapshot follows as a
// second beacon after that upload returns, so the server never sees an older
// snapshot after a newer one. Safe to call more than once.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		for _, t := range []Timer{l.debounceTimer, l.snapshotTimer} {
			if t != nil {
				t.Stop()
			}
		}
		l.debounceTimer, l.snapshotTimer = nil, nil
		id := l.sessionID
		pending := l.pending
		l.pending = nil
		l.mu.Unlock()

		if id == "" {
			if len(pending) > 0 {
				l.log.Debug("sessionlog: dropping fields of uncreated session", zap.Int("fields", len(pending)))
			}
			return
		}
		if l.source == nil {
			l.beacon(id, model.BeaconPayload{Fields: pending})
			return
		}
		if l.snapMu.TryLock() {
			payload := l.finalPayload(pending)
			l.snapMu.Unlock()
			l.beacon(id, payload)
			return
		}
		l.beacon(id, model.BeaconPayload{Fields: pending})
		l.bg.Add(1)
		go func() {
			defer l.bg.Done()
			l.snapMu.Lock()
			defer l.snapMu.Unlock()
			l.beacon(id, l.finalPayload(nil))
		}()
	})
}

func (l *Logger) finalPayload(fields []model.FieldLogInput) model.BeaconPayload {
	p := l.snapshotPatch()
	return model.BeaconPayload{Fields: fields, Behavioral: p.Behavioral, MouseHeatmap: p.MouseHeatmap, ClickMap: p.ClickMap}
}

// beacon hands p to the best-effort sender; empty payloads are skipped.
func (l *Logger) beacon(id string, p model.BeaconPayload) {
	if l.sender == nil || (len(p.Fields) == 0 && p.Behavioral == nil) {
		return
	}
	body, err := json.Marshal(p)
	if err != nil {
		l.log.Warn("sessionlog: encode beacon", zap.Error(err))
		return
	}
	l.sender.SendBestEffort(BeaconPath(id), body)
}
