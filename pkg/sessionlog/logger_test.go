package sessionlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formpulse/pkg/fingerprint"
	"formpulse/pkg/model"
	"formpulse/pkg/tracker"
)

type fakeTimer struct {
	s       *fakeScheduler
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// fire runs every live timer armed with duration d.
func (s *fakeScheduler) fire(d time.Duration) int {
	s.mu.Lock()
	var due []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && t.d == d {
			t.stopped = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()
	for _, t := range due {
		t.f()
	}
	return len(due)
}

func (s *fakeScheduler) live(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && t.d == d {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	mu         sync.Mutex
	calls      []string
	creates    int
	batches    [][]model.FieldLogInput
	patches    []model.SessionPatch
	failCreate int
	failAppend int
	createGate chan struct{}
	// appendStarted is signalled and appendGate awaited before a batch is recorded.
	appendStarted chan struct{}
	appendGate    chan struct{}
}

func (f *fakeTransport) record(c string) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeTransport) CreateSession(ctx context.Context, req model.CreateSessionRequest) (model.CreateSessionResponse, error) {
	if f.createGate != nil {
		<-f.createGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create")
	f.creates++
	if f.failCreate > 0 {
		f.failCreate--
		return model.CreateSessionResponse{}, errors.New("network down")
	}
	return model.CreateSessionResponse{ID: "s-1", IsReturning: req.FingerprintHash == "seen"}, nil
}

func (f *fakeTransport) AppendFieldLogs(ctx context.Context, id string, fields []model.FieldLogInput) error {
	if f.appendStarted != nil {
		f.appendStarted <- struct{}{}
	}
	if f.appendGate != nil {
		<-f.appendGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fields")
	if f.failAppend > 0 {
		f.failAppend--
		return errors.New("timeout")
	}
	f.batches = append(f.batches, append([]model.FieldLogInput(nil), fields...))
	return nil
}

func (f *fakeTransport) UpdateSession(ctx context.Context, id string, p model.SessionPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case p.Completed != nil:
		f.calls = append(f.calls, "complete")
	case p.Behavioral != nil:
		f.calls = append(f.calls, "snapshot")
	default:
		f.calls = append(f.calls, "update")
	}
	f.patches = append(f.patches, p)
	return nil
}

func (f *fakeTransport) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSender struct {
	mu       sync.Mutex
	endpoint []string
	payloads [][]byte
}

func (s *fakeSender) SendBestEffort(endpoint string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = append(s.endpoint, endpoint)
	s.payloads = append(s.payloads, payload)
}

func newLogger(t *testing.T, tr *fakeTransport, opts ...Option) (*Logger, *fakeScheduler, *tracker.Tracker) {
	t.Helper()
	sched := &fakeScheduler{}
	trk := tracker.New()
	t.Cleanup(trk.Destroy)
	id := Identity{FingerprintHash: "h1"}
	l := New(tr, id, append([]Option{WithScheduler(sched), WithTracker(trk)}, opts...)...)
	t.Cleanup(l.Close)
	return l, sched, trk
}

func names(fs []model.FieldLogInput) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.FieldName + "=" + f.Value
	}
	return out
}

func TestEnsureSession_Idempotent(t *testing.T) {
	tr := &fakeTransport{}
	l, sched, _ := newLogger(t, tr)
	ctx := context.Background()

	id1, ok1 := l.EnsureSession(ctx, "invoice")
	id2, ok2 := l.EnsureSession(ctx, "invoice")
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, tr.creates)
	assert.Equal(t, StateCreated, l.State())
	assert.Equal(t, 1, sched.live(DefaultSnapshotInterval))
}

func TestEnsureSession_ConcurrentCallersShareOneRequest(t *testing.T) {
	tr := &fakeTransport{createGate: make(chan struct{})}
	l, _, _ := newLogger(t, tr)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = l.EnsureSession(context.Background(), "")
		}(i)
	}
	require.Eventually(t, func() bool { return l.State() == StateCreating }, time.Second, time.Millisecond)
	close(tr.createGate)
	wg.Wait()

	assert.Equal(t, 1, tr.creates)
	for _, id := range ids {
		assert.Equal(t, "s-1", id)
	}
}

func TestEnsureSession_FailureStaysUninitializedAndRetries(t *testing.T) {
	tr := &fakeTransport{failCreate: 1}
	l, sched, _ := newLogger(t, tr)

	_, ok := l.EnsureSession(context.Background(), "")
	assert.False(t, ok)
	assert.Equal(t, StateUninitialized, l.State())
	assert.Equal(t, 0, sched.live(DefaultSnapshotInterval))

	id, ok := l.EnsureSession(context.Background(), "")
	assert.True(t, ok)
	assert.Equal(t, "s-1", id)
	assert.Equal(t, 2, tr.creates)
}

func TestLogField_DebounceCoalescesIntoOneFlush(t *testing.T) {
	tr := &fakeTransport{}
	l, sched, _ := newLogger(t, tr)
	l.EnsureSession(context.Background(), "")

	for i := 0; i < 5; i++ {
		l.LogField("email", fmt.Sprintf("a%d", i))
	}
	l.LogField("phone", "1")
	assert.Equal(t, 1, sched.live(DefaultDebounce), "each call re-arms a single trailing timer")
	assert.Empty(t, tr.batches)

	require.Equal(t, 1, sched.fire(DefaultDebounce))
	require.Len(t, tr.batches, 1)
	assert.Equal(t, []string{"email=a0", "email=a1", "email=a2", "email=a3", "email=a4", "phone=1"}, names(tr.batches[0]))
	assert.Empty(t, l.Pending())
}

func TestLogField_CreatesSessionLazily(t *testing.T) {
	tr := &fakeTransport{}
	l, sched, _ := newLogger(t, tr)

	l.LogField("name", "Ada")
	sched.fire(DefaultDebounce)

	assert.Equal(t, []string{"create", "fields"}, tr.callLog())
	assert.Equal(t, "s-1", l.SessionID())
}

func TestFlushFields_FailureRequeuesInOrder(t *testing.T) {
	tr := &fakeTransport{failAppend: 1}
	l, _, _ := newLogger(t, tr)
	ctx := context.Background()
	l.EnsureSession(ctx, "")

	l.LogField("a", "1")
	l.LogField("b", "2")
	l.FlushFields(ctx)
	assert.Empty(t, tr.batches)
	assert.Equal(t, []string{"a=1", "b=2"}, names(l.Pending()))

	l.LogField("c", "3")
	l.FlushFields(ctx)
	require.Len(t, tr.batches, 1)
	assert.Equal(t, []string{"a=1", "b=2", "c=3"}, names(tr.batches[0]))
}

func TestFlushFields_EmptyQueueSendsNothing(t *testing.T) {
	tr := &fakeTransport{}
	l, _, _ := newLogger(t, tr)
	l.FlushFields(context.Background())
	assert.Empty(t, tr.callLog())
}

func TestSnapshotTimer_SendsAndRearms(t *testing.T) {
	tr := &fakeTransport{}
	l, sched, trk := newLogger(t, tr)
	l.EnsureSession(context.Background(), "")

	trk.OnFieldEdit("email")
	require.Equal(t, 1, sched.fire(DefaultSnapshotInterval))
	assert.Equal(t, 1, sched.live(DefaultSnapshotInterval))

	trk.OnFieldEdit("email")
	sched.fire(DefaultSnapshotInterval)
	require.Len(t, tr.patches, 2)
	assert.Equal(t, 1, tr.patches[0].Behavioral.EditCounts["email"])
	assert.Equal(t, 2, tr.patches[1].Behavioral.EditCounts["email"])
}

func TestSnapshotTick_SkipsWhileSendInFlight(t *testing.T) {
	tr := &fakeTransport{}
	l, sched, _ := newLogger(t, tr)
	l.EnsureSession(context.Background(), "")

	l.snapMu.Lock()
	sched.fire(DefaultSnapshotInterval)
	l.snapMu.Unlock()

	assert.Empty(t, tr.patches)
	assert.Equal(t, 1, sched.live(DefaultSnapshotInterval), "timer keeps ticking")
}

func TestCompleteSession_Ordering(t *testing.T) {
	tr := &fakeTransport{}
	l, sched, _ := newLogger(t, tr)
	ctx := context.Background()

	l.LogField("total", "120.00")
	l.CompleteSession(ctx, "doc-9")

	assert.Equal(t, []string{"create", "fields", "snapshot", "complete"}, tr.callLog())
	last := tr.patches[len(tr.patches)-1]
	require.NotNil(t, last.Completed)
	assert.True(t, *last.Completed)
	assert.Equal(t, "doc-9", *last.DocumentID)
	assert.Equal(t, StateCompleted, l.State())
	assert.Equal(t, 0, sched.live(DefaultSnapshotInterval))
	assert.Equal(t, 0, sched.live(DefaultDebounce))
}

func TestUpdateSession_FireAndForget(t *testing.T) {
	tr := &fakeTransport{}
	l, _, _ := newLogger(t, tr)

	step := 2
	l.UpdateSession(model.SessionPatch{FormSnapshot: &model.FormSnapshot{V: model.FormSnapshotVersion, Step: step}})
	l.UpdateSession(model.SessionPatch{})
	l.bg.Wait()

	assert.Equal(t, []string{"create", "update"}, tr.callLog())
}

func TestClose_BeaconsPendingAndSnapshot(t *testing.T) {
	tr := &fakeTransport{}
	snd := &fakeSender{}
	l, sched, trk := newLogger(t, tr, WithSender(snd))
	l.EnsureSession(context.Background(), "")

	trk.OnFieldEdit("email")
	l.LogField("email", "x@y.z")
	l.Close()
	l.Close()

	assert.Equal(t, 0, sched.live(DefaultDebounce))
	assert.Equal(t, 0, sched.live(DefaultSnapshotInterval))
	require.Len(t, snd.payloads, 1)
	assert.Equal(t, "/sessions/s-1/beacon", snd.endpoint[0])

	var p model.BeaconPayload
	require.NoError(t, json.Unmarshal(snd.payloads[0], &p))
	assert.Equal(t, []string{"email=x@y.z"}, names(p.Fields))
	require.NotNil(t, p.Behavioral)
	assert.Equal(t, 1, p.Behavioral.EditCounts["email"])

	// after teardown nothing is queued or sent
	l.LogField("late", "1")
	assert.Empty(t, l.Pending())
	assert.Empty(t, tr.batches)
}

func beacons(t *testing.T, s *fakeSender) []model.BeaconPayload {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.BeaconPayload, len(s.payloads))
	for i, raw := range s.payloads {
		require.NoError(t, json.Unmarshal(raw, &out[i]))
	}
	return out
}

func TestClose_FailedInFlightBatchIsBeaconed(t *testing.T) {
	tr := &fakeTransport{failAppend: 1, appendStarted: make(chan struct{}, 1), appendGate: make(chan struct{})}
	snd := &fakeSender{}
	l, _, _ := newLogger(t, tr, WithSender(snd))
	ctx := context.Background()
	l.EnsureSession(ctx, "")
	l.LogField("email", "a@b.c")

	done := make(chan struct{})
	go func() {
		l.FlushFields(ctx)
		close(done)
	}()
	<-tr.appendStarted
	l.Close()
	close(tr.appendGate)
	<-done

	assert.Empty(t, l.Pending())
	var fields []string
	for _, p := range beacons(t, snd) {
		fields = append(fields, names(p.Fields)...)
	}
	assert.Equal(t, []string{"email=a@b.c"}, fields)
}

func TestClose_WaitsForInFlightSnapshot(t *testing.T) {
	tr := &fakeTransport{}
	snd := &fakeSender{}
	l, sched, trk := newLogger(t, tr, WithSender(snd))
	l.EnsureSession(context.Background(), "")
	trk.OnFieldEdit("email")

	// a periodic upload holds the snapshot slot
	l.snapMu.Lock()
	l.Close()
	assert.Empty(t, beacons(t, snd), "no snapshot may overtake the in-flight upload")
	l.snapMu.Unlock()
	l.bg.Wait()

	got := beacons(t, snd)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Behavioral)
	assert.Equal(t, 1, got[0].Behavioral.EditCounts["email"])

	// ticks after teardown send nothing
	sched.fire(DefaultSnapshotInterval)
	assert.Empty(t, tr.patches)
}

func TestClose_WithoutSessionSendsNothing(t *testing.T) {
	tr := &fakeTransport{}
	snd := &fakeSender{}
	l, _, _ := newLogger(t, tr, WithSender(snd))
	l.LogField("email", "x")
	l.Close()
	assert.Empty(t, snd.payloads)
	assert.Empty(t, tr.callLog())
}

func TestCollectIdentity(t *testing.T) {
	env := fingerprint.Environment{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
		Language:  "en-US",
		Screen:    &fingerprint.Screen{Width: 1920, Height: 1080},
	}
	id := CollectIdentity(env, fingerprint.Location{URL: "https://app.example.com/new?utm_source=newsletter"})
	assert.Equal(t, fingerprint.Hash(id.Fingerprint), id.FingerprintHash)
	require.NotNil(t, id.Device)
	assert.Equal(t, "newsletter", id.Referral.UTMSource)
}
