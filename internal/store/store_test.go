package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formpulse/internal/store"
	"formpulse/internal/store/storetest"
	"formpulse/pkg/model"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newStore(t *testing.T) (*store.Store, *clock) {
	clk := &clock{t: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	return storetest.Open(t, store.WithClock(clk.now)), clk
}

func newSession(hash string) *model.Session {
	return &model.Session{
		ID:              uuid.NewString(),
		FingerprintHash: hash,
		Device:          model.Device{Type: "desktop", Browser: "Firefox"},
		Referral:        model.ReferralData{TrafficSource: "organic", Referrer: "google.com"},
		Network:         model.Network{IP: "203.0.113.7", Geo: &model.GeoInfo{Country: "Germany", City: "Berlin"}},
		Fingerprint:     &model.Fingerprint{Language: "de-DE"},
	}
}

func TestTablesFromSchemas(t *testing.T) {
	tables, err := store.Tables()
	require.NoError(t, err)
	require.Len(t, tables, 3)
	assert.Equal(t, "sessions", tables[0].Name)
	logs := tables[1]
	assert.Equal(t, "field_logs", logs.Name)
	require.Len(t, logs.ForeignKeys, 1)
	assert.Equal(t, "sessions", logs.ForeignKeys[0].RefTable.Name)
	assert.EqualValues(t, "CASCADE", logs.ForeignKeys[0].OnDelete)
	assert.True(t, logs.PrimaryKey[0].Increment)
}

func TestCreateSession_ReturningIsFirstSeen(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	first := newSession("H")
	require.NoError(t, s.CreateSession(ctx, first))
	assert.False(t, first.IsReturning)

	for i := 0; i < 3; i++ {
		next := newSession("H")
		require.NoError(t, s.CreateSession(ctx, next))
		assert.True(t, next.IsReturning)
	}

	other := newSession("K")
	require.NoError(t, s.CreateSession(ctx, other))
	assert.False(t, other.IsReturning)

	anon := newSession("")
	require.NoError(t, s.CreateSession(ctx, anon))
	assert.False(t, anon.IsReturning)

	got, err := s.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Berlin", got.Network.Geo.City)
	assert.Equal(t, "Firefox", got.Device.Browser)
	assert.Equal(t, "de-DE", got.Fingerprint.Language)
	assert.Equal(t, got.StartedAt, got.LastActivityAt)
}

func TestAppendFieldLogs(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	sess := newSession("H")
	require.NoError(t, s.CreateSession(ctx, sess))

	clk.advance(time.Minute)
	entries := []model.FieldLogEntry{
		{FieldName: "email", FieldValue: "a@b.c"},
		{FieldName: "email", FieldValue: "a@b.c"}, // retry duplicate is kept
		{FieldName: "phone", FieldValue: "123", LoggedAt: clk.t.Add(-30 * time.Second)},
	}
	require.NoError(t, s.AppendFieldLogs(ctx, sess.ID, entries))

	logs, err := s.ListFieldLogs(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "phone", logs[0].FieldName, "ordered by logged_at")

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, clk.t, got.LastActivityAt)
}

func TestAppendFieldLogs_UnknownSessionInsertsNothing(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	err := s.AppendFieldLogs(ctx, "missing", []model.FieldLogEntry{{FieldName: "x", FieldValue: "1"}})
	assert.True(t, errors.Is(err, store.ErrNotFound))
	n, err := s.CountFieldLogs(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpdateSession_PartialReplaceAndCompletion(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	sess := newSession("H")
	require.NoError(t, s.CreateSession(ctx, sess))

	clk.advance(10 * time.Second)
	_, completedNow, err := s.UpdateSession(ctx, sess.ID, model.SessionPatch{
		Behavioral:   &model.BehavioralSnapshot{V: 1, EditCounts: map[string]int{"email": 3, "phone": 1}, RageClicks: 1},
		MouseHeatmap: []model.MousePoint{{X: 1, Y: 2}},
	})
	require.NoError(t, err)
	assert.False(t, completedNow)

	clk.advance(10 * time.Second)
	got, _, err := s.UpdateSession(ctx, sess.ID, model.SessionPatch{
		Behavioral: &model.BehavioralSnapshot{V: 1, EditCounts: map[string]int{"email": 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"email": 4}, got.Behavioral.EditCounts, "snapshot replaced, not merged")
	assert.Zero(t, got.Behavioral.RageClicks)
	assert.Len(t, got.MouseHeatmap, 1, "untouched fields survive")
	assert.False(t, got.Completed)
	assert.Nil(t, got.CompletedAt)

	clk.advance(time.Minute)
	got, completedNow, err = s.UpdateSession(ctx, sess.ID, model.SessionPatch{Completed: lo.ToPtr(true), DocumentID: lo.ToPtr("doc-1")})
	require.NoError(t, err)
	assert.True(t, completedNow)
	require.True(t, got.Completed)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, clk.t, *got.CompletedAt)
	assert.Equal(t, "doc-1", *got.DocumentID)
	completedAt := *got.CompletedAt

	clk.advance(time.Minute)
	got, completedNow, err = s.UpdateSession(ctx, sess.ID, model.SessionPatch{Completed: lo.ToPtr(false)})
	require.NoError(t, err)
	assert.False(t, completedNow)
	assert.True(t, got.Completed, "completion is terminal")
	assert.Equal(t, completedAt, *got.CompletedAt)
}

func TestUpdateSession_ClockSkewKeepsInvariants(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	sess := newSession("H")
	require.NoError(t, s.CreateSession(ctx, sess))
	started := clk.t

	clk.advance(-time.Hour)
	got, _, err := s.UpdateSession(ctx, sess.ID, model.SessionPatch{Completed: lo.ToPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, started, got.LastActivityAt, "last activity never decreases")
	assert.False(t, got.CompletedAt.Before(got.StartedAt))
}

func TestUpdateSession_NotFound(t *testing.T) {
	s, _ := newStore(t)
	_, completedNow, err := s.UpdateSession(context.Background(), "nope", model.SessionPatch{Completed: lo.ToPtr(true)})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, completedNow)
}

func TestUpdateSession_ConcurrentCompletionTransitionsOnce(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	sess := newSession("H")
	require.NoError(t, s.CreateSession(ctx, sess))

	const callers = 8
	var (
		wg          sync.WaitGroup
		transitions atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, completedNow, err := s.UpdateSession(ctx, sess.ID, model.SessionPatch{Completed: lo.ToPtr(true)})
			assert.NoError(t, err)
			if err == nil {
				assert.True(t, got.Completed)
			}
			if completedNow {
				transitions.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, transitions.Load())
}

func TestDeleteSession_Cascades(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	sess := newSession("H")
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NoError(t, s.AppendFieldLogs(ctx, sess.ID, []model.FieldLogEntry{{FieldName: "a"}, {FieldName: "b"}}))

	removed, err := s.DeleteSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	n, err := s.CountFieldLogs(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.DeleteSession(ctx, sess.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListSessions_FilterSortPage(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		sess := newSession("H")
		if i%2 == 0 {
			sess.Network.Geo.Country = "France"
		}
		require.NoError(t, s.CreateSession(ctx, sess))
		ids = append(ids, sess.ID)
		clk.advance(time.Second)
	}
	_, _, err := s.UpdateSession(ctx, ids[0], model.SessionPatch{Completed: lo.ToPtr(true)})
	require.NoError(t, err)

	page, total, err := s.ListSessions(ctx, store.ListQuery{Limit: 2, WithTotal: true})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 5, *total)
	assert.Equal(t, ids[4], page[0].ID, "newest first by default")

	page, _, err = s.ListSessions(ctx, store.ListQuery{Limit: 10, Filter: store.SessionFilter{Country: "France"}, Asc: true})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0], ids[2], ids[4]}, lo.Map(page, func(s model.Session, _ int) string { return s.ID }))

	done := true
	page, _, err = s.ListSessions(ctx, store.ListQuery{Filter: store.SessionFilter{Completed: &done}})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)

	// keyset continuation from the second row
	first, _, err := s.ListSessions(ctx, store.ListQuery{Limit: 2})
	require.NoError(t, err)
	last := first[len(first)-1]
	next, _, err := s.ListSessions(ctx, store.ListQuery{Limit: 2, CursorID: last.ID, CursorTS: &last.StartedAt})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2], ids[1]}, lo.Map(next, func(s model.Session, _ int) string { return s.ID }))
}

func TestDocuments(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertDocument(ctx, model.Document{
		ID:         "d1",
		Sender:     model.Party{BusinessName: "Acme"},
		Recipient:  model.Party{BusinessName: "Globex"},
		LineItems:  []model.LineItem{{Description: "logo design", Quantity: 1, Rate: 500, Amount: 500}},
		GrandTotal: 500,
	}))
	docs, err := s.AllDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Acme", docs[0].Sender.BusinessName)
	assert.Equal(t, "USD", docs[0].Currency)
	assert.Equal(t, "invoice", docs[0].DocumentType)
	assert.Len(t, docs[0].LineItems, 1)
	assert.Nil(t, docs[0].Industry)
}
