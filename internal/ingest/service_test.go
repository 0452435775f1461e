package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formpulse/internal/esx"
	"formpulse/internal/geo"
	"formpulse/internal/ingest"
	"formpulse/internal/mqx"
	"formpulse/internal/store/storetest"
	"formpulse/pkg/model"
)

type stubLocator struct {
	info *model.GeoInfo
	err  error
	ips  []string
}

func (l *stubLocator) Lookup(_ context.Context, ip string) (*model.GeoInfo, error) {
	l.ips = append(l.ips, ip)
	return l.info, l.err
}

type memIndex struct {
	mu      sync.Mutex
	docs    map[string]esx.SessionDoc
	deleted []string
	fail    error
}

func newMemIndex() *memIndex { return &memIndex{docs: map[string]esx.SessionDoc{}} }

func (x *memIndex) IndexSession(_ context.Context, doc esx.SessionDoc) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.fail != nil {
		return x.fail
	}
	x.docs[doc.ID] = doc
	return nil
}

func (x *memIndex) DeleteSession(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.deleted = append(x.deleted, id)
	delete(x.docs, id)
	return x.fail
}

func (x *memIndex) SearchSessions(context.Context, string, int, int) (esx.SearchResult, error) {
	if x.fail != nil {
		return esx.SearchResult{}, x.fail
	}
	return esx.SearchResult{Total: len(x.docs)}, nil
}

type fixture struct {
	svc   *ingest.Service
	rec   *mqx.Recorder
	index *memIndex
	geo   *stubLocator
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		rec:   &mqx.Recorder{},
		index: newMemIndex(),
		geo:   &stubLocator{info: &model.GeoInfo{Country: "DE", City: "Berlin"}},
	}
	f.svc = ingest.New(storetest.Open(t),
		ingest.WithLocator(f.geo),
		ingest.WithPublisher(f.rec),
		ingest.WithIndex(f.index))
	return f
}

func createReq(hash string) model.CreateSessionRequest {
	return model.CreateSessionRequest{DocumentType: lo.ToPtr("invoice"), FingerprintHash: hash}
}

var client = ingest.ClientInfo{
	IP:        "203.0.113.9",
	UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile Safari/604.1",
}

func TestCreateSession_EnrichesAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, model.CreateSessionRequest{
		Fingerprint: &model.Fingerprint{ScreenWidth: 390, ScreenHeight: 844, Language: "en-US"},
	}, client)
	require.NoError(t, err)
	require.NotEmpty(t, res.ID)
	assert.False(t, res.IsReturning)

	sess, err := f.svc.GetSession(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", sess.Network.IP)
	assert.Equal(t, client.UserAgent, sess.UserAgent)
	assert.Equal(t, "mobile", sess.Device.Type)
	assert.Equal(t, "390x844", sess.Device.Screen)
	assert.Contains(t, sess.FingerprintHash, "b2:")
	require.NotNil(t, sess.Network.Geo)
	assert.Equal(t, "DE", sess.Network.Geo.Country)
	assert.Equal(t, []string{"203.0.113.9"}, f.geo.ips)

	msgs := f.rec.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, mqx.KeySessionCreated, msgs[0].Key)
	var ev mqx.SessionEvent
	require.NoError(t, json.Unmarshal(msgs[0].Body, &ev))
	assert.Equal(t, res.ID, ev.SessionID)
	assert.Equal(t, "DE", ev.Country)
}

func TestCreateSession_ReturningByHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateSession(ctx, createReq("h-1"), client)
	require.NoError(t, err)
	second, err := f.svc.CreateSession(ctx, createReq("h-1"), client)
	require.NoError(t, err)
	other, err := f.svc.CreateSession(ctx, createReq("h-2"), client)
	require.NoError(t, err)

	assert.False(t, first.IsReturning)
	assert.True(t, second.IsReturning)
	assert.False(t, other.IsReturning)
}

func TestCreateSession_GeoFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.geo.info, f.geo.err = nil, geo.ErrUnavailable

	res, err := f.svc.CreateSession(context.Background(), createReq("h"), client)
	require.NoError(t, err)
	sess, err := f.svc.GetSession(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Nil(t, sess.Network.Geo)
}

func TestCreateSession_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateSession(context.Background(), model.CreateSessionRequest{}, client)
	assert.ErrorIs(t, err, ingest.ErrValidation)
}

func TestAppendFieldLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateSession(ctx, createReq("h"), client)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	n, err := f.svc.AppendFieldLogs(ctx, res.ID, model.FieldLogBatch{Fields: []model.FieldLogInput{
		{FieldName: "email", Value: "a@b.c", LoggedAt: &at},
		{FieldName: "email", Value: "a@b.co"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	logs, err := f.svc.ListFieldLogs(ctx, res.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "a@b.c", logs[0].FieldValue)
	assert.True(t, at.Equal(logs[0].LoggedAt))
}

func TestAppendFieldLogs_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateSession(ctx, createReq("h"), client)
	require.NoError(t, err)

	cases := []struct {
		name string
		id   string
		in   []model.FieldLogInput
		want error
	}{
		{"empty", res.ID, nil, ingest.ErrValidation},
		{"no field name", res.ID, []model.FieldLogInput{{Value: "x"}}, ingest.ErrValidation},
		{"unknown session", "missing", []model.FieldLogInput{{FieldName: "a"}}, ingest.ErrNotFound},
		{"blank id", "", []model.FieldLogInput{{FieldName: "a"}}, ingest.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.AppendFieldLogs(ctx, tc.id, model.FieldLogBatch{Fields: tc.in})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUpdateSession_CompletionPublishesAndIndexesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateSession(ctx, createReq("h"), client)
	require.NoError(t, err)

	patch := model.SessionPatch{
		Completed:  lo.ToPtr(true),
		DocumentID: lo.ToPtr("doc-1"),
		Behavioral: &model.BehavioralSnapshot{FieldOrder: []string{"name", "email"}, DurationMs: 4200},
	}
	sess, err := f.svc.UpdateSession(ctx, res.ID, patch)
	require.NoError(t, err)
	assert.True(t, sess.Completed)
	require.NotNil(t, sess.CompletedAt)
	assert.Equal(t, model.BehavioralVersion, sess.Behavioral.V)

	_, err = f.svc.UpdateSession(ctx, res.ID, model.SessionPatch{Completed: lo.ToPtr(true)})
	require.NoError(t, err)

	keys := lo.Map(f.rec.Messages(), func(m mqx.Message, _ int) string { return m.Key })
	assert.Equal(t, []string{mqx.KeySessionCreated, mqx.KeySessionCompleted}, keys)

	doc, ok := f.index.docs[res.ID]
	require.True(t, ok)
	assert.Equal(t, "email", doc.LastField)
	assert.Equal(t, "doc-1", doc.DocumentID)
	assert.Equal(t, "Berlin", doc.City)
	assert.EqualValues(t, 4200, doc.DurationMs)
}

func TestUpdateSession_ConcurrentCompletionPublishesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateSession(ctx, createReq("h"), client)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.UpdateSession(ctx, res.ID, model.SessionPatch{Completed: lo.ToPtr(true)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	completed := lo.Filter(f.rec.Messages(), func(m mqx.Message, _ int) bool { return m.Key == mqx.KeySessionCompleted })
	assert.Len(t, completed, 1)
}

func TestUpdateSession_IndexFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.index.fail = errors.New("es down")
	ctx := context.Background()
	res, err := f.svc.CreateSession(ctx, createReq("h"), client)
	require.NoError(t, err)

	_, err = f.svc.UpdateSession(ctx, res.ID, model.SessionPatch{Completed: lo.ToPtr(true)})
	assert.NoError(t, err)
}

func TestUpdateSession_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateSession(ctx, createReq("h"), client)
	require.NoError(t, err)

	cases := map[string]model.SessionPatch{
		"empty":          {},
		"bad version":    {Behavioral: &model.BehavioralSnapshot{V: 7}},
		"scroll depth":   {Behavioral: &model.BehavioralSnapshot{ScrollDepth: 140}},
		"negative count": {Behavioral: &model.BehavioralSnapshot{RageClicks: -1}},
		"form version":   {FormSnapshot: &model.FormSnapshot{V: 2}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.UpdateSession(ctx, res.ID, p)
			assert.ErrorIs(t, err, ingest.ErrValidation)
		})
	}

	_, err = f.svc.UpdateSession(ctx, "missing", model.SessionPatch{Completed: lo.ToPtr(true)})
	assert.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestBeacon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateSession(ctx, createReq("h"), client)
	require.NoError(t, err)

	err = f.svc.Beacon(ctx, res.ID, model.BeaconPayload{
		Fields:       []model.FieldLogInput{{FieldName: "total", Value: "12"}},
		Behavioral:   &model.BehavioralSnapshot{TabSwitches: 2},
		MouseHeatmap: []model.MousePoint{{X: 1, Y: 2, Ts: 3}},
	})
	require.NoError(t, err)

	sess, err := f.svc.GetSession(ctx, res.ID)
	require.NoError(t, err)
	require.NotNil(t, sess.Behavioral)
	assert.Equal(t, 2, sess.Behavioral.TabSwitches)
	assert.Len(t, sess.MouseHeatmap, 1)
	logs, err := f.svc.ListFieldLogs(ctx, res.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	assert.ErrorIs(t, f.svc.Beacon(ctx, res.ID, model.BeaconPayload{}), ingest.ErrValidation)
	assert.ErrorIs(t, f.svc.Beacon(ctx, "missing", model.BeaconPayload{
		Fields: []model.FieldLogInput{{FieldName: "a"}},
	}), ingest.ErrNotFound)
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateSession(ctx, createReq("h"), client)
	require.NoError(t, err)
	_, err = f.svc.AppendFieldLogs(ctx, res.ID, model.FieldLogBatch{Fields: []model.FieldLogInput{{FieldName: "a"}}})
	require.NoError(t, err)

	err = f.svc.DeleteSession(ctx, ingest.Caller{Subject: "user:1", Roles: []string{"viewer"}}, res.ID)
	assert.ErrorIs(t, err, ingest.ErrUnauthorized)

	admin := ingest.Caller{Subject: "user:2", Roles: []string{ingest.RoleAdmin}}
	require.NoError(t, f.svc.DeleteSession(ctx, admin, res.ID))

	_, err = f.svc.GetSession(ctx, res.ID)
	assert.ErrorIs(t, err, ingest.ErrNotFound)
	assert.Equal(t, []string{res.ID}, f.index.deleted)
	assert.Equal(t, mqx.KeySessionDeleted, f.rec.Messages()[1].Key)

	assert.ErrorIs(t, f.svc.DeleteSession(ctx, admin, res.ID), ingest.ErrNotFound)
}

func TestSearch_UpstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.index.fail = errors.New("es down")
	_, err := f.svc.Search(context.Background(), "berlin", 0, 10)
	assert.ErrorIs(t, err, ingest.ErrUpstreamUnavailable)
}

func TestSummarize(t *testing.T) {
	sess := &model.Session{
		ID:       "s1",
		Device:   model.Device{Type: "desktop", Browser: "Firefox"},
		Referral: model.ReferralData{TrafficSource: "organic", Referrer: "google.com"},
	}
	doc := ingest.Summarize(sess)
	assert.Equal(t, "organic", doc.TrafficSource)
	assert.Equal(t, "Firefox", doc.Browser)
	assert.Empty(t, doc.Country)
	assert.Empty(t, doc.LastField)
}
