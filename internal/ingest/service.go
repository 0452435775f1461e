// Package ingest is the server side of session capture: it validates and
// enriches what the session logger sends, persists it, and fans the
// lifecycle out to the message bus and the search index.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"formpulse/internal/esx"
	"formpulse/internal/geo"
	"formpulse/internal/logx"
	"formpulse/internal/metrics"
	"formpulse/internal/mqx"
	"formpulse/internal/store"
	"formpulse/pkg/fingerprint"
	"formpulse/pkg/model"
)

var ingestLogger = logx.GetScope("ingest")

const (
	MaxFieldsPerBatch  = 500
	MaxFieldNameLen    = 128
	MaxFieldValueLen   = 10_000
	MaxDocumentTypeLen = 64
	MaxIDLen           = 128
	MaxPointSamples    = 5_000

	DefaultGeoTimeout = 3 * time.Second
)

// Store is the persistence the service needs. *store.Store implements it.
type Store interface {
	CreateSession(ctx context.Context, sess *model.Session) error
	AppendFieldLogs(ctx context.Context, sessionID string, entries []model.FieldLogEntry) error
	// UpdateSession reports whether this call completed the session.
	UpdateSession(ctx context.Context, id string, p model.SessionPatch) (*model.Session, bool, error)
	DeleteSession(ctx context.Context, id string) (int64, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, q store.ListQuery) ([]model.Session, *int, error)
	ListFieldLogs(ctx context.Context, sessionID string, limit, offset int) ([]model.FieldLogEntry, error)
}

// Index receives summaries of completed sessions.
type Index interface {
	IndexSession(ctx context.Context, doc esx.SessionDoc) error
	DeleteSession(ctx context.Context, id string) error
	SearchSessions(ctx context.Context, query string, from, size int) (esx.SearchResult, error)
}

// Caller identifies who is asking for a privileged operation.
type Caller struct {
	Subject string
	Roles   []string
}

// RoleAdmin is the role that may delete and read sessions.
const RoleAdmin = "admin"

func (c Caller) Privileged() bool { return lo.Contains(c.Roles, RoleAdmin) }

// ClientInfo is what the server observed about the request.
type ClientInfo struct {
	IP        string
	UserAgent string
}

type Service struct {
	store      Store
	geo        geo.Locator
	pub        mqx.Publisher
	index      Index
	now        func() time.Time
	newID      func() string
	geoTimeout time.Duration
}

type Option func(*Service)

func WithLocator(l geo.Locator) Option      { return func(s *Service) { s.geo = l } }
func WithPublisher(p mqx.Publisher) Option  { return func(s *Service) { s.pub = p } }
func WithIndex(x Index) Option              { return func(s *Service) { s.index = x } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithIDs(gen func() string) Option      { return func(s *Service) { s.newID = gen } }
func WithGeoTimeout(d time.Duration) Option { return func(s *Service) { s.geoTimeout = d } }

func New(st Store, opts ...Option) *Service {
	s := &Service{
		store:      st,
		geo:        geo.Nop{},
		index:      esx.NewSessionIndex(nil, ""),
		now:        time.Now,
		newID:      uuid.NewString,
		geoTimeout: DefaultGeoTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateSession opens a session for the calling client.
func (s *Service) CreateSession(ctx context.Context, req model.CreateSessionRequest, client ClientInfo) (model.CreateSessionResponse, error) {
	if req.Fingerprint == nil && req.FingerprintHash == "" {
		return model.CreateSessionResponse{}, invalid("fingerprint or fingerprintHash is required")
	}
	if len(req.FingerprintHash) > MaxIDLen {
		return model.CreateSessionResponse{}, invalid("fingerprintHash too long")
	}
	if req.DocumentType != nil && len(*req.DocumentType) > MaxDocumentTypeLen {
		return model.CreateSessionResponse{}, invalid("documentType too long")
	}

	hash := req.FingerprintHash
	if hash == "" {
		hash = fingerprint.Hash(*req.Fingerprint)
	}
	device := lo.FromPtr(req.Device)
	if device == (model.Device{}) {
		var screen *fingerprint.Screen
		if fp := req.Fingerprint; fp != nil {
			screen = &fingerprint.Screen{Width: fp.ScreenWidth, Height: fp.ScreenHeight}
		}
		device = fingerprint.DescribeDevice(client.UserAgent, screen)
	}

	sess := &model.Session{
		ID:              s.newID(),
		DocumentType:    req.DocumentType,
		Device:          device,
		UserAgent:       client.UserAgent,
		Referral:        lo.FromPtr(req.Referral),
		Network:         model.Network{IP: client.IP, Geo: s.locate(ctx, client.IP)},
		Fingerprint:     req.Fingerprint,
		FingerprintHash: hash,
		StartedAt:       s.now(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return model.CreateSessionResponse{}, err
	}
	metrics.SessionsCreated.WithLabelValues(strconv.FormatBool(sess.IsReturning)).Inc()
	ingestLogger.Debug("session created",
		zap.String("id", sess.ID), zap.Bool("returning", sess.IsReturning))

	s.publish(ctx, mqx.KeySessionCreated, mqx.SessionEvent{
		SessionID:       sess.ID,
		FingerprintHash: sess.FingerprintHash,
		IsReturning:     sess.IsReturning,
		DocumentType:    lo.FromPtr(sess.DocumentType),
		Country:         country(sess),
	})
	return model.CreateSessionResponse{ID: sess.ID, IsReturning: sess.IsReturning}, nil
}

// locate never fails: an unreachable geolocation upstream leaves geo empty.
func (s *Service) locate(ctx context.Context, ip string) *model.GeoInfo {
	if ip == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.geoTimeout)
	defer cancel()
	start := time.Now()
	info, err := s.geo.Lookup(ctx, ip)
	metrics.GeoLookupSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamFailures.WithLabelValues("geo").Inc()
		ingestLogger.Warn("geolocation skipped",
			zap.String("ip", ip), zap.Error(fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)))
		return nil
	}
	return info
}

// AppendFieldLogs records a batch of field changes. It returns the number of
// rows written.
func (s *Service) AppendFieldLogs(ctx context.Context, id string, batch model.FieldLogBatch) (int, error) {
	if err := checkID(id); err != nil {
		return 0, err
	}
	if len(batch.Fields) == 0 {
		return 0, invalid("fields must not be empty")
	}
	entries, err := s.entries(batch.Fields)
	if err != nil {
		return 0, err
	}
	if err := s.store.AppendFieldLogs(ctx, id, entries); err != nil {
		return 0, notFound(err, id)
	}
	metrics.FieldLogsAppended.Add(float64(len(entries)))
	return len(entries), nil
}

func (s *Service) entries(in []model.FieldLogInput) ([]model.FieldLogEntry, error) {
	if len(in) > MaxFieldsPerBatch {
		return nil, invalid("at most %d fields per batch", MaxFieldsPerBatch)
	}
	out := make([]model.FieldLogEntry, 0, len(in))
	for i, f := range in {
		if f.FieldName == "" {
			return nil, invalid("fields[%d].fieldName is required", i)
		}
		if len(f.FieldName) > MaxFieldNameLen {
			return nil, invalid("fields[%d].fieldName too long", i)
		}
		if len(f.Value) > MaxFieldValueLen {
			return nil, invalid("fields[%d].value too long", i)
		}
		out = append(out, model.FieldLogEntry{
			FieldName:  f.FieldName,
			FieldValue: f.Value,
			LoggedAt:   lo.FromPtr(f.LoggedAt),
		})
	}
	return out, nil
}

// UpdateSession applies a partial patch. Marking a session completed
// publishes session.completed and indexes its summary once.
func (s *Service) UpdateSession(ctx context.Context, id string, p model.SessionPatch) (*model.Session, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if p.Empty() {
		return nil, invalid("patch is empty")
	}
	if err := normalizePatch(&p); err != nil {
		return nil, err
	}
	sess, completedNow, err := s.store.UpdateSession(ctx, id, p)
	if err != nil {
		return nil, notFound(err, id)
	}
	if completedNow {
		s.completed(ctx, sess)
	}
	return sess, nil
}

func (s *Service) completed(ctx context.Context, sess *model.Session) {
	metrics.SessionsCompleted.Inc()
	s.publish(ctx, mqx.KeySessionCompleted, mqx.SessionEvent{
		SessionID:       sess.ID,
		FingerprintHash: sess.FingerprintHash,
		IsReturning:     sess.IsReturning,
		DocumentType:    lo.FromPtr(sess.DocumentType),
		DocumentID:      lo.FromPtr(sess.DocumentID),
		Country:         country(sess),
	})
	if err := s.index.IndexSession(ctx, Summarize(sess)); err != nil {
		metrics.UpstreamFailures.WithLabelValues("search").Inc()
		ingestLogger.Warn("index session failed", zap.String("id", sess.ID), zap.Error(err))
	}
}

func normalizePatch(p *model.SessionPatch) error {
	if p.DocumentType != nil && len(*p.DocumentType) > MaxDocumentTypeLen {
		return invalid("documentType too long")
	}
	if p.DocumentID != nil && len(*p.DocumentID) > MaxIDLen {
		return invalid("documentId too long")
	}
	if fs := p.FormSnapshot; fs != nil {
		if fs.V == 0 {
			fs.V = model.FormSnapshotVersion
		}
		if fs.V != model.FormSnapshotVersion {
			return invalid("unsupported formSnapshot version %d", fs.V)
		}
	}
	if b := p.Behavioral; b != nil {
		if b.V == 0 {
			b.V = model.BehavioralVersion
		}
		if b.V != model.BehavioralVersion {
			return invalid("unsupported behavioral version %d", b.V)
		}
		if b.ScrollDepth < 0 || b.ScrollDepth > 100 {
			return invalid("scrollDepth must be within 0..100")
		}
		if b.TabSwitches < 0 || b.RageClicks < 0 || b.DurationMs < 0 || b.PageLoadMs < 0 {
			return invalid("behavioral counters must not be negative")
		}
	}
	if len(p.MouseHeatmap) > MaxPointSamples || len(p.ClickMap) > MaxPointSamples {
		return invalid("at most %d heatmap samples", MaxPointSamples)
	}
	return nil
}

// Beacon applies a teardown flush: pending fields first, then the final
// behavioral state.
func (s *Service) Beacon(ctx context.Context, id string, b model.BeaconPayload) error {
	if err := checkID(id); err != nil {
		return err
	}
	patch := model.SessionPatch{Behavioral: b.Behavioral, MouseHeatmap: b.MouseHeatmap, ClickMap: b.ClickMap}
	if len(b.Fields) == 0 && patch.Empty() {
		return invalid("beacon is empty")
	}
	if len(b.Fields) > 0 {
		if _, err := s.AppendFieldLogs(ctx, id, model.FieldLogBatch{Fields: b.Fields}); err != nil {
			return err
		}
	}
	if !patch.Empty() {
		if _, err := s.UpdateSession(ctx, id, patch); err != nil {
			return err
		}
	}
	metrics.BeaconsReceived.Inc()
	return nil
}

// DeleteSession removes a session and its field logs. Only privileged
// callers may delete.
func (s *Service) DeleteSession(ctx context.Context, caller Caller, id string) error {
	if !caller.Privileged() {
		return ErrUnauthorized
	}
	if err := checkID(id); err != nil {
		return err
	}
	n, err := s.store.DeleteSession(ctx, id)
	if err != nil {
		return notFound(err, id)
	}
	metrics.SessionsDeleted.Inc()
	ingestLogger.Info("session deleted",
		zap.String("id", id), zap.String("by", caller.Subject), zap.Int64("field_logs", n))
	if err := s.index.DeleteSession(ctx, id); err != nil {
		metrics.UpstreamFailures.WithLabelValues("search").Inc()
		ingestLogger.Warn("unindex session failed", zap.String("id", id), zap.Error(err))
	}
	s.publish(ctx, mqx.KeySessionDeleted, mqx.SessionEvent{SessionID: id})
	return nil
}

func (s *Service) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	return sess, nil
}

func (s *Service) ListSessions(ctx context.Context, q store.ListQuery) ([]model.Session, *int, error) {
	return s.store.ListSessions(ctx, q)
}

// ListFieldLogs returns a page of a session's field history, oldest first.
func (s *Service) ListFieldLogs(ctx context.Context, id string, limit, offset int) ([]model.FieldLogEntry, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, notFound(err, id)
	}
	return s.store.ListFieldLogs(ctx, id, limit, offset)
}

func (s *Service) Search(ctx context.Context, query string, from, size int) (esx.SearchResult, error) {
	res, err := s.index.SearchSessions(ctx, query, from, size)
	if err != nil {
		metrics.UpstreamFailures.WithLabelValues("search").Inc()
		return esx.SearchResult{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return res, nil
}

func (s *Service) publish(ctx context.Context, key string, ev mqx.SessionEvent) {
	ev.Type = key
	ev.At = s.now().UTC()
	if err := mqx.PublishJSON(ctx, s.pub, key, ev); err != nil {
		metrics.UpstreamFailures.WithLabelValues("mq").Inc()
		ingestLogger.Warn("publish failed", zap.String("key", key), zap.String("id", ev.SessionID), zap.Error(err))
	}
}

// Summarize flattens a session into its search document.
func Summarize(sess *model.Session) esx.SessionDoc {
	doc := esx.SessionDoc{
		ID:              sess.ID,
		DocumentType:    lo.FromPtr(sess.DocumentType),
		DocumentID:      lo.FromPtr(sess.DocumentID),
		Completed:       sess.Completed,
		IsReturning:     sess.IsReturning,
		FingerprintHash: sess.FingerprintHash,
		TrafficSource:   sess.Referral.TrafficSource,
		Referrer:        sess.Referral.Referrer,
		UTMCampaign:     sess.Referral.UTMCampaign,
		Device:          sess.Device.Type,
		Browser:         sess.Device.Browser,
		StartedAt:       sess.StartedAt,
		CompletedAt:     sess.CompletedAt,
	}
	if g := sess.Network.Geo; g != nil {
		doc.Country, doc.City, doc.ISP, doc.Org = g.Country, g.City, g.ISP, g.Org
	}
	if b := sess.Behavioral; b != nil {
		doc.LastField, _ = b.LastVisitedField()
		doc.DurationMs = b.DurationMs
	}
	return doc
}

func country(sess *model.Session) string {
	if sess.Network.Geo == nil {
		return ""
	}
	return sess.Network.Geo.Country
}

func checkID(id string) error {
	if id == "" || len(id) > MaxIDLen {
		return invalid("invalid session id")
	}
	return nil
}

func notFound(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
