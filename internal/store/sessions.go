package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect/sql"
	"github.com/samber/lo"

	"formpulse/pkg/model"
)

const tableSessions = "sessions"

var sessionColumns = []string{
	"id", "document_type", "user_agent", "device", "referral", "ip_address",
	"country", "geo", "fingerprint", "fingerprint_hash", "is_returning",
	"started_at", "last_activity_at", "completed_at", "completed", "document_id",
	"form_snapshot", "behavioral", "mouse_heatmap", "click_map",
}

// CreateSession inserts sess and sets sess.IsReturning. The returning check
// and the insert share one transaction: the first session of a fingerprint
// hash is not returning, every later one is.
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	now := s.clock()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	sess.StartedAt = sess.StartedAt.UTC().Truncate(time.Microsecond)
	sess.LastActivityAt = sess.StartedAt

	device, err := jsonArg(&sess.Device)
	if err != nil {
		return fmt.Errorf("store: encode device: %w", err)
	}
	referral, err := jsonArg(&sess.Referral)
	if err != nil {
		return fmt.Errorf("store: encode referral: %w", err)
	}
	geo, err := jsonArg(sess.Network.Geo)
	if err != nil {
		return fmt.Errorf("store: encode geo: %w", err)
	}
	fp, err := jsonArg(sess.Fingerprint)
	if err != nil {
		return fmt.Errorf("store: encode fingerprint: %w", err)
	}
	var country any
	if sess.Network.Geo != nil && sess.Network.Geo.Country != "" {
		country = sess.Network.Geo.Country
	}

	return s.withTx(ctx, func(tx *stdsql.Tx) error {
		sess.IsReturning = false
		if sess.FingerprintHash != "" {
			var prior string
			err := queryRow(ctx, tx, s.b().Select("id").From(sql.Table(tableSessions)).
				Where(sql.EQ("fingerprint_hash", sess.FingerprintHash)).Limit(1)).Scan(&prior)
			switch {
			case err == nil:
				sess.IsReturning = true
			case !errors.Is(err, stdsql.ErrNoRows):
				return fmt.Errorf("store: returning check: %w", err)
			}
		}
		ins := s.b().Insert(tableSessions).
			Columns("id", "document_type", "user_agent", "device", "referral", "ip_address",
				"country", "geo", "fingerprint", "fingerprint_hash", "is_returning",
				"started_at", "last_activity_at", "completed").
			Values(sess.ID, nullable(sess.DocumentType), sess.UserAgent, device, referral, sess.Network.IP,
				country, geo, fp, sess.FingerprintHash, sess.IsReturning,
				sess.StartedAt, sess.LastActivityAt, false)
		if _, err := exec(ctx, tx, ins); err != nil {
			return fmt.Errorf("store: insert session: %w", err)
		}
		return nil
	})
}

// AppendFieldLogs inserts entries as new rows and bumps the session's last
// activity, atomically. An unknown session yields ErrNotFound and inserts
// nothing.
func (s *Store) AppendFieldLogs(ctx context.Context, sessionID string, entries []model.FieldLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := s.clock()
	return s.withTx(ctx, func(tx *stdsql.Tx) error {
		last, err := s.lockActivity(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		ins := s.b().Insert(tableFieldLogs).Columns("session_id", "field_name", "field_value", "logged_at")
		for _, e := range entries {
			at := lo.Ternary(e.LoggedAt.IsZero(), now, e.LoggedAt.UTC().Truncate(time.Microsecond))
			ins.Values(sessionID, e.FieldName, e.FieldValue, at)
		}
		if _, err := exec(ctx, tx, ins); err != nil {
			return fmt.Errorf("store: insert field logs: %w", err)
		}
		upd := s.b().Update(tableSessions).
			Set("last_activity_at", laterOf(last, now)).
			Where(sql.EQ("id", sessionID))
		if _, err := exec(ctx, tx, upd); err != nil {
			return fmt.Errorf("store: touch session: %w", err)
		}
		return nil
	})
}

func (s *Store) lockActivity(ctx context.Context, tx *stdsql.Tx, id string) (time.Time, error) {
	var last time.Time
	sel := s.forUpdate(s.b().Select("last_activity_at").From(sql.Table(tableSessions)).Where(sql.EQ("id", id)))
	if err := queryRow(ctx, tx, sel).Scan(&last); err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("store: load session: %w", err)
	}
	return last, nil
}

// UpdateSession applies a partial patch and returns the stored result.
// completedNow reports whether this call moved the session to completed;
// it is decided under the row lock, so at most one caller sees true.
//   - Behavioral, heatmap and click map replace the stored values wholesale.
//   - Completed=true stamps completedAt once, never earlier than startedAt.
//     Completion is terminal: Completed=false on a completed session is ignored.
//   - lastActivityAt never moves backwards.
func (s *Store) UpdateSession(ctx context.Context, id string, p model.SessionPatch) (sess *model.Session, completedNow bool, err error) {
	now := s.clock()
	err = s.withTx(ctx, func(tx *stdsql.Tx) error {
		var (
			startedAt, last time.Time
			completed       bool
		)
		sel := s.forUpdate(s.b().Select("started_at", "last_activity_at", "completed").
			From(sql.Table(tableSessions)).Where(sql.EQ("id", id)))
		if err := queryRow(ctx, tx, sel).Scan(&startedAt, &last, &completed); err != nil {
			if errors.Is(err, stdsql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("store: load session: %w", err)
		}

		upd := s.b().Update(tableSessions).Where(sql.EQ("id", id)).
			Set("last_activity_at", laterOf(last, now))
		if p.DocumentType != nil {
			upd.Set("document_type", *p.DocumentType)
		}
		if p.DocumentID != nil {
			upd.Set("document_id", *p.DocumentID)
		}
		if err := setJSON(upd, "form_snapshot", p.FormSnapshot); err != nil {
			return err
		}
		if err := setJSON(upd, "behavioral", p.Behavioral); err != nil {
			return err
		}
		if p.MouseHeatmap != nil {
			v, err := jsonSlice(p.MouseHeatmap)
			if err != nil {
				return err
			}
			upd.Set("mouse_heatmap", v)
		}
		if p.ClickMap != nil {
			v, err := jsonSlice(p.ClickMap)
			if err != nil {
				return err
			}
			upd.Set("click_map", v)
		}
		transition := lo.FromPtr(p.Completed) && !completed
		if transition {
			upd.Set("completed", true)
			upd.Set("completed_at", laterOf(startedAt.UTC(), now))
		}
		if _, err := exec(ctx, tx, upd); err != nil {
			return fmt.Errorf("store: update session: %w", err)
		}
		completedNow = transition
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	sess, err = s.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return sess, completedNow, nil
}

func setJSON[T any](upd *sql.UpdateBuilder, col string, v *T) error {
	if v == nil {
		return nil
	}
	arg, err := jsonArg(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", col, err)
	}
	upd.Set(col, arg)
	return nil
}

// DeleteSession removes the session's field logs and then the session, in
// one transaction. It returns the number of field logs removed.
func (s *Store) DeleteSession(ctx context.Context, id string) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *stdsql.Tx) error {
		if _, err := s.lockActivity(ctx, tx, id); err != nil {
			return err
		}
		res, err := exec(ctx, tx, s.b().Delete(tableFieldLogs).Where(sql.EQ("session_id", id)))
		if err != nil {
			return fmt.Errorf("store: delete field logs: %w", err)
		}
		removed, _ = res.RowsAffected()
		if _, err := exec(ctx, tx, s.b().Delete(tableSessions).Where(sql.EQ("id", id))); err != nil {
			return fmt.Errorf("store: delete session: %w", err)
		}
		return nil
	})
	return removed, err
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sel := s.b().Select(sessionColumns...).From(sql.Table(tableSessions)).Where(sql.EQ("id", id))
	out, err := scanSession(queryRow(ctx, s.db, sel))
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return out, err
}

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	Completed       *bool
	Country         string
	DocumentType    string
	FingerprintHash string
	StartedAfter    *time.Time
	StartedBefore   *time.Time
}

func (f SessionFilter) apply(sel *sql.Selector) *sql.Selector {
	if f.Completed != nil {
		sel.Where(sql.EQ("completed", *f.Completed))
	}
	if f.Country != "" {
		sel.Where(sql.EQ("country", f.Country))
	}
	if f.DocumentType != "" {
		sel.Where(sql.EQ("document_type", f.DocumentType))
	}
	if f.FingerprintHash != "" {
		sel.Where(sql.EQ("fingerprint_hash", f.FingerprintHash))
	}
	if f.StartedAfter != nil {
		sel.Where(sql.GTE("started_at", f.StartedAfter.UTC()))
	}
	if f.StartedBefore != nil {
		sel.Where(sql.LTE("started_at", f.StartedBefore.UTC()))
	}
	return sel
}

// SessionSortFields whitelists the sortable columns.
var SessionSortFields = []string{"started_at", "last_activity_at", "id"}

// ListQuery selects one page of sessions. With a cursor (CursorID and
// CursorTS from the last row of the previous page) it pages by keyset on
// (started_at, id); otherwise by Offset.
type ListQuery struct {
	Filter    SessionFilter
	Limit     int
	Offset    int
	SortField string
	Asc       bool
	CursorID  string
	CursorTS  *time.Time
	WithTotal bool
}

// ListSessions returns a page and, when asked, the total matching count.
func (s *Store) ListSessions(ctx context.Context, q ListQuery) ([]model.Session, *int, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	sortField := lo.Ternary(lo.Contains(SessionSortFields, q.SortField), q.SortField, "started_at")
	order := lo.Ternary(q.Asc, sql.Asc, sql.Desc)

	sel := q.Filter.apply(s.b().Select(sessionColumns...).From(sql.Table(tableSessions)))
	if q.CursorTS != nil && q.CursorID != "" {
		ts := q.CursorTS.UTC()
		cmp := lo.Ternary(q.Asc, sql.GT, sql.LT)
		sel.Where(sql.Or(
			cmp("started_at", ts),
			sql.And(sql.EQ("started_at", ts), cmp("id", q.CursorID)),
		))
		sel.OrderBy(order("started_at"), order("id"))
	} else {
		sel.OrderBy(order(sortField))
		if sortField != "id" {
			sel.OrderBy(order("id"))
		}
		sel.Offset(q.Offset)
	}
	sel.Limit(q.Limit)

	items, err := s.querySessions(ctx, sel)
	if err != nil {
		return nil, nil, err
	}
	if !q.WithTotal {
		return items, nil, nil
	}
	var total int
	cnt := q.Filter.apply(s.b().Select(sql.Count("*")).From(sql.Table(tableSessions)))
	if err := queryRow(ctx, s.db, cnt).Scan(&total); err != nil {
		return nil, nil, fmt.Errorf("store: count sessions: %w", err)
	}
	return items, &total, nil
}

// AllSessions streams the whole corpus, oldest first. The analytics engine
// is its only caller.
func (s *Store) AllSessions(ctx context.Context) ([]model.Session, error) {
	sel := s.b().Select(sessionColumns...).From(sql.Table(tableSessions)).OrderBy("started_at", "id")
	return s.querySessions(ctx, sel)
}

func (s *Store) querySessions(ctx context.Context, sel *sql.Selector) ([]model.Session, error) {
	rows, err := query(ctx, s.db, sel)
	if err != nil {
		return nil, fmt.Errorf("store: query sessions: %w", err)
	}
	defer rows.Close()
	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(r scanner) (*model.Session, error) {
	var (
		out                                        model.Session
		docType, ua, ip, country, fph, docID       stdsql.NullString
		device, referral, geo, fp, form, beh, heat []byte
		click                                      []byte
		completedAt                                stdsql.NullTime
	)
	err := r.Scan(&out.ID, &docType, &ua, &device, &referral, &ip,
		&country, &geo, &fp, &fph, &out.IsReturning,
		&out.StartedAt, &out.LastActivityAt, &completedAt, &out.Completed, &docID,
		&form, &beh, &heat, &click)
	if err != nil {
		return nil, err
	}
	out.DocumentType = ptrOf(docType)
	out.DocumentID = ptrOf(docID)
	out.UserAgent = ua.String
	out.Network.IP = ip.String
	out.FingerprintHash = fph.String
	out.StartedAt = out.StartedAt.UTC()
	out.LastActivityAt = out.LastActivityAt.UTC()
	if completedAt.Valid {
		out.CompletedAt = lo.ToPtr(completedAt.Time.UTC())
	}

	if d, err := decodeJSON[model.Device](device); err != nil {
		return nil, fmt.Errorf("store: session %s device: %w", out.ID, err)
	} else if d != nil {
		out.Device = *d
	}
	if ref, err := decodeJSON[model.ReferralData](referral); err != nil {
		return nil, fmt.Errorf("store: session %s referral: %w", out.ID, err)
	} else if ref != nil {
		out.Referral = *ref
	}
	if out.Network.Geo, err = decodeJSON[model.GeoInfo](geo); err != nil {
		return nil, fmt.Errorf("store: session %s geo: %w", out.ID, err)
	}
	if out.Fingerprint, err = decodeJSON[model.Fingerprint](fp); err != nil {
		return nil, fmt.Errorf("store: session %s fingerprint: %w", out.ID, err)
	}
	if out.FormSnapshot, err = decodeJSON[model.FormSnapshot](form); err != nil {
		return nil, fmt.Errorf("store: session %s form snapshot: %w", out.ID, err)
	}
	if out.Behavioral, err = decodeJSON[model.BehavioralSnapshot](beh); err != nil {
		return nil, fmt.Errorf("store: session %s behavioral: %w", out.ID, err)
	}
	if h, err := decodeJSON[[]model.MousePoint](heat); err != nil {
		return nil, fmt.Errorf("store: session %s heatmap: %w", out.ID, err)
	} else if h != nil {
		out.MouseHeatmap = *h
	}
	if c, err := decodeJSON[[]model.ClickPoint](click); err != nil {
		return nil, fmt.Errorf("store: session %s click map: %w", out.ID, err)
	} else if c != nil {
		out.ClickMap = *c
	}
	return &out, nil
}

func nullable(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func ptrOf(ns stdsql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return lo.ToPtr(ns.String)
}
