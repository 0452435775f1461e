// Package sessions serves the ingestion API used by the session logger and
// the privileged session read surface.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"

	"formpulse/internal/httpx/kit"
	"formpulse/internal/httpx/mw"
	"formpulse/internal/ingest"
	"formpulse/internal/store"
	"formpulse/pkg/model"
)

const (
	writeTimeout = 5 * time.Second
	// geolocation alone may take up to three seconds
	createTimeout = 8 * time.Second
	readTimeout   = 5 * time.Second
)

// Clock reports the current time and idle threshold used to derive status.
type Clock struct {
	Now  func() time.Time
	Idle func() time.Duration
}

func (k Clock) now() time.Time {
	if k.Now == nil {
		return time.Now()
	}
	return k.Now()
}

func (k Clock) idle() time.Duration {
	if k.Idle == nil {
		return 30 * time.Minute
	}
	return k.Idle()
}

// SessionView is a stored session plus its derived status.
type SessionView struct {
	*model.Session
	Status model.Status `json:"status"`
}

func view(s *model.Session, k Clock) SessionView {
	return SessionView{Session: s, Status: s.StatusAt(k.now(), k.idle())}
}

// Mount registers the session routes on r. limit guards the write routes
// and may be nil.
func Mount(r fiber.Router, svc *ingest.Service, k Clock, limit fiber.Handler) {
	admin := mw.RequireRoles(ingest.RoleAdmin)
	g := r.Group("/sessions")
	g.Post("/", with(limit, CreateSessionHandler(svc))...)
	g.Get("/", admin, ListSessionsHandler(svc, k))
	g.Get("/search", admin, SearchSessionsHandler(svc))
	g.Get("/:id", admin, GetSessionHandler(svc, k))
	g.Delete("/:id", admin, DeleteSessionHandler(svc))
	g.Put("/:id", with(limit, UpdateSessionHandler(svc))...)
	g.Patch("/:id", with(limit, UpdateSessionHandler(svc))...)
	g.Get("/:id/fields", admin, ListFieldLogsHandler(svc))
	g.Post("/:id/fields", with(limit, AppendFieldsHandler(svc))...)
	g.Post("/:id/beacon", with(limit, BeaconHandler(svc))...)
}

func with(pre, h fiber.Handler) []fiber.Handler {
	if pre == nil {
		return []fiber.Handler{h}
	}
	return []fiber.Handler{pre, h}
}

// fail maps service errors onto the API envelope.
func fail(err error) error {
	switch {
	case errors.Is(err, ingest.ErrValidation):
		return kit.BadRequest(err.Error(), nil)
	case errors.Is(err, ingest.ErrNotFound):
		return kit.NotFound(err.Error())
	case errors.Is(err, ingest.ErrUnauthorized):
		return kit.Forbidden("admin role required")
	case errors.Is(err, ingest.ErrUpstreamUnavailable):
		return kit.Unavailable("search backend unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		return kit.Unavailable("request timed out")
	default:
		return err
	}
}

// CreateSessionHandler opens a session.
//
//	@Summary      Create session
//	@Description  Records device, referral and fingerprint; enriches with client IP and geolocation
//	@Tags         sessions
//	@Accept       json
//	@Produce      json
//	@Param        body  body      model.CreateSessionRequest  true  "session"
//	@Success      201   {object}  model.CreateSessionResponse
//	@Failure      400   {object}  map[string]interface{}  "bad request"
//	@Failure      429   {object}  map[string]interface{}  "rate limited"
//	@Router       /api/v1/sessions [post]
func CreateSessionHandler(svc *ingest.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body model.CreateSessionRequest
		if err := c.BodyParser(&body); err != nil {
			return kit.BadRequest("invalid body", err.Error())
		}
		ctx, cancel := context.WithTimeout(c.Context(), createTimeout)
		defer cancel()
		res, err := svc.CreateSession(ctx, body, ingest.ClientInfo{IP: c.IP(), UserAgent: c.Get(fiber.HeaderUserAgent)})
		if err != nil {
			return fail(err)
		}
		return kit.Created(c, res)
	}
}

// AppendFieldsHandler appends a batch of field changes.
//
//	@Summary      Append field logs
//	@Tags         sessions
//	@Accept       json
//	@Produce      json
//	@Param        id    path      string               true  "session id"
//	@Param        body  body      model.FieldLogBatch  true  "non-empty batch"
//	@Success      201   {object}  map[string]interface{}
//	@Failure      400   {object}  map[string]interface{}
//	@Failure      404   {object}  map[string]interface{}
//	@Router       /api/v1/sessions/{id}/fields [post]
func AppendFieldsHandler(svc *ingest.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body model.FieldLogBatch
		if err := c.BodyParser(&body); err != nil {
			return kit.BadRequest("invalid body", err.Error())
		}
		ctx, cancel := context.WithTimeout(c.Context(), writeTimeout)
		defer cancel()
		n, err := svc.AppendFieldLogs(ctx, c.Params("id"), body)
		if err != nil {
			return fail(err)
		}
		return kit.Created(c, fiber.Map{"inserted": n})
	}
}

// UpdateSessionHandler applies a partial update.
//
//	@Summary      Update session
//	@Description  Provided members replace stored ones; completed=true stamps completedAt
//	@Tags         sessions
//	@Accept       json
//	@Produce      json
//	@Param        id    path      string              true  "session id"
//	@Param        body  body      model.SessionPatch  true  "patch"
//	@Success      200   {object}  map[string]interface{}
//	@Failure      400   {object}  map[string]interface{}
//	@Failure      404   {object}  map[string]interface{}
//	@Router       /api/v1/sessions/{id} [put]
//	@Router       /api/v1/sessions/{id} [patch]
func UpdateSessionHandler(svc *ingest.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body model.SessionPatch
		if err := c.BodyParser(&body); err != nil {
			return kit.BadRequest("invalid body", err.Error())
		}
		ctx, cancel := context.WithTimeout(c.Context(), writeTimeout)
		defer cancel()
		sess, err := svc.UpdateSession(ctx, c.Params("id"), body)
		if err != nil {
			return fail(err)
		}
		return kit.OK(c, fiber.Map{
			"id":             sess.ID,
			"completed":      sess.Completed,
			"completedAt":    sess.CompletedAt,
			"lastActivityAt": sess.LastActivityAt,
		})
	}
}

// BeaconHandler accepts the teardown flush. Browsers send beacons as
// text/plain, so the body is decoded whatever its content type.
//
//	@Summary      Teardown beacon
//	@Tags         sessions
//	@Accept       plain
//	@Produce      json
//	@Param        id    path      string               true  "session id"
//	@Param        body  body      model.BeaconPayload  true  "pending fields and final snapshot"
//	@Success      202   {object}  map[string]interface{}
//	@Failure      400   {object}  map[string]interface{}
//	@Failure      404   {object}  map[string]interface{}
//	@Router       /api/v1/sessions/{id}/beacon [post]
func BeaconHandler(svc *ingest.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body model.BeaconPayload
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return kit.BadRequest("invalid body", err.Error())
		}
		ctx, cancel := context.WithTimeout(c.Context(), writeTimeout)
		defer cancel()
		if err := svc.Beacon(ctx, c.Params("id"), body); err != nil {
			return fail(err)
		}
		return kit.Accepted(c, fiber.Map{"id": c.Params("id")})
	}
}

// DeleteSessionHandler removes a session and its field logs.
//
//	@Summary      Delete session
//	@Tags         sessions
//	@Produce      json
//	@Security     BearerAuth
//	@Param        id   path      string  true  "session id"
//	@Success      200  {object}  map[string]string
//	@Failure      401  {object}  map[string]interface{}
//	@Failure      403  {object}  map[string]interface{}
//	@Failure      404  {object}  map[string]interface{}
//	@Router       /api/v1/sessions/{id} [delete]
func DeleteSessionHandler(svc *ingest.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller := ingest.Caller{}
		if ac := mw.FromCtx(c); ac != nil {
			caller = ingest.Caller{Subject: ac.Subject, Roles: ac.Roles}
		}
		ctx, cancel := context.WithTimeout(c.Context(), writeTimeout)
		defer cancel()
		if err := svc.DeleteSession(ctx, caller, c.Params("id")); err != nil {
			return fail(err)
		}
		return kit.OK(c, fiber.Map{"status": "ok", "id": c.Params("id")})
	}
}

// GetSessionHandler returns one session with its derived status.
//
//	@Summary      Get session
//	@Tags         sessions
//	@Produce      json
//	@Security     BearerAuth
//	@Param        id   path      string  true  "session id"
//	@Success      200  {object}  SessionView
//	@Failure      404  {object}  map[string]interface{}
//	@Router       /api/v1/sessions/{id} [get]
func GetSessionHandler(svc *ingest.Service, k Clock) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), readTimeout)
		defer cancel()
		sess, err := svc.GetSession(ctx, c.Params("id"))
		if err != nil {
			return fail(err)
		}
		return kit.OK(c, view(sess, k))
	}
}

// ListSessionsHandler returns a page of sessions.
//
//	@Summary      List sessions
//	@Description  Offset paging with sort, or keyset paging on (started_at, id) with cursor
//	@Tags         sessions
//	@Produce      json
//	@Security     BearerAuth
//	@Param        completed         query   bool    false  "completion filter"
//	@Param        country           query   string  false  "country filter"
//	@Param        document_type     query   string  false  "document type filter"
//	@Param        fingerprint_hash  query   string  false  "fingerprint filter"
//	@Param        started_after     query   string  false  "RFC3339 lower bound"
//	@Param        started_before    query   string  false  "RFC3339 upper bound"
//	@Param        limit             query   int     false  "page size"  default(20)
//	@Param        offset            query   int     false  "offset"     default(0)
//	@Param        sort              query   string  false  "started_at|last_activity_at|id[:asc|desc]"
//	@Param        cursor            query   string  false  "next_cursor from the previous page"
//	@Param        snapshot          query   string  false  "RFC3339; ignore sessions started later"
//	@Param        with_total        query   bool    false  "return total in offset mode"  default(false)
//	@Success      200  {object}  map[string]interface{}
//	@Failure      400  {object}  map[string]interface{}
//	@Router       /api/v1/sessions [get]
func ListSessionsHandler(svc *ingest.Service, k Clock) fiber.Handler {
	return func(c *fiber.Ctx) error {
		pg, err := kit.ParsePaging(c)
		if err != nil {
			return err
		}
		filter, err := parseFilter(c)
		if err != nil {
			return err
		}
		if pg.Snapshot != nil && (filter.StartedBefore == nil || pg.Snapshot.Before(*filter.StartedBefore)) {
			filter.StartedBefore = pg.Snapshot
		}
		field, asc, err := kit.ParseSort(pg.Sort, store.SessionSortFields)
		if err != nil {
			return err
		}
		if pg.Mode == "cursor" && field != "" && field != "started_at" {
			return kit.BadRequest("cursor paging requires sort=started_at", pg.Sort)
		}

		q := store.ListQuery{
			Filter:    filter,
			Limit:     pg.Limit,
			Offset:    pg.Offset,
			SortField: field,
			Asc:       asc,
			CursorID:  pg.CursorID,
			CursorTS:  pg.CursorTS,
			WithTotal: pg.WithTotal && pg.Mode == "offset",
		}
		ctx, cancel := context.WithTimeout(c.Context(), readTimeout)
		defer cancel()
		items, total, err := svc.ListSessions(ctx, q)
		if err != nil {
			return err
		}

		views := lo.Map(items, func(s model.Session, _ int) SessionView { return view(&s, k) })
		meta := kit.PageMeta{Limit: pg.Limit, Count: len(items), HasMore: len(items) == pg.Limit, Mode: pg.Mode, Total: total}
		if pg.Snapshot != nil {
			meta.Snapshot = pg.Snapshot.Format(time.RFC3339Nano)
		}
		if pg.Mode == "cursor" {
			meta.CursorEnc = c.Query("cursor")
		} else {
			meta.Offset = pg.Offset
			meta.NextOffset = lo.ToPtr(pg.Offset + len(items))
		}
		if (field == "" || field == "started_at") && len(items) > 0 {
			last := items[len(items)-1]
			meta.NextCursorEnc = kit.EncodeCursor(last.ID, last.StartedAt)
		}
		return kit.List(c, views, meta)
	}
}

func parseFilter(c *fiber.Ctx) (store.SessionFilter, error) {
	f := store.SessionFilter{
		Country:         c.Query("country"),
		DocumentType:    c.Query("document_type"),
		FingerprintHash: c.Query("fingerprint_hash"),
	}
	if raw := c.Query("completed"); raw != "" {
		switch raw {
		case "true", "1":
			f.Completed = lo.ToPtr(true)
		case "false", "0":
			f.Completed = lo.ToPtr(false)
		default:
			return f, kit.BadRequest("invalid completed", raw)
		}
	}
	for _, b := range []struct {
		key string
		dst **time.Time
	}{{"started_after", &f.StartedAfter}, {"started_before", &f.StartedBefore}} {
		raw := c.Query(b.key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return f, kit.BadRequest("invalid "+b.key, raw)
		}
		*b.dst = lo.ToPtr(ts.UTC())
	}
	return f, nil
}

// ListFieldLogsHandler returns a session's field history, oldest first.
//
//	@Summary      List field logs
//	@Tags         sessions
//	@Produce      json
//	@Security     BearerAuth
//	@Param        id      path    string  true   "session id"
//	@Param        limit   query   int     false  "page size"  default(20)
//	@Param        offset  query   int     false  "offset"     default(0)
//	@Success      200  {object}  map[string]interface{}
//	@Failure      404  {object}  map[string]interface{}
//	@Router       /api/v1/sessions/{id}/fields [get]
func ListFieldLogsHandler(svc *ingest.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := lo.Clamp(c.QueryInt("limit", 20), 1, 500)
		offset := lo.Max([]int{0, c.QueryInt("offset", 0)})
		ctx, cancel := context.WithTimeout(c.Context(), readTimeout)
		defer cancel()
		logs, err := svc.ListFieldLogs(ctx, c.Params("id"), limit, offset)
		if err != nil {
			return fail(err)
		}
		meta := kit.PageMeta{
			Limit: limit, Offset: offset, Count: len(logs),
			NextOffset: lo.ToPtr(offset + len(logs)), HasMore: len(logs) == limit, Mode: "offset",
		}
		return kit.List(c, logs, meta)
	}
}

// SearchSessionsHandler runs a full-text query over completed sessions.
//
//	@Summary      Search sessions
//	@Tags         sessions
//	@Produce      json
//	@Security     BearerAuth
//	@Param        q       query   string  true   "query"
//	@Param        limit   query   int     false  "page size"  default(20)
//	@Param        offset  query   int     false  "offset"     default(0)
//	@Success      200  {object}  map[string]interface{}
//	@Failure      400  {object}  map[string]interface{}
//	@Failure      503  {object}  map[string]interface{}
//	@Router       /api/v1/sessions/search [get]
func SearchSessionsHandler(svc *ingest.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		q := c.Query("q")
		if q == "" {
			return kit.BadRequest("q required", nil)
		}
		from := lo.Max([]int{0, c.QueryInt("offset", 0)})
		size := lo.Clamp(c.QueryInt("limit", 20), 1, 100)
		ctx, cancel := context.WithTimeout(c.Context(), readTimeout)
		defer cancel()
		res, err := svc.Search(ctx, q, from, size)
		if err != nil {
			return fail(err)
		}
		return kit.OK(c, res)
	}
}
