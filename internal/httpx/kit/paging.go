package kit

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"
)

// CursorPayload is the opaque keyset position handed to clients.
type CursorPayload struct {
	ID string    `json:"id"`
	TS time.Time `json:"ts"`
}

// PagingParams contains pagination parameters from HTTP request
type PagingParams struct {
	Limit  int
	Offset int
	// Keyset position of the last row of the previous page.
	CursorID string
	CursorTS *time.Time
	// Snapshot pins the result set to rows that existed at that time.
	Snapshot *time.Time
	Sort     string
	// Mode: offset | cursor
	Mode      string
	WithTotal bool
}

func ParsePaging(c *fiber.Ctx) (PagingParams, error) {
	p := PagingParams{Limit: lo.Clamp(c.QueryInt("limit", 20), 1, 100)}
	p.Offset = lo.Max([]int{0, c.QueryInt("offset", 0)})
	p.Sort = c.Query("sort", "")
	p.WithTotal = c.QueryBool("with_total", false)

	snapshotStr := c.Query("snapshot", "")
	if snapshotStr == "" && c.QueryBool("fixed", false) {
		p.Snapshot = lo.ToPtr(time.Now().UTC())
	} else if snapshotStr != "" {
		ts, err := time.Parse(time.RFC3339Nano, snapshotStr)
		if err != nil {
			return p, BadRequest("invalid snapshot", snapshotStr)
		}
		p.Snapshot = lo.ToPtr(ts.UTC())
	}

	p.Mode = "offset"
	if raw := c.Query("cursor", ""); raw != "" {
		payload, err := DecodeCursor(raw)
		if err != nil || payload.ID == "" || payload.TS.IsZero() {
			return p, BadRequest("invalid cursor", raw)
		}
		p.Mode = "cursor"
		p.CursorID = payload.ID
		p.CursorTS = lo.ToPtr(payload.TS)
	}
	return p, nil
}

func EncodeCursor(id string, ts time.Time) string {
	payload := CursorPayload{ID: id, TS: ts.UTC()}
	b, _ := json.Marshal(payload)
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeCursor(s string) (CursorPayload, error) {
	var out CursorPayload
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil && len(b) > 0 {
		if err := json.Unmarshal(b, &out); err == nil {
			out.TS = out.TS.UTC()
			return out, nil
		}
	}
	return out, fiber.NewError(fiber.StatusBadRequest, "invalid cursor")
}
