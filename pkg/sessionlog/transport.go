package sessionlog

import (
	"context"
	"net/url"

	"formpulse/pkg/model"
)

// Transport is the ingestion API as seen by the logger.
type Transport interface {
	CreateSession(ctx context.Context, req model.CreateSessionRequest) (model.CreateSessionResponse, error)
	AppendFieldLogs(ctx context.Context, sessionID string, fields []model.FieldLogInput) error
	UpdateSession(ctx context.Context, sessionID string, patch model.SessionPatch) error
}

// BestEffortSender hands a payload to a delivery primitive that outlives the
// caller. Delivery is attempted, never guaranteed, and failures are not
// reported back.
type BestEffortSender interface {
	SendBestEffort(endpoint string, payload []byte)
}

// SnapshotSource is what the logger reads from the behavioral tracker.
type SnapshotSource interface {
	Snapshot() model.BehavioralSnapshot
	Heatmap() []model.MousePoint
	ClickMap() []model.ClickPoint
}

// BeaconPath is the endpoint, relative to the API base, of the teardown flush.
func BeaconPath(sessionID string) string {
	return "/sessions/" + url.PathEscape(sessionID) + "/beacon"
}
