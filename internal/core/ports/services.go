package ports

import (
	"time"

	"peermesh/internal/core/domain"
)

// MetricsRecorder receives session measurements.
type MetricsRecorder interface {
	RecordJoinAttempt(outcome string)
	RecordRosterSize(room domain.RoomID, peers int)
	RecordCallLegs(room domain.RoomID, legs int)
	RecordHeartbeatTimeout(peer domain.PeerID)
	RecordMessageSent(kind string, bytes int)
	RecordMessageReceived(kind string, bytes int)
	RecordSync(room domain.RoomID, took time.Duration)
}

// Codec encodes wire messages for data connections.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}
