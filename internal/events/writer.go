package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"experimenter/internal/domain"
)

// Changelog kinds.
const (
	KindCreated          = "experiment.created"
	KindUpdated          = "experiment.updated"
	KindStatusChanged    = "status.changed"
	KindReviewRequested  = "review.requested"
	KindReviewApproved   = "review.approved"
	KindReviewRejected   = "review.rejected"
	KindReviewTimeout    = "review.timeout"
	KindEndRequested     = "end.requested"
	KindPublishPushed    = "publish.pushed"
	KindPublishCompleted = "publish.completed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Change captures the lifecycle fields before and after a mutation.
type Change struct {
	Message    string
	OldStatus  domain.Status
	NewStatus  domain.Status
	OldPublish domain.PublishStatus
	NewPublish domain.PublishStatus
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, kind string, experimentID int64, actorID string, ch Change, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal changelog payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO changelog(ts,kind,experiment_id,actor_id,message,old_status,new_status,old_publish_status,new_publish_status,payload_json) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ts, kind, experimentID, actorID, nullable(ch.Message),
		nullable(string(ch.OldStatus)), nullable(string(ch.NewStatus)),
		nullable(string(ch.OldPublish)), nullable(string(ch.NewPublish)),
		string(data))
	if err != nil {
		return fmt.Errorf("append %s: %w", kind, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
