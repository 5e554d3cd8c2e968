package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Session event types.
const (
	SessionCreated     = "session.created"
	SessionChoice      = "session.choice"
	SessionText        = "session.text"
	SessionFiles       = "session.files"
	SessionDocRemoved  = "session.document_removed"
	SessionUploadError = "session.upload_failed"
	SessionReset       = "session.reset"
	SessionGenerating  = "session.generating"
	SessionCompleted   = "session.completed"
	SessionFailed      = "session.failed"
	SessionRetried     = "session.retried"
	SessionDeleted     = "session.deleted"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event. A nil tx writes directly to DB.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, sessionID, tool, actorID string, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	const query = `INSERT INTO events(ts,type,session_id,tool,actor_id,payload_json) VALUES (?,?,?,?,?,?)`
	args := []any{ts, evtType, sessionID, nullable(tool), actorID, string(data)}
	var res sql.Result
	if tx != nil {
		res, err = tx.ExecContext(ctx, query, args...)
	} else {
		res, err = w.DB.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
