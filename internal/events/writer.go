package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	JobCreated          = "job.created"
	JobCompleted        = "job.completed"
	InteractionRecorded = "interaction.recorded"
	FundIncreased       = "fund.increased"
	FundDecreased       = "fund.decreased"
	MissionCreated      = "mission.created"
	MissionClaimed      = "mission.claimed"
	MissionCompleted    = "mission.completed"
	MissionApproved     = "mission.approved"
	MissionExpired      = "mission.expired"
	PaymentTriggered    = "payment.triggered"
	RoleGranted         = "rbac.role_granted"
	RoleRevoked         = "rbac.role_revoked"
)

// Writer appends audit events inside the caller's transaction so the log
// never disagrees with the state it describes.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
