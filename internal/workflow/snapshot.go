package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vespl/caseflow/internal/models"
	"github.com/vespl/caseflow/internal/stage"
)

// SnapshotSchemaVersion is the schema written by DeleteStage.
const SnapshotSchemaVersion = 1

// Snapshot is the content of a StageBackup. Kind names the stage the
// snapshot was taken from and selects how Records are interpreted.
type Snapshot struct {
	SchemaVersion int              `json:"schema_version"`
	Kind          stage.Stage      `json:"kind"`
	CaseNumber    string           `json:"case_number"`
	Records       []RecordSnapshot `json:"records"`
}

// RecordSnapshot is one captured stage record. The first record of a
// snapshot is the one the deleted stage's transition referenced.
type RecordSnapshot struct {
	ID             string          `json:"id"`
	DocumentNumber string          `json:"document_number,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedBy      string          `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func snapshotOf(caseNumber string, s stage.Stage, recs []models.StageRecord) Snapshot {
	snap := Snapshot{
		SchemaVersion: SnapshotSchemaVersion,
		Kind:          s,
		CaseNumber:    caseNumber,
		Records:       make([]RecordSnapshot, 0, len(recs)),
	}
	for _, r := range recs {
		snap.Records = append(snap.Records, RecordSnapshot{
			ID:             r.ID,
			DocumentNumber: r.DocumentNumber,
			Payload:        json.RawMessage(r.Payload),
			CreatedBy:      r.CreatedBy,
			CreatedAt:      r.CreatedAt,
		})
	}
	return snap
}

func encodeSnapshot(snap Snapshot) ([]byte, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("workflow: encode %s snapshot: %w", snap.Kind, err)
	}
	return b, nil
}

// DecodeSnapshot reads backup snapshot data for stage s. Data without a
// schema_version is a legacy untyped blob and becomes the payload of a
// single record.
func DecodeSnapshot(data []byte, s stage.Stage) (Snapshot, error) {
	if len(data) == 0 || string(data) == "null" {
		return Snapshot{SchemaVersion: SnapshotSchemaVersion, Kind: s}, nil
	}

	var head struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		// Arrays and scalars were stored as-is before snapshots were typed.
		if !json.Valid(data) {
			return Snapshot{}, fmt.Errorf("workflow: decode %s snapshot: %w", s, err)
		}
		head.SchemaVersion = 0
	}

	switch head.SchemaVersion {
	case 0:
		return Snapshot{
			SchemaVersion: SnapshotSchemaVersion,
			Kind:          s,
			Records:       []RecordSnapshot{{Payload: append(json.RawMessage(nil), data...)}},
		}, nil
	case 1:
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return Snapshot{}, fmt.Errorf("workflow: decode %s snapshot: %w", s, err)
		}
		if snap.Kind != s {
			return Snapshot{}, fmt.Errorf("workflow: snapshot kind %q does not match stage %q", snap.Kind, s)
		}
		return snap, nil
	default:
		return Snapshot{}, fmt.Errorf("workflow: unsupported snapshot schema version %d", head.SchemaVersion)
	}
}
