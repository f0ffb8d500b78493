package replication

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pglogrepl"
)

// decodeRow extracts the message-table columns this ingester cares
// about from a decoded tuple, following the teacher's parseTupleData
// column-by-name walk (services/anchor/internal/database/postgres/
// replication.go) but typed to the fixed Row shape instead of a
// generic map.
func decodeRow(tuple *pglogrepl.TupleData, relation *pglogrepl.RelationMessage) (Row, error) {
	if tuple == nil {
		return Row{}, fmt.Errorf("replication: nil tuple")
	}

	raw := make(map[string]string)
	null := make(map[string]bool)
	for idx, col := range tuple.Columns {
		if idx >= len(relation.Columns) {
			continue
		}
		name := relation.Columns[idx].Name
		switch col.DataType {
		case 'n':
			null[name] = true
		case 'u':
			// unchanged TOAST column; nothing to decode.
		default:
			raw[name] = string(col.Data)
		}
	}

	row := Row{
		Topic:     raw["topic"],
		Extension: raw["extension"],
	}

	if v, ok := raw["id"]; ok {
		row.ID = v
	}
	if v, ok := raw["private"]; ok {
		row.Private = v == "t" || v == "true"
	}
	if v, ok := raw["event"]; ok && !null["event"] {
		event := v
		row.Event = &event
	}
	if v, ok := raw["payload"]; ok && v != "" {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(v), &payload); err != nil {
			return Row{}, fmt.Errorf("replication: decode payload: %w", err)
		}
		row.Payload = payload
	} else {
		row.Payload = map[string]interface{}{}
	}
	if v, ok := raw["inserted_at"]; ok {
		if t, err := parseTimestamp(v); err == nil {
			row.InsertedAt = t
		}
	}

	return row, nil
}

// parseTimestamp parses Postgres's default timestamp text output,
// falling back to a Unix-seconds numeric value if present.
func parseTimestamp(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02 15:04:05.999999-07", v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", v)
}
