package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/background-sync/sqlutil"
)

type Event struct {
	ID     string `db:"event_id"`
	RoomID string `db:"room_id"`
	JSON   []byte `db:"event"`
}

// EventTable stores the events seen in sync responses, keyed by event ID.
// Events are immutable: reinserting an event ID is a no-op.
type EventTable struct {
	db *sqlx.DB
}

// NewEventTable makes a new EventTable
func NewEventTable(db *sqlx.DB) *EventTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS bgsync_events (
		event_id TEXT NOT NULL PRIMARY KEY,
		room_id TEXT NOT NULL,
		event JSONB NOT NULL
	);
	`)
	return &EventTable{
		db: db,
	}
}

// Insert events into the event table. Returns the number of rows added.
// Events with a blank ID or RoomID have them populated from the event JSON;
// JSON missing either key is rejected.
func (t *EventTable) Insert(txn *sqlx.Tx, events []Event) (int, error) {
	for i := range events {
		ev := events[i]
		if ev.RoomID == "" {
			roomIDResult := gjson.GetBytes(ev.JSON, "room_id")
			if !roomIDResult.Exists() || roomIDResult.Str == "" {
				return 0, fmt.Errorf("event missing room_id key")
			}
			ev.RoomID = roomIDResult.Str
		}
		if ev.ID == "" {
			eventIDResult := gjson.GetBytes(ev.JSON, "event_id")
			if !eventIDResult.Exists() || eventIDResult.Str == "" {
				return 0, fmt.Errorf("event JSON missing event_id key")
			}
			ev.ID = eventIDResult.Str
		}
		events[i] = ev
	}
	numInserted := 0
	chunks := sqlutil.Chunkify(3, MaxPostgresParameters, EventChunker(events))
	for _, chunk := range chunks {
		result, err := txn.NamedExec(`INSERT INTO bgsync_events (event_id, room_id, event)
        VALUES (:event_id, :room_id, :event) ON CONFLICT (event_id) DO NOTHING`, chunk)
		if err != nil {
			return 0, err
		}
		ra, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		numInserted += int(ra)
	}
	return numInserted, nil
}

// SelectByID returns the stored event with this ID, or nil if it is unknown.
func (t *EventTable) SelectByID(eventID string) (*Event, error) {
	var ev Event
	err := t.db.Get(&ev, `SELECT event_id, room_id, event FROM bgsync_events WHERE event_id = $1`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

type EventChunker []Event

func (c EventChunker) Len() int {
	return len(c)
}
func (c EventChunker) Subslice(i, j int) sqlutil.Chunker {
	return c[i:j]
}
