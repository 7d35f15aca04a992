package persistence

import (
	"context"
	"database/sql"
	"time"
)

// CommandLog answers dedup lookups from the durable event log, backing the
// core's in-memory LRU so restarts do not reopen the dedup window.
type CommandLog struct {
	db *sql.DB
}

func NewCommandLog(db *sql.DB) *CommandLog {
	return &CommandLog{db: db}
}

// CommandExists reports whether a command id is already in the event log. The
// lookup is bounded so a slow database cannot stall the command path; the
// caller treats an error as "not seen".
func (c *CommandLog) CommandExists(commandID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var one int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM event_log.events WHERE command_id = $1 LIMIT 1`,
		commandID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
