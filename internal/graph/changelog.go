package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/starford/othala/internal/models"
)

// Changelog payloads are self-contained: each one carries enough to
// replay the mutation against another store.
type writePayload struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type rmPayload struct {
	Type string `json:"type"`
}

type mvPayload struct {
	OldName string `json:"old_name"`
	Type    string `json:"type"`
}

type cpPayload struct {
	Source  string `json:"source"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

type typeChangePayload struct {
	OldType string `json:"old_type"`
	NewType string `json:"new_type"`
}

// appendChange appends one changelog entry inside the mutation's
// transaction. A disabled changelog makes this a no-op.
func (g *Graph) appendChange(tx querier, op, subject string, payload any) error {
	if !g.changelog {
		return nil
	}
	body := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("graph: encode changelog payload: %w", err)
		}
		body = string(raw)
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(
		`INSERT INTO changelog (ts, op, subject, payload) VALUES (?, ?, ?, ?)`,
		ts, op, subject, body); err != nil {
		return fmt.Errorf("graph: append changelog: %w", err)
	}
	return nil
}

// Changelog lists entries with seq strictly greater than sinceSeq, oldest
// first. limit <= 0 means no limit.
func (g *Graph) Changelog(sinceSeq int64, limit int) ([]models.ChangeEntry, error) {
	query := `SELECT seq, ts, op, subject, payload FROM changelog WHERE seq > ? ORDER BY seq`
	args := []any{sinceSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: list changelog: %w", err)
	}
	defer rows.Close()

	var out []models.ChangeEntry
	for rows.Next() {
		var e models.ChangeEntry
		var ts string
		if err := rows.Scan(&e.Seq, &ts, &e.Op, &e.Subject, &e.Payload); err != nil {
			return nil, err
		}
		e.TS, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ChangelogTruncate deletes entries with seq strictly below beforeSeq and
// returns how many were removed.
func (g *Graph) ChangelogTruncate(beforeSeq int64) (int64, error) {
	res, err := g.db.Exec(`DELETE FROM changelog WHERE seq < ?`, beforeSeq)
	if err != nil {
		return 0, fmt.Errorf("graph: truncate changelog: %w", err)
	}
	return res.RowsAffected()
}
