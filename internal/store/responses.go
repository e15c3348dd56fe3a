package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pbaille/chccat/internal/dif"
	"github.com/pbaille/chccat/internal/domain"
)

// ResponseRows flattens the ITEM_RESPONSE events of completed sessions into
// DIF rows, one per scored response of domain d. The person is the
// participant id when the session has one, else the session itself. Rows
// carry the session's meta groups. An empty d selects every domain.
func (s *Store) ResponseRows(d domain.Domain) ([]dif.Row, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.meta, e.payload
		FROM events e
		JOIN sessions s ON s.id = e.session_id
		WHERE s.completed = 1 AND e.type = ?
		ORDER BY s.created_at, s.id, e.seq
	`, string(domain.EventItemResponse))
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	type person struct {
		id     string
		groups map[string]string
	}
	var (
		out    []dif.Row
		people = make(map[string]person)
	)
	for rows.Next() {
		var sessionID, meta, payload string
		if err := rows.Scan(&sessionID, &meta, &payload); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}

		who, ok := people[sessionID]
		if !ok {
			var m domain.SessionMeta
			if err := json.Unmarshal([]byte(meta), &m); err != nil {
				return nil, fmt.Errorf("decode meta of session %s: %w", sessionID, err)
			}
			who = person{id: sessionID, groups: m.Groups}
			if pid := strings.TrimSpace(m.ParticipantID); pid != "" {
				who.id = pid
			}
			people[sessionID] = who
		}

		var p domain.ItemResponsePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("decode response of session %s: %w", sessionID, err)
		}
		if d != "" && p.Domain != d {
			continue
		}
		out = append(out, dif.Row{
			PersonID: who.id,
			ItemID:   p.ItemID,
			Domain:   p.Domain,
			X:        p.X,
			Groups:   who.groups,
		})
	}

	return out, rows.Err()
}
