package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Agent mirrors one configured inference endpoint. Position is the
// configuration order; position 0 is the synthesizer.
type Agent struct {
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint"`
	Model     string    `json:"model"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) SaveAgent(a *Agent) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (name, endpoint, model, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			endpoint = excluded.endpoint,
			model = excluded.model,
			position = excluded.position,
			updated_at = CURRENT_TIMESTAMP`,
		a.Name, a.Endpoint, a.Model, a.Position)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

const agentColumns = `name, endpoint, model, position, created_at, updated_at`

func (s *Store) GetAgent(name string) (*Agent, error) {
	a := &Agent{}
	err := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE name = ?`, name).
		Scan(&a.Name, &a.Endpoint, &a.Model, &a.Position, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.Name, &a.Endpoint, &a.Model, &a.Position, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgentsNotIn(names []string) error {
	if len(names) == 0 {
		_, err := s.db.Exec(`DELETE FROM agents`)
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	_, err := s.db.Exec(`DELETE FROM agents WHERE name NOT IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete stale agents: %w", err)
	}
	return nil
}
