package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

const agentColumns = `mac, hostname, ip_address, version, last_seen, created_at, updated_at`

// UpsertAgent registers an agent or refreshes its identity fields. Nil fields keep
// their stored value. last_seen is always stamped.
func (s *PostgresStore) UpsertAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	var a models.Agent
	err := s.pool.QueryRow(ctx,
		`INSERT INTO agents (mac, hostname, ip_address, version, last_seen, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW(), NOW())
		 ON CONFLICT (mac) DO UPDATE SET
		   hostname = COALESCE(EXCLUDED.hostname, agents.hostname),
		   ip_address = COALESCE(EXCLUDED.ip_address, agents.ip_address),
		   version = COALESCE(EXCLUDED.version, agents.version),
		   last_seen = NOW(),
		   updated_at = NOW()
		 RETURNING `+agentColumns,
		agent.MAC, agent.Hostname, agent.IPAddress, agent.Version,
	).Scan(&a.MAC, &a.Hostname, &a.IPAddress, &a.Version, &a.LastSeen, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert agent: %w", err)
	}
	return &a, nil
}

// TouchAgent stamps last_seen. An agent that was swept is recreated.
func (s *PostgresStore) TouchAgent(ctx context.Context, mac string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (mac, last_seen, created_at, updated_at) VALUES ($1, NOW(), NOW(), NOW())
		 ON CONFLICT (mac) DO UPDATE SET last_seen = NOW()`, mac)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY mac`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := []*models.Agent{}
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.MAC, &a.Hostname, &a.IPAddress, &a.Version,
			&a.LastSeen, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// ListStaleAgents returns the MACs of agents not seen since cutoff.
func (s *PostgresStore) ListStaleAgents(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT mac FROM agents WHERE last_seen < $1 ORDER BY last_seen`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	defer rows.Close()

	var macs []string
	for rows.Next() {
		var mac string
		if err := rows.Scan(&mac); err != nil {
			return nil, fmt.Errorf("scan stale agent: %w", err)
		}
		macs = append(macs, mac)
	}
	return macs, rows.Err()
}

// DeleteStaleAgent removes the agent only if it is still stale, so a heartbeat that
// lands mid-sweep keeps it. Reports whether a row was deleted.
func (s *PostgresStore) DeleteStaleAgent(ctx context.Context, mac string, cutoff time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agents WHERE mac = $1 AND last_seen < $2`, mac, cutoff)
	if err != nil {
		return false, fmt.Errorf("delete stale agent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
