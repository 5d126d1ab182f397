package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"chartfeed/internal/model"
)

// SetSettings upserts named settings (JSON-string values) in one
// transaction.
func (s *Store) SetSettings(ctx context.Context, settings map[string]string) error {
	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO settings (name, value) VALUES (?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare settings upsert: %w", err)
	}
	defer stmt.Close()
	for name, value := range settings {
		if _, err := stmt.Exec(name, value); err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert setting %q: %w", name, err)
		}
	}
	return tx.Commit()
}

// GetSettings returns the named settings; names absent from the table are
// simply missing from the result. An empty names slice returns everything.
func (s *Store) GetSettings(ctx context.Context, names []string) (map[string]string, error) {
	q := `SELECT name, value FROM settings`
	var args []any
	if len(names) > 0 {
		q += ` WHERE name IN (?` + strings.Repeat(",?", len(names)-1) + `)`
		for _, n := range names {
			args = append(args, n)
		}
	}
	rows, err := s.r.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[name] = value
	}
	return out, rows.Err()
}

// SetClientSettings upserts the per-client settings blob.
func (s *Store) SetClientSettings(ctx context.Context, clientID, value string) error {
	_, err := s.w.ExecContext(ctx,
		`INSERT OR REPLACE INTO client_settings (client_id, value) VALUES (?, ?)`,
		clientID, value)
	if err != nil {
		return fmt.Errorf("upsert client settings %s: %w", clientID, err)
	}
	return nil
}

// GetClientSettings returns the stored blob for the client; a missing row
// is an empty string, not an error.
func (s *Store) GetClientSettings(ctx context.Context, clientID string) (string, error) {
	var value string
	err := s.r.QueryRowContext(ctx,
		`SELECT value FROM client_settings WHERE client_id = ?`, clientID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query client settings %s: %w", clientID, err)
	}
	return value, nil
}

// SaveAnnotation upserts by (client, unique id).
func (s *Store) SaveAnnotation(ctx context.Context, a model.Annotation) error {
	_, err := s.w.ExecContext(ctx, `
		INSERT OR REPLACE INTO annotations (client_id, unique_id, instrument, timeframe, annotype, object)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ClientID, a.UniqueID, a.Instrument, a.Timeframe, a.Annotype, a.Object)
	if err != nil {
		return fmt.Errorf("upsert annotation %s/%s: %w", a.ClientID, a.UniqueID, err)
	}
	return nil
}

// DeleteAnnotation removes one annotation; deleting a missing row is not an
// error.
func (s *Store) DeleteAnnotation(ctx context.Context, clientID, uniqueID string) error {
	_, err := s.w.ExecContext(ctx,
		`DELETE FROM annotations WHERE client_id = ? AND unique_id = ?`, clientID, uniqueID)
	if err != nil {
		return fmt.Errorf("delete annotation %s/%s: %w", clientID, uniqueID, err)
	}
	return nil
}

// GetAnnotations lists a client's annotations, optionally filtered by
// instrument and timeframe (empty string = any).
func (s *Store) GetAnnotations(ctx context.Context, clientID, instrument, tf string) ([]model.Annotation, error) {
	q := `SELECT client_id, unique_id, instrument, timeframe, annotype, object
		FROM annotations WHERE client_id = ?`
	args := []any{clientID}
	if instrument != "" {
		q += ` AND instrument = ?`
		args = append(args, instrument)
	}
	if tf != "" {
		q += ` AND timeframe = ?`
		args = append(args, tf)
	}
	rows, err := s.r.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query annotations %s: %w", clientID, err)
	}
	defer rows.Close()

	var out []model.Annotation
	for rows.Next() {
		var a model.Annotation
		if err := rows.Scan(&a.ClientID, &a.UniqueID, &a.Instrument, &a.Timeframe, &a.Annotype, &a.Object); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveStrategy upserts the publisher row for a client.
func (s *Store) SaveStrategy(ctx context.Context, st model.Strategy) error {
	_, err := s.w.ExecContext(ctx, `
		INSERT OR REPLACE INTO strategies (client_id, strategy_name, description, parameters, subscribers)
		VALUES (?, ?, ?, ?, ?)`,
		st.ClientID, st.StrategyName, st.Description, st.Parameters, st.Subscribers)
	if err != nil {
		return fmt.Errorf("upsert strategy %s: %w", st.ClientID, err)
	}
	return nil
}

// GetStrategy returns the publisher row for a client; ok is false when the
// client publishes nothing.
func (s *Store) GetStrategy(ctx context.Context, clientID string) (model.Strategy, bool, error) {
	var st model.Strategy
	err := s.r.QueryRowContext(ctx, `
		SELECT client_id, strategy_name, description, parameters, subscribers
		FROM strategies WHERE client_id = ?`, clientID).
		Scan(&st.ClientID, &st.StrategyName, &st.Description, &st.Parameters, &st.Subscribers)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Strategy{}, false, nil
	}
	if err != nil {
		return model.Strategy{}, false, fmt.Errorf("query strategy %s: %w", clientID, err)
	}
	return st, true, nil
}

// GetStrategies lists every publisher row.
func (s *Store) GetStrategies(ctx context.Context) ([]model.Strategy, error) {
	rows, err := s.r.QueryContext(ctx, `
		SELECT client_id, strategy_name, description, parameters, subscribers
		FROM strategies ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var out []model.Strategy
	for rows.Next() {
		var st model.Strategy
		if err := rows.Scan(&st.ClientID, &st.StrategyName, &st.Description, &st.Parameters, &st.Subscribers); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeleteStrategy removes a publisher row.
func (s *Store) DeleteStrategy(ctx context.Context, clientID string) error {
	_, err := s.w.ExecContext(ctx, `DELETE FROM strategies WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("delete strategy %s: %w", clientID, err)
	}
	return nil
}
