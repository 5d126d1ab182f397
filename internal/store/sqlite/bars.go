package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"chartfeed/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// GetBars returns cached 1-minute bars for [startMs, endMs] ordered by
// timestamp ascending, tagged source 'C' and closed.
func (s *Store) GetBars(ctx context.Context, instrument string, startMs, endMs int64) ([]model.Bar, error) {
	rows, err := s.r.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM bars_1m
		WHERE instrument = ? AND timeframe = '1m' AND ts BETWEEN ? AND ?
		ORDER BY ts ASC`,
		instrument, startMs, endMs,
	)
	if err != nil {
		return nil, fmt.Errorf("query bars %s: %w", instrument, err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var (
			ts         int64
			o, h, l, c float64
			v          int64
		)
		if err := rows.Scan(&ts, &o, &h, &l, &c, &v); err != nil {
			return nil, fmt.Errorf("scan bar %s: %w", instrument, err)
		}
		bars = append(bars, model.Bar{
			Instrument: instrument,
			Timeframe:  "1m",
			TS:         ts,
			Open:       model.Float(o),
			High:       model.Float(h),
			Low:        model.Float(l),
			Close:      model.Float(c),
			Volume:     v,
			Source:     model.SourceCache,
			IsClosed:   true,
		})
	}
	return bars, rows.Err()
}

// UpsertBars writes bars in one transaction with upsert-by-primary-key
// semantics. Null bars (any nil OHLC, or zero volume) are filtered out
// before the transaction begins and logged as skipped. Any exec error rolls
// the whole batch back.
func (s *Store) UpsertBars(ctx context.Context, bars []model.Bar) error {
	keep := bars[:0:0]
	skipped := 0
	for _, b := range bars {
		if b.IsNull() || b.Volume == 0 {
			skipped++
			continue
		}
		keep = append(keep, b)
	}
	if skipped > 0 {
		log.Printf("[sqlite] skipped %d null bars in batch of %d", skipped, len(bars))
	}
	if len(keep) == 0 {
		return nil
	}

	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bar batch: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO bars_1m (instrument, timeframe, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare bar upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range keep {
		if _, err := stmt.Exec(b.Instrument, b.Timeframe, b.TS, *b.Open, *b.High, *b.Low, *b.Close, b.Volume); err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert bar %s: %w", b.Key(), err)
		}
	}
	return tx.Commit()
}

// ClearFilter selects bars to delete; zero fields are wildcards.
type ClearFilter struct {
	Instrument string
	Timeframe  string
	StartMs    int64
	EndMs      int64
}

// Clear deletes cached bars matching the filter and reports how many rows
// went away.
func (s *Store) Clear(ctx context.Context, f ClearFilter) (int64, error) {
	var (
		cond []string
		args []any
	)
	if f.Instrument != "" {
		cond = append(cond, "instrument = ?")
		args = append(args, f.Instrument)
	}
	if f.Timeframe != "" {
		cond = append(cond, "timeframe = ?")
		args = append(args, f.Timeframe)
	}
	if f.StartMs != 0 {
		cond = append(cond, "ts >= ?")
		args = append(args, f.StartMs)
	}
	if f.EndMs != 0 {
		cond = append(cond, "ts <= ?")
		args = append(args, f.EndMs)
	}
	q := "DELETE FROM bars_1m"
	if len(cond) > 0 {
		q += " WHERE " + strings.Join(cond, " AND ")
	}
	res, err := s.w.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("clear bars: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// LastTimestamp returns the newest cached 1-minute timestamp for the
// instrument, or 0 when nothing is cached.
func (s *Store) LastTimestamp(ctx context.Context, instrument string) (int64, error) {
	var ts sql.NullInt64
	err := s.r.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM bars_1m WHERE instrument = ? AND timeframe = '1m'`,
		instrument,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// Run consumes closed 1-minute bars from barCh and writes them in batched
// transactions: every defaultBatchSize bars or every defaultFlushDelay,
// whichever comes first. Blocks until ctx is cancelled or barCh closes.
func (s *Store) Run(ctx context.Context, barCh <-chan model.Bar) {
	batch := make([]model.Bar, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := s.UpsertBars(context.Background(), batch); err != nil {
			log.Printf("[sqlite] batch insert error: %v", err)
		} else {
			log.Printf("[sqlite] committed %d bars in %v", len(batch), time.Since(start))
			if s.OnBatch != nil {
				s.OnBatch(len(batch))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case b, ok := <-barCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, b)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}
