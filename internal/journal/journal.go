// Package journal 本地审计日志（SQLite）：订单、对冲、平仓、异常。写入失败只告警，不影响交易。
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/hedgebot/internal/domain"
)

var log = logrus.WithField("component", "journal")

type Journal struct {
	db *sql.DB
}

// Open 打开（必要时创建）数据库并迁移；path 为 ":memory:" 时使用内存库
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  leg TEXT NOT NULL,
  market TEXT NOT NULL,
  client_index INTEGER NOT NULL,
  venue_order_id TEXT,
  side TEXT NOT NULL,
  kind TEXT NOT NULL,
  size TEXT NOT NULL,
  price TEXT,
  status TEXT NOT NULL,
  filled_size TEXT,
  avg_price TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_venue ON orders(venue_order_id);`,
		`
CREATE TABLE IF NOT EXISTS hedges (
  id TEXT PRIMARY KEY,
  leg TEXT NOT NULL,
  market TEXT NOT NULL,
  source_leg TEXT NOT NULL,
  source_order_id TEXT NOT NULL,
  source_side TEXT NOT NULL,
  size TEXT NOT NULL,
  avg_price TEXT NOT NULL,
  status TEXT NOT NULL,
  attempts INTEGER NOT NULL,
  reason TEXT,
  created_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS outcomes (
  id TEXT PRIMARY KEY,
  leg TEXT NOT NULL,
  market TEXT NOT NULL,
  order_id TEXT NOT NULL,
  status TEXT NOT NULL,
  reason TEXT,
  created_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS flattens (
  id TEXT PRIMARY KEY,
  leg TEXT NOT NULL,
  market TEXT NOT NULL,
  reason TEXT,
  result TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS anomalies (
  id TEXT PRIMARY KEY,
  leg TEXT NOT NULL,
  market TEXT NOT NULL,
  detail TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
	}
	for _, st := range stmts {
		if _, err := j.db.ExecContext(ctx, st); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func decStr(o *domain.Order) (price, avg sql.NullString) {
	if o.RequestedPrice != nil {
		price = sql.NullString{String: o.RequestedPrice.String(), Valid: true}
	}
	if o.FilledSize.IsPositive() {
		avg = sql.NullString{String: o.AvgPrice().String(), Valid: true}
	}
	return
}

// RecordOrder 按幂等键写入或更新订单
func (j *Journal) RecordOrder(ctx context.Context, leg string, o *domain.Order) {
	if j == nil || o == nil {
		return
	}
	price, avg := decStr(o)
	now := ts(time.Now())
	_, err := j.db.ExecContext(ctx, `
INSERT INTO orders (id, leg, market, client_index, venue_order_id, side, kind, size, price, status, filled_size, avg_price, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  venue_order_id=excluded.venue_order_id,
  status=excluded.status,
  filled_size=excluded.filled_size,
  avg_price=excluded.avg_price,
  updated_at=excluded.updated_at
`, o.IdempotencyKey, leg, o.Market, o.ClientIndex, o.VenueOrderID, string(o.Side), string(o.Kind),
		o.RequestedSize.String(), price, string(o.Status), o.FilledSize.String(), avg, ts(o.CreatedAt), now)
	if err != nil {
		log.Warnf("[审计] 写入订单失败: %v", err)
	}
}

// RecordHedge 一次对冲（含全部尝试）的最终结果
func (j *Journal) RecordHedge(ctx context.Context, ev domain.FillEvent, out domain.HedgeOutcome, attempts int) {
	if j == nil {
		return
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO hedges (id, leg, market, source_leg, source_order_id, source_side, size, avg_price, status, attempts, reason, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
`, uuid.NewString(), out.Leg, ev.Market, ev.Leg, ev.VenueOrderID, string(ev.Side), ev.FilledSize.String(),
		ev.AvgPrice.String(), string(out.Status), attempts, out.Reason, ts(out.Timestamp))
	if err != nil {
		log.Warnf("[审计] 写入对冲记录失败: %v", err)
	}
}

// RecordOutcome 发起腿收到的对冲结果
func (j *Journal) RecordOutcome(ctx context.Context, leg string, out domain.HedgeOutcome) {
	if j == nil {
		return
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO outcomes (id, leg, market, order_id, status, reason, created_at) VALUES (?,?,?,?,?,?,?)
`, uuid.NewString(), leg, out.Market, out.VenueOrderID, string(out.Status), out.Reason, ts(time.Now()))
	if err != nil {
		log.Warnf("[审计] 写入对冲结果失败: %v", err)
	}
}

func (j *Journal) RecordFlatten(ctx context.Context, leg, market, reason, result string) {
	if j == nil {
		return
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO flattens (id, leg, market, reason, result, created_at) VALUES (?,?,?,?,?,?)
`, uuid.NewString(), leg, market, reason, result, ts(time.Now()))
	if err != nil {
		log.Warnf("[审计] 写入平仓记录失败: %v", err)
	}
}

func (j *Journal) RecordAnomaly(ctx context.Context, leg, market, detail string) {
	if j == nil {
		return
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO anomalies (id, leg, market, detail, created_at) VALUES (?,?,?,?,?)
`, uuid.NewString(), leg, market, detail, ts(time.Now()))
	if err != nil {
		log.Warnf("[审计] 写入异常记录失败: %v", err)
	}
}

// Entry 最近事件，用于控制接口展示
type Entry struct {
	Kind      string    `json:"kind"`
	Leg       string    `json:"leg"`
	Market    string    `json:"market"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Recent 合并 hedges/outcomes/flattens/anomalies，按时间倒序
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT kind, leg, market, detail, created_at FROM (
  SELECT 'hedge' AS kind, leg, market, status || ' ' || source_order_id || COALESCE(' ' || reason, '') AS detail, created_at FROM hedges
  UNION ALL
  SELECT 'outcome', leg, market, status || ' ' || order_id || COALESCE(' ' || reason, ''), created_at FROM outcomes
  UNION ALL
  SELECT 'flatten', leg, market, result || COALESCE(' ' || reason, ''), created_at FROM flattens
  UNION ALL
  SELECT 'anomaly', leg, market, detail, created_at FROM anomalies
)
ORDER BY created_at DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			created string
		)
		if err := rows.Scan(&e.Kind, &e.Leg, &e.Market, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountOrders 按状态统计订单数
func (j *Journal) CountOrders(ctx context.Context, status domain.OrderStatus) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE status=?`, string(status)).Scan(&n)
	return n, err
}
