package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"food-aps/internal/types"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres 从 MES 数据库读取主数据，只执行查询
// 数组和班次等结构化字段以 JSONB 存储
type Postgres struct {
	db *sql.DB
}

// NewPostgres 打开连接并检查可用性
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("连接 Postgres 失败: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close 关闭连接池
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Load 实现 Source
func (p *Postgres) Load(ctx context.Context) (*Dataset, error) {
	var ds Dataset
	var err error
	if ds.Lines, err = p.lines(ctx); err != nil {
		return nil, fmt.Errorf("load lines: %w", err)
	}
	if ds.Orders, err = p.orders(ctx); err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	if ds.Workers, err = p.workers(ctx); err != nil {
		return nil, fmt.Errorf("load workers: %w", err)
	}
	if ds.Equipment, ds.Molds, err = p.resources(ctx); err != nil {
		return nil, fmt.Errorf("load equipment: %w", err)
	}
	if ds.Changeover, err = p.changeover(ctx); err != nil {
		return nil, fmt.Errorf("load changeover matrix: %w", err)
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return &ds, nil
}

func (p *Postgres) orders(ctx context.Context) ([]types.ProductionOrder, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, order_no, customer_id, vip, product_category, product_variant, quantity,
		deadline, required_skill_level, required_equipment::text, required_molds::text, material_ready_ratio,
		material_arrival_at, priority_tier, urgent, splittable, mixable, status, created_at
		FROM production_orders WHERE status IN ('PENDING', 'SCHEDULED') ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ProductionOrder
	for rows.Next() {
		var o types.ProductionOrder
		var orderNo, customer, variant, equipment, molds sql.NullString
		var arrival sql.NullTime
		var status string
		if err := rows.Scan(&o.ID, &orderNo, &customer, &o.VIP, &o.ProductCategory, &variant, &o.Quantity,
			&o.Deadline, &o.RequiredSkillLevel, &equipment, &molds, &o.MaterialReadyRatio,
			&arrival, &o.PriorityTier, &o.Urgent, &o.Splittable, &o.Mixable, &status, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.OrderNo, o.CustomerID, o.ProductVariant = orderNo.String, customer.String, variant.String
		o.Status = types.OrderStatus(status)
		if arrival.Valid {
			at := arrival.Time
			o.MaterialArrivalAt = &at
		}
		if err := decodeJSON(equipment, &o.RequiredEquipment); err != nil {
			return nil, fmt.Errorf("order %s required_equipment: %w", o.ID, err)
		}
		if err := decodeJSON(molds, &o.RequiredMolds); err != nil {
			return nil, fmt.Errorf("order %s required_molds: %w", o.ID, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) lines(ctx context.Context) ([]types.ProductionLine, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, standard_capacity, max_capacity, max_batch_size, efficiency,
		current_load, current_category, compatible_categories::text, skill_level, min_workers, max_workers,
		shifts::text, maintenance::text, active
		FROM production_lines ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ProductionLine
	for rows.Next() {
		var l types.ProductionLine
		var current, compatible, shifts, maintenance sql.NullString
		if err := rows.Scan(&l.ID, &l.Name, &l.StandardCapacity, &l.MaxCapacity, &l.MaxBatchSize, &l.Efficiency,
			&l.CurrentLoad, &current, &compatible, &l.SkillLevel, &l.MinWorkers, &l.MaxWorkers,
			&shifts, &maintenance, &l.Active); err != nil {
			return nil, err
		}
		l.CurrentCategory = current.String
		if err := decodeJSON(compatible, &l.CompatibleCategories); err != nil {
			return nil, fmt.Errorf("line %s compatible_categories: %w", l.ID, err)
		}
		if err := decodeJSON(shifts, &l.Shifts); err != nil {
			return nil, fmt.Errorf("line %s shifts: %w", l.ID, err)
		}
		if err := decodeJSON(maintenance, &l.Maintenance); err != nil {
			return nil, fmt.Errorf("line %s maintenance: %w", l.ID, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *Postgres) workers(ctx context.Context) ([]types.ProductionWorker, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, skill_level, line_id, active FROM production_workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ProductionWorker
	for rows.Next() {
		var w types.ProductionWorker
		var lineID sql.NullString
		if err := rows.Scan(&w.ID, &w.Name, &w.SkillLevel, &lineID, &w.Active); err != nil {
			return nil, err
		}
		w.LineID = lineID.String
		out = append(out, w)
	}
	return out, rows.Err()
}

// resources 设备和模具共用一张表，kind 区分
func (p *Postgres) resources(ctx context.Context) ([]types.ProductionEquipment, []types.ProductionMold, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, kind, type, line_id, shared, active FROM production_resources ORDER BY id`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var equipment []types.ProductionEquipment
	var molds []types.ProductionMold
	for rows.Next() {
		var id, kind, typ string
		var lineID sql.NullString
		var shared, active bool
		if err := rows.Scan(&id, &kind, &typ, &lineID, &shared, &active); err != nil {
			return nil, nil, err
		}
		switch kind {
		case "mold":
			molds = append(molds, types.ProductionMold{ID: id, Type: typ, LineID: lineID.String, Shared: shared, Active: active})
		default:
			equipment = append(equipment, types.ProductionEquipment{ID: id, Type: typ, LineID: lineID.String, Shared: shared, Active: active})
		}
	}
	return equipment, molds, rows.Err()
}

func (p *Postgres) changeover(ctx context.Context) ([]types.ChangeoverEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT from_category, to_category, line_id, minutes FROM changeover_matrix
		ORDER BY from_category, to_category, line_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ChangeoverEntry
	for rows.Next() {
		var e types.ChangeoverEntry
		var lineID sql.NullString
		if err := rows.Scan(&e.FromCategory, &e.ToCategory, &lineID, &e.Minutes); err != nil {
			return nil, err
		}
		e.LineID = lineID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// decodeJSON 解析可空的 JSONB 文本列，NULL 和空串保持零值
func decodeJSON(raw sql.NullString, dst any) error {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}
