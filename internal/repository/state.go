package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// StateRepository 检测状态仓库
// 只存耐久状态 (idle/driving/parked)；保留历史便于排查
type StateRepository struct {
	db *DB
}

// NewStateRepository 创建状态仓库
func NewStateRepository(db *DB) *StateRepository {
	return &StateRepository{db: db}
}

// SaveState 追加一条状态记录
func (r *StateRepository) SaveState(ctx context.Context, state string) error {
	_, err := r.db.Pool.Exec(ctx, `INSERT INTO detection_states (state) VALUES ($1)`, state)
	if err != nil {
		return fmt.Errorf("insert detection state: %w", err)
	}
	return nil
}

// Load 读取最近持久化的状态；没有记录时返回空串
func (r *StateRepository) Load(ctx context.Context) (string, error) {
	var state string
	err := r.db.Pool.QueryRow(ctx,
		`SELECT state FROM detection_states ORDER BY recorded_at DESC, id DESC LIMIT 1`,
	).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("load detection state: %w", err)
	}
	return state, nil
}
