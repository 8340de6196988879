package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/parkgazer/internal/models"
)

// ErrNotFound 无匹配记录
var ErrNotFound = errors.New("not found")

const sessionColumns = `id, latitude, longitude, accuracy_meters, position_source, source_confidence, address, restrictions, started_at, departed_at, departure_distance_m, departure_conclusive`

// SessionRepository 停车会话仓库
type SessionRepository struct {
	db *DB
}

// NewSessionRepository 创建会话仓库
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create 创建停车会话
func (r *SessionRepository) Create(ctx context.Context, s *models.ParkingSession) error {
	query := `
		INSERT INTO parking_sessions (id, latitude, longitude, accuracy_meters, position_source, source_confidence, address, restrictions, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		s.ID,
		s.Latitude,
		s.Longitude,
		s.AccuracyMeters,
		s.PositionSource,
		s.SourceConfidence,
		s.Address,
		s.Restrictions,
		s.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert parking session: %w", err)
	}
	return nil
}

// GetByID 按 ID 获取会话
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.ParkingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM parking_sessions WHERE id = $1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, query, id))
}

// GetLatest 获取最近一次会话
func (r *SessionRepository) GetLatest(ctx context.Context) (*models.ParkingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM parking_sessions ORDER BY started_at DESC LIMIT 1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, query))
}

// UpdatePosition 漂移纠正：替换位置并覆盖重新查询到的地址和规则
func (r *SessionRepository) UpdatePosition(ctx context.Context, s *models.ParkingSession) error {
	query := `
		UPDATE parking_sessions SET
			latitude = $2,
			longitude = $3,
			accuracy_meters = $4,
			position_source = $5,
			source_confidence = $6,
			address = $7,
			restrictions = $8
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query,
		s.ID,
		s.Latitude,
		s.Longitude,
		s.AccuracyMeters,
		s.PositionSource,
		s.SourceConfidence,
		s.Address,
		s.Restrictions,
	)
	if err != nil {
		return fmt.Errorf("update session position: %w", err)
	}
	return nil
}

// SetDeparted 写入驶离结果，至多一次
// departed_at IS NULL 守卫保证并发/重复确认下只有第一次生效
func (r *SessionRepository) SetDeparted(ctx context.Context, id string, departedAt time.Time, distanceM *float64, conclusive *bool) (bool, error) {
	query := `
		UPDATE parking_sessions SET
			departed_at = $2,
			departure_distance_m = $3,
			departure_conclusive = $4
		WHERE id = $1 AND departed_at IS NULL
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, departedAt, distanceM, conclusive)
	if err != nil {
		return false, fmt.Errorf("set session departed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListRecent 最近的会话列表
func (r *SessionRepository) ListRecent(ctx context.Context, limit, offset int) ([]*models.ParkingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM parking_sessions ORDER BY started_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ParkingSession
	for rows.Next() {
		s, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Count 会话总数
func (r *SessionRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM parking_sessions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SessionRepository) scanOne(row pgx.Row) (*models.ParkingSession, error) {
	s, err := r.scanRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *SessionRepository) scanRow(row rowScanner) (*models.ParkingSession, error) {
	s := &models.ParkingSession{}
	err := row.Scan(
		&s.ID,
		&s.Latitude,
		&s.Longitude,
		&s.AccuracyMeters,
		&s.PositionSource,
		&s.SourceConfidence,
		&s.Address,
		&s.Restrictions,
		&s.StartedAt,
		&s.DepartedAt,
		&s.DepartureDistanceM,
		&s.DepartureConclusive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan parking session: %w", err)
	}
	return s, nil
}
