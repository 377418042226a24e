package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PlanRepo — репозиторий планов и привязок пользователей к планам.
type PlanRepo struct {
	pool *pgxpool.Pool
}

// NewPlanRepo создаёт новый PlanRepo.
func NewPlanRepo(pool *pgxpool.Pool) *PlanRepo {
	return &PlanRepo{pool: pool}
}

// BotLimit возвращает лимит одновременных ботов из плана пользователя.
// ErrNotFound означает, что у пользователя нет плана; дефолт лимита —
// забота вызывающего, а не репозитория.
func (r *PlanRepo) BotLimit(ctx context.Context, userID int64) (int, error) {
	var limit int
	err := r.pool.QueryRow(ctx, `
		SELECT p.max_concurrent_bots
		FROM user_plans up
		JOIN plans p ON p.id = up.plan_id
		WHERE up.user_id = $1
	`, userID).Scan(&limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query bot limit: %w", err)
	}
	return limit, nil
}
