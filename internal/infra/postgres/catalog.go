package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"live-quiz-service/internal/domain"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Catalog loads questions and session metadata stored as JSONB documents in Postgres.
type Catalog struct {
	pool *pgxpool.Pool
}

func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

func (c *Catalog) GetQuestion(ctx context.Context, questionID string) (domain.Question, error) {
	var raw []byte
	err := c.pool.QueryRow(ctx, `SELECT data FROM questions WHERE id=$1`, questionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	if err != nil {
		return domain.Question{}, fmt.Errorf("load question: %w", err)
	}
	var question domain.Question
	if err := json.Unmarshal(raw, &question); err != nil {
		return domain.Question{}, fmt.Errorf("unmarshal question: %w", err)
	}
	if question.ID == "" {
		question.ID = questionID
	}
	return question, nil
}

func (c *Catalog) GetSessionMeta(ctx context.Context, accessCode string) (domain.SessionMeta, error) {
	var raw []byte
	err := c.pool.QueryRow(ctx, `SELECT data FROM session_meta WHERE access_code=$1`, accessCode).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SessionMeta{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.SessionMeta{}, fmt.Errorf("load session meta: %w", err)
	}
	var meta domain.SessionMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return domain.SessionMeta{}, fmt.Errorf("unmarshal session meta: %w", err)
	}
	meta.AccessCode = accessCode
	return meta, nil
}
