package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"canvas-chat/internal/models"
)

// CanvasRepository persists one canvas row per group.
type CanvasRepository interface {
	GetCanvas(ctx context.Context, groupID string) (models.CanvasState, error)
	UpsertCanvas(ctx context.Context, groupID string, html, css, js *string) error
	AppendTerminal(ctx context.Context, groupID string, lines []string) error
}

// CanvasRepo is a sqlx-backed implementation.
type CanvasRepo struct {
	db *sqlx.DB
}

// NewCanvasRepo constructs a CanvasRepo.
func NewCanvasRepo(db *sqlx.DB) *CanvasRepo {
	return &CanvasRepo{db: db}
}

// GetCanvas returns the canvas; a missing row reads as an empty canvas.
func (r *CanvasRepo) GetCanvas(ctx context.Context, groupID string) (models.CanvasState, error) {
	var canvas models.CanvasState
	err := r.db.GetContext(ctx, &canvas, `SELECT group_id, html, css, js, terminal_output, last_updated FROM canvases WHERE group_id=$1`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CanvasState{GroupID: groupID}, nil
	}
	return canvas, err
}

// UpsertCanvas merges the non-nil fields and bumps last_updated.
func (r *CanvasRepo) UpsertCanvas(ctx context.Context, groupID string, html, css, js *string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO canvases (group_id, html, css, js, last_updated)
        VALUES ($1, COALESCE($2, ''), COALESCE($3, ''), COALESCE($4, ''), NOW())
        ON CONFLICT (group_id) DO UPDATE SET
            html = COALESCE($2, canvases.html),
            css = COALESCE($3, canvases.css),
            js = COALESCE($4, canvases.js),
            last_updated = NOW()`,
		groupID, html, css, js)
	return err
}

// AppendTerminal appends lines to the terminal output.
func (r *CanvasRepo) AppendTerminal(ctx context.Context, groupID string, lines []string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO canvases (group_id, terminal_output) VALUES ($1, $2)
        ON CONFLICT (group_id) DO UPDATE SET terminal_output = canvases.terminal_output || $2`,
		groupID, pq.StringArray(lines))
	return err
}
