package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"canvas-chat/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, group_id, text, sender_id, sender_name, role, status, attachments, is_loading, audio_data, timestamp`

// MessageRepository defines interactions for group messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	GetMessage(ctx context.Context, groupID, messageID string) (models.Message, error)
	UpdateFields(ctx context.Context, groupID, messageID string, fields MessageFields) error
	DeleteMessage(ctx context.Context, groupID, messageID string) error
	ListMessages(ctx context.Context, groupID string) ([]models.Message, error)
}

// MessageFields is a column-level merge; nil fields are left untouched.
type MessageFields struct {
	Text      *string
	Status    *string
	IsLoading *bool
	AudioData *string
}

// MessageRepo is a sqlx-backed implementation.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs a MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage persists a message.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	var created models.Message
	err := r.db.GetContext(ctx, &created, `INSERT INTO messages (id, group_id, text, sender_id, sender_name, role, status, attachments, is_loading, audio_data, timestamp)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING `+messageColumns,
		msg.ID, msg.GroupID, msg.Text, msg.SenderID, msg.SenderName, msg.Role, msg.Status, msg.Attachments, msg.IsLoading, msg.AudioData, msg.Timestamp)
	return created, err
}

// GetMessage fetches a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, groupID, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE group_id=$1 AND id=$2`, groupID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// UpdateFields applies a partial update in one statement.
func (r *MessageRepo) UpdateFields(ctx context.Context, groupID, messageID string, fields MessageFields) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET
            text = COALESCE($3, text),
            status = COALESCE($4, status),
            is_loading = COALESCE($5, is_loading),
            audio_data = COALESCE($6, audio_data)
        WHERE group_id=$1 AND id=$2`,
		groupID, messageID, fields.Text, fields.Status, fields.IsLoading, fields.AudioData)
	return expectRow(res, err, ErrMessageNotFound)
}

// DeleteMessage removes a message.
func (r *MessageRepo) DeleteMessage(ctx context.Context, groupID, messageID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE group_id=$1 AND id=$2`, groupID, messageID)
	return expectRow(res, err, ErrMessageNotFound)
}

// ListMessages returns messages ordered by send time, then insertion.
func (r *MessageRepo) ListMessages(ctx context.Context, groupID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages WHERE group_id=$1 ORDER BY timestamp ASC, seq ASC`, groupID)
	return msgs, err
}
