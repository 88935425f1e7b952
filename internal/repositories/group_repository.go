package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"canvas-chat/internal/models"
)

var ErrGroupNotFound = errors.New("group not found")

const groupColumns = `id, name, created_by, members, processing_message_id, locked_by, locked_at, is_call_active, call_participants, created_at`

// GroupRepository abstracts group persistence.
type GroupRepository interface {
	CreateGroup(ctx context.Context, group models.Group) (models.Group, error)
	GetGroup(ctx context.Context, groupID string) (models.Group, error)
	UpdateFields(ctx context.Context, groupID string, fields GroupFields) error
	Claim(ctx context.Context, groupID, messageID, uid string, at time.Time) (bool, error)
	Release(ctx context.Context, groupID, messageID string) (bool, error)
	Touch(ctx context.Context, groupID, messageID string, at time.Time) error
	AddMember(ctx context.Context, groupID, uid string) error
	DeleteGroup(ctx context.Context, groupID string) error
	ListGroupsForUser(ctx context.Context, uid string) ([]models.Group, error)
	ListGroupsByName(ctx context.Context, name string) ([]models.Group, error)
	ListRecent(ctx context.Context, limit int) ([]models.Group, error)
}

// GroupFields is a column-level merge; nil fields are left untouched.
type GroupFields struct {
	Name             *string
	ClearProcessing  bool
	ProcessingID     *string
	IsCallActive     *bool
	CallParticipants []string
}

// GroupRepo is a sqlx implementation of GroupRepository.
type GroupRepo struct {
	db *sqlx.DB
}

// NewGroupRepo constructs a GroupRepo.
func NewGroupRepo(db *sqlx.DB) *GroupRepo {
	return &GroupRepo{db: db}
}

// CreateGroup creates a group together with its empty canvas.
func (r *GroupRepo) CreateGroup(ctx context.Context, group models.Group) (models.Group, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Group{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var created models.Group
	if err = tx.GetContext(ctx, &created, `INSERT INTO groups (id, name, created_by, members) VALUES ($1, $2, $3, $4) RETURNING `+groupColumns,
		group.ID, group.Name, group.CreatedBy, pq.StringArray(group.Members)); err != nil {
		return models.Group{}, err
	}

	if _, err = tx.ExecContext(ctx, `INSERT INTO canvases (group_id) VALUES ($1)`, created.ID); err != nil {
		return models.Group{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Group{}, err
	}
	return created, nil
}

// GetGroup fetches a single group.
func (r *GroupRepo) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	var group models.Group
	err := r.db.GetContext(ctx, &group, `SELECT `+groupColumns+` FROM groups WHERE id=$1`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, ErrGroupNotFound
	}
	return group, err
}

// UpdateFields applies a partial update in one statement.
func (r *GroupRepo) UpdateFields(ctx context.Context, groupID string, fields GroupFields) error {
	var callParticipants any
	if fields.CallParticipants != nil {
		callParticipants = pq.StringArray(fields.CallParticipants)
	}
	var processing any
	if fields.ProcessingID != nil {
		processing = *fields.ProcessingID
	}

	res, err := r.db.ExecContext(ctx, `UPDATE groups SET
            name = COALESCE($2, name),
            processing_message_id = CASE WHEN $3 THEN NULL ELSE COALESCE($4, processing_message_id) END,
            locked_by = CASE WHEN $3 THEN NULL ELSE locked_by END,
            locked_at = CASE WHEN $3 THEN NULL ELSE locked_at END,
            is_call_active = COALESCE($5, is_call_active),
            call_participants = COALESCE($6, call_participants)
        WHERE id=$1`,
		groupID, fields.Name, fields.ClearProcessing, processing, fields.IsCallActive, callParticipants)
	return expectRow(res, err, ErrGroupNotFound)
}

// Claim sets the processing lock only when it is free.
func (r *GroupRepo) Claim(ctx context.Context, groupID, messageID, uid string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE groups SET processing_message_id=$2, locked_by=$3, locked_at=$4 WHERE id=$1 AND processing_message_id IS NULL`,
		groupID, messageID, uid, at)
	return affected(res, err)
}

// Release clears the processing lock only while messageID holds it.
func (r *GroupRepo) Release(ctx context.Context, groupID, messageID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE groups SET processing_message_id=NULL, locked_by=NULL, locked_at=NULL WHERE id=$1 AND processing_message_id=$2`,
		groupID, messageID)
	return affected(res, err)
}

// Touch refreshes locked_at while messageID holds the lock.
func (r *GroupRepo) Touch(ctx context.Context, groupID, messageID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE groups SET locked_at=$3 WHERE id=$1 AND processing_message_id=$2`, groupID, messageID, at)
	return err
}

// AddMember appends uid to the member set if absent.
func (r *GroupRepo) AddMember(ctx context.Context, groupID, uid string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE groups SET members = CASE WHEN $2 = ANY(members) THEN members ELSE array_append(members, $2) END WHERE id=$1`, groupID, uid)
	return expectRow(res, err, ErrGroupNotFound)
}

// DeleteGroup removes a group; messages and canvas cascade.
func (r *GroupRepo) DeleteGroup(ctx context.Context, groupID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM groups WHERE id=$1`, groupID)
	return expectRow(res, err, ErrGroupNotFound)
}

// ListGroupsForUser returns groups that include the user.
func (r *GroupRepo) ListGroupsForUser(ctx context.Context, uid string) ([]models.Group, error) {
	groups := []models.Group{}
	err := r.db.SelectContext(ctx, &groups, `SELECT `+groupColumns+` FROM groups WHERE $1 = ANY(members) ORDER BY created_at DESC`, uid)
	return groups, err
}

// ListGroupsByName returns groups with exactly this name.
func (r *GroupRepo) ListGroupsByName(ctx context.Context, name string) ([]models.Group, error) {
	groups := []models.Group{}
	err := r.db.SelectContext(ctx, &groups, `SELECT `+groupColumns+` FROM groups WHERE name=$1 ORDER BY created_at DESC`, name)
	return groups, err
}

// ListRecent returns the newest groups.
func (r *GroupRepo) ListRecent(ctx context.Context, limit int) ([]models.Group, error) {
	groups := []models.Group{}
	err := r.db.SelectContext(ctx, &groups, `SELECT `+groupColumns+` FROM groups ORDER BY created_at DESC LIMIT $1`, limit)
	return groups, err
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func expectRow(res sql.Result, err error, notFound error) error {
	ok, err := affected(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return notFound
	}
	return nil
}
