package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"planning-server/internal/interfaces"
	"planning-server/internal/models"
)

// ErrContentAlreadyExists is returned when a content ID collides on insert.
var ErrContentAlreadyExists = errors.New("content with this id already exists")

const planningContentFields = `id, type, title, payload, status, storage_status, user_id, project_id, version, metadata, storage, created_at, updated_at`

// Compile-time check that the adapter satisfies the repository contract.
var _ interfaces.PlanningRepository = (*PgPlanningRepository)(nil)

// PgPlanningRepository is the PostgreSQL-backed planning content store.
type PgPlanningRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPgPlanningRepository creates a PostgreSQL-backed PlanningRepository.
func NewPgPlanningRepository(db *pgxpool.Pool, logger *zap.Logger) *PgPlanningRepository {
	return &PgPlanningRepository{
		db:     db,
		logger: logger.Named("PgPlanningRepo"),
	}
}

func scanContent(row pgx.Row) (*models.Content, error) {
	var c models.Content
	var metadata, storage []byte
	err := row.Scan(
		&c.ID, &c.Type, &c.Title, &c.Payload, &c.Status, &c.StorageStatus,
		&c.UserID, &c.ProjectID, &c.Version, &metadata, &storage, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for content %s: %w", c.ID, err)
		}
	}
	if len(storage) > 0 {
		if err := json.Unmarshal(storage, &c.Storage); err != nil {
			return nil, fmt.Errorf("failed to decode storage snapshot for content %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

// Save inserts a content record, updating it in place when the ID already
// exists so that repeated dual writes stay idempotent.
func (r *PgPlanningRepository) Save(ctx context.Context, content *models.Content) error {
	metadata, err := json.Marshal(content.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	storage, err := json.Marshal(content.Storage)
	if err != nil {
		return fmt.Errorf("failed to encode storage snapshot: %w", err)
	}

	query := `
		INSERT INTO planning_contents (id, type, title, payload, status, storage_status, user_id, project_id, version, metadata, storage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			payload = EXCLUDED.payload,
			status = EXCLUDED.status,
			storage_status = EXCLUDED.storage_status,
			version = EXCLUDED.version,
			metadata = EXCLUDED.metadata,
			storage = EXCLUDED.storage,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.Exec(ctx, query,
		content.ID, content.Type, content.Title, content.Payload, content.Status, content.StorageStatus,
		content.UserID, content.ProjectID, content.Version, metadata, storage, content.CreatedAt, content.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrContentAlreadyExists
		}
		r.logger.Error("Failed to save content", zap.Error(err), zap.String("contentID", content.ID))
		return fmt.Errorf("failed to save content: %w", err)
	}
	r.logger.Debug("Content saved", zap.String("contentID", content.ID), zap.String("type", string(content.Type)))
	return nil
}

// FindByID retrieves a content record by its ID.
func (r *PgPlanningRepository) FindByID(ctx context.Context, id string) (*models.Content, error) {
	query := fmt.Sprintf(`SELECT %s FROM planning_contents WHERE id = $1`, planningContentFields)
	content, err := scanContent(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		r.logger.Error("Failed to find content by id", zap.Error(err), zap.String("contentID", id))
		return nil, fmt.Errorf("failed to find content by id %s: %w", id, err)
	}
	return content, nil
}

// FindByUserID lists a user's content, most recently updated first.
func (r *PgPlanningRepository) FindByUserID(ctx context.Context, userID string) ([]*models.Content, error) {
	query := fmt.Sprintf(`SELECT %s FROM planning_contents WHERE user_id = $1 ORDER BY updated_at DESC`, planningContentFields)
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		r.logger.Error("Failed to list content by user", zap.Error(err), zap.String("userID", userID))
		return nil, fmt.Errorf("failed to list content for user %s: %w", userID, err)
	}
	defer rows.Close()

	contents := make([]*models.Content, 0)
	for rows.Next() {
		content, err := scanContent(rows)
		if err != nil {
			r.logger.Error("Failed to scan content row", zap.Error(err), zap.String("userID", userID))
			return nil, fmt.Errorf("failed to scan content row: %w", err)
		}
		contents = append(contents, content)
	}
	if err = rows.Err(); err != nil {
		r.logger.Error("Error during rows iteration for user content", zap.Error(err), zap.String("userID", userID))
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return contents, nil
}

// Update applies a partial update. Only non-nil fields are written; metadata is
// merged rather than replaced.
func (r *PgPlanningRepository) Update(ctx context.Context, id string, update models.ContentUpdate) error {
	if update.IsEmpty() {
		return nil
	}

	sets := []string{"version = version + 1", "updated_at = NOW()"}
	args := []interface{}{id}
	paramCount := 2

	if update.Title != nil {
		sets = append(sets, fmt.Sprintf("title = $%d", paramCount))
		args = append(args, *update.Title)
		paramCount++
	}
	if update.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", paramCount))
		args = append(args, *update.Status)
		paramCount++
	}
	if update.StorageStatus != nil {
		sets = append(sets, fmt.Sprintf("storage_status = $%d", paramCount))
		args = append(args, *update.StorageStatus)
		paramCount++
	}
	if update.Payload != nil {
		sets = append(sets, fmt.Sprintf("payload = $%d", paramCount))
		args = append(args, update.Payload)
		paramCount++
	}
	if update.Metadata != nil {
		metadata, err := json.Marshal(update.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata update: %w", err)
		}
		sets = append(sets, fmt.Sprintf("metadata = COALESCE(metadata, '{}'::jsonb) || $%d::jsonb", paramCount))
		args = append(args, metadata)
		paramCount++
	}

	query := fmt.Sprintf(`UPDATE planning_contents SET %s WHERE id = $1`, strings.Join(sets, ", "))
	commandTag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to update content", zap.Error(err), zap.String("contentID", id))
		return fmt.Errorf("failed to update content %s: %w", id, err)
	}
	if commandTag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	r.logger.Debug("Content updated", zap.String("contentID", id))
	return nil
}

// Delete removes a content record.
func (r *PgPlanningRepository) Delete(ctx context.Context, id string) error {
	commandTag, err := r.db.Exec(ctx, `DELETE FROM planning_contents WHERE id = $1`, id)
	if err != nil {
		r.logger.Error("Failed to delete content", zap.Error(err), zap.String("contentID", id))
		return fmt.Errorf("failed to delete content %s: %w", id, err)
	}
	if commandTag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	r.logger.Debug("Content deleted", zap.String("contentID", id))
	return nil
}
