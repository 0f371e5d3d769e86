package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"planning-server/internal/interfaces"
	"planning-server/internal/models"
)

// Compile-time check that the adapter satisfies the repository contract.
var _ interfaces.PlanningRepository = (*RedisPlanningRepository)(nil)

// RedisPlanningRepository is the Redis-backed planning content store. Each
// record is stored as JSON under content:{id}; a per-user set
// user_contents:{userID} indexes the IDs belonging to a user.
type RedisPlanningRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPlanningRepository creates a Redis-backed PlanningRepository.
func NewRedisPlanningRepository(client *redis.Client, logger *zap.Logger) *RedisPlanningRepository {
	return &RedisPlanningRepository{
		client: client,
		logger: logger.Named("RedisPlanningRepo"),
	}
}

func contentKey(id string) string {
	return fmt.Sprintf("content:%s", id)
}

func userContentsKey(userID string) string {
	return fmt.Sprintf("user_contents:%s", userID)
}

// Save stores the record and indexes it in the user's set in one pipeline.
func (r *RedisPlanningRepository) Save(ctx context.Context, content *models.Content) error {
	body, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to encode content %s: %w", content.ID, err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, contentKey(content.ID), body, 0)
	if content.UserID != "" {
		pipe.SAdd(ctx, userContentsKey(content.UserID), content.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("Failed to save content in redis", zap.Error(err), zap.String("contentID", content.ID))
		return fmt.Errorf("failed to save content %s in redis: %w", content.ID, err)
	}
	r.logger.Debug("Content saved in redis", zap.String("contentID", content.ID))
	return nil
}

// FindByID retrieves a content record by its ID.
func (r *RedisPlanningRepository) FindByID(ctx context.Context, id string) (*models.Content, error) {
	body, err := r.client.Get(ctx, contentKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, interfaces.ErrNotFound
		}
		r.logger.Error("Failed to get content from redis", zap.Error(err), zap.String("contentID", id))
		return nil, fmt.Errorf("failed to get content %s from redis: %w", id, err)
	}

	var content models.Content
	if err := json.Unmarshal(body, &content); err != nil {
		// Corrupted value; surface it rather than treating it as missing.
		r.logger.Error("Failed to decode content from redis", zap.Error(err), zap.String("contentID", id))
		return nil, fmt.Errorf("corrupted content data in redis for %s: %w", id, err)
	}
	return &content, nil
}

// FindByUserID resolves the user's index set and multi-gets every record.
// Stale index entries (IDs whose record is gone) are pruned as they are found.
func (r *RedisPlanningRepository) FindByUserID(ctx context.Context, userID string) ([]*models.Content, error) {
	ids, err := r.client.SMembers(ctx, userContentsKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*models.Content{}, nil
		}
		r.logger.Error("Failed to read user content set", zap.Error(err), zap.String("userID", userID))
		return nil, fmt.Errorf("failed to read content set for user %s: %w", userID, err)
	}
	if len(ids) == 0 {
		return []*models.Content{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, contentKey(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		r.logger.Error("Failed to multi-get user content", zap.Error(err), zap.String("userID", userID))
		return nil, fmt.Errorf("failed to load content for user %s: %w", userID, err)
	}

	contents := make([]*models.Content, 0, len(values))
	var stale []interface{}
	for i, value := range values {
		if value == nil {
			stale = append(stale, ids[i])
			continue
		}
		raw, ok := value.(string)
		if !ok {
			r.logger.Warn("Unexpected value type in redis for content", zap.String("contentID", ids[i]))
			continue
		}
		var content models.Content
		if err := json.Unmarshal([]byte(raw), &content); err != nil {
			r.logger.Warn("Skipping corrupted content entry in redis", zap.Error(err), zap.String("contentID", ids[i]))
			continue
		}
		contents = append(contents, &content)
	}

	if len(stale) > 0 {
		// Best effort; a failed prune only leaves the index slightly larger.
		if err := r.client.SRem(ctx, userContentsKey(userID), stale...).Err(); err != nil {
			r.logger.Warn("Failed to prune stale content index entries", zap.Error(err), zap.String("userID", userID))
		}
	}
	return contents, nil
}

// Update reads, applies the partial update and writes back. Redis has no
// partial JSON update for plain values, so this is read-modify-write.
func (r *RedisPlanningRepository) Update(ctx context.Context, id string, update models.ContentUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	content, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	update.Apply(content)

	body, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to encode updated content %s: %w", id, err)
	}
	if err := r.client.Set(ctx, contentKey(id), body, 0).Err(); err != nil {
		r.logger.Error("Failed to write updated content to redis", zap.Error(err), zap.String("contentID", id))
		return fmt.Errorf("failed to update content %s in redis: %w", id, err)
	}
	r.logger.Debug("Content updated in redis", zap.String("contentID", id))
	return nil
}

// Delete removes the record and its index entry in one pipeline.
func (r *RedisPlanningRepository) Delete(ctx context.Context, id string) error {
	// Resolve the owner first so the index entry can be removed too.
	content, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	delCmd := pipe.Del(ctx, contentKey(id))
	if content.UserID != "" {
		pipe.SRem(ctx, userContentsKey(content.UserID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("Failed to delete content from redis", zap.Error(err), zap.String("contentID", id))
		return fmt.Errorf("failed to delete content %s from redis: %w", id, err)
	}
	if deleted, _ := delCmd.Result(); deleted == 0 {
		return interfaces.ErrNotFound
	}
	r.logger.Debug("Content deleted from redis", zap.String("contentID", id))
	return nil
}
