// Package redis mirrors the staff directory into a Redis hash so a restarted
// service can restore who was online, where, and how loaded.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"cafe/dispatch-service/internal/models"
	"cafe/dispatch-service/internal/store"

	goredis "github.com/redis/go-redis/v9"
)

const DefaultPresenceKey = "dispatch:staff_presence"

type PresenceStore struct {
	client *goredis.Client
	key    string
}

var _ store.PresenceStore = (*PresenceStore)(nil)

func NewPresenceStore(client *goredis.Client, key string) *PresenceStore {
	if key == "" {
		key = DefaultPresenceKey
	}
	return &PresenceStore{client: client, key: key}
}

func (s *PresenceStore) SavePresence(ctx context.Context, presence models.StaffPresence) error {
	payload, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("encode presence %s: %w", presence.StaffID, err)
	}
	return s.client.HSet(ctx, s.key, presence.StaffID, payload).Err()
}

func (s *PresenceStore) DeletePresence(ctx context.Context, staffID string) error {
	removed, err := s.client.HDel(ctx, s.key, staffID).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return store.ErrPresenceNotFound
	}
	return nil
}

// ListPresence returns every mirrored record ordered by staff id. Entries that
// no longer decode are skipped.
func (s *PresenceStore) ListPresence(ctx context.Context) ([]models.StaffPresence, error) {
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.StaffPresence, 0, len(entries))
	for staffID, raw := range entries {
		var p models.StaffPresence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		if p.StaffID == "" {
			p.StaffID = staffID
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StaffID < out[j].StaffID })
	return out, nil
}
