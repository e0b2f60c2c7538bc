package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Repository persists profiles as one JSON value per user.
type Repository struct {
	client *redis.Client
	prefix string
}

// NewRepository creates a profile repository on an existing Redis client.
func NewRepository(client *redis.Client, prefix string) *Repository {
	return &Repository{client: client, prefix: prefix}
}

func (r *Repository) key(user string) string {
	return fmt.Sprintf("%sprofile:%s", r.prefix, user)
}

// Get loads the user's profile, returning a fresh empty one when none is
// stored yet.
func (r *Repository) Get(ctx context.Context, user string) (*Profile, error) {
	raw, err := r.client.Get(ctx, r.key(user)).Result()
	if errors.Is(err, redis.Nil) {
		return New(user), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile for %s: %w", user, err)
	}

	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode profile for %s: %w", user, err)
	}
	if p.Facts == nil {
		p.Facts = make(map[Category]map[string]any)
	}
	return &p, nil
}

// Save writes the profile back. Profiles have no TTL.
func (r *Repository) Save(ctx context.Context, p *Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile for %s: %w", p.UserID, err)
	}
	if err := r.client.Set(ctx, r.key(p.UserID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save profile for %s: %w", p.UserID, err)
	}
	return nil
}

// ApplyChangeSet loads, merges and saves in one call. An empty change set
// is a no-op.
func (r *Repository) ApplyChangeSet(ctx context.Context, user string, cs ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	p, err := r.Get(ctx, user)
	if err != nil {
		return err
	}
	if !p.Apply(cs) {
		return nil
	}
	return r.Save(ctx, p)
}

// TouchContact records that the user was just heard from.
func (r *Repository) TouchContact(ctx context.Context, user string) error {
	p, err := r.Get(ctx, user)
	if err != nil {
		return err
	}
	p.LastContactAt = time.Now()
	return r.Save(ctx, p)
}
