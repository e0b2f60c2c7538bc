package session

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// Claim registers a request ID for at-most-once processing. The first call
// within the dedup TTL returns true; every retry returns false and the
// caller must skip all side effects. The check runs before any history
// append.
func (c *Coordinator) Claim(ctx context.Context, user, requestID string) (bool, error) {
	key := c.cfg.Prefix + "processed:" + user + ":" + requestID
	ok, err := c.client.SetNX(ctx, key, "1", c.cfg.DedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim request: %w", err)
	}
	return ok, nil
}

// RequestID derives a deterministic request ID from the user, the content
// and a 3-second time bucket, for callers that supply none. Identical
// content arriving within the same bucket collapses to a single claim.
func RequestID(user, content string, now time.Time) string {
	bucket := now.UnixMilli() / 3000
	sum := sha1.Sum(fmt.Appendf(nil, "%s|%s|%d", user, content, bucket))
	return hex.EncodeToString(sum[:])
}
