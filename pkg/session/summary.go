package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Summary returns the accumulated summary text and the cursor: the number of
// rounds already folded into it.
func (c *Coordinator) Summary(ctx context.Context, user string) (string, int64, error) {
	text, err := c.client.Get(ctx, c.summaryKey(user)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", 0, fmt.Errorf("read summary text: %w", err)
	}
	cursor, err := c.summaryCursor(ctx, user)
	if err != nil {
		return "", 0, err
	}
	return text, cursor, nil
}

// PeekNext returns the cursor and the next n unsummarized rounds, or
// (-1, nil) when fewer than n are available. The periodic path summarizes
// only full chunks so a still-growing tail is never folded early.
func (c *Coordinator) PeekNext(ctx context.Context, user string, n int) (int64, []Round, error) {
	cursor, err := c.summaryCursor(ctx, user)
	if err != nil {
		return -1, nil, err
	}
	total, err := c.client.LLen(ctx, c.historyKey(user)).Result()
	if err != nil {
		return -1, nil, fmt.Errorf("history length: %w", err)
	}
	if total-cursor < int64(n) {
		return -1, nil, nil
	}
	items, err := c.client.LRange(ctx, c.historyKey(user), cursor, cursor+int64(n)-1).Result()
	if err != nil {
		return -1, nil, fmt.Errorf("load chunk: %w", err)
	}
	rounds, err := decodeRounds(items)
	if err != nil {
		return -1, nil, err
	}
	return cursor, rounds, nil
}

// PeekRemaining returns the cursor and every unsummarized round, however
// few. Only the finalize path uses it: the session is ending, so a partial
// chunk is acceptable.
func (c *Coordinator) PeekRemaining(ctx context.Context, user string) (int64, []Round, error) {
	cursor, err := c.summaryCursor(ctx, user)
	if err != nil {
		return 0, nil, err
	}
	total, err := c.client.LLen(ctx, c.historyKey(user)).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("history length: %w", err)
	}
	if total <= cursor {
		return cursor, nil, nil
	}
	items, err := c.client.LRange(ctx, c.historyKey(user), cursor, total-1).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("load remaining: %w", err)
	}
	rounds, err := decodeRounds(items)
	if err != nil {
		return 0, nil, err
	}
	return cursor, rounds, nil
}

// CommitChunk appends summary text and advances the cursor by advanceBy,
// but only if the cursor still equals expectedCursor. It returns false with
// no error when another advancer committed first; the caller discards its
// work and the next tick recomputes from the fresh cursor. Commits are
// linearized per user by the WATCH on the cursor key.
func (c *Coordinator) CommitChunk(ctx context.Context, user string, expectedCursor, advanceBy int64, appendText string) (bool, error) {
	ckey := c.cursorKey(user)
	tkey := c.summaryKey(user)

	txf := func(tx *redis.Tx) error {
		cur := int64(0)
		val, err := tx.Get(ctx, ckey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			cur, err = strconv.ParseInt(val, 10, 64)
			if err != nil {
				return fmt.Errorf("parse summary cursor: %w", err)
			}
		}
		if cur != expectedCursor {
			return errCASMismatch
		}

		old, err := tx.Get(ctx, tkey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		text := strings.TrimSpace(appendText)
		merged := old
		if text != "" {
			if old != "" {
				merged = old + "\n\n" + text
			} else {
				merged = text
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, tkey, merged, 0)
			pipe.Set(ctx, ckey, strconv.FormatInt(cur+advanceBy, 10), 0)
			return nil
		})
		return err
	}

	err := c.client.Watch(ctx, txf, ckey, tkey)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errCASMismatch), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, fmt.Errorf("commit summary chunk: %w", err)
	}
}
