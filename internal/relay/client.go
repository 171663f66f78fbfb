// SPDX-License-Identifier: MIT

// Package relay implements the typed client over the remote key-value
// rendezvous store. Keys live under a single namespace per deployment;
// TTL is enforced by the store, never locally.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wiserhq/meetsync/internal/metrics"
)

var (
	// ErrNotFound indicates the key is absent (or already expired remotely).
	ErrNotFound = errors.New("relay: not found")
	// ErrUnavailable indicates the relay could not be reached after retries.
	ErrUnavailable = errors.New("relay: unavailable")
)

// Bundle is the token-pool payload: pre-issued join credentials plus the
// transport URL they are valid for.
type Bundle struct {
	Tokens     []string `json:"tokens"`
	LiveKitURL string   `json:"livekitUrl"`
}

// Options configures a relay client.
type Options struct {
	URL        string        // redis:// or rediss:// connection string
	Namespace  string        // key prefix, e.g. "wiser:meeting:tokens"
	SessionTTL time.Duration // lifetime of published offers/answers
	OpTimeout  time.Duration // per-attempt budget
	MaxRetries int           // transparent retries on transient failures
}

// Client is a thin typed client over the relay store.
type Client struct {
	rdb    redis.Cmdable
	closer func() error
	opts   Options
	logger zerolog.Logger
}

// New connects to the relay and verifies reachability with a ping.
func New(opts Options, logger zerolog.Logger) (*Client, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	ropts.DialTimeout = 5 * time.Second
	ropts.ReadTimeout = 3 * time.Second
	ropts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("relay connection failed: %w", err)
	}

	logger.Info().
		Str("addr", ropts.Addr).
		Str("namespace", opts.Namespace).
		Msg("connected to relay")

	return &Client{
		rdb:    client,
		closer: client.Close,
		opts:   opts,
		logger: logger,
	}, nil
}

// NewWithClient wraps an existing redis client. Used by tests (miniredis)
// and by deployments that manage the connection themselves.
func NewWithClient(rdb redis.Cmdable, opts Options, logger zerolog.Logger) *Client {
	return &Client{rdb: rdb, opts: opts, logger: logger}
}

func (c *Client) key(kind, room string) string {
	return c.opts.Namespace + ":" + kind + ":" + room
}

// roomKey addresses the token-pool bundle, which lives at the room key
// itself rather than under a kind prefix.
func (c *Client) roomKey(room string) string {
	return c.opts.Namespace + ":" + room
}

// PutOffer publishes the host's credential payload for a room.
func (c *Client) PutOffer(ctx context.Context, room string, payload []byte) error {
	return c.put(ctx, "put_offer", c.key("offer", room), payload)
}

// GetOffer fetches the host's credential payload, or ErrNotFound.
func (c *Client) GetOffer(ctx context.Context, room string) ([]byte, error) {
	return c.get(ctx, "get_offer", c.key("offer", room))
}

// PutAnswer publishes the guest's answer payload for a room.
func (c *Client) PutAnswer(ctx context.Context, room string, payload []byte) error {
	return c.put(ctx, "put_answer", c.key("answer", room), payload)
}

// GetAnswer fetches the guest's answer payload, or ErrNotFound.
func (c *Client) GetAnswer(ctx context.Context, room string) ([]byte, error) {
	return c.get(ctx, "get_answer", c.key("answer", room))
}

// PutStatus publishes the guest's progress blob for a room.
func (c *Client) PutStatus(ctx context.Context, room string, status json.RawMessage) error {
	return c.put(ctx, "put_status", c.key("status", room), status)
}

// GetStatus fetches the guest's progress blob, or ErrNotFound.
func (c *Client) GetStatus(ctx context.Context, room string) (json.RawMessage, error) {
	data, err := c.get(ctx, "get_status", c.key("status", room))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// PutBundle publishes a token-pool bundle at the room key.
func (c *Client) PutBundle(ctx context.Context, room string, bundle Bundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	return c.put(ctx, "put_bundle", c.roomKey(room), data)
}

// GetBundle fetches and decodes a token-pool bundle, or ErrNotFound.
func (c *Client) GetBundle(ctx context.Context, room string) (Bundle, error) {
	var bundle Bundle
	data, err := c.get(ctx, "get_bundle", c.roomKey(room))
	if err != nil {
		return bundle, err
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		return bundle, fmt.Errorf("decode bundle: %w", err)
	}
	return bundle, nil
}

// DeleteSession removes every key belonging to a room. Best-effort: the
// TTL cleans up anything a failed delete leaves behind.
func (c *Client) DeleteSession(ctx context.Context, room string) error {
	keys := []string{
		c.key("offer", room),
		c.key("answer", room),
		c.key("status", room),
		c.roomKey(room),
	}
	err := c.do(ctx, "delete_session", func(opCtx context.Context) error {
		return c.rdb.Del(opCtx, keys...).Err()
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("room", room).Msg("relay delete failed")
	}
	return err
}

// HealthCheck verifies the relay answers a ping.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection, if owned by this client.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *Client) put(ctx context.Context, op, key string, payload []byte) error {
	return c.do(ctx, op, func(opCtx context.Context) error {
		return c.rdb.Set(opCtx, key, payload, c.opts.SessionTTL).Err()
	})
}

func (c *Client) get(ctx context.Context, op, key string) ([]byte, error) {
	var out []byte
	err := c.do(ctx, op, func(opCtx context.Context) error {
		data, err := c.rdb.Get(opCtx, key).Bytes()
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	return out, err
}

// do runs one relay operation with the per-attempt budget and bounded
// retries. Absence (redis.Nil) is never retried; transport failures are,
// and exhaust into ErrUnavailable so callers see a network-kind error.
func (c *Client) do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	attempts := c.opts.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
		err := fn(opCtx)
		cancel()

		if err == nil {
			metrics.IncRelayOp(op, "success")
			return nil
		}
		if errors.Is(err, redis.Nil) {
			metrics.IncRelayOp(op, "miss")
			return ErrNotFound
		}
		if ctx.Err() != nil {
			metrics.IncRelayOp(op, "failure")
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}

		lastErr = err
		c.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Msg("relay operation failed")

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				metrics.IncRelayOp(op, "failure")
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt+1) * 150 * time.Millisecond):
			}
		}
	}
	metrics.IncRelayOp(op, "failure")
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}
