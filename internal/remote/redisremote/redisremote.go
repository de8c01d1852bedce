// Package redisremote implements remote.Store on Redis.
//
// Layout (all keys share a configurable prefix, default "messsync:"):
//
//	doc:<id>   STRING  current JSON document of the entity
//	changes    ZSET    every accepted document, scored by server timestamp
//	clock      STRING  last assigned server timestamp
//	pushkeys   HASH    push key -> accepted revision (duplicate detection)
//	changes    PUBSUB  accepted documents, for Subscribe
//
// A push is applied in an optimistic WATCH/MULTI transaction over the
// document, the clock and the push key hash. Watching the clock makes
// commits happen in server timestamp order, so a reader that has seen
// timestamp N never misses a later commit with a smaller one.
package redisremote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MinhajShafin/MessKhata/internal/remote"
	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/syncerr"
)

const (
	defaultPrefix       = "messsync:"
	defaultMaxTxRetries = 16
)

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, classify("connect", err)
	}
	return client, nil
}

// Store is a remote.Store backed by Redis.
type Store struct {
	client       *redis.Client
	device       string
	prefix       string
	maxTxRetries int
	logger       *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix namespaces every key and channel.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMaxTxRetries bounds optimistic transaction retries per record.
func WithMaxTxRetries(n int) Option {
	return func(s *Store) {
		s.maxTxRetries = n
	}
}

// New returns a Store using client for the given device identity.
// The caller retains ownership of the client.
func New(client *redis.Client, deviceID string, opts ...Option) *Store {
	s := &Store{
		client:       client,
		device:       deviceID,
		prefix:       defaultPrefix,
		maxTxRetries: defaultMaxTxRetries,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ remote.Store = (*Store)(nil)

func (s *Store) docKey(id string) string { return s.prefix + "doc:" + id }
func (s *Store) feedKey() string         { return s.prefix + "changes" }
func (s *Store) clockKey() string        { return s.prefix + "clock" }
func (s *Store) pushKeysKey() string     { return s.prefix + "pushkeys" }
func (s *Store) channel() string         { return s.prefix + "changes" }

// FetchSince reads the change feed after the cursor.
func (s *Store) FetchSince(ctx context.Context, cursor schema.SyncCursor) ([]schema.RemoteChange, error) {
	raw, err := s.client.ZRangeByScore(ctx, s.feedKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(cursor.LastRemoteTimestamp, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, classify("fetch", err)
	}

	changes := make([]schema.RemoteChange, 0, len(raw))
	for _, item := range raw {
		doc, err := schema.UnmarshalDocument([]byte(item))
		if err != nil {
			s.logger.Error("skipping malformed remote document", zap.Error(err))
			continue
		}
		changes = append(changes, doc.Change())
	}
	return changes, nil
}

// Push applies each record in its own optimistic transaction. When a
// record fails, the results of the records already committed are returned
// together with the error.
func (s *Store) Push(ctx context.Context, batch []*schema.ChangeRecord) ([]remote.PushResult, error) {
	results := make([]remote.PushResult, 0, len(batch))
	for _, rec := range batch {
		res, err := s.pushOne(ctx, rec)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Store) pushOne(ctx context.Context, rec *schema.ChangeRecord) (remote.PushResult, error) {
	key := schema.PushKey(s.device, rec)
	docKey := s.docKey(rec.EntityID)

	var (
		result    remote.PushResult
		published []byte
	)
	txf := func(tx *redis.Tx) error {
		published = nil

		seenRev, err := tx.HGet(ctx, s.pushKeysKey(), key).Int64()
		seen := err == nil
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		var current *schema.Document
		raw, err := tx.Get(ctx, docKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if current, err = schema.UnmarshalDocument(raw); err != nil {
				return fmt.Errorf("corrupt remote document %s: %w", rec.EntityID, err)
			}
		}

		clock, err := tx.Get(ctx, s.clockKey()).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		decision := remote.Decide(current, rec, key, seenRev, seen, clock+1)
		result = decision.Result
		if !decision.Write {
			return nil
		}

		data, err := schema.MarshalDocument(decision.Document)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.clockKey(), clock+1, 0)
			pipe.Set(ctx, docKey, data, 0)
			pipe.ZAdd(ctx, s.feedKey(), redis.Z{Score: float64(clock + 1), Member: data})
			pipe.HSet(ctx, s.pushKeysKey(), key, decision.Result.AcceptedRevision)
			return nil
		})
		if err == nil {
			published = data
		}
		return err
	}

	for attempt := 0; attempt < s.maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, docKey, s.clockKey(), s.pushKeysKey())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return remote.PushResult{}, classify("push", err)
		}
		if published != nil {
			if err := s.client.Publish(ctx, s.channel(), published).Err(); err != nil {
				s.logger.Warn("failed to publish change",
					zap.String("entity_id", rec.EntityID),
					zap.Error(err))
			}
		}
		return result, nil
	}
	return remote.PushResult{}, syncerr.Network("push",
		fmt.Errorf("transaction for %s retried %d times under contention", rec.EntityID, s.maxTxRetries))
}

// Subscribe relays documents published on the change channel until ctx is
// done.
func (s *Store) Subscribe(ctx context.Context) (<-chan schema.RemoteChange, error) {
	pubsub := s.client.Subscribe(ctx, s.channel())

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, classify("subscribe", err)
	}

	out := make(chan schema.RemoteChange, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					s.logger.Warn("change subscription closed")
					return
				}
				doc, err := schema.UnmarshalDocument([]byte(msg.Payload))
				if err != nil {
					s.logger.Error("malformed change notification", zap.Error(err))
					continue
				}
				select {
				case out <- doc.Change():
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// classify maps a Redis client error onto the sync error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	for _, prefix := range []string{"NOAUTH", "WRONGPASS", "NOPERM"} {
		if strings.HasPrefix(msg, prefix) || strings.Contains(msg, " "+prefix) {
			return syncerr.Auth(op, err)
		}
	}
	return syncerr.Network(op, err)
}
