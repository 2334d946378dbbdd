package serverstate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// redisStore implements Store backed by a Redis instance.
type redisStore struct {
	client redis.UniversalClient
	key    string
	ctx    context.Context
}

const redisKey = "ide-lsp:state"

// NewRedisStore connects to the given Redis address (host:port or a
// redis:// URL) and returns a Store. The key is initialized to a default
// state if it does not exist.
func NewRedisStore(addr string) (Store, error) {
	opts, err := parseRedisAddr(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	rs := &redisStore{client: c, key: redisKey, ctx: context.Background()}
	if err := c.Ping(rs.ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	b, _ := json.Marshal(State{Status: "not_ready"})
	_ = c.SetNX(rs.ctx, rs.key, b, 0).Err()
	return rs, nil
}

func parseRedisAddr(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return &redis.UniversalOptions{
		Addrs:     []string{u.Addr},
		Username:  u.Username,
		Password:  u.Password,
		DB:        u.DB,
		TLSConfig: u.TLSConfig,
	}, nil
}

func (r *redisStore) Load() State {
	b, err := r.client.Get(r.ctx, r.key).Bytes()
	if err != nil {
		return State{Status: "unknown"}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: "unknown"}
	}
	return st
}

func (r *redisStore) Save(st State) {
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = r.client.Set(r.ctx, r.key, b, 0).Err()
}
