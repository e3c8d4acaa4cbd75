package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/dumcel/deployer/api/internal/domain"
)

const defaultRedisRoutePrefix = "dumcel:route:"

// putRouteScript compares the stored deployment creation time with the
// incoming one and writes only when the incoming route is not older. The same
// deployment id always overwrites.
var putRouteScript = redis.NewScript(`
local current = redis.call('HMGET', KEYS[1], 'created_at', 'deployment_id')
if current[1] and current[2] ~= ARGV[3] and tonumber(current[1]) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'created_at', ARGV[1], 'route', ARGV[2], 'deployment_id', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`)

// RedisTable shares routes between API instances through Redis.
type RedisTable struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

type redisRoute struct {
	SubDomain           string    `json:"sub_domain"`
	ProjectID           string    `json:"project_id"`
	DeploymentID        string    `json:"deployment_id"`
	ArtifactRef         string    `json:"artifact_ref"`
	DeploymentCreatedAt time.Time `json:"deployment_created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// NewRedisTable connects to Redis and verifies the connection.
func NewRedisTable(addr, password string, db int) (*RedisTable, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisTableWithClient(client, defaultRedisRoutePrefix), nil
}

// NewRedisTableWithClient wraps an existing client.
func NewRedisTableWithClient(client *redis.Client, prefix string) *RedisTable {
	if prefix == "" {
		prefix = defaultRedisRoutePrefix
	}
	return &RedisTable{client: client, prefix: prefix, timeout: 2 * time.Second}
}

func (t *RedisTable) indexKey() string { return t.prefix + "index" }

func (t *RedisTable) routeKey(sub string) string { return t.prefix + "sub:" + sub }

func (t *RedisTable) Put(ctx context.Context, route domain.Route) (bool, error) {
	payload, err := json.Marshal(redisRoute(route))
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	res, err := putRouteScript.Run(ctx, t.client,
		[]string{t.routeKey(route.SubDomain), t.indexKey()},
		route.DeploymentCreatedAt.UnixMicro(), payload, route.DeploymentID, route.SubDomain,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis put route: %w", err)
	}
	return res == 1, nil
}

func (t *RedisTable) Get(ctx context.Context, subDomain string) (domain.Route, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	raw, err := t.client.HGet(ctx, t.routeKey(subDomain), "route").Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Route{}, ErrRouteNotFound
	}
	if err != nil {
		return domain.Route{}, fmt.Errorf("redis get route: %w", err)
	}
	var stored redisRoute
	if err := json.Unmarshal(raw, &stored); err != nil {
		return domain.Route{}, fmt.Errorf("decode route: %w", err)
	}
	return domain.Route(stored), nil
}

func (t *RedisTable) List(ctx context.Context) ([]domain.Route, error) {
	subs, err := t.client.SMembers(ctx, t.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list routes: %w", err)
	}
	sort.Strings(subs)
	routes := make([]domain.Route, 0, len(subs))
	for _, sub := range subs {
		route, err := t.Get(ctx, sub)
		if errors.Is(err, ErrRouteNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, nil
}

func (t *RedisTable) Close() error {
	return t.client.Close()
}
