package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/walk-buddy/internal/models"
)

// RedisIndex implements Index using Redis GEO commands on a single sorted set.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Add(ctx context.Context, requestID string, start models.Coord) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: start.Lng, Latitude: start.Lat, Name: requestID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", requestID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, requestIDs ...string) error {
	if len(requestIDs) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(requestIDs))
	for _, id := range requestIDs {
		members = append(members, id)
	}
	return r.client.ZRem(ctx, r.key, members...).Err()
}

// SearchRadius widens miles so that Redis, which measures on geohash cells
// with a larger earth radius than Distance, never drops a point that
// Distance places inside miles.
func SearchRadius(miles float64) float64 {
	return miles*1.001 + 0.01
}

func (r *RedisIndex) Within(ctx context.Context, p models.Coord, miles float64) ([]string, error) {
	ids, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     SearchRadius(miles),
		RadiusUnit: "mi",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	return ids, nil
}
