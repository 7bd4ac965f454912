package geo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/technician-matching/internal/models"
)

// RedisGeo implements Directory using Redis GEO commands. Technicians are
// indexed once per service under "{prefix}:{serviceID}"; profile fields live
// in a meta hash per technician.
type RedisGeo struct {
	client *redis.Client
	prefix string
	limit  int
}

func NewRedisGeo(client *redis.Client, prefix string) *RedisGeo {
	return &RedisGeo{client: client, prefix: prefix, limit: 50}
}

func (r *RedisGeo) Upsert(ctx context.Context, t models.Technician) error {
	pipe := r.client.TxPipeline()
	for _, svc := range t.Services {
		key := r.serviceKey(svc)
		if t.Online {
			pipe.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: t.Loc.Lon, Latitude: t.Loc.Lat, Name: t.ID})
		} else {
			pipe.ZRem(ctx, key, t.ID)
		}
	}
	pipe.HSet(ctx, MetaKey(t.ID), MetaFields(t))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert technician %s: %w", t.ID, err)
	}
	return nil
}

func (r *RedisGeo) FindAvailable(ctx context.Context, serviceID string, loc models.Coord, radiusKm float64, exclude []string) ([]models.Candidate, error) {
	skip := toSet(exclude)
	res, err := r.client.GeoRadius(ctx, r.serviceKey(serviceID), loc.Lon, loc.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     r.limit + len(skip),
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius %s: %w", serviceID, err)
	}
	out := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		if skip[g.Name] {
			continue
		}
		m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result()
		if err != nil {
			return nil, fmt.Errorf("technician meta %s: %w", g.Name, err)
		}
		if m["online"] == "false" {
			continue
		}
		c := models.Candidate{
			ID:              g.Name,
			Name:            m["name"],
			DistanceKm:      g.Dist,
			ProfileImageURL: m["profile_image_url"],
			Location:        &models.Coord{Lat: g.Latitude, Lon: g.Longitude},
		}
		if f, err := strconv.ParseFloat(m["rating"], 64); err == nil {
			c.Rating = f
		}
		if n, err := strconv.Atoi(m["completed_jobs"]); err == nil {
			c.CompletedJobs = n
		}
		out = append(out, c)
		if len(out) == r.limit {
			break
		}
	}
	return out, nil
}

func (r *RedisGeo) serviceKey(serviceID string) string { return r.prefix + ":" + serviceID }

func MetaKey(id string) string { return "technician:meta:" + id }

// MetaFields is the hash layout shared with the location consumer.
func MetaFields(t models.Technician) map[string]interface{} {
	return map[string]interface{}{
		"name":              t.Name,
		"rating":            strconv.FormatFloat(t.Rating, 'f', -1, 64),
		"completed_jobs":    strconv.Itoa(t.CompletedJobs),
		"profile_image_url": t.ProfileImageURL,
		"services":          strings.Join(t.Services, ","),
		"online":            strconv.FormatBool(t.Online),
		"updated":           time.Now().Format(time.RFC3339),
	}
}
