package geo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo keeps online driver positions in a GEO set and driver metadata
// in one hash per driver.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

// Upsert writes the hash first so a driver never appears in the GEO set
// without metadata. Offline drivers are removed from the set.
func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if err := r.client.HSet(ctx, metaKey(d.ID), metaFields(d)).Err(); err != nil {
		return err
	}
	if !d.Online {
		return r.client.ZRem(ctx, r.key, d.ID).Err()
	}
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]Candidate, error) {
	res, err := r.client.GeoRadius(ctx, r.key, at.Lon, at.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusM,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			return nil, err
		}
		d := driverFromMeta(g.Name, m)
		if !d.Online {
			continue
		}
		d.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, Candidate{Driver: d, DistanceM: g.Dist})
	}
	SortCandidates(out)
	return out, nil
}

func (r *RedisGeo) Driver(ctx context.Context, id string) (models.Driver, bool, error) {
	m, err := r.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return models.Driver{}, false, err
	}
	if len(m) == 0 {
		return models.Driver{}, false, nil
	}
	d := driverFromMeta(id, m)
	pos, err := r.client.GeoPos(ctx, r.key, id).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.Driver{}, false, err
	}
	if len(pos) == 1 && pos[0] != nil {
		d.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return d, true, nil
}

func metaKey(id string) string { return "driver:meta:" + id }

func metaFields(d models.Driver) map[string]interface{} {
	updated := d.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	return map[string]interface{}{
		"rating":  strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"online":  strconv.FormatBool(d.Online),
		"class":   d.Vehicle.Class,
		"model":   d.Vehicle.Model,
		"color":   d.Vehicle.Color,
		"plate":   d.Vehicle.Plate,
		"lat":     strconv.FormatFloat(d.Loc.Lat, 'f', -1, 64),
		"lon":     strconv.FormatFloat(d.Loc.Lon, 'f', -1, 64),
		"updated": updated.UTC().Format(time.RFC3339),
	}
}

func driverFromMeta(id string, m map[string]string) models.Driver {
	d := models.Driver{ID: id}
	if f, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		d.Rating = f
	}
	d.Online = m["online"] == "true"
	d.Vehicle = models.Vehicle{Class: m["class"], Model: m["model"], Color: m["color"], Plate: m["plate"]}
	if lat, err := strconv.ParseFloat(m["lat"], 64); err == nil {
		d.Loc.Lat = lat
	}
	if lon, err := strconv.ParseFloat(m["lon"], 64); err == nil {
		d.Loc.Lon = lon
	}
	if t, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
		d.Updated = t
	}
	return d
}
