package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/technician-matching/internal/models"
)

// Directory is a technician location index that can answer candidate searches.
type Directory interface {
	Upsert(ctx context.Context, t models.Technician) error
	FindAvailable(ctx context.Context, serviceID string, loc models.Coord, radiusKm float64, exclude []string) ([]models.Candidate, error)
}

// Index is an in-memory Directory.
type Index struct {
	mu          sync.RWMutex
	technicians map[string]models.Technician
}

func NewIndex() *Index {
	return &Index{technicians: make(map[string]models.Technician)}
}

func (g *Index) Upsert(_ context.Context, t models.Technician) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t.Updated = time.Now()
	g.technicians[t.ID] = t
	return nil
}

// naive scan; in prod use geo-hash or H3
func (g *Index) FindAvailable(_ context.Context, serviceID string, loc models.Coord, radiusKm float64, exclude []string) ([]models.Candidate, error) {
	skip := toSet(exclude)
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Candidate, 0)
	for _, t := range g.technicians {
		if !t.Online || skip[t.ID] || !t.Offers(serviceID) {
			continue
		}
		distKm := Haversine(loc.Lat, loc.Lon, t.Loc.Lat, t.Loc.Lon) / 1000
		if distKm > radiusKm {
			continue
		}
		tl := t.Loc
		out = append(out, models.Candidate{
			ID:              t.ID,
			Name:            t.Name,
			Rating:          t.Rating,
			CompletedJobs:   t.CompletedJobs,
			DistanceKm:      distKm,
			ProfileImageURL: t.ProfileImageURL,
			Location:        &tl,
		})
	}
	// map iteration is random; keep results stable for ranking ties
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func toSet(ids []string) map[string]bool {
	s := make(map[string]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}
