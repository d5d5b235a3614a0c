package service

import (
	"context"
	"math"
	"sort"

	"github.com/riteshkumar/carewallet/internal/models"
)

// Locator supplies the registered coordinates of a participant.
type Locator interface {
	Location(ctx context.Context, id string) (models.Location, error)
}

type ranked struct {
	participant *models.Participant
	distance    float64
}

// manhattan is |Δlat| + |Δlng| on raw coordinates, not a geodesic distance.
func manhattan(a, b models.Location) float64 {
	return math.Abs(a.Lat-b.Lat) + math.Abs(a.Lng-b.Lng)
}

// rankByDistance orders participants by distance from origin, nearest first,
// breaking ties by id, and keeps at most limit of them (all when limit <= 0).
func rankByDistance(origin models.Location, participants []*models.Participant, limit int) []ranked {
	out := make([]ranked, 0, len(participants))
	for _, p := range participants {
		out = append(out, ranked{participant: p, distance: manhattan(origin, p.Location)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].distance != out[j].distance {
			return out[i].distance < out[j].distance
		}
		return out[i].participant.ID < out[j].participant.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
