package geo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

// Resolver is read-only after construction and safe for concurrent use.
type Resolver struct {
	regions []Region
}

func NewResolver(regions []Region) *Resolver {
	return &Resolver{regions: regions}
}

// Resolve returns the id of the first region containing the point, in load order.
func (r *Resolver) Resolve(lon, lat float64) (string, bool) {
	if r == nil {
		return "", false
	}
	p := Point{Lon: lon, Lat: lat}
	for _, reg := range r.regions {
		if reg.Contains(p) {
			return reg.ID, true
		}
	}
	return "", false
}

func (r *Resolver) Len() int {
	if r == nil {
		return 0
	}
	return len(r.regions)
}

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	ID         interface{}            `json:"id"`
	Properties map[string]interface{} `json:"properties"`
	Geometry   *geometry              `json:"geometry"`
}

type geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// LoadBoundaries reads a GeoJSON FeatureCollection of Polygon/MultiPolygon neighborhoods.
func LoadBoundaries(path string) (*Resolver, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	regions, err := ParseBoundaries(content)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return NewResolver(regions), nil
}

func ParseBoundaries(content []byte) ([]Region, error) {
	var fc featureCollection
	if err := json.Unmarshal(content, &fc); err != nil {
		return nil, err
	}
	if !strings.EqualFold(fc.Type, "FeatureCollection") {
		return nil, fmt.Errorf("expected FeatureCollection, got %q", fc.Type)
	}

	regions := make([]Region, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		id := propertyString(f.Properties, "id")
		if id == "" {
			id = fmt.Sprint(f.ID)
		}
		if id == "" || id == "<nil>" {
			return nil, fmt.Errorf("feature #%d has no id", i)
		}
		name := propertyString(f.Properties, "name")
		if name == "" {
			name = id
		}

		var rings []Ring
		switch f.Geometry.Type {
		case "Polygon":
			var coords [][][]float64
			if err := json.Unmarshal(f.Geometry.Coordinates, &coords); err != nil {
				return nil, fmt.Errorf("feature %s: %w", id, err)
			}
			if len(coords) > 0 {
				rings = append(rings, toRing(coords[0]))
			}
		case "MultiPolygon":
			var coords [][][][]float64
			if err := json.Unmarshal(f.Geometry.Coordinates, &coords); err != nil {
				return nil, fmt.Errorf("feature %s: %w", id, err)
			}
			for _, poly := range coords {
				if len(poly) > 0 {
					rings = append(rings, toRing(poly[0]))
				}
			}
		default:
			return nil, fmt.Errorf("feature %s: unsupported geometry %s", id, f.Geometry.Type)
		}
		if len(rings) == 0 {
			continue
		}
		regions = append(regions, NewRegion(id, name, rings...))
	}
	return regions, nil
}

// toRing keeps the outer ring only; holes are not modeled.
func toRing(coords [][]float64) Ring {
	ring := make(Ring, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		ring = append(ring, Point{Lon: c[0], Lat: c[1]})
	}
	if n := len(ring); n > 1 && ring[0] == ring[n-1] {
		ring = ring[:n-1]
	}
	return ring
}

func propertyString(props map[string]interface{}, key string) string {
	if props == nil {
		return ""
	}
	switch v := props[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%g", v)
	default:
		return ""
	}
}
