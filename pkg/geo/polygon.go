// Package geo assigns neighborhoods to coordinates and geocodes addresses.
package geo

import "math"

type Point struct {
	Lon float64
	Lat float64
}

// Ring is a closed or open sequence of vertices; closure is implied.
type Ring []Point

type bbox struct {
	minLon, minLat, maxLon, maxLat float64
}

func (b bbox) contains(p Point) bool {
	return p.Lon >= b.minLon && p.Lon <= b.maxLon && p.Lat >= b.minLat && p.Lat <= b.maxLat
}

func ringBounds(r Ring) bbox {
	b := bbox{minLon: math.Inf(1), minLat: math.Inf(1), maxLon: math.Inf(-1), maxLat: math.Inf(-1)}
	for _, p := range r {
		b.minLon = math.Min(b.minLon, p.Lon)
		b.maxLon = math.Max(b.maxLon, p.Lon)
		b.minLat = math.Min(b.minLat, p.Lat)
		b.maxLat = math.Max(b.maxLat, p.Lat)
	}
	return b
}

// Contains runs the even-odd test with a ray cast toward increasing longitude.
//
// Crossings are half-open in latitude and strict in longitude, so a point on
// an edge shared by two rings lands in exactly one of them: the ring to the
// east of a vertical edge, the ring to the north of a horizontal edge.
func (r Ring) Contains(p Point) bool {
	n := len(r)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := r[i], r[j]
		if (a.Lat > p.Lat) == (b.Lat > p.Lat) {
			continue
		}
		// Orient the edge bottom-up so both rings sharing it compute the same crossing.
		if a.Lat > b.Lat {
			a, b = b, a
		}
		cross := a.Lon + (p.Lat-a.Lat)*(b.Lon-a.Lon)/(b.Lat-a.Lat)
		if p.Lon < cross {
			inside = !inside
		}
	}
	return inside
}

// Region is one named neighborhood; a MultiPolygon contributes several outer rings.
type Region struct {
	ID    string
	Name  string
	Rings []Ring
	box   bbox
}

func NewRegion(id, name string, rings ...Ring) Region {
	reg := Region{ID: id, Name: name, Rings: rings}
	reg.box = bbox{minLon: math.Inf(1), minLat: math.Inf(1), maxLon: math.Inf(-1), maxLat: math.Inf(-1)}
	for _, ring := range rings {
		rb := ringBounds(ring)
		reg.box.minLon = math.Min(reg.box.minLon, rb.minLon)
		reg.box.maxLon = math.Max(reg.box.maxLon, rb.maxLon)
		reg.box.minLat = math.Min(reg.box.minLat, rb.minLat)
		reg.box.maxLat = math.Max(reg.box.maxLat, rb.maxLat)
	}
	return reg
}

func (r Region) Contains(p Point) bool {
	if !r.box.contains(p) {
		return false
	}
	for _, ring := range r.Rings {
		if ring.Contains(p) {
			return true
		}
	}
	return false
}
