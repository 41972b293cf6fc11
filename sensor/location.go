package sensor

import (
	"fmt"
	"math"
	"sort"
)

// Point is a GPS fix in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

const earthRadiusMeters = 6371000.0

// DefaultArrivalRadius is how close the last fix of a route must be to the
// destination for the trip to count as arrived.
const DefaultArrivalRadius = 500.0

// Depot is where every simulated trip starts.
var Depot = Point{Lat: 44.888892, Lon: 11.065959}

// detour is the destination of a misrouted trip.
var detour = Point{Lat: 44.877865, Lon: 11.129585}

var sites = map[string]Point{
	"Fattoria Clarkson":                     {44.923570, 11.096173},
	"Allevamento Lolli":                     {44.829820, 11.049559},
	"Fattoria Vincenzi":                     {44.858796, 11.027466},
	"Fattoria Becchi":                       {44.910022, 10.997559},
	"Pam Panorama Via Irnerio":              {44.893836, 11.061552},
	"Famila Savignano":                      {44.890389, 11.054800},
	"Coop 3.0 Mirandola":                    {44.890538, 11.077755},
	"Pam Panorama Santarcangelo di Romagna": {44.892260, 11.068087},
}

// Site returns the coordinates of a known farm or retailer.
func Site(name string) (Point, bool) {
	p, ok := sites[name]
	return p, ok
}

// Sites lists the known site names.
func Sites() []string {
	out := make([]string, 0, len(sites))
	for name := range sites {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// RouteReaches reports whether the last fix of route lies within radius
// meters of the named destination. A radius <= 0 uses DefaultArrivalRadius.
func RouteReaches(route []Point, destination string, radius float64) (bool, error) {
	target, ok := Site(destination)
	if !ok {
		return false, fmt.Errorf("unknown destination %q", destination)
	}
	if len(route) == 0 {
		return false, fmt.Errorf("empty route")
	}
	if radius <= 0 {
		radius = DefaultArrivalRadius
	}
	return Distance(route[len(route)-1], target) <= radius, nil
}

// Route simulates a trip from the depot toward destination sampled at steps
// evenly spaced fixes. One trip in a hundred ends at the wrong place.
func (s *Simulator) Route(destination string, steps int) ([]Point, error) {
	end, ok := Site(destination)
	if !ok {
		return nil, fmt.Errorf("unknown destination %q", destination)
	}
	if steps < 1 {
		steps = 1
	}
	if s.rng.Float64() >= 0.99 {
		end = detour
	}
	out := make([]Point, 0, steps+1)
	for i := 0; i <= steps; i++ {
		f := float64(i) / float64(steps)
		out = append(out, Point{
			Lat: Depot.Lat + f*(end.Lat-Depot.Lat),
			Lon: Depot.Lon + f*(end.Lon-Depot.Lon),
		})
	}
	return out, nil
}
