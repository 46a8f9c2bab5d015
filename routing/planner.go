package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

const earthRadiusKm = 6371.0

var (
	// ErrInvalidRequest is returned for requests that cannot be planned as given
	ErrInvalidRequest = errors.New("routing: invalid route request")
	// ErrNoRoute is returned when the request has no stop besides the depot
	ErrNoRoute = errors.New("routing: no route to plan")
)

// Planner turns route requests into per-driver routes. Stops are dealt to
// drivers round-robin, each driver taking the stop nearest to where it is,
// and every route is then shortened with 2-opt.
type Planner struct {
	maxDrivers int
}

// NewPlanner creates a planner that accepts up to maxDrivers drivers per request
func NewPlanner(maxDrivers int) *Planner {
	if maxDrivers < 1 {
		maxDrivers = 1
	}
	return &Planner{maxDrivers: maxDrivers}
}

// Plan builds a RoutePlan for req. It stops with ctx's error once ctx is done.
func (p *Planner) Plan(ctx context.Context, req RouteRequest) (*RoutePlan, error) {
	drivers := req.NumberDrivers
	if drivers == 0 {
		drivers = 1
	}
	if drivers < 0 || drivers > p.maxDrivers {
		return nil, fmt.Errorf("%w: numberDrivers must be between 1 and %d", ErrInvalidRequest, p.maxDrivers)
	}

	stops, err := toStops(req.Features)
	if err != nil {
		return nil, err
	}
	if len(stops) < 2 {
		return nil, ErrNoRoute
	}

	sort.SliceStable(stops, func(i, j int) bool { return stops[i].Order < stops[j].Order })
	depot, rest := stops[0], stops[1:]

	routes := assign(depot, rest, drivers)

	plan := &RoutePlan{
		Depot:         depot,
		ReturnToStart: req.ReturnToStart,
		Routes:        make([]DriverRoute, 0, len(routes)),
	}
	for i, route := range routes {
		if len(route) == 0 {
			continue
		}
		route, err = twoOpt(ctx, depot, route, req.ReturnToStart)
		if err != nil {
			return nil, err
		}
		distance := routeDistance(depot, route, req.ReturnToStart)
		plan.Routes = append(plan.Routes, DriverRoute{
			Driver:     i + 1,
			Stops:      route,
			DistanceKm: distance,
		})
		plan.TotalDistanceKm += distance
	}

	return plan, nil
}

func toStops(features []Feature) ([]Stop, error) {
	stops := make([]Stop, 0, len(features))
	for i, f := range features {
		if f.Geometry.Type != "" && !strings.EqualFold(f.Geometry.Type, "Point") {
			return nil, fmt.Errorf("%w: feature %d has geometry %q, want Point", ErrInvalidRequest, i, f.Geometry.Type)
		}
		if len(f.Geometry.Coordinates) < 2 {
			return nil, fmt.Errorf("%w: feature %d has no coordinates", ErrInvalidRequest, i)
		}

		lon, lat := f.Geometry.Coordinates[0], f.Geometry.Coordinates[1]
		if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
			return nil, fmt.Errorf("%w: feature %d coordinates [%g, %g] out of range", ErrInvalidRequest, i, lon, lat)
		}

		stops = append(stops, Stop{
			Address:   f.Properties.Address,
			Order:     f.Properties.Order,
			Longitude: lon,
			Latitude:  lat,
		})
	}
	return stops, nil
}

// assign deals stops to drivers in turn; each driver takes the unvisited
// stop nearest to its last position
func assign(depot Stop, stops []Stop, drivers int) [][]Stop {
	routes := make([][]Stop, drivers)
	positions := make([]Stop, drivers)
	for i := range positions {
		positions[i] = depot
	}

	visited := make([]bool, len(stops))
	for remaining, d := len(stops), 0; remaining > 0; d = (d + 1) % drivers {
		nearest := -1
		best := math.Inf(1)
		for i, stop := range stops {
			if visited[i] {
				continue
			}
			if dist := Distance(positions[d], stop); dist < best {
				nearest, best = i, dist
			}
		}

		visited[nearest] = true
		routes[d] = append(routes[d], stops[nearest])
		positions[d] = stops[nearest]
		remaining--
	}

	return routes
}

// twoOpt reverses stop segments while that shortens the route. The depot is
// fixed at the start and, for round trips, at the end. ctx is checked
// before every pass over the route.
func twoOpt(ctx context.Context, depot Stop, route []Stop, roundTrip bool) ([]Stop, error) {
	path := make([]Stop, 0, len(route)+2)
	path = append(path, depot)
	path = append(path, route...)
	if roundTrip {
		path = append(path, depot)
	}

	last := len(route) // index of the last movable stop in path
	for improved := true; improved; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		improved = false
		for i := 1; i < last; i++ {
			for j := i + 1; j <= last; j++ {
				before := Distance(path[i-1], path[i])
				after := Distance(path[i-1], path[j])
				if j+1 < len(path) {
					before += Distance(path[j], path[j+1])
					after += Distance(path[i], path[j+1])
				}
				if after < before-1e-9 {
					reverse(path[i : j+1])
					improved = true
				}
			}
		}
	}

	return path[1 : last+1], nil
}

func reverse(stops []Stop) {
	for i, j := 0, len(stops)-1; i < j; i, j = i+1, j-1 {
		stops[i], stops[j] = stops[j], stops[i]
	}
}

func routeDistance(depot Stop, route []Stop, roundTrip bool) float64 {
	total := 0.0
	prev := depot
	for _, stop := range route {
		total += Distance(prev, stop)
		prev = stop
	}
	if roundTrip {
		total += Distance(prev, depot)
	}
	return total
}

// Distance returns the great-circle distance between two stops in kilometres
func Distance(a, b Stop) float64 {
	lat1, lat2 := radians(a.Latitude), radians(b.Latitude)
	dLat := lat2 - lat1
	dLon := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
