package routing

// Message types handled and produced by this package
const (
	RouteRequestedType = "RouteRequested"
	RoutePlannedType   = "RoutePlanned"
)

// RouteRequest asks for delivery routes over a set of GeoJSON point features.
// The feature with the lowest order is the depot every driver starts from.
type RouteRequest struct {
	Features      []Feature `json:"features"`
	NumberDrivers int       `json:"numberDrivers,omitempty"`
	ReturnToStart bool      `json:"returnToStart,omitempty"`
}

// Feature is a GeoJSON feature with a point geometry
type Feature struct {
	Type       string     `json:"type"`
	Geometry   Geometry   `json:"geometry"`
	Properties Properties `json:"properties"`
}

// Geometry holds GeoJSON coordinates in [longitude, latitude] order
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// Properties are the delivery attributes of a feature
type Properties struct {
	Address string `json:"address"`
	Order   int    `json:"order"`
}

// Stop is a location on a planned route
type Stop struct {
	Address   string  `json:"address"`
	Order     int     `json:"order"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// DriverRoute is the ordered sequence of stops assigned to one driver
type DriverRoute struct {
	Driver     int     `json:"driver"`
	Stops      []Stop  `json:"stops"`
	DistanceKm float64 `json:"distanceKm"`
}

// RoutePlan is the reply to a RouteRequest
type RoutePlan struct {
	Depot           Stop          `json:"depot"`
	Routes          []DriverRoute `json:"routes"`
	ReturnToStart   bool          `json:"returnToStart"`
	TotalDistanceKm float64       `json:"totalDistanceKm"`
}

// StopCount returns the number of stops across all routes, excluding the depot
func (p *RoutePlan) StopCount() int {
	n := 0
	for _, route := range p.Routes {
		n += len(route.Stops)
	}
	return n
}
