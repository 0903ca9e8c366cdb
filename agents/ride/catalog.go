package ride

import (
	"sort"
	"strconv"
	"strings"
)

// Driver is an available driver near a pickup area.
type Driver struct {
	ID       string  `json:"driver_id"`
	Name     string  `json:"name"`
	Rating   float64 `json:"rating"`
	CarModel string  `json:"car_model"`
	License  string  `json:"license"`
	ETA      string  `json:"eta"`
	Distance string  `json:"distance"`
	Area     string  `json:"area,omitempty"`
}

// Pricing is the fare schedule for a car type.
type Pricing struct {
	BaseFare    float64 `json:"base_fare"`
	PerMile     float64 `json:"per_mile"`
	PerMinute   float64 `json:"per_minute"`
	MinimumFare float64 `json:"minimum_fare"`
}

// CarType describes one bookable vehicle class.
type CarType struct {
	ID          string   `json:"type_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Capacity    string   `json:"capacity"`
	Pricing     Pricing  `json:"pricing"`
	ExampleCars []string `json:"example_vehicles"`
}

// Catalog supplies driver and vehicle data to the ride service.
// Production deployments back this with a dispatch system; the demo
// uses a static Bay Area data set.
type Catalog interface {
	// Drivers returns drivers near the location, every area when empty.
	Drivers(location string) []Driver

	// CarTypes returns all bookable car types in display order.
	CarTypes() []CarType

	// CarType looks up a car type by its ID (e.g. "uberx").
	CarType(id string) (CarType, bool)
}

// StaticCatalog is the built-in Bay Area demo catalog.
type StaticCatalog struct {
	drivers  map[string][]Driver
	carTypes []CarType
}

// NewStaticCatalog returns the demo catalog covering San Francisco,
// Oakland, Berkeley and Palo Alto.
func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{
		drivers: map[string][]Driver{
			"san_francisco": {
				{ID: "D001", Name: "John Chen", Rating: 4.8, CarModel: "Tesla Model 3", License: "ABC123", ETA: "3 min", Distance: "0.2 miles"},
				{ID: "D002", Name: "Maria Rodriguez", Rating: 4.9, CarModel: "Toyota Prius", License: "XYZ789", ETA: "5 min", Distance: "0.4 miles"},
				{ID: "D003", Name: "David Kim", Rating: 4.7, CarModel: "Honda Accord", License: "DEF456", ETA: "7 min", Distance: "0.6 miles"},
				{ID: "D004", Name: "Sarah Johnson", Rating: 4.6, CarModel: "Nissan Leaf", License: "GHI789", ETA: "8 min", Distance: "0.8 miles"},
				{ID: "D005", Name: "Alex Wang", Rating: 4.8, CarModel: "Chevrolet Bolt", License: "JKL012", ETA: "10 min", Distance: "1.0 mile"},
			},
			"oakland": {
				{ID: "D006", Name: "Jennifer Lee", Rating: 4.9, CarModel: "Tesla Model Y", License: "MNO345", ETA: "4 min", Distance: "0.3 miles"},
				{ID: "D007", Name: "Michael Brown", Rating: 4.7, CarModel: "Toyota Camry", License: "PQR678", ETA: "6 min", Distance: "0.5 miles"},
				{ID: "D008", Name: "Lisa Zhang", Rating: 4.8, CarModel: "Honda Civic", License: "STU901", ETA: "9 min", Distance: "0.7 miles"},
			},
			"berkeley": {
				{ID: "D009", Name: "Robert Garcia", Rating: 4.6, CarModel: "Hyundai Elantra", License: "VWX234", ETA: "5 min", Distance: "0.4 miles"},
				{ID: "D010", Name: "Amanda Singh", Rating: 4.8, CarModel: "Kia Optima", License: "YZA567", ETA: "7 min", Distance: "0.6 miles"},
			},
			"palo_alto": {
				{ID: "D011", Name: "James Park", Rating: 4.9, CarModel: "BMW i3", License: "BCD890", ETA: "6 min", Distance: "0.5 miles"},
				{ID: "D012", Name: "Emily Wong", Rating: 4.7, CarModel: "Audi A3", License: "EFG123", ETA: "8 min", Distance: "0.7 miles"},
			},
		},
		carTypes: []CarType{
			{
				ID: "uberx", Name: "UberX", Description: "Affordable everyday rides",
				Capacity:    "1-4 passengers",
				Pricing:     Pricing{BaseFare: 2.55, PerMile: 1.75, PerMinute: 0.35, MinimumFare: 7.65},
				ExampleCars: []string{"Toyota Prius", "Honda Accord", "Nissan Altima"},
			},
			{
				ID: "comfort", Name: "Comfort", Description: "Newer cars with extra legroom",
				Capacity:    "1-4 passengers",
				Pricing:     Pricing{BaseFare: 3.85, PerMile: 2.15, PerMinute: 0.40, MinimumFare: 9.85},
				ExampleCars: []string{"Toyota Camry", "Honda Accord", "Nissan Maxima"},
			},
			{
				ID: "green", Name: "Uber Green", Description: "Eco-friendly hybrid and electric vehicles",
				Capacity:    "1-4 passengers",
				Pricing:     Pricing{BaseFare: 2.55, PerMile: 1.85, PerMinute: 0.35, MinimumFare: 7.65},
				ExampleCars: []string{"Tesla Model 3", "Toyota Prius", "Nissan Leaf"},
			},
			{
				ID: "xl", Name: "UberXL", Description: "Bigger cars for up to 6 passengers",
				Capacity:    "1-6 passengers",
				Pricing:     Pricing{BaseFare: 4.85, PerMile: 2.85, PerMinute: 0.50, MinimumFare: 12.85},
				ExampleCars: []string{"Toyota Sienna", "Honda Pilot", "Chevrolet Suburban"},
			},
			{
				ID: "black", Name: "Uber Black", Description: "Premium rides in luxury cars",
				Capacity:    "1-4 passengers",
				Pricing:     Pricing{BaseFare: 8.00, PerMile: 4.85, PerMinute: 0.80, MinimumFare: 20.00},
				ExampleCars: []string{"BMW 5 Series", "Mercedes E-Class", "Audi A6"},
			},
		},
	}
}

// Drivers returns drivers near the location, sorted by rating then
// distance. An unknown or empty location searches every area.
func (c *StaticCatalog) Drivers(location string) []Driver {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(location)), " ", "_")
	areas, ok := c.drivers[key]

	var out []Driver
	if ok {
		out = appendArea(out, key, areas)
	} else {
		for area, drivers := range c.drivers {
			out = appendArea(out, area, drivers)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return distanceMiles(out[i].Distance) < distanceMiles(out[j].Distance)
	})
	return out
}

// CarTypes returns all car types in display order.
func (c *StaticCatalog) CarTypes() []CarType {
	out := make([]CarType, len(c.carTypes))
	copy(out, c.carTypes)
	return out
}

// CarType looks up a car type by ID.
func (c *StaticCatalog) CarType(id string) (CarType, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, ct := range c.carTypes {
		if ct.ID == id {
			return ct, true
		}
	}
	return CarType{}, false
}

func appendArea(dst []Driver, area string, drivers []Driver) []Driver {
	words := strings.Split(area, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	display := strings.Join(words, " ")
	for _, d := range drivers {
		d.Area = display
		dst = append(dst, d)
	}
	return dst
}

// distanceMiles parses the leading number of strings like "0.4 miles".
func distanceMiles(s string) float64 {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return v
}
