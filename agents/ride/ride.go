// Package ride implements the ride-hailing service agent. It books
// demo rides against a driver catalog and records completed bookings
// on the Aptos escrow module.
package ride

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentpay/agentpay/chain"
)

// FareBreakdown itemizes an estimate.
type FareBreakdown struct {
	BaseFare        float64 `json:"base_fare"`
	DistanceCost    float64 `json:"distance_cost"`
	TimeCost        float64 `json:"time_cost"`
	Subtotal        float64 `json:"subtotal"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	SurgeSubtotal   float64 `json:"surge_subtotal"`
	TaxesAndFees    float64 `json:"taxes_and_fees"`
	Total           float64 `json:"total"`
}

// FareEstimate is the result of estimating a trip.
type FareEstimate struct {
	PickupLocation   string        `json:"pickup_location"`
	Destination      string        `json:"destination"`
	CarType          string        `json:"car_type"`
	DistanceMiles    float64       `json:"distance_miles"`
	EstimatedMinutes float64       `json:"estimated_time_minutes"`
	Breakdown        FareBreakdown `json:"fare_breakdown"`
	PriceRange       string        `json:"price_range"`
	TrafficCondition string        `json:"traffic_condition"`
}

// DriverInfo identifies the assigned driver on a confirmed booking.
type DriverInfo struct {
	Name         string  `json:"name"`
	Rating       float64 `json:"rating"`
	CarModel     string  `json:"car_model"`
	LicensePlate string  `json:"license_plate"`
	Phone        string  `json:"phone"`
}

// Timing carries the pickup and arrival schedule of a booking.
type Timing struct {
	DriverETA        string `json:"driver_eta"`
	EstimatedPickup  string `json:"estimated_pickup_time"`
	EstimatedArrival string `json:"estimated_arrival_time"`
	TotalTripTime    string `json:"total_trip_time"`
}

// Booking is a confirmed ride.
type Booking struct {
	RideID              string        `json:"ride_id"`
	Status              string        `json:"status"`
	PickupLocation      string        `json:"pickup_location"`
	Destination         string        `json:"destination"`
	CarType             string        `json:"car_type"`
	PassengerCount      string        `json:"passenger_count"`
	PickupTime          string        `json:"pickup_time"`
	Driver              DriverInfo    `json:"driver_info"`
	Timing              Timing        `json:"timing"`
	FareDetails         FareBreakdown `json:"fare_details"`
	PaymentMethod       string        `json:"payment_method"`
	SpecialInstructions string        `json:"special_instructions"`
	SharePIN            int           `json:"ride_share_pin"`
}

// CompletionResult reports the outcome of recording a booking on chain.
type CompletionResult struct {
	Status          string `json:"status"` // completed, failed or skipped
	TransactionHash string `json:"transaction_hash,omitempty"`
	TaskID          string `json:"task_id"`
	TrackingURL     string `json:"tracking_url,omitempty"`
	Error           string `json:"error,omitempty"`
	Note            string `json:"note,omitempty"`
}

// Config wires the ride service's dependencies.
type Config struct {
	Catalog     Catalog
	Ledger      chain.Ledger // nil disables on-chain completion
	HostAddress string       // Aptos address of the delegating host agent
	NodeURL     string       // for explorer links
	Logger      *slog.Logger
	Now         func() time.Time
	Rand        *rand.Rand
}

// Service implements the tools behind the ride agent.
type Service struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewService creates a ride Service, filling config defaults.
func NewService(cfg Config) *Service {
	if cfg.Catalog == nil {
		cfg.Catalog = NewStaticCatalog()
	}
	if cfg.NodeURL == "" {
		cfg.NodeURL = chain.DefaultNodeURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Service{cfg: cfg, rng: rng}
}

// SearchDrivers lists available drivers, optionally filtered by car
// type and a maximum distance like "2 miles". Results are capped at 10.
func (s *Service) SearchDrivers(location, carType, maxDistance string) []Driver {
	drivers := s.cfg.Catalog.Drivers(location)

	var example map[string]bool
	if ct, ok := s.cfg.Catalog.CarType(carType); ok {
		example = make(map[string]bool, len(ct.ExampleCars))
		for _, car := range ct.ExampleCars {
			example[car] = true
		}
	}
	maxDist := distanceMiles(maxDistance)

	// Filter into a fresh slice; the catalog keeps ownership of its own.
	out := make([]Driver, 0, len(drivers))
	for _, d := range drivers {
		if example != nil && !example[d.CarModel] {
			continue
		}
		if maxDist > 0 && distanceMiles(d.Distance) > maxDist {
			continue
		}
		out = append(out, d)
	}
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}

// EstimateFare estimates the cost of a trip. Unknown car types fall
// back to uberx. The distance and duration are simulated.
func (s *Service) EstimateFare(pickup, destination, carType, timeOfDay string) FareEstimate {
	ct, ok := s.cfg.Catalog.CarType(carType)
	if !ok {
		ct, _ = s.cfg.Catalog.CarType("uberx")
	}

	distance := s.randFloat(2.0, 15.0)
	baseTime := s.randFloat(8, 45)

	traffic, surge := s.trafficFactors(timeOfDay)
	adjustedTime := baseTime * traffic

	baseFare := ct.Pricing.BaseFare
	distanceCost := distance * ct.Pricing.PerMile
	timeCost := adjustedTime * ct.Pricing.PerMinute
	subtotal := baseFare + distanceCost + timeCost
	if subtotal < ct.Pricing.MinimumFare {
		subtotal = ct.Pricing.MinimumFare
	}
	surgeSubtotal := subtotal * surge
	taxes := surgeSubtotal * 0.15
	total := surgeSubtotal + taxes

	condition := "light"
	if traffic > 1.2 {
		condition = "moderate"
	}

	return FareEstimate{
		PickupLocation:   pickup,
		Destination:      destination,
		CarType:          ct.Name,
		DistanceMiles:    round1(distance),
		EstimatedMinutes: math.Round(adjustedTime),
		Breakdown: FareBreakdown{
			BaseFare:        round2(baseFare),
			DistanceCost:    round2(distanceCost),
			TimeCost:        round2(timeCost),
			Subtotal:        round2(subtotal),
			SurgeMultiplier: surge,
			SurgeSubtotal:   round2(surgeSubtotal),
			TaxesAndFees:    round2(taxes),
			Total:           round2(total),
		},
		PriceRange:       fmt.Sprintf("$%.2f - $%.2f", total*0.9, total*1.1),
		TrafficCondition: condition,
	}
}

// AvailableCarTypes lists car types with simulated availability.
func (s *Service) AvailableCarTypes() []map[string]any {
	var out []map[string]any
	for _, ct := range s.cfg.Catalog.CarTypes() {
		entry := map[string]any{
			"type_id":           ct.ID,
			"name":              ct.Name,
			"description":       ct.Description,
			"capacity":          ct.Capacity,
			"pricing":           ct.Pricing,
			"example_vehicles":  ct.ExampleCars,
			"estimated_arrival": fmt.Sprintf("%d min", s.randInt(3, 12)),
			"available_now":     true,
			"nearby_drivers":    s.randInt(3, 15),
		}
		switch ct.ID {
		case "black":
			entry["nearby_drivers"] = s.randInt(1, 5)
		case "xl":
			entry["estimated_arrival"] = fmt.Sprintf("%d min", s.randInt(8, 20))
			entry["nearby_drivers"] = s.randInt(2, 8)
		}
		out = append(out, entry)
	}
	return out
}

// BookRide confirms a ride with the closest highest-rated driver.
// Returns an error result map rather than a Go error when no driver is
// available, so the model can relay it to the user.
func (s *Service) BookRide(pickup, destination, carType, passengers, pickupTime, instructions string) (*Booking, error) {
	if carType == "" {
		carType = "uberx"
	}
	if passengers == "" {
		passengers = "1"
	}
	if pickupTime == "" {
		pickupTime = "now"
	}
	if instructions == "" {
		instructions = "None"
	}

	drivers := s.SearchDrivers(pickup, carType, "2 miles")
	if len(drivers) == 0 {
		return nil, fmt.Errorf("no drivers available near %s", pickup)
	}
	driver := drivers[0]

	estimate := s.EstimateFare(pickup, destination, carType, "")
	ct, ok := s.cfg.Catalog.CarType(carType)
	if !ok {
		ct, _ = s.cfg.Catalog.CarType("uberx")
	}

	etaMin := ParseIntField(driver.ETA)
	now := s.cfg.Now()
	pickupAt := now.Add(time.Duration(etaMin) * time.Minute)
	arriveAt := pickupAt.Add(time.Duration(estimate.EstimatedMinutes) * time.Minute)

	return &Booking{
		RideID:         fmt.Sprintf("ride_%d", s.randInt(1000000, 9999999)),
		Status:         "confirmed",
		PickupLocation: pickup,
		Destination:    destination,
		CarType:        ct.Name,
		PassengerCount: passengers,
		PickupTime:     pickupTime,
		Driver: DriverInfo{
			Name:         driver.Name,
			Rating:       driver.Rating,
			CarModel:     driver.CarModel,
			LicensePlate: driver.License,
			Phone:        fmt.Sprintf("+1-555-%03d-%04d", s.randInt(100, 999), s.randInt(1000, 9999)),
		},
		Timing: Timing{
			DriverETA:        driver.ETA,
			EstimatedPickup:  pickupAt.Format("2006-01-02 15:04"),
			EstimatedArrival: arriveAt.Format("2006-01-02 15:04"),
			TotalTripTime:    fmt.Sprintf("%.0f minutes", estimate.EstimatedMinutes),
		},
		FareDetails:         estimate.Breakdown,
		PaymentMethod:       "Credit Card ****1234",
		SpecialInstructions: instructions,
		SharePIN:            s.randInt(1000, 9999),
	}, nil
}

var aptosAddrRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// CompleteBooking records the finished booking on the escrow module,
// claiming the payment locked by the host agent. The session ID is the
// on-chain task ID. Chain failures never fail the booking; they come
// back as a failed/skipped result for the model to report.
func (s *Service) CompleteBooking(ctx context.Context, sessionID string) CompletionResult {
	if sessionID == "" {
		return CompletionResult{
			Status: "failed",
			Error:  "no session ID available",
		}
	}
	if !aptosAddrRe.MatchString(strings.TrimSpace(s.cfg.HostAddress)) {
		s.cfg.Logger.Warn("skipping on-chain completion, host address invalid",
			slog.String("host_address", s.cfg.HostAddress))
		return CompletionResult{
			Status: "skipped",
			TaskID: sessionID,
			Note:   "ride confirmed, on-chain recording skipped: invalid host agent address",
		}
	}
	if s.cfg.Ledger == nil || !s.cfg.Ledger.HasAccount() {
		return CompletionResult{
			Status: "skipped",
			TaskID: sessionID,
			Note:   "ride confirmed, on-chain recording skipped: no ledger account configured",
		}
	}

	// An expired escrow cannot be claimed; the host reclaims the bounty
	// through cancellation instead.
	if s.cfg.Ledger.IsTaskExpired(ctx, s.cfg.HostAddress, sessionID) {
		s.cfg.Logger.Warn("escrow task expired, skipping completion",
			slog.String("task_id", sessionID))
		return CompletionResult{
			Status: "skipped",
			TaskID: sessionID,
			Note:   "ride confirmed, on-chain recording skipped: escrow task expired",
		}
	}

	res := s.cfg.Ledger.CompleteTask(ctx, s.cfg.HostAddress, sessionID)
	if !res.Success {
		errMsg := res.Error
		if errMsg == "" {
			errMsg = res.VMStatus
		}
		s.cfg.Logger.Warn("on-chain completion failed",
			slog.String("task_id", sessionID), slog.String("error", errMsg))
		return CompletionResult{
			Status: "failed",
			TaskID: sessionID,
			Error:  errMsg,
			Note:   "ride confirmed, on-chain recording failed",
		}
	}

	s.cfg.Logger.Info("booking recorded on chain",
		slog.String("task_id", sessionID), slog.String("tx", res.TxHash))
	return CompletionResult{
		Status:          "completed",
		TransactionHash: res.TxHash,
		TaskID:          sessionID,
		TrackingURL:     chain.ExplorerTxURL(s.cfg.NodeURL, res.TxHash),
	}
}

// RideForm builds the structured form shown when the request is missing
// pickup or destination details. Prefill keeps whatever the user
// already supplied.
func (s *Service) RideForm(prefill map[string]any, instructions string) map[string]any {
	form := map[string]any{
		"ride_id":              fmt.Sprintf("ride_form_%d", s.randInt(1000000, 9999999)),
		"pickup_location":      "<pickup address>",
		"destination":          "<destination address>",
		"car_type":             "uberx",
		"passenger_count":      "1",
		"pickup_time":          "now",
		"special_instructions": "none",
		"request_time":         s.cfg.Now().Format("2006-01-02 15:04"),
	}
	for k, v := range prefill {
		if str, ok := v.(string); !ok || str != "" {
			form[k] = v
		}
	}
	if instructions == "" {
		instructions = "Please fill out the ride request form with your pickup and destination details."
	}
	var typeIDs []string
	for _, ct := range s.cfg.Catalog.CarTypes() {
		typeIDs = append(typeIDs, ct.ID)
	}
	form["available_car_types"] = typeIDs
	form["instructions"] = instructions
	return form
}

// trafficFactors derives (traffic, surge) multipliers from a named time
// of day, falling back to the clock.
func (s *Service) trafficFactors(timeOfDay string) (float64, float64) {
	switch strings.ToLower(timeOfDay) {
	case "morning", "rush hour morning":
		return 1.6, 1.3
	case "evening", "rush hour evening":
		return 1.8, 1.5
	case "night", "late night":
		return 0.8, 0.9
	case "":
		switch h := s.cfg.Now().Hour(); {
		case h >= 7 && h <= 9:
			return 1.6, 1.3
		case h >= 17 && h <= 19:
			return 1.8, 1.5
		case h >= 22 || h <= 5:
			return 0.8, 0.9
		}
	}
	return 1.0, 1.0
}

func (s *Service) randFloat(lo, hi float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + s.rng.Float64()*(hi-lo)
}

func (s *Service) randInt(lo, hi int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + s.rng.Intn(hi-lo+1)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }

// ParseIntField reads an integer-bearing string field like "5 min".
func ParseIntField(s string) int {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return v
}
