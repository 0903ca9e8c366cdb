package ride

import (
	"context"

	"github.com/agentpay/agentpay/agent"
	"github.com/agentpay/agentpay/provider"
)

const systemPrompt = `You are a ride-hailing assistant serving the Bay Area
(San Francisco, Oakland, Berkeley, Palo Alto).

Your capabilities:
1. Search nearby available drivers and vehicles.
2. Estimate fares and arrival times for each car type.
3. Book rides. Users only need a pickup location and a destination;
   default to UberX, 1 passenger, immediate pickup unless they say otherwise.
4. After every successful booking you MUST call complete_ride_task to
   record the task on the Aptos blockchain, then report the recording
   status (and the tracking link on success) alongside the ride details.
   If recording fails, tell the user the ride itself is confirmed.

If pickup or destination is missing, call request_ride_form to collect it.
For pure information requests (drivers, fares, car types) just answer.`

const processingMessage = "Processing your ride request..."

// New builds the ride agent on top of the given provider and service.
func New(p provider.Provider, svc *Service) *agent.Runtime {
	return agent.NewRuntime(agent.Config{
		Name:         "ride_agent",
		SystemPrompt: systemPrompt,
		Provider:     p,
		Tools:        Tools(svc),
		ContentTypes: []string{"text", "text/plain"},
		Processing:   processingMessage,
		Logger:       svc.cfg.Logger,
	})
}

// Tools exposes the service operations as agent tools.
func Tools(svc *Service) []agent.Tool {
	return []agent.Tool{
		{
			Def: provider.ToolDef{
				Name:        "search_nearby_drivers",
				Description: "Search available drivers near a pickup location, optionally filtered by car type and maximum distance.",
				Parameters: objectSchema(map[string]any{
					"pickup_location": strProp("Pickup area, e.g. San Francisco or Oakland"),
					"car_type":        strProp("Preferred car type: uberx, comfort, green, xl or black"),
					"max_distance":    strProp("Maximum driver distance, e.g. \"2 miles\""),
				}),
			},
			Run: func(_ context.Context, _ agent.ToolContext, args map[string]any) (any, error) {
				return svc.SearchDrivers(strArg(args, "pickup_location"), strArg(args, "car_type"), strArg(args, "max_distance")), nil
			},
		},
		{
			Def: provider.ToolDef{
				Name:        "estimate_fare",
				Description: "Estimate the fare between two locations, with breakdown and surge pricing.",
				Parameters: objectSchema(map[string]any{
					"pickup_location": strProp("Pickup address"),
					"destination":     strProp("Destination address"),
					"car_type":        strProp("Car type, defaults to uberx"),
					"time_of_day":     strProp("Travel time, e.g. morning, evening or night"),
				}, "pickup_location", "destination"),
			},
			Run: func(_ context.Context, _ agent.ToolContext, args map[string]any) (any, error) {
				return svc.EstimateFare(strArg(args, "pickup_location"), strArg(args, "destination"),
					strArg(args, "car_type"), strArg(args, "time_of_day")), nil
			},
		},
		{
			Def: provider.ToolDef{
				Name:        "get_available_car_types",
				Description: "List bookable car types with pricing and current availability.",
				Parameters:  objectSchema(map[string]any{"location": strProp("Optional location")}),
			},
			Run: func(_ context.Context, _ agent.ToolContext, _ map[string]any) (any, error) {
				return svc.AvailableCarTypes(), nil
			},
		},
		{
			Def: provider.ToolDef{
				Name:        "request_ride",
				Description: "Book a ride and assign the closest highest-rated driver. Requires pickup and destination.",
				Parameters: objectSchema(map[string]any{
					"pickup_location":      strProp("Pickup address"),
					"destination":          strProp("Destination address"),
					"car_type":             strProp("Car type, defaults to uberx"),
					"passenger_count":      strProp("Number of passengers, defaults to 1"),
					"pickup_time":          strProp("Pickup time, defaults to now"),
					"special_instructions": strProp("Instructions for the driver"),
				}, "pickup_location", "destination"),
			},
			Run: func(_ context.Context, _ agent.ToolContext, args map[string]any) (any, error) {
				booking, err := svc.BookRide(
					strArg(args, "pickup_location"), strArg(args, "destination"),
					strArg(args, "car_type"), strArg(args, "passenger_count"),
					strArg(args, "pickup_time"), strArg(args, "special_instructions"))
				if err != nil {
					return map[string]any{
						"status":           "error",
						"message":          err.Error(),
						"suggested_action": "Try a different car type or wait a few minutes",
					}, nil
				}
				return booking, nil
			},
		},
		{
			Def: provider.ToolDef{
				Name:        "complete_ride_task",
				Description: "Record a successful booking on the Aptos blockchain, claiming the escrowed payment. Call after every successful request_ride.",
				Parameters:  objectSchema(map[string]any{}),
			},
			Run: func(ctx context.Context, tc agent.ToolContext, _ map[string]any) (any, error) {
				return svc.CompleteBooking(ctx, tc.SessionID), nil
			},
		},
		{
			Def: provider.ToolDef{
				Name:        "request_ride_form",
				Description: "Ask the user to fill out a ride request form when pickup or destination details are missing.",
				Parameters: objectSchema(map[string]any{
					"pickup_location": strProp("Known pickup location, if any"),
					"destination":     strProp("Known destination, if any"),
					"instructions":    strProp("Instructions shown with the form"),
				}),
			},
			Run: func(_ context.Context, _ agent.ToolContext, args map[string]any) (any, error) {
				prefill := map[string]any{}
				if v := strArg(args, "pickup_location"); v != "" {
					prefill["pickup_location"] = v
				}
				if v := strArg(args, "destination"); v != "" {
					prefill["destination"] = v
				}
				return agent.InputRequest{Form: svc.RideForm(prefill, strArg(args, "instructions"))}, nil
			},
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}
