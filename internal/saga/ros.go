package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type rosClient struct {
	httpClient *http.Client
	baseURL    string
}

type rosOptimizeRequest struct {
	DeliveryPoints []rosDeliveryPoint `json:"delivery_points"`
	VehicleID      string             `json:"vehicle_id"`
	DepotAddress   string             `json:"depot_address"`
}

type rosDeliveryPoint struct {
	OrderID  string `json:"order_id"`
	Address  string `json:"address"`
	Priority string `json:"priority"`
}

type rosOptimizeResponse struct {
	RouteID              string `json:"route_id"`
	TotalDistanceKM      float64 `json:"total_distance_km"`
	EstimatedDurationMin int    `json:"estimated_duration_min"`
}

// optimizeRoute requests a route for a single delivery point and returns the
// route id.
func (c *rosClient) optimizeRoute(ctx context.Context, orderID, deliveryAddress string) (string, error) {
	payload := rosOptimizeRequest{
		DeliveryPoints: []rosDeliveryPoint{{
			OrderID:  orderID,
			Address:  deliveryAddress,
			Priority: "normal",
		}},
		VehicleID:    "VH-001",
		DepotAddress: "SwiftLogistics Warehouse, Colombo 10",
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode ROS request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/routes/optimize", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to build ROS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ROS request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read ROS response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("ROS returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result rosOptimizeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to decode ROS response: %w", err)
	}
	if result.RouteID == "" {
		return "", fmt.Errorf("ROS response missing route_id")
	}
	return result.RouteID, nil
}
