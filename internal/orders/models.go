package orders

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusCMSRegistered     Status = "CMS_REGISTERED"
	StatusWMSReceived       Status = "WMS_RECEIVED"
	StatusRouteOptimized    Status = "ROUTE_OPTIMIZED"
	StatusReady             Status = "READY"
	StatusPickupAssigned    Status = "PICKUP_ASSIGNED"
	StatusPickingUp         Status = "PICKING_UP"
	StatusPickedUp          Status = "PICKED_UP"
	StatusAtWarehouse       Status = "AT_WAREHOUSE"
	StatusOutForDelivery    Status = "OUT_FOR_DELIVERY"
	StatusDeliveryAttempted Status = "DELIVERY_ATTEMPTED"
	StatusDelivered         Status = "DELIVERED"
	StatusFailed            Status = "FAILED"
	StatusCancelled         Status = "CANCELLED"
)

// Document is an opaque JSON object (package_details, proof_of_delivery).
// No schema is imposed beyond what the API documents.
type Document map[string]any

func (d Document) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

func (d *Document) Scan(src any) error {
	if src == nil {
		*d = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Document", src)
	}
	return json.Unmarshal(data, d)
}

type Order struct {
	ID              uuid.UUID `json:"id"`
	ClientID        string    `json:"client_id"`
	Status          Status    `json:"status"`
	PickupAddress   string    `json:"pickup_address"`
	DeliveryAddress string    `json:"delivery_address"`
	PackageDetails  Document  `json:"package_details"`

	// External system references, populated as saga steps complete.
	CMSReference *string `json:"cms_reference,omitempty"`
	WMSReference *string `json:"wms_reference,omitempty"`
	RouteID      *string `json:"route_id,omitempty"`

	// Driver assignment and delivery info.
	PickupDriverID   *string  `json:"pickup_driver_id,omitempty"`
	DeliveryDriverID *string  `json:"delivery_driver_id,omitempty"`
	DeliveryNotes    *string  `json:"delivery_notes,omitempty"`
	ProofOfDelivery  Document `json:"proof_of_delivery,omitempty"`

	DeliveryAttempts    int `json:"delivery_attempts"`
	MaxDeliveryAttempts int `json:"max_delivery_attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Append-only audit trail, ordered by created_at.
	StatusHistory []StatusHistoryEntry `json:"status_history"`
}

type StatusHistoryEntry struct {
	ID        uuid.UUID `json:"id"`
	OrderID   uuid.UUID `json:"order_id"`
	OldStatus *Status   `json:"old_status"`
	NewStatus Status    `json:"new_status"`
	Details   *string   `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateOrderRequest struct {
	ClientID        string   `json:"client_id"`
	PickupAddress   string   `json:"pickup_address"`
	DeliveryAddress string   `json:"delivery_address"`
	PackageDetails  Document `json:"package_details"`
}

type StatusUpdateRequest struct {
	Status           string   `json:"status"`
	DeliveryNotes    *string  `json:"delivery_notes,omitempty"`
	ProofOfDelivery  Document `json:"proof_of_delivery,omitempty"`
	PickupDriverID   *string  `json:"pickup_driver_id,omitempty"`
	DeliveryDriverID *string  `json:"delivery_driver_id,omitempty"`
}

type ListResponse struct {
	Orders []*Order `json:"orders"`
	Total  int      `json:"total"`
}
