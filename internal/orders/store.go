package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"swifttrack/internal/db"
)

var ErrNotFound = errors.New("order not found")

const orderColumns = `id, client_id, status, pickup_address, delivery_address, package_details,
		cms_reference, wms_reference, route_id, pickup_driver_id, delivery_driver_id,
		delivery_notes, proof_of_delivery, delivery_attempts, max_delivery_attempts,
		created_at, updated_at`

// Store is the authoritative order state. Every mutation runs in a single
// transaction and appends exactly one status history row.
type Store struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewStore(db *db.PostgresDB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Extra carries the optional flat fields a transition may set alongside the
// status. Nil fields are left untouched.
type Extra struct {
	CMSReference     *string
	WMSReference     *string
	RouteID          *string
	PickupDriverID   *string
	DeliveryDriverID *string
	DeliveryNotes    *string
	ProofOfDelivery  Document
	DeliveryAttempts *int
}

// Create inserts a new order in PENDING with its initial history entry.
func (s *Store) Create(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	now := time.Now().UTC()
	order := &Order{
		ID:                  uuid.New(),
		ClientID:            req.ClientID,
		Status:              StatusPending,
		PickupAddress:       req.PickupAddress,
		DeliveryAddress:     req.DeliveryAddress,
		PackageDetails:      req.PackageDetails,
		DeliveryAttempts:    0,
		MaxDeliveryAttempts: 3,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if order.PackageDetails == nil {
		order.PackageDetails = Document{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (id, client_id, status, pickup_address, delivery_address, package_details,
			delivery_attempts, max_delivery_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		order.ID, order.ClientID, order.Status, order.PickupAddress, order.DeliveryAddress,
		order.PackageDetails, order.DeliveryAttempts, order.MaxDeliveryAttempts,
		order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}

	details := "Order created"
	history := StatusHistoryEntry{
		ID:        uuid.New(),
		OrderID:   order.ID,
		OldStatus: nil,
		NewStatus: StatusPending,
		Details:   &details,
		CreatedAt: now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO order_status_history (id, order_id, old_status, new_status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		history.ID, history.OrderID, nil, history.NewStatus, history.Details, history.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert status history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit order create: %w", err)
	}

	order.StatusHistory = []StatusHistoryEntry{history}
	s.logger.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("client_id", order.ClientID))
	return order, nil
}

// GetByID fetches a single order with its status history eagerly loaded.
func (s *Store) GetByID(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)

	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	history, err := s.loadHistory(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order.StatusHistory = history
	return order, nil
}

// ListFilter narrows List results. DriverIDAny matches either driver column.
type ListFilter struct {
	ClientID         string
	PickupDriverID   string
	DeliveryDriverID string
	DriverIDAny      string
	Status           string
	Limit            int
	Offset           int
}

// List returns matching orders newest-first plus the unpaged total.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Order, int, error) {
	where := ""
	args := []any{}
	add := func(cond string, val any) {
		args = append(args, val)
		cond = fmt.Sprintf(cond, len(args))
		if where == "" {
			where = " WHERE " + cond
		} else {
			where += " AND " + cond
		}
	}

	if f.ClientID != "" {
		add("client_id = $%d", f.ClientID)
	}
	if f.PickupDriverID != "" {
		add("pickup_driver_id = $%d", f.PickupDriverID)
	}
	if f.DeliveryDriverID != "" {
		add("delivery_driver_id = $%d", f.DeliveryDriverID)
	}
	if f.DriverIDAny != "" {
		args = append(args, f.DriverIDAny)
		cond := fmt.Sprintf("(pickup_driver_id = $%d OR delivery_driver_id = $%d)", len(args), len(args))
		if where == "" {
			where = " WHERE " + cond
		} else {
			where += " AND " + cond
		}
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(id) FROM orders"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf("SELECT "+orderColumns+" FROM orders%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var result []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan order: %w", err)
		}
		result = append(result, order)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read orders: %w", err)
	}

	for _, order := range result {
		history, err := s.loadHistory(ctx, order.ID)
		if err != nil {
			return nil, 0, err
		}
		order.StatusHistory = history
	}
	return result, total, nil
}

// Transition moves an order to newStatus, applies any extra fields and
// appends the history entry, all in one transaction. Legality of the
// transition is not validated here; the reactor and the driver endpoints
// are trusted callers.
func (s *Store) Transition(ctx context.Context, orderID uuid.UUID, newStatus Status, details string, extra *Extra) (*Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var oldStatus Status
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&oldStatus)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}

	now := time.Now().UTC()
	set := "status = $2, updated_at = $3"
	args := []any{orderID, newStatus, now}
	addSet := func(col string, val any) {
		args = append(args, val)
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}

	if extra != nil {
		if extra.CMSReference != nil {
			addSet("cms_reference", *extra.CMSReference)
		}
		if extra.WMSReference != nil {
			addSet("wms_reference", *extra.WMSReference)
		}
		if extra.RouteID != nil {
			addSet("route_id", *extra.RouteID)
		}
		if extra.PickupDriverID != nil {
			addSet("pickup_driver_id", *extra.PickupDriverID)
		}
		if extra.DeliveryDriverID != nil {
			addSet("delivery_driver_id", *extra.DeliveryDriverID)
		}
		if extra.DeliveryNotes != nil {
			addSet("delivery_notes", *extra.DeliveryNotes)
		}
		if extra.ProofOfDelivery != nil {
			addSet("proof_of_delivery", extra.ProofOfDelivery)
		}
		if extra.DeliveryAttempts != nil {
			addSet("delivery_attempts", *extra.DeliveryAttempts)
		}
	}

	_, err = tx.ExecContext(ctx, "UPDATE orders SET "+set+" WHERE id = $1", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}

	var detailsPtr *string
	if details != "" {
		detailsPtr = &details
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO order_status_history (id, order_id, old_status, new_status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), orderID, oldStatus, newStatus, detailsPtr, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert status history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	s.logger.Info("order status updated",
		zap.String("order_id", orderID.String()),
		zap.String("old_status", string(oldStatus)),
		zap.String("new_status", string(newStatus)))

	return s.GetByID(ctx, orderID)
}

// PickupLoads returns the count of active pickup-phase orders per driver.
// Drivers with no active orders are absent from the map.
func (s *Store) PickupLoads(ctx context.Context, drivers []string) (map[string]int, error) {
	return s.driverLoads(ctx,
		`SELECT pickup_driver_id, COUNT(id) FROM orders
		WHERE status = ANY($1) AND pickup_driver_id = ANY($2)
		GROUP BY pickup_driver_id`,
		[]Status{StatusPickupAssigned, StatusPickingUp, StatusPickedUp}, drivers)
}

// DeliveryLoads returns the count of active delivery-phase orders per driver.
func (s *Store) DeliveryLoads(ctx context.Context, drivers []string) (map[string]int, error) {
	return s.driverLoads(ctx,
		`SELECT delivery_driver_id, COUNT(id) FROM orders
		WHERE status = ANY($1) AND delivery_driver_id = ANY($2)
		GROUP BY delivery_driver_id`,
		[]Status{StatusOutForDelivery, StatusDeliveryAttempted}, drivers)
}

func (s *Store) driverLoads(ctx context.Context, query string, statuses []Status, drivers []string) (map[string]int, error) {
	states := make([]string, len(statuses))
	for i, st := range statuses {
		states[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, query, pq.Array(states), pq.Array(drivers))
	if err != nil {
		return nil, fmt.Errorf("failed to query driver loads: %w", err)
	}
	defer rows.Close()

	loads := make(map[string]int)
	for rows.Next() {
		var driver string
		var count int
		if err := rows.Scan(&driver, &count); err != nil {
			return nil, fmt.Errorf("failed to scan driver load: %w", err)
		}
		loads[driver] = count
	}
	return loads, rows.Err()
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) loadHistory(ctx context.Context, orderID uuid.UUID) ([]StatusHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, old_status, new_status, details, created_at
		FROM order_status_history WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load status history: %w", err)
	}
	defer rows.Close()

	var history []StatusHistoryEntry
	for rows.Next() {
		var entry StatusHistoryEntry
		var oldStatus sql.NullString
		if err := rows.Scan(&entry.ID, &entry.OrderID, &oldStatus, &entry.NewStatus, &entry.Details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status history: %w", err)
		}
		if oldStatus.Valid {
			st := Status(oldStatus.String)
			entry.OldStatus = &st
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var order Order
	err := row.Scan(
		&order.ID, &order.ClientID, &order.Status, &order.PickupAddress, &order.DeliveryAddress,
		&order.PackageDetails, &order.CMSReference, &order.WMSReference, &order.RouteID,
		&order.PickupDriverID, &order.DeliveryDriverID, &order.DeliveryNotes, &order.ProofOfDelivery,
		&order.DeliveryAttempts, &order.MaxDeliveryAttempts, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &order, nil
}
