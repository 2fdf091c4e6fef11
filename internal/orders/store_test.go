package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"swifttrack/internal/db"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return NewStore(&db.PostgresDB{DB: sqlDB}, zap.NewNop()), mock
}

func orderRow(id uuid.UUID, clientID string, status Status) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "client_id", "status", "pickup_address", "delivery_address", "package_details",
		"cms_reference", "wms_reference", "route_id", "pickup_driver_id", "delivery_driver_id",
		"delivery_notes", "proof_of_delivery", "delivery_attempts", "max_delivery_attempts",
		"created_at", "updated_at",
	}).AddRow(
		id.String(), clientID, status, "12 Galle Rd", "34 Kandy Rd", []byte(`{"weight_kg":2}`),
		nil, nil, nil, nil, nil,
		nil, nil, 0, 3,
		now, now,
	)
}

func emptyHistory() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "order_id", "old_status", "new_status", "details", "created_at"})
}

func TestCreate(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_status_history").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	order, err := store.Create(context.Background(), CreateOrderRequest{
		ClientID:        "client-1",
		PickupAddress:   "12 Galle Rd",
		DeliveryAddress: "34 Kandy Rd",
		PackageDetails:  Document{"weight_kg": 2},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if order.Status != StatusPending {
		t.Errorf("status = %s, want PENDING", order.Status)
	}
	if order.MaxDeliveryAttempts != 3 {
		t.Errorf("max_delivery_attempts = %d, want 3", order.MaxDeliveryAttempts)
	}
	if len(order.StatusHistory) != 1 {
		t.Fatalf("history length = %d, want 1", len(order.StatusHistory))
	}
	if order.StatusHistory[0].OldStatus != nil {
		t.Error("initial history entry must have nil old_status")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.Create(context.Background(), CreateOrderRequest{ClientID: "client-1"})
	if err == nil {
		t.Fatal("Create() expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	store, mock := newTestStore(t)
	orderID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM orders WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetByID(context.Background(), orderID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestTransition(t *testing.T) {
	store, mock := newTestStore(t)
	orderID := uuid.New()
	ref := "CMS-REF-001"

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM orders WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PENDING"))
	mock.ExpectExec("UPDATE orders SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_status_history").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Transition re-reads the order after commit.
	mock.ExpectQuery("SELECT (.+) FROM orders WHERE id").
		WillReturnRows(orderRow(orderID, "client-1", StatusCMSRegistered))
	mock.ExpectQuery("FROM order_status_history").WillReturnRows(emptyHistory())

	order, err := store.Transition(context.Background(), orderID, StatusCMSRegistered,
		"Updated via order.cms_registered", &Extra{CMSReference: &ref})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if order.Status != StatusCMSRegistered {
		t.Errorf("status = %s, want CMS_REGISTERED", order.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTransitionUnknownOrder(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM orders WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	_, err := store.Transition(context.Background(), uuid.New(), StatusFailed, "", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Transition() error = %v, want ErrNotFound", err)
	}
}

func TestListWithFilters(t *testing.T) {
	store, mock := newTestStore(t)
	orderID := uuid.New()

	mock.ExpectQuery("SELECT COUNT\\(id\\) FROM orders").
		WithArgs("client-1", "PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT (.+) FROM orders WHERE client_id").
		WithArgs("client-1", "PENDING", 50, 0).
		WillReturnRows(orderRow(orderID, "client-1", StatusPending))
	mock.ExpectQuery("FROM order_status_history").WillReturnRows(emptyHistory())

	list, total, err := store.List(context.Background(), ListFilter{
		ClientID: "client-1",
		Status:   "PENDING",
	})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 1 || len(list) != 1 {
		t.Fatalf("List() total = %d, len = %d, want 1/1", total, len(list))
	}
	if list[0].ID != orderID {
		t.Errorf("order id = %s, want %s", list[0].ID, orderID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPickupLoads(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT pickup_driver_id, COUNT\\(id\\) FROM orders").
		WillReturnRows(sqlmock.NewRows([]string{"pickup_driver_id", "count"}).
			AddRow("driver1", 2).
			AddRow("driver3", 1))

	loads, err := store.PickupLoads(context.Background(), []string{"driver1", "driver2", "driver3"})
	if err != nil {
		t.Fatalf("PickupLoads() error = %v", err)
	}
	if loads["driver1"] != 2 || loads["driver3"] != 1 {
		t.Errorf("loads = %v", loads)
	}
	if _, present := loads["driver2"]; present {
		t.Error("idle driver must be absent from the load map")
	}
}
