package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"swifttrack/internal/config"
	"swifttrack/internal/observability"
	"swifttrack/internal/orders"
)

// Step names double as the suffixes of the step events
// (order.cms_registered etc.).
const (
	StepCMSRegistered  = "CMS_REGISTERED"
	StepWMSReceived    = "WMS_RECEIVED"
	StepRouteOptimized = "ROUTE_OPTIMIZED"
)

// statusOrder is the totally ordered saga prefix. The index of the current
// order status decides how far a previous attempt got; steps at or below
// that index are skipped on redelivery.
var statusOrder = []orders.Status{
	orders.StatusPending,
	orders.StatusCMSRegistered,
	orders.StatusWMSReceived,
	orders.StatusRouteOptimized,
	orders.StatusReady,
}

// Input is the order.created event body the saga operates on.
type Input struct {
	OrderID         string
	ClientID        string
	PickupAddress   string
	DeliveryAddress string
	PackageDetails  map[string]any
}

// Result is the outcome of a saga execution. Skipped steps also appear in
// CompletedSteps so the caller emits the step event either way.
type Result struct {
	Success        bool
	OrderID        string
	CMSReference   string
	WMSReference   string
	RouteID        string
	Err            error
	CompletedSteps []string
	SkippedSteps   []string
}

// Orchestrator drives the CMS → WMS → ROS distributed transaction with
// compensating actions, safe against broker redelivery.
type Orchestrator struct {
	cms             *cmsClient
	wms             *wmsClient
	ros             *rosClient
	httpClient      *http.Client
	orderServiceURL string
	logger          *zap.Logger
	metrics         *observability.Metrics
}

func NewOrchestrator(cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) *Orchestrator {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	return &Orchestrator{
		cms:             &cmsClient{httpClient: httpClient, baseURL: cfg.CMSURL},
		wms:             &wmsClient{host: cfg.WMSHost, port: cfg.WMSPort},
		ros:             &rosClient{httpClient: httpClient, baseURL: cfg.ROSURL},
		httpClient:      httpClient,
		orderServiceURL: cfg.OrderServiceURL,
		logger:          logger,
		metrics:         metrics,
	}
}

// Execute runs the three steps in order. Each step first consults the
// idempotence probe: if the order has already progressed past the step, it
// is marked skipped and counts as completed without touching the external
// system. On failure the earlier steps are compensated in reverse.
func (o *Orchestrator) Execute(ctx context.Context, in Input) Result {
	result := Result{OrderID: in.OrderID}

	currentStatus := o.fetchOrderStatus(ctx, in.OrderID)
	o.logger.Info("saga idempotence probe",
		zap.String("order_id", in.OrderID),
		zap.String("current_status", string(currentStatus)))

	// Step 1: CMS register (SOAP).
	if stepAlreadyDone(currentStatus, orders.StatusCMSRegistered) {
		o.skipStep(&result, StepCMSRegistered, in.OrderID)
	} else {
		cmsRef, err := o.cms.registerOrder(ctx, in.OrderID, in.ClientID, in.PickupAddress, in.DeliveryAddress)
		if err != nil {
			// Nothing downstream has run; no compensation.
			result.Err = fmt.Errorf("CMS registration failed: %w", err)
			o.failStep(StepCMSRegistered, in.OrderID, err)
			return result
		}
		result.CMSReference = cmsRef
		o.completeStep(&result, StepCMSRegistered, in.OrderID)
	}

	// Step 2: WMS add package (TCP).
	if stepAlreadyDone(currentStatus, orders.StatusWMSReceived) {
		o.skipStep(&result, StepWMSReceived, in.OrderID)
	} else {
		wmsRef, err := o.wms.addPackage(ctx, in.OrderID, in.PackageDetails)
		if err != nil {
			result.Err = fmt.Errorf("WMS add package failed: %w", err)
			o.failStep(StepWMSReceived, in.OrderID, err)
			o.compensateCMS(ctx, in.OrderID)
			return result
		}
		result.WMSReference = wmsRef
		o.completeStep(&result, StepWMSReceived, in.OrderID)
	}

	// Step 3: ROS route optimisation (REST).
	if stepAlreadyDone(currentStatus, orders.StatusRouteOptimized) {
		o.skipStep(&result, StepRouteOptimized, in.OrderID)
	} else {
		routeID, err := o.ros.optimizeRoute(ctx, in.OrderID, in.DeliveryAddress)
		if err != nil {
			result.Err = fmt.Errorf("ROS route optimisation failed: %w", err)
			o.failStep(StepRouteOptimized, in.OrderID, err)
			o.compensateWMS(ctx, in.OrderID)
			o.compensateCMS(ctx, in.OrderID)
			return result
		}
		result.RouteID = routeID
		o.completeStep(&result, StepRouteOptimized, in.OrderID)
	}

	result.Success = true
	o.logger.Info("saga completed",
		zap.String("order_id", in.OrderID),
		zap.Strings("steps", result.CompletedSteps),
		zap.Strings("skipped", result.SkippedSteps))
	return result
}

// fetchOrderStatus asks the order service for the order's current status.
// Any failure returns ""; with no probe answer the saga runs every step.
func (o *Orchestrator) fetchOrderStatus(ctx context.Context, orderID string) orders.Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/orders/%s", o.orderServiceURL, orderID), nil)
	if err != nil {
		return ""
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.logger.Warn("saga status probe error",
			zap.String("order_id", orderID), zap.Error(err))
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		o.logger.Warn("saga status probe failed",
			zap.String("order_id", orderID),
			zap.Int("status_code", resp.StatusCode))
		return ""
	}

	var payload struct {
		Status orders.Status `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		o.logger.Warn("saga status probe decode error",
			zap.String("order_id", orderID), zap.Error(err))
		return ""
	}
	return payload.Status
}

// stepAlreadyDone reports whether the order has already progressed to or
// past stepStatus within the ordered prefix. Statuses outside the prefix
// (FAILED, driver states) disable skipping and the step runs.
func stepAlreadyDone(current, stepStatus orders.Status) bool {
	currentIdx, stepIdx := -1, -1
	for i, st := range statusOrder {
		if st == current {
			currentIdx = i
		}
		if st == stepStatus {
			stepIdx = i
		}
	}
	if currentIdx < 0 || stepIdx < 0 {
		return false
	}
	return currentIdx >= stepIdx
}

func (o *Orchestrator) completeStep(result *Result, step, orderID string) {
	result.CompletedSteps = append(result.CompletedSteps, step)
	if o.metrics != nil {
		o.metrics.SagaStepsTotal.WithLabelValues(step, "completed").Inc()
	}
	o.logger.Info("saga step complete",
		zap.String("order_id", orderID), zap.String("step", step))
}

func (o *Orchestrator) skipStep(result *Result, step, orderID string) {
	result.SkippedSteps = append(result.SkippedSteps, step)
	result.CompletedSteps = append(result.CompletedSteps, step)
	if o.metrics != nil {
		o.metrics.SagaStepsTotal.WithLabelValues(step, "skipped").Inc()
	}
	o.logger.Info("saga step skipped",
		zap.String("order_id", orderID), zap.String("step", step))
}

func (o *Orchestrator) failStep(step, orderID string, err error) {
	if o.metrics != nil {
		o.metrics.SagaStepsTotal.WithLabelValues(step, "failed").Inc()
	}
	o.logger.Error("saga step failed",
		zap.String("order_id", orderID), zap.String("step", step), zap.Error(err))
}

// Compensation failures are logged and swallowed: the saga reports the
// original step error, and compensations are not retried.
func (o *Orchestrator) compensateCMS(ctx context.Context, orderID string) {
	if err := o.cms.cancelOrder(ctx, orderID); err != nil {
		o.logger.Error("CMS compensation failed",
			zap.String("order_id", orderID), zap.Error(err))
		if o.metrics != nil {
			o.metrics.SagaCompensationsTotal.WithLabelValues("cms", "failed").Inc()
		}
		return
	}
	if o.metrics != nil {
		o.metrics.SagaCompensationsTotal.WithLabelValues("cms", "completed").Inc()
	}
	o.logger.Info("CMS registration compensated", zap.String("order_id", orderID))
}

func (o *Orchestrator) compensateWMS(ctx context.Context, orderID string) {
	if err := o.wms.cancelPackage(ctx, orderID); err != nil {
		o.logger.Error("WMS compensation failed",
			zap.String("order_id", orderID), zap.Error(err))
		if o.metrics != nil {
			o.metrics.SagaCompensationsTotal.WithLabelValues("wms", "failed").Inc()
		}
		return
	}
	if o.metrics != nil {
		o.metrics.SagaCompensationsTotal.WithLabelValues("wms", "completed").Inc()
	}
	o.logger.Info("WMS package compensated", zap.String("order_id", orderID))
}
