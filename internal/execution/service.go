// Package execution implements the two-phase trade workflow: a persisted
// preview quoted by the broker, followed by an idempotent execute that spawns
// exactly one order per preview no matter how many times it is retried.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"brokerhub/internal/broker"
	"brokerhub/internal/config"
	"brokerhub/internal/models"
	"brokerhub/internal/provider"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrTradingDisabled is returned while the kill switch is off. Checked
	// before any broker or database work.
	ErrTradingDisabled = errors.New("trading is disabled")

	// ErrUnauthorizedAccount is returned for accounts outside the configured
	// allow-list.
	ErrUnauthorizedAccount = errors.New("account not authorized for trading")

	// ErrPreviewNotFound is returned when the preview id does not exist or
	// belongs to another user.
	ErrPreviewNotFound = errors.New("preview not found")

	// ErrPreviewExpired is returned when a preview has aged past its renewal
	// window and can no longer be executed.
	ErrPreviewExpired = errors.New("preview expired")

	// ErrPreviewConsumed is returned when a preview was cancelled or already
	// resolved through another path.
	ErrPreviewConsumed = errors.New("preview no longer executable")

	// ErrOrderNotFound is returned when the order id does not exist or
	// belongs to another user.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderTerminal is returned when cancelling an order that already
	// reached a final state.
	ErrOrderTerminal = errors.New("order already in a terminal state")
)

// ValidationError rejects a malformed or unsafe order request before it
// reaches the broker.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order request: %s %s", e.Field, e.Detail)
}

// PreviewRequest describes the order the user wants quoted.
type PreviewRequest struct {
	UserID         string  `json:"user_id"`
	AccountID      string  `json:"account_id"`
	BrokerProvider string  `json:"broker_provider"`
	Ticker         string  `json:"ticker"`
	Side           string  `json:"side"`
	Quantity       float64 `json:"quantity"`
	OrderType      string  `json:"order_type"`
	TimeInForce    string  `json:"time_in_force"`
	LimitPrice     float64 `json:"limit_price"`
}

// ExecuteResult reports what Execute did. Duplicate means the preview was
// already executed and the existing order is being returned; Renewed means
// the preview had lapsed into its renewal window and was transparently
// re-quoted before placement.
type ExecuteResult struct {
	Order     *models.TradeOrder `json:"order"`
	Duplicate bool               `json:"duplicate"`
	Renewed   bool               `json:"renewed"`
}

// Service runs the preview/execute/cancel state machine against one database
// and a set of broker adapters.
type Service struct {
	db        *gorm.DB
	cfg       config.Trading
	adapters  map[string]broker.Adapter
	positions map[string]provider.PositionProvider
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates the execution service. positions may be nil; sell-side
// holdings validation is then skipped for all brokers.
func NewService(db *gorm.DB, cfg config.Trading, adapters []broker.Adapter, positions []provider.PositionProvider, logger *zap.Logger) *Service {
	s := &Service{
		db:        db,
		cfg:       cfg,
		adapters:  make(map[string]broker.Adapter),
		positions: make(map[string]provider.PositionProvider),
		logger:    logger.Named("execution"),
		now:       time.Now,
	}
	for _, a := range adapters {
		s.adapters[a.Name()] = a
	}
	for _, p := range positions {
		s.positions[p.Name()] = p
	}
	return s
}

// gate enforces the kill switch and the account allow-list. It runs before
// any broker or database work on every mutating operation.
func (s *Service) gate(accountID string) error {
	if !s.cfg.Enabled {
		return ErrTradingDisabled
	}
	if len(s.cfg.AuthorizedAccounts) == 0 {
		return nil
	}
	for _, allowed := range s.cfg.AuthorizedAccounts {
		if allowed == accountID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnauthorizedAccount, accountID)
}

func (s *Service) adapter(name string) (broker.Adapter, error) {
	a, ok := s.adapters[name]
	if !ok {
		return nil, &provider.UnknownProviderError{Name: name, Capability: "broker"}
	}
	return a, nil
}

func validateRequest(req PreviewRequest) error {
	if req.Ticker == "" {
		return &ValidationError{Field: "ticker", Detail: "is required"}
	}
	if req.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Detail: "must be positive"}
	}
	switch req.Side {
	case models.DirectionBuy, models.DirectionSell:
	default:
		return &ValidationError{Field: "side", Detail: "must be BUY or SELL"}
	}
	switch req.OrderType {
	case "market":
	case "limit":
		if req.LimitPrice <= 0 {
			return &ValidationError{Field: "limit_price", Detail: "required for limit orders"}
		}
	default:
		return &ValidationError{Field: "order_type", Detail: "must be market or limit"}
	}
	return nil
}

// validateHoldings rejects a sell that exceeds the currently held quantity.
// A provider failure here degrades to a warning rather than blocking the
// trade; the broker re-validates on its side anyway.
func (s *Service) validateHoldings(ctx context.Context, req PreviewRequest) error {
	if req.Side != models.DirectionSell {
		return nil
	}
	source, ok := s.positions[req.BrokerProvider]
	if !ok {
		return nil
	}

	positions, err := source.FetchPositions(ctx, provider.FetchParams{
		UserID:    req.UserID,
		AccountID: req.AccountID,
	})
	if err != nil {
		s.logger.Warn("Holdings check unavailable, deferring to broker validation",
			zap.String("provider", req.BrokerProvider),
			zap.Error(err),
		)
		return nil
	}

	held := 0.0
	for _, p := range positions {
		if p.Symbol == req.Ticker {
			held += p.Quantity
		}
	}
	if held < req.Quantity {
		return &ValidationError{
			Field:  "quantity",
			Detail: fmt.Sprintf("sell of %v exceeds held quantity %v for %s", req.Quantity, held, req.Ticker),
		}
	}
	return nil
}

func toOrderRequest(p *models.TradePreview) broker.OrderRequest {
	return broker.OrderRequest{
		AccountID:   p.AccountID,
		Ticker:      p.Ticker,
		Side:        p.Side,
		Quantity:    p.Quantity,
		OrderType:   p.OrderType,
		TimeInForce: p.TimeInForce,
		LimitPrice:  p.LimitPrice,
	}
}

// Preview validates the request, asks the broker for a what-if quote, and
// persists the resulting preview with its expiry.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (*models.TradePreview, error) {
	if err := s.gate(req.AccountID); err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := s.validateHoldings(ctx, req); err != nil {
		return nil, err
	}

	adapter, err := s.adapter(req.BrokerProvider)
	if err != nil {
		return nil, err
	}

	preview := &models.TradePreview{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		AccountID:      req.AccountID,
		BrokerProvider: req.BrokerProvider,
		Ticker:         req.Ticker,
		Side:           req.Side,
		Quantity:       req.Quantity,
		OrderType:      req.OrderType,
		TimeInForce:    req.TimeInForce,
		LimitPrice:     req.LimitPrice,
		Status:         models.PreviewStatusPending,
	}

	quote, err := adapter.PreviewOrder(ctx, toOrderRequest(preview))
	if err != nil {
		return nil, fmt.Errorf("failed to preview %s %v %s via %s: %w",
			req.Side, req.Quantity, req.Ticker, req.BrokerProvider, err)
	}
	applyQuote(preview, quote)

	now := s.now()
	preview.CreatedAt = now
	preview.ExpiresAt = now.Add(s.cfg.PreviewTTL())

	if err := s.db.WithContext(ctx).Create(preview).Error; err != nil {
		return nil, fmt.Errorf("failed to persist preview: %w", err)
	}

	s.logger.Info("Trade preview created",
		zap.String("preview_id", preview.ID),
		zap.String("ticker", preview.Ticker),
		zap.String("side", preview.Side),
		zap.Float64("quantity", preview.Quantity),
		zap.Float64("estimated_cost", preview.EstimatedCost),
	)
	return preview, nil
}

func applyQuote(preview *models.TradePreview, quote *broker.PreviewQuote) {
	preview.EstimatedPrice = quote.EstimatedPrice
	preview.EstimatedCost = quote.EstimatedCost
	preview.Commission = quote.Commission
	preview.PreviewPayload = quote.Raw
	preview.Warnings = strings.Join(quote.Warnings, "; ")
}

// Execute places the order described by a previously created preview.
//
// Retrying Execute with the same preview id is safe: the order insert is
// unique on preview id, so a concurrent or repeated call observes the
// existing order instead of placing a second one. A preview past its TTL but
// inside the renewal window is transparently re-quoted; past the window it
// is expired for good.
func (s *Service) Execute(ctx context.Context, previewID, userID string) (*ExecuteResult, error) {
	if !s.cfg.Enabled {
		return nil, ErrTradingDisabled
	}

	preview, err := s.loadPreview(ctx, previewID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.gate(preview.AccountID); err != nil {
		return nil, err
	}

	renewed, err := s.checkExpiry(ctx, preview)
	if err != nil {
		return nil, err
	}

	order, duplicate, err := s.claimPreview(ctx, preview)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return &ExecuteResult{Order: order, Duplicate: true, Renewed: renewed}, nil
	}

	// The PENDING order row is committed; from here every outcome is an
	// update, so a crash mid-placement leaves an auditable trail instead of
	// a silent double-execution window.
	if err := s.place(ctx, preview, order); err != nil {
		return &ExecuteResult{Order: order, Renewed: renewed}, err
	}
	return &ExecuteResult{Order: order, Renewed: renewed}, nil
}

func (s *Service) loadPreview(ctx context.Context, previewID, userID string) (*models.TradePreview, error) {
	var preview models.TradePreview
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", previewID, userID).
		First(&preview).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPreviewNotFound, previewID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load preview %s: %w", previewID, err)
	}
	return &preview, nil
}

// checkExpiry applies the expiry ladder. Within the TTL the preview executes
// as-is. Between the TTL and the renewal cutoff it is re-quoted with a fresh
// broker preview so the user is never filled on stale economics. Past the
// cutoff it is marked expired and refused.
func (s *Service) checkExpiry(ctx context.Context, preview *models.TradePreview) (renewed bool, err error) {
	now := s.now()
	if !preview.Expired(now) {
		return false, nil
	}

	cutoff := preview.CreatedAt.Add(time.Duration(s.cfg.RenewWindowMultiple) * preview.TTL())
	if now.After(cutoff) {
		s.db.WithContext(ctx).Model(preview).
			Where("status = ?", models.PreviewStatusPending).
			Update("status", models.PreviewStatusExpired)
		return false, fmt.Errorf("%w: %s created %s", ErrPreviewExpired, preview.ID,
			preview.CreatedAt.Format(time.RFC3339))
	}

	adapter, err := s.adapter(preview.BrokerProvider)
	if err != nil {
		return false, err
	}
	quote, err := adapter.PreviewOrder(ctx, toOrderRequest(preview))
	if err != nil {
		return false, fmt.Errorf("failed to renew preview %s: %w", preview.ID, err)
	}
	applyQuote(preview, quote)
	preview.ExpiresAt = now.Add(s.cfg.PreviewTTL())

	if err := s.db.WithContext(ctx).Save(preview).Error; err != nil {
		return false, fmt.Errorf("failed to persist renewed preview %s: %w", preview.ID, err)
	}
	s.logger.Info("Preview renewed with fresh quote",
		zap.String("preview_id", preview.ID),
		zap.Float64("estimated_price", preview.EstimatedPrice),
	)
	return true, nil
}

// claimPreview atomically converts a pending preview into a PENDING order
// row. Exactly one caller wins; everyone else gets the winner's order back
// with duplicate=true.
func (s *Service) claimPreview(ctx context.Context, preview *models.TradePreview) (*models.TradeOrder, bool, error) {
	order := &models.TradeOrder{
		ID:             uuid.NewString(),
		PreviewID:      preview.ID,
		OrderStatus:    models.OrderStatusPending,
		Ticker:         preview.Ticker,
		Side:           preview.Side,
		Quantity:       preview.Quantity,
		BrokerProvider: preview.BrokerProvider,
		UserID:         preview.UserID,
	}

	var duplicate bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The conditional status flip is the atomic claim: only one
		// transaction moves pending to executed. SQLite has no SELECT FOR
		// UPDATE, so the claim must be the write itself.
		res := tx.Model(&models.TradePreview{}).
			Where("id = ? AND status = ?", preview.ID, models.PreviewStatusPending).
			Update("status", models.PreviewStatusExecuted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var current models.TradePreview
			if err := tx.Where("id = ?", preview.ID).First(&current).Error; err != nil {
				return err
			}
			if current.Status == models.PreviewStatusExecuted {
				duplicate = true
				return nil
			}
			return fmt.Errorf("%w: %s is %s", ErrPreviewConsumed, current.ID, current.Status)
		}

		if err := tx.Create(order).Error; err != nil {
			// The unique index on preview_id is the backstop if a previous
			// claim committed its order but the status flip was lost.
			var existing models.TradeOrder
			if lookupErr := tx.Where("preview_id = ?", preview.ID).
				First(&existing).Error; lookupErr == nil {
				duplicate = true
				return nil
			}
			return fmt.Errorf("failed to create order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if duplicate {
		var existing models.TradeOrder
		if err := s.db.WithContext(ctx).
			Where("preview_id = ?", preview.ID).
			First(&existing).Error; err != nil {
			return nil, false, fmt.Errorf("failed to load existing order for preview %s: %w", preview.ID, err)
		}
		s.logger.Info("Duplicate execute observed, returning existing order",
			zap.String("preview_id", preview.ID),
			zap.String("order_id", existing.ID),
		)
		return &existing, true, nil
	}
	return order, false, nil
}

// place hands the claimed order to the broker (or simulates the fill in
// dry-run mode) and records the outcome on the order row.
func (s *Service) place(ctx context.Context, preview *models.TradePreview, order *models.TradeOrder) error {
	if s.cfg.DryRun {
		order.BrokerOrderID = "dry-run-" + order.ID
		order.OrderStatus = models.OrderStatusExecuted
		order.FilledQuantity = order.Quantity
		order.AvgFillPrice = preview.EstimatedPrice
		order.Commission = preview.Commission
		order.Reason = "dry run, no order sent to broker"
		s.logger.Info("Dry run fill simulated",
			zap.String("order_id", order.ID),
			zap.String("ticker", order.Ticker),
		)
		return s.saveOrder(ctx, order)
	}

	adapter, err := s.adapter(preview.BrokerProvider)
	if err != nil {
		order.OrderStatus = models.OrderStatusFailed
		order.Reason = err.Error()
		_ = s.saveOrder(ctx, order)
		return err
	}

	result, err := adapter.PlaceOrder(ctx, toOrderRequest(preview))
	switch {
	case errors.Is(err, broker.ErrRejected):
		// A broker rejection is a recorded outcome, not a service failure.
		order.OrderStatus = models.OrderStatusRejected
		if result != nil {
			order.Reason = result.Reason
		}
		if order.Reason == "" {
			order.Reason = err.Error()
		}
		s.logger.Warn("Order rejected by broker",
			zap.String("order_id", order.ID),
			zap.String("reason", order.Reason),
		)
		return s.saveOrder(ctx, order)
	case err != nil:
		order.OrderStatus = models.OrderStatusFailed
		order.Reason = err.Error()
		s.logger.Error("Order placement failed",
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
		if saveErr := s.saveOrder(ctx, order); saveErr != nil {
			return saveErr
		}
		return fmt.Errorf("failed to place order %s: %w", order.ID, err)
	}

	order.BrokerOrderID = result.BrokerOrderID
	order.OrderStatus = result.Status
	order.FilledQuantity = result.FilledQuantity
	order.AvgFillPrice = result.AvgFillPrice
	order.Commission = result.Commission
	order.Reason = result.Reason
	s.logger.Info("Order placed",
		zap.String("order_id", order.ID),
		zap.String("broker_order_id", order.BrokerOrderID),
		zap.String("status", order.OrderStatus),
		zap.Float64("filled_quantity", order.FilledQuantity),
	)
	return s.saveOrder(ctx, order)
}

func (s *Service) saveOrder(ctx context.Context, order *models.TradeOrder) error {
	if err := s.db.WithContext(ctx).Save(order).Error; err != nil {
		return fmt.Errorf("failed to persist order %s: %w", order.ID, err)
	}
	return nil
}

// Cancel requests cancellation of a live order. The row moves to
// CANCEL_PENDING before the broker call and to CANCELED only once the broker
// confirms; a failed cancel leaves CANCEL_PENDING with the reason so the
// state is never optimistic.
func (s *Service) Cancel(ctx context.Context, orderID, userID string) (*models.TradeOrder, error) {
	if !s.cfg.Enabled {
		return nil, ErrTradingDisabled
	}

	var order models.TradeOrder
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", orderID, userID).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	if order.Terminal() {
		return &order, fmt.Errorf("%w: %s is %s", ErrOrderTerminal, order.ID, order.OrderStatus)
	}

	order.OrderStatus = models.OrderStatusCancelPending
	if err := s.saveOrder(ctx, &order); err != nil {
		return nil, err
	}

	adapter, err := s.adapter(order.BrokerProvider)
	if err != nil {
		return &order, err
	}
	if err := adapter.CancelOrder(ctx, order.BrokerOrderID); err != nil {
		order.Reason = err.Error()
		_ = s.saveOrder(ctx, &order)
		return &order, fmt.Errorf("failed to cancel order %s: %w", order.ID, err)
	}

	order.OrderStatus = models.OrderStatusCanceled
	order.Reason = ""
	if err := s.saveOrder(ctx, &order); err != nil {
		return &order, err
	}
	s.logger.Info("Order canceled", zap.String("order_id", order.ID))
	return &order, nil
}

// GetOrder returns one order scoped to its owner.
func (s *Service) GetOrder(ctx context.Context, orderID, userID string) (*models.TradeOrder, error) {
	var order models.TradeOrder
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", orderID, userID).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders returns the user's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, userID string) ([]models.TradeOrder, error) {
	var orders []models.TradeOrder
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// ExpireStalePreviews marks pending previews past their renewal window as
// expired. Intended to run periodically from the server loop.
func (s *Service) ExpireStalePreviews(ctx context.Context) (int64, error) {
	now := s.now()
	// ExpiresAt marks the end of the first TTL span; the renewal window is
	// measured in multiples of it from creation.
	cutoffMultiple := s.cfg.RenewWindowMultiple
	if cutoffMultiple < 1 {
		cutoffMultiple = 1
	}
	res := s.db.WithContext(ctx).Model(&models.TradePreview{}).
		Where("status = ? AND created_at <= ?", models.PreviewStatusPending,
			now.Add(-time.Duration(cutoffMultiple)*s.cfg.PreviewTTL())).
		Update("status", models.PreviewStatusExpired)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to expire stale previews: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("Expired stale previews", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
