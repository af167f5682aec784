package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"brokerhub/internal/broker"
	"brokerhub/internal/config"
	"brokerhub/internal/database"
	"brokerhub/internal/models"
	"brokerhub/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// MockAdapter is a mock implementation of broker.Adapter.
type MockAdapter struct {
	mock.Mock
	name string
}

func (m *MockAdapter) Name() string { return m.name }

func (m *MockAdapter) PreviewOrder(ctx context.Context, req broker.OrderRequest) (*broker.PreviewQuote, error) {
	args := m.Called(req)
	quote, _ := args.Get(0).(*broker.PreviewQuote)
	return quote, args.Error(1)
}

func (m *MockAdapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.PlacementResult, error) {
	args := m.Called(req)
	result, _ := args.Get(0).(*broker.PlacementResult)
	return result, args.Error(1)
}

func (m *MockAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	args := m.Called(brokerOrderID)
	return args.Error(0)
}

// stubPositions serves a fixed holdings snapshot.
type stubPositions struct {
	name      string
	positions []models.Position
	err       error
}

func (s *stubPositions) Name() string { return s.name }

func (s *stubPositions) FetchPositions(context.Context, provider.FetchParams) ([]models.Position, error) {
	return s.positions, s.err
}

func tradingConfig() config.Trading {
	return config.Trading{
		Enabled:             true,
		PreviewTTLMinutes:   5,
		RenewWindowMultiple: 3,
	}
}

// setupTest creates the service against a mock broker and an in-memory DB.
func setupTest(t *testing.T, cfg config.Trading) (*Service, *MockAdapter, *gorm.DB) {
	// Use a new, non-shared in-memory database for each test to ensure isolation.
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	adapter := &MockAdapter{name: "testbroker"}
	svc := NewService(db, cfg, []broker.Adapter{adapter}, nil, zap.NewNop())
	return svc, adapter, db
}

func previewRequest() PreviewRequest {
	return PreviewRequest{
		UserID:         "user-1",
		AccountID:      "acct-1",
		BrokerProvider: "testbroker",
		Ticker:         "AAPL",
		Side:           models.DirectionBuy,
		Quantity:       10,
		OrderType:      "market",
		TimeInForce:    "day",
	}
}

func quote() *broker.PreviewQuote {
	return &broker.PreviewQuote{
		EstimatedPrice: 190.50,
		EstimatedCost:  1905.00,
		Commission:     1.00,
		Warnings:       []string{"extended hours pricing"},
		Raw:            `{"est_price":190.5}`,
	}
}

func fill() *broker.PlacementResult {
	return &broker.PlacementResult{
		BrokerOrderID:  "BRK-1",
		Status:         models.OrderStatusExecuted,
		FilledQuantity: 10,
		AvgFillPrice:   190.45,
		Commission:     1.00,
	}
}

func TestPreview_PersistsWithTTL(t *testing.T) {
	svc, adapter, db := setupTest(t, tradingConfig())
	adapter.On("PreviewOrder", mock.Anything).Return(quote(), nil)

	preview, err := svc.Preview(context.Background(), previewRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, preview.ID)
	assert.Equal(t, models.PreviewStatusPending, preview.Status)
	assert.Equal(t, 190.50, preview.EstimatedPrice)
	assert.Equal(t, "extended hours pricing", preview.Warnings)
	assert.Equal(t, 5*time.Minute, preview.ExpiresAt.Sub(preview.CreatedAt))

	var stored models.TradePreview
	require.NoError(t, db.First(&stored, "id = ?", preview.ID).Error)
	assert.Equal(t, "AAPL", stored.Ticker)
	adapter.AssertExpectations(t)
}

func TestPreview_KillSwitchBlocksBeforeBroker(t *testing.T) {
	cfg := tradingConfig()
	cfg.Enabled = false
	svc, adapter, _ := setupTest(t, cfg)

	_, err := svc.Preview(context.Background(), previewRequest())
	assert.ErrorIs(t, err, ErrTradingDisabled)
	adapter.AssertNumberOfCalls(t, "PreviewOrder", 0)
}

func TestPreview_UnauthorizedAccount(t *testing.T) {
	cfg := tradingConfig()
	cfg.AuthorizedAccounts = []string{"acct-other"}
	svc, adapter, _ := setupTest(t, cfg)

	_, err := svc.Preview(context.Background(), previewRequest())
	assert.ErrorIs(t, err, ErrUnauthorizedAccount)
	adapter.AssertNumberOfCalls(t, "PreviewOrder", 0)
}

func TestPreview_Validation(t *testing.T) {
	svc, _, _ := setupTest(t, tradingConfig())

	tests := []struct {
		name   string
		mutate func(*PreviewRequest)
		field  string
	}{
		{"zero quantity", func(r *PreviewRequest) { r.Quantity = 0 }, "quantity"},
		{"negative quantity", func(r *PreviewRequest) { r.Quantity = -5 }, "quantity"},
		{"bad side", func(r *PreviewRequest) { r.Side = "HOLD" }, "side"},
		{"limit without price", func(r *PreviewRequest) { r.OrderType = "limit" }, "limit_price"},
		{"bad order type", func(r *PreviewRequest) { r.OrderType = "stop" }, "order_type"},
		{"missing ticker", func(r *PreviewRequest) { r.Ticker = "" }, "ticker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := previewRequest()
			tt.mutate(&req)
			_, err := svc.Preview(context.Background(), req)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestPreview_SellExceedingHoldings(t *testing.T) {
	svc, adapter, _ := setupTest(t, tradingConfig())
	svc.positions["testbroker"] = &stubPositions{
		name:      "testbroker",
		positions: []models.Position{{Symbol: "AAPL", Quantity: 4}},
	}

	req := previewRequest()
	req.Side = models.DirectionSell

	_, err := svc.Preview(context.Background(), req)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "quantity", vErr.Field)
	adapter.AssertNumberOfCalls(t, "PreviewOrder", 0)
}

func TestPreview_HoldingsCheckFailureDefersToBroker(t *testing.T) {
	svc, adapter, _ := setupTest(t, tradingConfig())
	svc.positions["testbroker"] = &stubPositions{
		name: "testbroker",
		err:  errors.New("upstream down"),
	}
	adapter.On("PreviewOrder", mock.Anything).Return(quote(), nil)

	req := previewRequest()
	req.Side = models.DirectionSell

	_, err := svc.Preview(context.Background(), req)
	assert.NoError(t, err)
	adapter.AssertExpectations(t)
}

func executedPreview(t *testing.T, svc *Service, adapter *MockAdapter) *models.TradePreview {
	t.Helper()
	adapter.On("PreviewOrder", mock.Anything).Return(quote(), nil).Once()
	preview, err := svc.Preview(context.Background(), previewRequest())
	require.NoError(t, err)
	return preview
}

func TestExecute_HappyPath(t *testing.T) {
	svc, adapter, db := setupTest(t, tradingConfig())
	preview := executedPreview(t, svc, adapter)
	adapter.On("PlaceOrder", mock.Anything).Return(fill(), nil).Once()

	result, err := svc.Execute(context.Background(), preview.ID, "user-1")
	require.NoError(t, err)

	assert.False(t, result.Duplicate)
	assert.False(t, result.Renewed)
	assert.Equal(t, models.OrderStatusExecuted, result.Order.OrderStatus)
	assert.Equal(t, "BRK-1", result.Order.BrokerOrderID)
	assert.Equal(t, 10.0, result.Order.FilledQuantity)

	var stored models.TradePreview
	require.NoError(t, db.First(&stored, "id = ?", preview.ID).Error)
	assert.Equal(t, models.PreviewStatusExecuted, stored.Status)
	adapter.AssertExpectations(t)
}

func TestExecute_DuplicateReturnsExistingOrder(t *testing.T) {
	svc, adapter, db := setupTest(t, tradingConfig())
	preview := executedPreview(t, svc, adapter)
	adapter.On("PlaceOrder", mock.Anything).Return(fill(), nil).Once()

	first, err := svc.Execute(context.Background(), preview.ID, "user-1")
	require.NoError(t, err)

	second, err := svc.Execute(context.Background(), preview.ID, "user-1")
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	var count int64
	db.Model(&models.TradeOrder{}).Where("preview_id = ?", preview.ID).Count(&count)
	assert.Equal(t, int64(1), count)
	adapter.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestExecute_RaceLoserSeesWinnersOrder(t *testing.T) {
	svc, adapter, db := setupTest(t, tradingConfig())
	preview := executedPreview(t, svc, adapter)

	// Simulate a competing execute that already claimed the preview and
	// committed its order.
	winner := &models.TradeOrder{
		ID:             "winner-order",
		PreviewID:      preview.ID,
		OrderStatus:    models.OrderStatusExecuted,
		Ticker:         preview.Ticker,
		Side:           preview.Side,
		Quantity:       preview.Quantity,
		BrokerProvider: preview.BrokerProvider,
		UserID:         preview.UserID,
	}
	require.NoError(t, db.Create(winner).Error)
	require.NoError(t, db.Model(&models.TradePreview{}).
		Where("id = ?", preview.ID).
		Update("status", models.PreviewStatusExecuted).Error)

	result, err := svc.Execute(context.Background(), preview.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, "winner-order", result.Order.ID)
	adapter.AssertNumberOfCalls(t, "PlaceOrder", 0)
}

func TestExecute_ExpiryLadder(t *testing.T) {
	base := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		age         time.Duration
		wantRenewed bool
		wantErr     error
	}{
		{"inside ttl", 4 * time.Minute, false, nil},
		{"inside renew window", 7 * time.Minute, true, nil},
		{"past renew window", 20 * time.Minute, false, ErrPreviewExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, adapter, db := setupTest(t, tradingConfig())
			svc.now = func() time.Time { return base }
			preview := executedPreview(t, svc, adapter)

			svc.now = func() time.Time { return base.Add(tt.age) }
			if tt.wantRenewed {
				adapter.On("PreviewOrder", mock.Anything).Return(quote(), nil).Once()
			}
			if tt.wantErr == nil {
				adapter.On("PlaceOrder", mock.Anything).Return(fill(), nil).Once()
			}

			result, err := svc.Execute(context.Background(), preview.ID, "user-1")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				var stored models.TradePreview
				require.NoError(t, db.First(&stored, "id = ?", preview.ID).Error)
				assert.Equal(t, models.PreviewStatusExpired, stored.Status)
				adapter.AssertNumberOfCalls(t, "PlaceOrder", 0)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRenewed, result.Renewed)
			if tt.wantRenewed {
				var stored models.TradePreview
				require.NoError(t, db.First(&stored, "id = ?", preview.ID).Error)
				assert.Equal(t, base.Add(tt.age).Add(5*time.Minute).Unix(), stored.ExpiresAt.Unix())
			}
			adapter.AssertExpectations(t)
		})
	}
}

func TestExecute_KillSwitchBlocksBeforeBroker(t *testing.T) {
	svc, adapter, _ := setupTest(t, tradingConfig())
	preview := executedPreview(t, svc, adapter)

	svc.cfg.Enabled = false
	_, err := svc.Execute(context.Background(), preview.ID, "user-1")
	assert.ErrorIs(t, err, ErrTradingDisabled)
	adapter.AssertNumberOfCalls(t, "PlaceOrder", 0)
}

func TestExecute_WrongUserIsNotFound(t *testing.T) {
	svc, adapter, _ := setupTest(t, tradingConfig())
	preview := executedPreview(t, svc, adapter)

	_, err := svc.Execute(context.Background(), preview.ID, "someone-else")
	assert.ErrorIs(t, err, ErrPreviewNotFound)
}

func TestExecute_BrokerRejectionPersistsRejectedOrder(t *testing.T) {
	svc, adapter, db := setupTest(t, tradingConfig())
	preview := executedPreview(t, svc, adapter)
	adapter.On("PlaceOrder", mock.Anything).Return(
		&broker.PlacementResult{Status: models.OrderStatusRejected, Reason: "insufficient buying power"},
		fmt.Errorf("%w: insufficient buying power", broker.ErrRejected),
	).Once()

	result, err := svc.Execute(context.Background(), preview.ID, "user-1")
	require.NoError(t, err) // the rejection is recorded, not raised

	assert.Equal(t, models.OrderStatusRejected, result.Order.OrderStatus)
	assert.Equal(t, "insufficient buying power", result.Order.Reason)

	var stored models.TradeOrder
	require.NoError(t, db.First(&stored, "preview_id = ?", preview.ID).Error)
	assert.Equal(t, models.OrderStatusRejected, stored.OrderStatus)
	adapter.AssertExpectations(t)
}

func TestExecute_TransportFailurePersistsFailedOrder(t *testing.T) {
	svc, adapter, db := setupTest(t, tradingConfig())
	preview := executedPreview(t, svc, adapter)
	adapter.On("PlaceOrder", mock.Anything).Return(nil,
		fmt.Errorf("%w: write timeout", provider.ErrConnectionFailure)).Once()

	result, err := svc.Execute(context.Background(), preview.ID, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrConnectionFailure)

	assert.Equal(t, models.OrderStatusFailed, result.Order.OrderStatus)
	var stored models.TradeOrder
	require.NoError(t, db.First(&stored, "preview_id = ?", preview.ID).Error)
	assert.Equal(t, models.OrderStatusFailed, stored.OrderStatus)
}

func TestExecute_DryRunSkipsBroker(t *testing.T) {
	cfg := tradingConfig()
	cfg.DryRun = true
	svc, adapter, _ := setupTest(t, cfg)
	preview := executedPreview(t, svc, adapter)

	result, err := svc.Execute(context.Background(), preview.ID, "user-1")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusExecuted, result.Order.OrderStatus)
	assert.Equal(t, "dry-run-"+result.Order.ID, result.Order.BrokerOrderID)
	assert.Equal(t, 190.50, result.Order.AvgFillPrice)
	adapter.AssertNumberOfCalls(t, "PlaceOrder", 0)
}

func TestCancel(t *testing.T) {
	t.Run("accepted order cancels", func(t *testing.T) {
		svc, adapter, db := setupTest(t, tradingConfig())
		preview := executedPreview(t, svc, adapter)
		working := fill()
		working.Status = models.OrderStatusAccepted
		adapter.On("PlaceOrder", mock.Anything).Return(working, nil).Once()
		adapter.On("CancelOrder", "BRK-1").Return(nil).Once()

		result, err := svc.Execute(context.Background(), preview.ID, "user-1")
		require.NoError(t, err)

		order, err := svc.Cancel(context.Background(), result.Order.ID, "user-1")
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCanceled, order.OrderStatus)

		var stored models.TradeOrder
		require.NoError(t, db.First(&stored, "id = ?", order.ID).Error)
		assert.Equal(t, models.OrderStatusCanceled, stored.OrderStatus)
		adapter.AssertExpectations(t)
	})

	t.Run("terminal order refuses", func(t *testing.T) {
		svc, adapter, _ := setupTest(t, tradingConfig())
		preview := executedPreview(t, svc, adapter)
		adapter.On("PlaceOrder", mock.Anything).Return(fill(), nil).Once()

		result, err := svc.Execute(context.Background(), preview.ID, "user-1")
		require.NoError(t, err)

		_, err = svc.Cancel(context.Background(), result.Order.ID, "user-1")
		assert.ErrorIs(t, err, ErrOrderTerminal)
		adapter.AssertNumberOfCalls(t, "CancelOrder", 0)
	})

	t.Run("unknown order", func(t *testing.T) {
		svc, adapter, _ := setupTest(t, tradingConfig())

		_, err := svc.Cancel(context.Background(), "no-such-order", "user-1")
		assert.ErrorIs(t, err, ErrOrderNotFound)
		adapter.AssertNumberOfCalls(t, "CancelOrder", 0)
	})

	t.Run("broker cancel failure stays cancel pending", func(t *testing.T) {
		svc, adapter, db := setupTest(t, tradingConfig())
		preview := executedPreview(t, svc, adapter)
		working := fill()
		working.Status = models.OrderStatusAccepted
		adapter.On("PlaceOrder", mock.Anything).Return(working, nil).Once()
		adapter.On("CancelOrder", "BRK-1").Return(errors.New("cancel window closed")).Once()

		result, err := svc.Execute(context.Background(), preview.ID, "user-1")
		require.NoError(t, err)

		_, err = svc.Cancel(context.Background(), result.Order.ID, "user-1")
		require.Error(t, err)

		var stored models.TradeOrder
		require.NoError(t, db.First(&stored, "id = ?", result.Order.ID).Error)
		assert.Equal(t, models.OrderStatusCancelPending, stored.OrderStatus)
		assert.Contains(t, stored.Reason, "cancel window closed")
	})
}

func TestExpireStalePreviews(t *testing.T) {
	base := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	svc, adapter, db := setupTest(t, tradingConfig())

	svc.now = func() time.Time { return base }
	stale := executedPreview(t, svc, adapter)

	svc.now = func() time.Time { return base.Add(16 * time.Minute) }
	adapter.On("PreviewOrder", mock.Anything).Return(quote(), nil).Once()
	fresh, err := svc.Preview(context.Background(), previewRequest())
	require.NoError(t, err)

	count, err := svc.ExpireStalePreviews(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	var storedStale, storedFresh models.TradePreview
	require.NoError(t, db.First(&storedStale, "id = ?", stale.ID).Error)
	require.NoError(t, db.First(&storedFresh, "id = ?", fresh.ID).Error)
	assert.Equal(t, models.PreviewStatusExpired, storedStale.Status)
	assert.Equal(t, models.PreviewStatusPending, storedFresh.Status)
}
