package service

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"retailpos/backend/internal/access"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
)

const replayAttempts = 3

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if _, err := s.authorize(ctx, access.ReadStock, ""); err != nil {
		return nil, err
	}
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, s.translate("list_products", err)
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if _, err := s.authorize(ctx, access.ReadStock, ""); err != nil {
		return domain.Product{}, err
	}
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, s.translate("get_product", err)
	}
	return *product, nil
}

// CreateProduct adds a catalog entry. Opening stock is booked as a purchase
// so the ledger replays to the stored quantity from the first entry.
func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, err := s.authorize(ctx, access.ManageCatalog, "")
	if err != nil {
		return domain.Product{}, err
	}

	req.SKU = strings.TrimSpace(req.SKU)
	req.Name = strings.TrimSpace(req.Name)
	if err := validateStruct(req); err != nil {
		return domain.Product{}, err
	}
	if req.PurchaseCost.IsNegative() || !hasMoneyScale(req.PurchaseCost) {
		return domain.Product{}, domain.NewValidationError(domain.CodeInvalidRequest, "purchase_cost", "must be a non-negative amount with at most two decimal places")
	}
	if req.SellingPrice.IsNegative() || !hasMoneyScale(req.SellingPrice) {
		return domain.Product{}, domain.NewValidationError(domain.CodeInvalidRequest, "selling_price", "must be a non-negative amount with at most two decimal places")
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		SKU:              req.SKU,
		Name:             req.Name,
		PurchaseCost:     req.PurchaseCost,
		SellingPrice:     req.SellingPrice,
		ReorderThreshold: req.ReorderThreshold,
		Active:           true,
	})
	if err != nil {
		return domain.Product{}, s.translate("create_product", err)
	}

	product := *created
	if req.InitialStock > 0 {
		var plan store.CommitPlan
		plan.Add(
			store.IncrementStock{ProductID: product.ID, Quantity: req.InitialStock},
			store.AppendAdjustment{Adjustment: domain.StockAdjustment{
				ProductID: product.ID,
				Kind:      domain.AdjustmentPurchase,
				ActorID:   actor.Username,
				Note:      "opening stock",
				CreatedAt: s.now(),
			}},
		)
		result, err := s.repo.ExecutePlan(ctx, plan)
		if err != nil {
			return domain.Product{}, s.translate("create_product", err)
		}
		product.Quantity = result.Adjustments[0].NewQuantity
	}

	s.logger.WithFields(logrus.Fields{
		"product": product.ID,
		"sku":     product.SKU,
		"stock":   product.Quantity,
		"actor":   actor.Username,
	}).Info("product created")
	return product, nil
}

// RecordStockMovement applies a non-sale stock change and its ledger entry
// as one unit. Purchases and returns add stock, damage removes it, manual
// adjustments go either way.
func (s *Service) RecordStockMovement(ctx context.Context, productID string, req domain.StockMovementRequest) (domain.StockAdjustment, error) {
	actor, err := s.authorize(ctx, access.RecordStockMovement, "")
	if err != nil {
		return domain.StockAdjustment{}, err
	}

	productID = strings.TrimSpace(productID)
	req.Kind = domain.AdjustmentKind(strings.ToLower(strings.TrimSpace(string(req.Kind))))
	req.Note = strings.TrimSpace(req.Note)
	if productID == "" {
		return domain.StockAdjustment{}, domain.NewValidationError(domain.CodeInvalidRequest, "product_id", "is required")
	}
	if err := validateStruct(req); err != nil {
		return domain.StockAdjustment{}, err
	}
	if err := checkMovementSign(req); err != nil {
		return domain.StockAdjustment{}, err
	}

	var change store.Step
	if req.QuantityChange > 0 {
		change = store.IncrementStock{ProductID: productID, Quantity: req.QuantityChange}
	} else {
		change = store.DecrementStock{ProductID: productID, Quantity: -req.QuantityChange}
	}
	var plan store.CommitPlan
	plan.Add(change, store.AppendAdjustment{Adjustment: domain.StockAdjustment{
		ProductID: productID,
		Kind:      req.Kind,
		ActorID:   actor.Username,
		Note:      req.Note,
		CreatedAt: s.now(),
	}})

	result, err := s.repo.ExecutePlan(ctx, plan)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.StockAdjustment{}, domain.ErrNotFound
		}
		return domain.StockAdjustment{}, s.translate("record_stock_movement", err)
	}

	adjustment := result.Adjustments[0]
	s.logger.WithFields(logrus.Fields{
		"product": productID,
		"kind":    string(adjustment.Kind),
		"change":  adjustment.QuantityChange,
		"stock":   adjustment.NewQuantity,
		"actor":   actor.Username,
	}).Info("stock movement recorded")
	return adjustment, nil
}

func checkMovementSign(req domain.StockMovementRequest) error {
	switch req.Kind {
	case domain.AdjustmentPurchase, domain.AdjustmentReturn:
		if req.QuantityChange < 0 {
			return domain.NewValidationError(domain.CodeInvalidRequest, "quantity_change", "must be positive for "+string(req.Kind))
		}
	case domain.AdjustmentDamage:
		if req.QuantityChange > 0 {
			return domain.NewValidationError(domain.CodeInvalidRequest, "quantity_change", "must be negative for damage")
		}
	case domain.AdjustmentManual:
	case domain.AdjustmentSale:
		return domain.NewValidationError(domain.CodeInvalidRequest, "kind", "sale movements are recorded by checkout only")
	default:
		return domain.NewValidationError(domain.CodeInvalidRequest, "kind", "unknown movement kind")
	}
	if req.QuantityChange == 0 {
		return domain.NewValidationError(domain.CodeInvalidRequest, "quantity_change", "must not be zero")
	}
	return nil
}

// GetStockLedger returns every stock change of a product, oldest first.
func (s *Service) GetStockLedger(ctx context.Context, productID string) ([]domain.StockAdjustment, error) {
	if _, err := s.authorize(ctx, access.ReadStockLedger, ""); err != nil {
		return nil, err
	}
	ledger, err := s.repo.ListStockAdjustments(ctx, strings.TrimSpace(productID))
	if err != nil {
		return nil, s.translate("get_stock_ledger", err)
	}
	return ledger, nil
}

// ReplayStock rebuilds a product's quantity from zero by summing its ledger
// and compares the result with the stored quantity. The two reads are not
// one snapshot, so a commit landing between them triggers a re-read.
func (s *Service) ReplayStock(ctx context.Context, productID string) (domain.StockReplay, error) {
	if _, err := s.authorize(ctx, access.ReadStockLedger, ""); err != nil {
		return domain.StockReplay{}, err
	}
	productID = strings.TrimSpace(productID)

	var report domain.StockReplay
	for attempt := 0; attempt < replayAttempts; attempt++ {
		ledger, err := s.repo.ListStockAdjustments(ctx, productID)
		if err != nil {
			return domain.StockReplay{}, s.translate("replay_stock", err)
		}
		product, err := s.repo.GetProduct(ctx, productID)
		if err != nil {
			return domain.StockReplay{}, s.translate("replay_stock", err)
		}

		report = replayLedger(productID, ledger, product.Quantity)
		if report.Consistent {
			return report, nil
		}
		if n := len(ledger); n > 0 && ledger[n-1].NewQuantity == product.Quantity {
			// The chain itself is broken; re-reading will not fix it.
			break
		}
	}

	s.logger.WithFields(logrus.Fields{
		"product":  productID,
		"replayed": report.ReplayedQuantity,
		"current":  report.CurrentQuantity,
	}).Error("stock ledger does not replay to stored quantity")
	return report, nil
}

func replayLedger(productID string, ledger []domain.StockAdjustment, current int) domain.StockReplay {
	report := domain.StockReplay{
		ProductID:       productID,
		Entries:         len(ledger),
		CurrentQuantity: current,
		Consistent:      true,
	}
	running := 0
	for _, entry := range ledger {
		if entry.PreviousQuantity != running || entry.NewQuantity != running+entry.QuantityChange || entry.NewQuantity < 0 {
			report.Consistent = false
		}
		running += entry.QuantityChange
	}
	report.ReplayedQuantity = running
	if running != current {
		report.Consistent = false
	}
	return report
}
