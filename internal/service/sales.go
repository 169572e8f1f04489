package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"retailpos/backend/internal/access"
	"retailpos/backend/internal/cart"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

const saleIDPrefix = "sale"

// draft is a validated checkout request ready to be turned into a plan.
type draft struct {
	cart  *cart.Cart
	phone string
	// origin maps a merged cart line back to the first request line that
	// introduced its product.
	origin []int
}

// CreateSale commits a cart as one sale. Either the header, every item,
// every stock decrement and every ledger entry are stored together, or the
// call fails and nothing changes.
func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (domain.SaleDetail, error) {
	req.SellerID = strings.TrimSpace(req.SellerID)
	if req.SellerID == "" {
		req.SellerID = s.actor(ctx).Username
	}
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	req.PaymentReference = strings.TrimSpace(req.PaymentReference)
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)

	if _, err := s.authorize(ctx, access.CreateSale, req.SellerID); err != nil {
		return domain.SaleDetail{}, err
	}

	d, err := s.validateSale(req)
	if err != nil {
		s.logRejected(req.SellerID, err)
		return domain.SaleDetail{}, err
	}

	plan := buildSalePlan(req, d, s.now())
	result, err := s.repo.ExecutePlan(ctx, plan)
	if err != nil {
		err = s.translate("create_sale", remapLine(err, d.origin))
		s.logRejected(req.SellerID, err)
		return domain.SaleDetail{}, err
	}
	if result.Sale == nil {
		return domain.SaleDetail{}, s.persistence("create_sale", errors.New("commit returned no sale"))
	}

	detail := *result.Sale
	s.logger.WithFields(logrus.Fields{
		"txn":    detail.Sale.TransactionNumber,
		"sale":   detail.Sale.ID,
		"seller": detail.Sale.SellerID,
		"items":  len(detail.Items),
		"total":  detail.Sale.Total.StringFixed(2),
	}).Info("sale committed")

	if err := s.saleCache.Set(ctx, detail.Sale.ID, &detail, s.cacheTTL); err != nil {
		s.logger.WithError(err).WithField("sale", detail.Sale.ID).Warn("sale cache write failed")
	}
	return detail, nil
}

func (s *Service) validateSale(req domain.CreateSaleRequest) (draft, error) {
	if len(req.Items) == 0 {
		return draft{}, domain.NewValidationError(domain.CodeEmptyCart, "items", "cart has no items")
	}

	c := cart.New()
	var origin []int
	first := make(map[string]int, len(req.Items))
	combined := make(map[string]int, len(req.Items))
	for i, item := range req.Items {
		productID := strings.TrimSpace(item.ProductID)
		switch {
		case productID == "":
			return draft{}, domain.NewLineError(i, "product_id", "is required")
		case item.Quantity <= 0:
			return draft{}, domain.NewLineError(i, "quantity", "must be greater than zero")
		case item.Quantity > domain.MaxLineQuantity:
			return draft{}, domain.NewLineError(i, "quantity", fmt.Sprintf("must not exceed %d", domain.MaxLineQuantity))
		case item.UnitPrice.IsNegative():
			return draft{}, domain.NewLineError(i, "unit_price", "must not be negative")
		case !hasMoneyScale(item.UnitPrice):
			return draft{}, domain.NewLineError(i, "unit_price", "must have at most two decimal places")
		}
		if item.UnitCost != nil && (item.UnitCost.IsNegative() || !hasMoneyScale(*item.UnitCost)) {
			return draft{}, domain.NewLineError(i, "unit_cost", "must be a non-negative amount with at most two decimal places")
		}

		if j, seen := first[productID]; seen {
			prev := req.Items[j]
			if !prev.UnitPrice.Equal(item.UnitPrice) || !sameCost(prev.UnitCost, item.UnitCost) {
				return draft{}, domain.NewLineError(i, "unit_price", "repeated product must keep the same price and cost")
			}
		} else {
			first[productID] = i
			origin = append(origin, i)
		}
		// Both terms are at most MaxLineQuantity, so the sum cannot overflow.
		if combined[productID]+item.Quantity > domain.MaxLineQuantity {
			return draft{}, domain.NewLineError(i, "quantity", fmt.Sprintf("combined quantity for this product must not exceed %d", domain.MaxLineQuantity))
		}
		combined[productID] += item.Quantity

		line := cart.Line{ProductID: productID, Quantity: item.Quantity, UnitPrice: item.UnitPrice}
		if item.UnitCost != nil {
			line.UnitCost = *item.UnitCost
			line.CostKnown = true
		}
		c.AddItem(line)
	}

	if !hasMoneyScale(req.DiscountPercent) {
		return draft{}, domain.NewValidationError(domain.CodeInvalidPercentage, "discount_percentage", "must have at most two decimal places")
	}
	if !hasMoneyScale(req.TaxPercent) {
		return draft{}, domain.NewValidationError(domain.CodeInvalidPercentage, "tax_percentage", "must have at most two decimal places")
	}
	c.SetDiscount(req.DiscountPercent)
	c.SetTax(req.TaxPercent)

	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return draft{}, domain.NewValidationError(domain.CodeInvalidPayment, "payment_method", "unsupported payment method")
	}
	if req.PaymentMethod != domain.PaymentCash && req.PaymentReference == "" {
		return draft{}, domain.NewValidationError(domain.CodeInvalidPayment, "payment_reference", "is required for non-cash payments")
	}

	phone := ""
	if req.CustomerPhone != "" {
		normalized, err := normalizePhone(req.CustomerPhone, s.phoneRegion)
		if err != nil {
			return draft{}, domain.NewValidationError(domain.CodeInvalidPhone, "customer_phone", err.Error())
		}
		phone = normalized
	}

	if err := validateStruct(req); err != nil {
		return draft{}, err
	}
	return draft{cart: c, phone: phone, origin: origin}, nil
}

func sameCost(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// buildSalePlan lays out the commit: draw, header, items in cart order, then
// one decrement plus ledger entry per product in ascending product ID order
// so concurrent plans touch stock rows in the same order.
func buildSalePlan(req domain.CreateSaleRequest, d draft, now time.Time) store.CommitPlan {
	totals := d.cart.Totals()
	lines := d.cart.Lines()

	var plan store.CommitPlan
	plan.Add(
		store.DrawTransactionNumber{},
		store.WriteSaleHeader{Sale: domain.Sale{
			ID:               xid.New(saleIDPrefix),
			SellerID:         req.SellerID,
			CustomerName:     req.CustomerName,
			CustomerPhone:    d.phone,
			Subtotal:         totals.Subtotal,
			DiscountPercent:  totals.DiscountPercent,
			DiscountAmount:   totals.DiscountAmount,
			TaxPercent:       totals.TaxPercent,
			TaxAmount:        totals.TaxAmount,
			Total:            totals.Total,
			PaymentMethod:    req.PaymentMethod,
			PaymentReference: req.PaymentReference,
			CreatedAt:        now,
		}},
	)
	for _, line := range lines {
		plan.Add(store.WriteSaleItem{
			Item: domain.SaleItem{
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				UnitPrice: line.UnitPrice,
				UnitCost:  line.UnitCost,
			},
			CostKnown: line.CostKnown,
		})
	}

	sorted := slices.Clone(lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })
	for _, line := range sorted {
		plan.Add(
			store.DecrementStock{ProductID: line.ProductID, Quantity: line.Quantity},
			store.AppendAdjustment{Adjustment: domain.StockAdjustment{
				ProductID: line.ProductID,
				Kind:      domain.AdjustmentSale,
				ActorID:   req.SellerID,
				CreatedAt: now,
			}},
		)
	}
	return plan
}

// remapLine points a line error raised against the merged cart back at the
// request line the caller sent.
func remapLine(err error, origin []int) error {
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Code != domain.CodeInvalidLine {
		return err
	}
	if verr.Line >= 0 && verr.Line < len(origin) {
		remapped := *verr
		remapped.Line = origin[verr.Line]
		return &remapped
	}
	return err
}

func (s *Service) logRejected(sellerID string, err error) {
	entry := s.logger.WithFields(logrus.Fields{
		"seller": sellerID,
		"reason": err.Error(),
	})
	if errors.Is(err, domain.ErrPersistence) || errors.Is(err, domain.ErrSequencerExhausted) {
		entry.Error("sale rejected")
		return
	}
	entry.Warn("sale rejected")
}

// GetSale returns a committed sale. Sellers only see their own sales; any
// other sale is ErrNotFound to them.
func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleDetail, error) {
	actor, err := s.authorize(ctx, access.ReadSale, s.actor(ctx).Username)
	if err != nil {
		return domain.SaleDetail{}, err
	}
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.SaleDetail{}, domain.NewValidationError(domain.CodeInvalidRequest, "id", "is required")
	}
	if !xid.HasPrefix(saleID, saleIDPrefix) {
		return domain.SaleDetail{}, domain.ErrNotFound
	}

	detail, hit, err := s.saleCache.Get(ctx, saleID)
	if err != nil {
		s.logger.WithError(err).WithField("sale", saleID).Warn("sale cache read failed")
		hit = false
	}
	if !hit {
		detail, err = s.repo.GetSale(ctx, saleID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.SaleDetail{}, domain.ErrNotFound
			}
			return domain.SaleDetail{}, s.translate("get_sale", err)
		}
		if err := s.saleCache.Set(ctx, saleID, detail, s.cacheTTL); err != nil {
			s.logger.WithError(err).WithField("sale", saleID).Warn("sale cache write failed")
		}
	}

	// A sale outside the caller's scope is reported as missing so its
	// existence does not leak.
	if err := access.Check(ctx, s.guard, actor, access.ReadSale, detail.Sale.SellerID); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			s.logger.WithFields(logrus.Fields{"actor": actor.Username, "sale": saleID}).Warn("sale read outside scope")
			return domain.SaleDetail{}, domain.ErrNotFound
		}
		return domain.SaleDetail{}, err
	}
	return *detail, nil
}

// ListSales returns sales newest first. A caller who may not list every
// seller's sales is scoped to their own.
func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	filter.SellerID = strings.TrimSpace(filter.SellerID)
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, domain.NewValidationError(domain.CodeInvalidRequest, "to", "must not be before from")
	}

	actor := s.actor(ctx)
	if filter.SellerID == "" {
		if err := access.Check(ctx, s.guard, actor, access.ListSales, ""); err != nil {
			if !errors.Is(err, domain.ErrUnauthorized) || actor.Username == "" {
				return nil, err
			}
			filter.SellerID = actor.Username
		}
	}
	if filter.SellerID != "" {
		if _, err := s.authorize(ctx, access.ListSales, filter.SellerID); err != nil {
			return nil, err
		}
	}

	filter.Limit = store.NormalizeLimit(filter.Limit)
	sales, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return nil, s.translate("list_sales", err)
	}
	return sales, nil
}
