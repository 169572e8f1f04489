package memory

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/sequence"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

// Store keeps the whole ledger in process memory.
//
// Each product has its own mutex that serializes stock changes for it; a
// commit locks the products it touches in sorted ID order. ledgerMu is held
// for writing only while a finished unit publishes its staged writes, so
// readers see either none or all of a commit. A product's quantity is written
// only with both its mutex and ledgerMu held.
type Store struct {
	seq sequence.Sequencer
	now func() time.Time

	ledgerMu    sync.RWMutex
	products    map[string]*productState
	skuIndex    map[string]string
	sales       map[string]domain.SaleDetail
	sequences   map[int64]struct{}
	saleOrder   []string
	adjustments map[string][]domain.StockAdjustment

	usersMu         sync.RWMutex
	usersByUsername map[string]domain.UserAccount
}

type productState struct {
	mu      sync.Mutex
	product domain.Product
}

// New returns an empty store. A nil sequencer gets an in-process atomic one.
func New(seq sequence.Sequencer) *Store {
	if seq == nil {
		seq = sequence.NewAtomic(0)
	}
	return &Store{
		seq:             seq,
		now:             func() time.Time { return time.Now().UTC() },
		products:        make(map[string]*productState),
		skuIndex:        make(map[string]string),
		sales:           make(map[string]domain.SaleDetail),
		sequences:       make(map[int64]struct{}),
		adjustments:     make(map[string][]domain.StockAdjustment),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD;
// hardcoded dev defaults are used with a warning when they are unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	sellerPwd := envOr("SEED_SELLER_PASSWORD", "seller123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SELLER_PASSWORD") == "" {
		logrus.WithField("component", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"seller", sellerPwd, domain.RoleSeller},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("component", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo products, their opening stock recorded
// as purchase adjustments, and the seed user accounts.
func NewSeeded(seq sequence.Sequencer) *Store {
	s := New(seq)
	s.usersByUsername = seedUsers()

	seed := []struct {
		sku, name   string
		cost, price string
		stock       int
	}{
		{"SKU-MIE-01", "Mie Goreng Instan", "2.70", "3.50", 120},
		{"SKU-TELUR-01", "Telur 10 Butir", "23.00", "26.50", 80},
		{"SKU-SUSU-01", "Susu UHT 1L", "13.60", "18.90", 60},
		{"SKU-ROTI-01", "Roti Tawar", "12.50", "17.80", 40},
		{"SKU-KOPI-01", "Kopi Sachet", "1.70", "2.60", 200},
		{"SKU-GULA-01", "Gula 1kg", "15.30", "17.40", 50},
	}

	ctx := context.Background()
	for _, p := range seed {
		product, err := s.CreateProduct(ctx, domain.Product{
			SKU:              p.sku,
			Name:             p.name,
			PurchaseCost:     decimal.RequireFromString(p.cost),
			SellingPrice:     decimal.RequireFromString(p.price),
			ReorderThreshold: 10,
			Active:           true,
		})
		if err != nil {
			logrus.WithField("component", "memory-store").Fatalf("failed to seed product %s: %v", p.sku, err)
		}
		var plan store.CommitPlan
		plan.Add(
			store.IncrementStock{ProductID: product.ID, Quantity: p.stock},
			store.AppendAdjustment{Adjustment: domain.StockAdjustment{
				ProductID: product.ID,
				Kind:      domain.AdjustmentPurchase,
				ActorID:   "system",
				Note:      "opening stock",
			}},
		)
		if _, err := s.ExecutePlan(ctx, plan); err != nil {
			logrus.WithField("component", "memory-store").Fatalf("failed to seed stock for %s: %v", p.sku, err)
		}
	}
	return s
}

// ExecutePlan commits plan. A transaction number that is already stored
// makes the sequencer jump past the highest stored one before one retry.
func (s *Store) ExecutePlan(ctx context.Context, plan store.CommitPlan) (*store.CommitResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return store.RetryAfterReseed(ctx, s.reseed, func(ctx context.Context) (*store.CommitResult, error) {
		return s.execute(ctx, plan)
	})
}

func (s *Store) reseed(ctx context.Context) (bool, error) {
	highest, err := s.MaxTransactionSequence(ctx)
	if err != nil {
		return false, err
	}
	return sequence.Reseed(ctx, s.seq, highest)
}

func (s *Store) execute(ctx context.Context, plan store.CommitPlan) (*store.CommitResult, error) {
	ids := plan.ProductIDs()
	s.ledgerMu.RLock()
	states := make(map[string]*productState, len(ids))
	for _, id := range ids {
		if st, ok := s.products[id]; ok {
			states[id] = st
		}
	}
	s.ledgerMu.RUnlock()

	// ledgerMu must not be held here: a publisher holds product locks while
	// waiting for it.
	for _, id := range ids {
		if st, ok := states[id]; ok {
			st.mu.Lock()
			defer st.mu.Unlock()
		}
	}

	u := &unit{store: s, states: states, staged: make(map[string]int, len(ids))}
	now := s.now()
	result, err := store.Run(ctx, plan, u, now)
	if err != nil {
		return nil, err
	}

	if err := s.publish(u, now); err != nil {
		return nil, err
	}
	return result, nil
}

// publish applies a finished unit. It fails without applying anything when
// the unit's transaction number is already taken.
func (s *Store) publish(u *unit, now time.Time) error {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	if u.sale != nil {
		if _, taken := s.sequences[u.sale.Sale.Sequence]; taken {
			return fmt.Errorf("%s: %w", u.sale.Sale.TransactionNumber, store.ErrDuplicateSequence)
		}
	}

	for id, qty := range u.staged {
		st := u.states[id]
		st.product.Quantity = qty
		st.product.UpdatedAt = now
	}
	if u.sale != nil {
		s.sales[u.sale.Sale.ID] = *u.sale
		s.sequences[u.sale.Sale.Sequence] = struct{}{}
		s.saleOrder = append(s.saleOrder, u.sale.Sale.ID)
	}
	for _, adj := range u.adjustments {
		s.adjustments[adj.ProductID] = append(s.adjustments[adj.ProductID], adj)
	}
	return nil
}

// unit stages one plan's writes while the touched products are locked.
type unit struct {
	store       *Store
	states      map[string]*productState
	staged      map[string]int
	sale        *domain.SaleDetail
	adjustments []domain.StockAdjustment
}

func (u *unit) DrawSequence(ctx context.Context) (int64, error) {
	return u.store.seq.Next(ctx)
}

func (u *unit) Product(ctx context.Context, productID string) (domain.Product, error) {
	if st, ok := u.states[productID]; ok {
		p := st.product
		if qty, staged := u.staged[productID]; staged {
			p.Quantity = qty
		}
		return p, nil
	}
	// Sale items may reference products whose stock the plan leaves alone.
	p, err := u.store.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return *p, nil
}

func (u *unit) InsertSale(_ context.Context, sale domain.Sale) error {
	u.store.ledgerMu.RLock()
	_, taken := u.store.sequences[sale.Sequence]
	u.store.ledgerMu.RUnlock()
	if taken {
		return fmt.Errorf("%s: %w", sale.TransactionNumber, store.ErrDuplicateSequence)
	}
	u.sale = &domain.SaleDetail{Sale: sale}
	return nil
}

func (u *unit) InsertSaleItem(_ context.Context, item domain.SaleItem) error {
	if u.sale == nil {
		return store.ErrInvalidPlan
	}
	u.sale.Items = append(u.sale.Items, item)
	return nil
}

func (u *unit) ChangeStock(_ context.Context, productID string, delta int) (int, int, error) {
	st, ok := u.states[productID]
	if !ok {
		return 0, 0, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	current, staged := u.staged[productID]
	if !staged {
		current = st.product.Quantity
	}
	next := current + delta
	if next < 0 {
		return 0, 0, &domain.InsufficientStockError{ProductID: productID, Available: current, Requested: -delta}
	}
	if next > domain.MaxStockQuantity {
		return 0, 0, domain.NewStockLimitError(productID, current, delta)
	}
	u.staged[productID] = next
	return current, next, nil
}

func (u *unit) InsertAdjustment(_ context.Context, adjustment domain.StockAdjustment) error {
	u.adjustments = append(u.adjustments, adjustment)
	return nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.SaleDetail, error) {
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()

	detail, ok := s.sales[saleID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSaleDetail(detail), nil
}

// ListSales returns matching sales, newest first.
func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()

	result := make([]domain.Sale, 0, len(s.saleOrder))
	for _, id := range s.saleOrder {
		sale := s.sales[id].Sale
		if filter.SellerID != "" && sale.SellerID != filter.SellerID {
			continue
		}
		if !filter.From.IsZero() && sale.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !sale.CreatedAt.Before(filter.To) {
			continue
		}
		result = append(result, sale)
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		return cmp.Compare(b.Sequence, a.Sequence)
	})
	if limit := store.NormalizeLimit(filter.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListStockAdjustments(_ context.Context, productID string) ([]domain.StockAdjustment, error) {
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()

	if _, ok := s.products[productID]; !ok {
		return nil, domain.ErrNotFound
	}
	return slices.Clone(s.adjustments[productID]), nil
}

func (s *Store) MaxTransactionSequence(_ context.Context) (int64, error) {
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()

	var highest int64
	for _, detail := range s.sales {
		highest = max(highest, detail.Sale.Sequence)
	}
	return highest, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, st := range s.products {
		if !st.product.Active {
			continue
		}
		products = append(products, st.product)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()

	st, ok := s.products[productID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	product := st.product
	return &product, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.TrimSpace(product.SKU)
	product.Name = strings.TrimSpace(product.Name)
	if product.SKU == "" || product.Name == "" {
		return nil, domain.NewValidationError(domain.CodeInvalidRequest, "sku", "sku and name are required")
	}

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	if _, exists := s.skuIndex[product.SKU]; exists {
		return nil, fmt.Errorf("sku %s: %w", product.SKU, store.ErrConflict)
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, fmt.Errorf("product %s: %w", product.ID, store.ErrConflict)
	}
	now := s.now()
	product.Quantity = 0
	product.CreatedAt = now
	product.UpdatedAt = now
	s.products[product.ID] = &productState{product: product}
	s.skuIndex[product.SKU] = product.ID

	created := product
	return &created, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return domain.NewValidationError(domain.CodeInvalidRequest, "username", "username and password are required")
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("user %s: %w", username, store.ErrConflict)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleSeller
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.NewValidationError(domain.CodeInvalidRequest, "password", "username and password are required")
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return domain.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneSaleDetail(src domain.SaleDetail) *domain.SaleDetail {
	return &domain.SaleDetail{Sale: src.Sale, Items: slices.Clone(src.Items)}
}
