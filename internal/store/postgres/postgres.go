package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/sequence"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
	// seq replaces sale_txn_seq when set.
	seq sequence.Sequencer
}

type Option func(*Store)

// WithSequencer draws transaction numbers from seq instead of the database
// sequence, e.g. a Redis counter shared with other services.
func WithSequencer(seq sequence.Sequencer) Option {
	return func(s *Store) {
		s.seq = seq
	}
}

func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := s.seedSequence(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed sale_txn_seq: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// seedSequence moves sale_txn_seq past the highest number already stored, for
// databases restored or imported without their sequence state. It only ever
// raises the sequence; UNIQUE(txn_seq) rejects anything that slips through.
func (s *Store) seedSequence(ctx context.Context) error {
	floor, err := s.MaxTransactionSequence(ctx)
	if err != nil {
		return err
	}
	if floor < 1 {
		return nil
	}

	var (
		lastValue int64
		isCalled  bool
	)
	if err := s.db.QueryRowContext(ctx, `SELECT last_value, is_called FROM sale_txn_seq`).Scan(&lastValue, &isCalled); err != nil {
		return err
	}
	issued := lastValue
	if !isCalled {
		issued = lastValue - 1
	}
	if issued >= floor {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `SELECT setval('sale_txn_seq', $1, true)`, floor)
	return err
}

// ExecutePlan commits plan in one transaction. When the drawn transaction
// number is already stored, the sequencer is moved past the highest stored
// number and the plan runs once more.
func (s *Store) ExecutePlan(ctx context.Context, plan store.CommitPlan) (*store.CommitResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return store.RetryAfterReseed(ctx, s.reseed, func(ctx context.Context) (*store.CommitResult, error) {
		return s.execute(ctx, plan)
	})
}

func (s *Store) reseed(ctx context.Context) (bool, error) {
	if s.seq == nil {
		return true, s.seedSequence(ctx)
	}
	highest, err := s.MaxTransactionSequence(ctx)
	if err != nil {
		return false, err
	}
	return sequence.Reseed(ctx, s.seq, highest)
}

func (s *Store) execute(ctx context.Context, plan store.CommitPlan) (*store.CommitResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := store.Run(ctx, plan, &unit{tx: tx, seq: s.seq}, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

type unit struct {
	tx  *sql.Tx
	seq sequence.Sequencer
}

func (u *unit) DrawSequence(ctx context.Context) (int64, error) {
	if u.seq != nil {
		return u.seq.Next(ctx)
	}
	var n int64
	err := u.tx.QueryRowContext(ctx, `SELECT nextval('sale_txn_seq')`).Scan(&n)
	if isSequenceLimit(err) {
		return 0, fmt.Errorf("%w: %v", domain.ErrSequencerExhausted, err)
	}
	return n, err
}

func (u *unit) Product(ctx context.Context, productID string) (domain.Product, error) {
	p, err := scanProduct(u.tx.QueryRowContext(ctx, productSelect+` WHERE id = $1`, productID))
	if err != nil {
		return domain.Product{}, err
	}
	return *p, nil
}

func (u *unit) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, txn_number, txn_seq, seller_id, customer_name, customer_phone,
			subtotal, discount_percent, discount_amount, tax_percent, tax_amount, total,
			payment_method, payment_reference, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, sale.ID, sale.TransactionNumber, sale.Sequence, sale.SellerID,
		nullIfEmpty(sale.CustomerName), nullIfEmpty(sale.CustomerPhone),
		sale.Subtotal, sale.DiscountPercent, sale.DiscountAmount,
		sale.TaxPercent, sale.TaxAmount, sale.Total,
		sale.PaymentMethod, nullIfEmpty(sale.PaymentReference), sale.CreatedAt)
	if isDuplicateSequence(err) {
		return fmt.Errorf("%s: %w", sale.TransactionNumber, store.ErrDuplicateSequence)
	}
	return err
}

func (u *unit) InsertSaleItem(ctx context.Context, item domain.SaleItem) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO sale_items (id, sale_id, product_id, product_name, product_sku, quantity, unit_price, line_total, unit_cost)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, item.ID, item.SaleID, item.ProductID, item.ProductName, item.ProductSKU,
		item.Quantity, item.UnitPrice, item.LineTotal, item.UnitCost)
	return err
}

// ChangeStock takes the row lock and checks the floor in one statement, so
// two sales of the same last unit cannot both pass.
func (u *unit) ChangeStock(ctx context.Context, productID string, delta int) (int, int, error) {
	var next int
	err := u.tx.QueryRowContext(ctx, `
		UPDATE products
		SET quantity = quantity + $1, updated_at = now()
		WHERE id = $2 AND quantity::bigint + $3 BETWEEN 0 AND $4
		RETURNING quantity
	`, delta, productID, int64(delta), int64(domain.MaxStockQuantity)).Scan(&next)
	if err == nil {
		return next - delta, next, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, err
	}

	var available int
	err = u.tx.QueryRowContext(ctx, `SELECT quantity FROM products WHERE id = $1`, productID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, 0, err
	}
	if delta > 0 {
		return 0, 0, domain.NewStockLimitError(productID, available, delta)
	}
	return 0, 0, &domain.InsufficientStockError{ProductID: productID, Available: available, Requested: -delta}
}

func (u *unit) InsertAdjustment(ctx context.Context, adj domain.StockAdjustment) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO stock_adjustments (
			id, product_id, kind, quantity_change, previous_quantity, new_quantity,
			sale_id, actor_id, note, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, adj.ID, adj.ProductID, string(adj.Kind), adj.QuantityChange, adj.PreviousQuantity, adj.NewQuantity,
		nullIfEmpty(adj.SaleID), adj.ActorID, nullIfEmpty(adj.Note), adj.CreatedAt)
	return err
}

const saleSelect = `
	SELECT id, txn_number, txn_seq, seller_id, COALESCE(customer_name, ''), COALESCE(customer_phone, ''),
		subtotal, discount_percent, discount_amount, tax_percent, tax_amount, total,
		payment_method, COALESCE(payment_reference, ''), created_at
	FROM sales`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	err := row.Scan(&sale.ID, &sale.TransactionNumber, &sale.Sequence, &sale.SellerID,
		&sale.CustomerName, &sale.CustomerPhone,
		&sale.Subtotal, &sale.DiscountPercent, &sale.DiscountAmount,
		&sale.TaxPercent, &sale.TaxAmount, &sale.Total,
		&sale.PaymentMethod, &sale.PaymentReference, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.SaleDetail, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, saleSelect+` WHERE id = $1`, saleID))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, product_name, product_sku, quantity, unit_price, line_total, unit_cost
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY position ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.ProductName, &item.ProductSKU,
			&item.Quantity, &item.UnitPrice, &item.LineTotal, &item.UnitCost); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &domain.SaleDetail{Sale: *sale, Items: items}, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	var (
		where []string
		args  []any
	)
	if filter.SellerID != "" {
		args = append(args, filter.SellerID)
		where = append(where, fmt.Sprintf("seller_id = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}

	query := saleSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, store.NormalizeLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY txn_seq DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	return sales, rows.Err()
}

func (s *Store) ListStockAdjustments(ctx context.Context, productID string) ([]domain.StockAdjustment, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, kind, quantity_change, previous_quantity, new_quantity,
			COALESCE(sale_id, ''), actor_id, COALESCE(note, ''), created_at
		FROM stock_adjustments
		WHERE product_id = $1
		ORDER BY seq ASC
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ledger := make([]domain.StockAdjustment, 0, 16)
	for rows.Next() {
		var (
			adj  domain.StockAdjustment
			kind string
		)
		if err := rows.Scan(&adj.ID, &adj.ProductID, &kind, &adj.QuantityChange, &adj.PreviousQuantity,
			&adj.NewQuantity, &adj.SaleID, &adj.ActorID, &adj.Note, &adj.CreatedAt); err != nil {
			return nil, err
		}
		adj.Kind = domain.AdjustmentKind(kind)
		adj.CreatedAt = adj.CreatedAt.UTC()
		ledger = append(ledger, adj)
	}
	return ledger, rows.Err()
}

func (s *Store) MaxTransactionSequence(ctx context.Context) (int64, error) {
	var highest int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(txn_seq), 0) FROM sales`).Scan(&highest)
	return highest, err
}

const productSelect = `
	SELECT id, sku, name, purchase_cost, selling_price, quantity, reorder_threshold, active, created_at, updated_at
	FROM products`

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.PurchaseCost, &p.SellingPrice, &p.Quantity,
		&p.ReorderThreshold, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, productSelect+` WHERE active = true ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx, productSelect+` WHERE id = $1`, productID))
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.TrimSpace(product.SKU)
	product.Name = strings.TrimSpace(product.Name)
	if product.SKU == "" || product.Name == "" {
		return nil, domain.NewValidationError(domain.CodeInvalidRequest, "sku", "sku and name are required")
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	product.Quantity = 0

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (id, sku, name, purchase_cost, selling_price, quantity, reorder_threshold, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,$7,now(),now())
		RETURNING created_at, updated_at
	`, product.ID, product.SKU, product.Name, product.PurchaseCost, product.SellingPrice,
		product.ReorderThreshold, product.Active).Scan(&product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("sku %s: %w", product.SKU, store.ErrConflict)
		}
		return nil, err
	}
	product.CreatedAt = product.CreatedAt.UTC()
	product.UpdatedAt = product.UpdatedAt.UTC()
	return &product, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return domain.NewValidationError(domain.CodeInvalidRequest, "username", "username and password are required")
	}
	if user.Role == "" {
		user.Role = domain.RoleSeller
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", user.Username, store.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.NewValidationError(domain.CodeInvalidRequest, "password", "username and password are required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isDuplicateSequence matches a unique violation on txn_number or txn_seq.
func isDuplicateSequence(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	switch pgErr.ConstraintName {
	case "sales_txn_number_key", "sales_txn_seq_key":
		return true
	}
	return false
}

// isSequenceLimit matches sequence_generator_limit_exceeded.
func isSequenceLimit(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "2200H"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
