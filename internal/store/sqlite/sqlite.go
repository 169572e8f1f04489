/*
Package sqlite provides a SQLite-backed store.Repository for single-node
deployments and tests.

CONCURRENCY:
  The pool is limited to one connection, so SQLite's single writer is also
  the only reader and every commit plan runs in a serialized transaction.
  Code holding an open *sql.Tx must never touch s.db: the call would wait
  for the connection the transaction already owns.

SEQUENCER:
  Transaction numbers come from the counters table, incremented inside the
  same transaction as the sale header. A rolled back commit rolls the
  counter back too.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order is chronological order.

USAGE:
  store, err := sqlite.New(ctx, "./data/retailpos.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

Use ":memory:" for a throwaway database.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

const (
	timeLayout     = "2006-01-02T15:04:05.000000000Z"
	saleCounterKey = "sale_txn"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		sku TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		purchase_cost TEXT NOT NULL,
		selling_price TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
		reorder_threshold INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Sales and items are append-only.
	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		txn_number TEXT NOT NULL UNIQUE,
		txn_seq INTEGER NOT NULL UNIQUE,
		seller_id TEXT NOT NULL,
		customer_name TEXT,
		customer_phone TEXT,
		subtotal TEXT NOT NULL,
		discount_percent TEXT NOT NULL,
		discount_amount TEXT NOT NULL,
		tax_percent TEXT NOT NULL,
		tax_amount TEXT NOT NULL,
		total TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		payment_reference TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_seller_created
		ON sales(seller_id, created_at);

	CREATE TABLE IF NOT EXISTS sale_items (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id) ON DELETE CASCADE,
		product_id TEXT NOT NULL REFERENCES products(id),
		product_name TEXT NOT NULL,
		product_sku TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price TEXT NOT NULL,
		line_total TEXT NOT NULL,
		unit_cost TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sale_items_sale
		ON sale_items(sale_id);

	CREATE TABLE IF NOT EXISTS stock_adjustments (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		product_id TEXT NOT NULL REFERENCES products(id),
		kind TEXT NOT NULL,
		quantity_change INTEGER NOT NULL,
		previous_quantity INTEGER NOT NULL,
		new_quantity INTEGER NOT NULL CHECK (new_quantity >= 0),
		sale_id TEXT REFERENCES sales(id),
		actor_id TEXT NOT NULL,
		note TEXT,
		created_at TEXT NOT NULL,
		CHECK (new_quantity = previous_quantity + quantity_change)
	);

	CREATE INDEX IF NOT EXISTS idx_stock_adjustments_product
		ON stock_adjustments(product_id, seq);

	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS app_users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	// The counter never falls behind sales already on disk.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (name, value)
		VALUES (?, (SELECT COALESCE(MAX(txn_seq), 0) FROM sales))
		ON CONFLICT(name) DO UPDATE SET value = MAX(value, excluded.value)
	`, saleCounterKey)
	return err
}

func (s *Store) ExecutePlan(ctx context.Context, plan store.CommitPlan) (*store.CommitResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return store.RetryAfterReseed(ctx, s.reseed, func(ctx context.Context) (*store.CommitResult, error) {
		return s.execute(ctx, plan)
	})
}

// reseed raises the sale counter to the highest stored transaction number.
func (s *Store) reseed(ctx context.Context) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE counters SET value = MAX(value, (SELECT COALESCE(MAX(txn_seq), 0) FROM sales))
		WHERE name = ?
	`, saleCounterKey)
	return err == nil, err
}

func (s *Store) execute(ctx context.Context, plan store.CommitPlan) (*store.CommitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := store.Run(ctx, plan, &unit{tx: tx}, s.now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

type unit struct {
	tx *sql.Tx
}

func (u *unit) DrawSequence(ctx context.Context) (int64, error) {
	var n int64
	err := u.tx.QueryRowContext(ctx, `
		UPDATE counters SET value = value + 1 WHERE name = ? RETURNING value
	`, saleCounterKey).Scan(&n)
	return n, err
}

func (u *unit) Product(ctx context.Context, productID string) (domain.Product, error) {
	p, err := scanProduct(u.tx.QueryRowContext(ctx, productSelect+` WHERE id = ?`, productID))
	if err != nil {
		return domain.Product{}, err
	}
	return *p, nil
}

func (u *unit) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO sales (id, txn_number, txn_seq, seller_id, customer_name, customer_phone,
			subtotal, discount_percent, discount_amount, tax_percent, tax_amount, total,
			payment_method, payment_reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sale.ID, sale.TransactionNumber, sale.Sequence, sale.SellerID,
		nullString(sale.CustomerName), nullString(sale.CustomerPhone),
		sale.Subtotal.String(), sale.DiscountPercent.String(), sale.DiscountAmount.String(),
		sale.TaxPercent.String(), sale.TaxAmount.String(), sale.Total.String(),
		sale.PaymentMethod, nullString(sale.PaymentReference), formatTime(sale.CreatedAt))
	if isUniqueConstraintError(err) && strings.Contains(err.Error(), "sales.txn_") {
		return fmt.Errorf("%s: %w", sale.TransactionNumber, store.ErrDuplicateSequence)
	}
	return err
}

func (u *unit) InsertSaleItem(ctx context.Context, item domain.SaleItem) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO sale_items (id, sale_id, product_id, product_name, product_sku,
			quantity, unit_price, line_total, unit_cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.SaleID, item.ProductID, item.ProductName, item.ProductSKU,
		item.Quantity, item.UnitPrice.String(), item.LineTotal.String(), item.UnitCost.String())
	return err
}

func (u *unit) ChangeStock(ctx context.Context, productID string, delta int) (int, int, error) {
	var next int
	err := u.tx.QueryRowContext(ctx, `
		UPDATE products
		SET quantity = quantity + ?, updated_at = ?
		WHERE id = ? AND quantity + ? BETWEEN 0 AND ?
		RETURNING quantity
	`, delta, formatTime(time.Now().UTC()), productID, delta, domain.MaxStockQuantity).Scan(&next)
	if err == nil {
		return next - delta, next, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, err
	}

	var available int
	err = u.tx.QueryRowContext(ctx, `SELECT quantity FROM products WHERE id = ?`, productID).Scan(&available)
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
		INSERT INTO stock_adjustments (id, product_id, kind, quantity_change, previous_quantity,
			new_quantity, sale_id, actor_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, adj.ID, adj.ProductID, string(adj.Kind), adj.QuantityChange, adj.PreviousQuantity,
		adj.NewQuantity, nullString(adj.SaleID), adj.ActorID, nullString(adj.Note), formatTime(adj.CreatedAt))
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
	var (
		sale      domain.Sale
		createdAt string
	)
	err := row.Scan(&sale.ID, &sale.TransactionNumber, &sale.Sequence, &sale.SellerID,
		&sale.CustomerName, &sale.CustomerPhone,
		&sale.Subtotal, &sale.DiscountPercent, &sale.DiscountAmount,
		&sale.TaxPercent, &sale.TaxAmount, &sale.Total,
		&sale.PaymentMethod, &sale.PaymentReference, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if sale.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.SaleDetail, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, saleSelect+` WHERE id = ?`, saleID))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, product_name, product_sku, quantity, unit_price, line_total, unit_cost
		FROM sale_items
		WHERE sale_id = ?
		ORDER BY rowid ASC
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
		where = append(where, "seller_id = ?")
		args = append(args, filter.SellerID)
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(filter.To))
	}

	query := saleSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY txn_seq DESC LIMIT ?"
	args = append(args, store.NormalizeLimit(filter.Limit))

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
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM products WHERE id = ?`, productID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, kind, quantity_change, previous_quantity, new_quantity,
			COALESCE(sale_id, ''), actor_id, COALESCE(note, ''), created_at
		FROM stock_adjustments
		WHERE product_id = ?
		ORDER BY seq ASC
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ledger := make([]domain.StockAdjustment, 0, 16)
	for rows.Next() {
		var (
			adj       domain.StockAdjustment
			kind      string
			createdAt string
		)
		if err := rows.Scan(&adj.ID, &adj.ProductID, &kind, &adj.QuantityChange, &adj.PreviousQuantity,
			&adj.NewQuantity, &adj.SaleID, &adj.ActorID, &adj.Note, &createdAt); err != nil {
			return nil, err
		}
		adj.Kind = domain.AdjustmentKind(kind)
		if adj.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
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
	var (
		p                    domain.Product
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.PurchaseCost, &p.SellingPrice, &p.Quantity,
		&p.ReorderThreshold, &p.Active, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, productSelect+` WHERE active = 1 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
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
	return scanProduct(s.db.QueryRowContext(ctx, productSelect+` WHERE id = ?`, productID))
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
	now := s.now()
	product.Quantity = 0
	product.CreatedAt = now
	product.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, purchase_cost, selling_price, quantity, reorder_threshold, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, product.ID, product.SKU, product.Name, product.PurchaseCost.String(), product.SellingPrice.String(),
		product.ReorderThreshold, product.Active, formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, fmt.Errorf("sku %s: %w", product.SKU, store.ErrConflict)
		}
		return nil, err
	}
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
		user.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, user.Username, user.Password, user.Role, user.Active, formatTime(user.CreatedAt), formatTime(s.now()))
	if err != nil {
		if isUniqueConstraintError(err) {
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
		var (
			user      domain.UserAccount
			createdAt string
		)
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &createdAt); err != nil {
			return nil, err
		}
		if user.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.NewValidationError(domain.CodeInvalidRequest, "password", "username and password are required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users SET password = ?, updated_at = ? WHERE username = ?
	`, password, formatTime(s.now()), username)
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

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
