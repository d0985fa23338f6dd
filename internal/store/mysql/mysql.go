// Package mysql is the MySQL/MariaDB store. It takes no row locks: stock is
// decremented with a conditional UPDATE and a lost race surfaces as
// store.ErrStockConflict for the caller to retry.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
	"github.com/Hammad-xureshi/sales-analytics/internal/store"
)

type Store struct {
	db *sqlx.DB
}

// ConfigureDSN forces the options the store relies on: parsed UTC times and
// multi-statement execution for migrations.
func ConfigureDSN(dsn string) (string, error) {
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.MultiStatements = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func New(ctx context.Context, dsn string) (*Store, error) {
	dsn, err := ConfigureDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open("mysql", dsn)
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

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for schema migrations.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

type productRow struct {
	ID            int64  `db:"id"`
	SKU           string `db:"sku"`
	Name          string `db:"name"`
	PriceCents    int64  `db:"price_cents"`
	StockQuantity int    `db:"stock_quantity"`
	ReorderLevel  int    `db:"reorder_level"`
	Active        bool   `db:"active"`
}

func (r productRow) toDomain() domain.Product {
	return domain.Product{
		ID:            r.ID,
		SKU:           r.SKU,
		Name:          r.Name,
		PriceCents:    r.PriceCents,
		StockQuantity: r.StockQuantity,
		ReorderLevel:  r.ReorderLevel,
		Active:        r.Active,
	}
}

type saleRow struct {
	ID            string        `db:"id"`
	OrderNumber   string        `db:"order_number"`
	WebsiteID     int64         `db:"website_id"`
	WebsiteName   string        `db:"website_name"`
	ShopID        sql.NullInt64 `db:"shop_id"`
	CustomerID    sql.NullInt64 `db:"customer_id"`
	UserID        string        `db:"user_id"`
	SubtotalCents int64         `db:"subtotal_cents"`
	TaxCents      int64         `db:"tax_cents"`
	TotalCents    int64         `db:"total_cents"`
	PaymentMethod string        `db:"payment_method"`
	PaymentStatus string        `db:"payment_status"`
	OrderStatus   string        `db:"order_status"`
	Notes         string        `db:"notes"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     sql.NullTime  `db:"updated_at"`
	ItemCount     int           `db:"item_count"`
}

type lineRow struct {
	ID             int64  `db:"id"`
	SaleID         string `db:"sale_id"`
	ProductID      int64  `db:"product_id"`
	ProductName    string `db:"product_name"`
	Quantity       int    `db:"quantity"`
	UnitPriceCents int64  `db:"unit_price_cents"`
	LineTotalCents int64  `db:"line_total_cents"`
}

type userRow struct {
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	Role      string    `db:"role"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) GetWebsite(ctx context.Context, id int64) (*domain.Website, error) {
	return getWebsite(ctx, s.db, id)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var rows []productRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, sku, name, price_cents, stock_quantity, reorder_level, active
		FROM products
		WHERE active = TRUE
		ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	products := make([]domain.Product, 0, len(rows))
	for _, r := range rows {
		products = append(products, r.toDomain())
	}
	return products, nil
}

func (s *Store) ListLowStock(ctx context.Context) ([]domain.LowStockProduct, error) {
	var rows []struct {
		ID            int64  `db:"id"`
		SKU           string `db:"sku"`
		Name          string `db:"name"`
		StockQuantity int    `db:"stock_quantity"`
		ReorderLevel  int    `db:"reorder_level"`
		Shortage      int    `db:"shortage"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, sku, name, stock_quantity, reorder_level, reorder_level - stock_quantity AS shortage
		FROM products
		WHERE active = TRUE AND stock_quantity < reorder_level
		ORDER BY shortage DESC, id`); err != nil {
		return nil, fmt.Errorf("list low stock: %w", err)
	}

	result := make([]domain.LowStockProduct, 0, len(rows))
	for _, r := range rows {
		result = append(result, domain.LowStockProduct(r))
	}
	return result, nil
}

func (s *Store) GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	return getProducts(ctx, s.db, ids)
}

func (s *Store) AdjustStock(ctx context.Context, productID int64, delta int) (*domain.Product, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + ?, updated_at = NOW(6)
		WHERE id = ? AND stock_quantity + ? >= 0`,
		delta, productID, delta,
	)
	if err != nil {
		return nil, fmt.Errorf("adjust stock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("adjust stock: %w", err)
	}

	var row productRow
	err = tx.GetContext(ctx, &row, `
		SELECT id, sku, name, price_cents, stock_quantity, reorder_level, active
		FROM products WHERE id = ?`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	if rows == 0 {
		return nil, store.ErrNegativeStock
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p := row.toDomain()
	return &p, nil
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &txView{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type txView struct {
	tx *sqlx.Tx
}

func (t *txView) GetWebsite(ctx context.Context, id int64) (*domain.Website, error) {
	return getWebsite(ctx, t.tx, id)
}

func (t *txView) GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	return getProducts(ctx, t.tx, ids)
}

func (t *txView) NextOrderSequence(ctx context.Context, day time.Time) (int, error) {
	key := day.Format("2006-01-02")
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO sale_counters (day, last_value) VALUES (?, 1)
		ON DUPLICATE KEY UPDATE last_value = last_value + 1`, key); err != nil {
		return 0, fmt.Errorf("bump sale counter: %w", err)
	}

	var value int
	if err := t.tx.GetContext(ctx, &value, `SELECT last_value FROM sale_counters WHERE day = ?`, key); err != nil {
		return 0, fmt.Errorf("read sale counter: %w", err)
	}
	return value, nil
}

func (t *txView) InsertSale(ctx context.Context, sale *domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, order_number, website_id, shop_id, customer_id, user_id,
			subtotal_cents, tax_cents, total_cents, payment_method,
			payment_status, order_status, notes, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sale.ID, sale.OrderNumber, sale.WebsiteID, sale.ShopID, sale.CustomerID, sale.UserID,
		sale.SubtotalCents, sale.TaxCents, sale.TotalCents, sale.PaymentMethod,
		sale.PaymentStatus, sale.OrderStatus, sale.Notes, sale.CreatedAt.UTC(),
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("insert sale %s: %w", sale.OrderNumber, store.ErrDuplicate)
		}
		return fmt.Errorf("insert sale: %w", err)
	}
	return nil
}

func (t *txView) InsertSaleLine(ctx context.Context, line *domain.SaleLine) error {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO sale_items (sale_id, product_id, product_name, quantity, unit_price_cents, line_total_cents)
		VALUES (?, ?, ?, ?, ?, ?)`,
		line.SaleID, line.ProductID, line.ProductName, line.Quantity, line.UnitPriceCents, line.LineTotalCents,
	)
	if err != nil {
		return fmt.Errorf("insert sale item: %w", err)
	}
	line.ID, err = result.LastInsertId()
	return err
}

func (t *txView) DecrementStock(ctx context.Context, productID int64, qty int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - ?, updated_at = NOW(6)
		WHERE id = ? AND stock_quantity >= ?`,
		qty, productID, qty,
	)
	if err != nil {
		return fmt.Errorf("update inventory: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update inventory: %w", err)
	}
	if rows == 0 {
		return store.ErrStockConflict
	}
	return nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var row saleRow
	err := s.db.GetContext(ctx, &row, `
		SELECT s.id, s.order_number, s.website_id, w.name AS website_name, s.shop_id, s.customer_id,
			s.user_id, s.subtotal_cents, s.tax_cents, s.total_cents, s.payment_method,
			s.payment_status, s.order_status, s.notes, s.created_at, s.updated_at, 0 AS item_count
		FROM sales s
		JOIN websites w ON w.id = s.website_id
		WHERE s.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query sale: %w", err)
	}

	lines, err := listLines(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	sale := &domain.Sale{
		ID:            row.ID,
		OrderNumber:   row.OrderNumber,
		WebsiteID:     row.WebsiteID,
		WebsiteName:   row.WebsiteName,
		ShopID:        int64Ptr(row.ShopID),
		CustomerID:    int64Ptr(row.CustomerID),
		UserID:        row.UserID,
		SubtotalCents: row.SubtotalCents,
		TaxCents:      row.TaxCents,
		TotalCents:    row.TotalCents,
		PaymentMethod: row.PaymentMethod,
		PaymentStatus: row.PaymentStatus,
		OrderStatus:   row.OrderStatus,
		Notes:         row.Notes,
		CreatedAt:     row.CreatedAt.UTC(),
		Lines:         lines,
	}
	if row.UpdatedAt.Valid {
		stamp := row.UpdatedAt.Time.UTC()
		sale.UpdatedAt = &stamp
	}
	return sale, nil
}

func (s *Store) ListSaleLines(ctx context.Context, saleID string) ([]domain.SaleLine, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM sales WHERE id = ?)`, saleID); err != nil {
		return nil, fmt.Errorf("query sale: %w", err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return listLines(ctx, s.db, saleID)
}

func (s *Store) UpdateSaleStatus(ctx context.Context, id string, update domain.SaleStatusUpdate, updatedAt time.Time) (*domain.Sale, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET order_status = COALESCE(?, order_status),
			payment_status = COALESCE(?, payment_status),
			updated_at = ?
		WHERE id = ?`,
		update.OrderStatus, update.PaymentStatus, updatedAt.UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update sale status: %w", err)
	}
	// Without clientFoundRows MySQL counts changed rows; updated_at always
	// changes, so zero means the sale is missing.
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update sale status: %w", err)
	}
	if rows == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetSale(ctx, id)
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.SaleSummary, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 20
	}

	where := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if filter.WebsiteID != 0 {
		where = append(where, "s.website_id = ?")
		args = append(args, filter.WebsiteID)
	}
	if filter.ShopID != 0 {
		where = append(where, "s.shop_id = ?")
		args = append(args, filter.ShopID)
	}
	if filter.PaymentMethod != "" {
		where = append(where, "s.payment_method = ?")
		args = append(args, filter.PaymentMethod)
	}
	if !filter.From.IsZero() {
		where = append(where, "s.created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "s.created_at < ?")
		args = append(args, filter.To.UTC())
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)

	var rows []saleRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT s.id, s.order_number, s.website_id, w.name AS website_name, s.shop_id, s.customer_id,
			s.user_id, s.subtotal_cents, s.tax_cents, s.total_cents, s.payment_method,
			s.payment_status, s.order_status, s.notes, s.created_at,
			(SELECT COUNT(*) FROM sale_items i WHERE i.sale_id = s.id) AS item_count
		FROM sales s
		JOIN websites w ON w.id = s.website_id
		`+clause+`
		ORDER BY s.created_at DESC, s.order_number DESC
		LIMIT ?`, args...); err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}

	result := make([]domain.SaleSummary, 0, len(rows))
	for _, r := range rows {
		result = append(result, domain.SaleSummary{
			ID:            r.ID,
			OrderNumber:   r.OrderNumber,
			WebsiteID:     r.WebsiteID,
			WebsiteName:   r.WebsiteName,
			ShopID:        int64Ptr(r.ShopID),
			TotalCents:    r.TotalCents,
			PaymentMethod: r.PaymentMethod,
			PaymentStatus: r.PaymentStatus,
			ItemCount:     r.ItemCount,
			CreatedAt:     r.CreatedAt.UTC(),
		})
	}
	return result, nil
}

func (s *Store) DashboardSummary(ctx context.Context, websiteID int64, dayStart time.Time, now time.Time) (domain.DashboardSummary, error) {
	summary := domain.DashboardSummary{WebsiteID: websiteID}
	from, to := dayStart.UTC(), now.UTC()

	var sales []struct {
		TotalCents int64     `db:"total_cents"`
		CreatedAt  time.Time `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &sales, `
		SELECT total_cents, created_at
		FROM sales
		WHERE created_at >= ? AND created_at <= ? AND (? = 0 OR website_id = ?)
		ORDER BY created_at`, from, to, websiteID, websiteID); err != nil {
		return summary, fmt.Errorf("query day sales: %w", err)
	}

	hourly := make(map[int]*domain.HourlyRevenue)
	lastHour := now.Add(-time.Hour)
	for _, sale := range sales {
		summary.TodaySales++
		summary.TodayRevenueCents += sale.TotalCents
		if sale.CreatedAt.After(lastHour) {
			summary.LastHourSales++
			summary.LastHourRevenueCents += sale.TotalCents
		}
		hour := sale.CreatedAt.In(dayStart.Location()).Hour()
		bucket, ok := hourly[hour]
		if !ok {
			bucket = &domain.HourlyRevenue{Hour: hour}
			hourly[hour] = bucket
		}
		bucket.Sales++
		bucket.RevenueCents += sale.TotalCents
	}
	if summary.TodaySales > 0 {
		summary.AverageOrderCents = summary.TodayRevenueCents / int64(summary.TodaySales)
	}
	for _, bucket := range hourly {
		summary.Hourly = append(summary.Hourly, *bucket)
	}
	sort.Slice(summary.Hourly, func(i, j int) bool { return summary.Hourly[i].Hour < summary.Hourly[j].Hour })

	var top []struct {
		ProductID    int64  `db:"product_id"`
		ProductName  string `db:"product_name"`
		Quantity     int    `db:"quantity"`
		RevenueCents int64  `db:"revenue_cents"`
	}
	if err := s.db.SelectContext(ctx, &top, `
		SELECT i.product_id, MIN(i.product_name) AS product_name,
			SUM(i.quantity) AS quantity, SUM(i.line_total_cents) AS revenue_cents
		FROM sale_items i
		JOIN sales s ON s.id = i.sale_id
		WHERE s.created_at >= ? AND s.created_at <= ? AND (? = 0 OR s.website_id = ?)
		GROUP BY i.product_id
		ORDER BY quantity DESC, revenue_cents DESC, i.product_id
		LIMIT 5`, from, to, websiteID, websiteID); err != nil {
		return summary, fmt.Errorf("query top products: %w", err)
	}
	for _, p := range top {
		summary.TopProducts = append(summary.TopProducts, domain.TopProduct(p))
	}
	return summary, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active)
		VALUES (?, ?, ?, ?)`,
		user.Username, user.Password, user.Role, user.Active,
	)
	if err != nil {
		if isDuplicate(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	users := make([]domain.UserAccount, 0, len(rows))
	for _, r := range rows {
		users = append(users, domain.UserAccount{
			Username:  r.Username,
			Password:  r.Password,
			Role:      r.Role,
			Active:    r.Active,
			CreatedAt: r.CreatedAt.UTC(),
		})
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = ?, updated_at = NOW(6)
		WHERE username = ?`, password, username)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func getWebsite(ctx context.Context, q sqlx.QueryerContext, id int64) (*domain.Website, error) {
	var w domain.Website
	err := sqlx.GetContext(ctx, q, &w, `
		SELECT id, name, url, active
		FROM websites WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query website: %w", err)
	}
	return &w, nil
}

func getProducts(ctx context.Context, q sqlx.QueryerContext, ids []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`
		SELECT id, sku, name, price_cents, stock_quantity, reorder_level, active
		FROM products
		WHERE id IN (?)
		ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}

	var rows []productRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	for _, r := range rows {
		result[r.ID] = r.toDomain()
	}
	return result, nil
}

func listLines(ctx context.Context, q sqlx.QueryerContext, saleID string) ([]domain.SaleLine, error) {
	var rows []lineRow
	if err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT id, sale_id, product_id, product_name, quantity, unit_price_cents, line_total_cents
		FROM sale_items
		WHERE sale_id = ?
		ORDER BY id`, saleID); err != nil {
		return nil, fmt.Errorf("query sale items: %w", err)
	}

	lines := make([]domain.SaleLine, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, domain.SaleLine(r))
	}
	return lines, nil
}

func isDuplicate(err error) bool {
	var myErr *driver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}
