package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	pkgerrors "github.com/pkg/errors"

	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
	"github.com/Hammad-xureshi/sales-analytics/internal/store"
	"github.com/Hammad-xureshi/sales-analytics/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
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

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for schema migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) GetWebsite(ctx context.Context, id int64) (*domain.Website, error) {
	return getWebsite(ctx, s.db, id)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, price_cents, stock_quantity, reorder_level, active
		FROM products
		WHERE active = true
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents, &p.StockQuantity, &p.ReorderLevel, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) ListLowStock(ctx context.Context) ([]domain.LowStockProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, stock_quantity, reorder_level, reorder_level - stock_quantity AS shortage
		FROM products
		WHERE active AND stock_quantity < reorder_level
		ORDER BY shortage DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.LowStockProduct, 0)
	for rows.Next() {
		var p domain.LowStockProduct
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.StockQuantity, &p.ReorderLevel, &p.Shortage); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	return getProducts(ctx, s.db, ids, false)
}

func (s *Store) AdjustStock(ctx context.Context, productID int64, delta int) (*domain.Product, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	products, err := getProducts(ctx, pgTx, []int64{productID}, true)
	if err != nil {
		return nil, err
	}
	p, ok := products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.StockQuantity+delta < 0 {
		return nil, store.ErrNegativeStock
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $1, updated_at = now()
		WHERE id = $2
	`, delta, productID); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	p.StockQuantity += delta
	return &p, nil
}

// InTx runs fn in a READ COMMITTED transaction. Product rows read through the
// tx are locked with FOR UPDATE, so stock checks and decrements inside one
// unit of work cannot interleave with another.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return pkgerrors.Wrap(err, "begin sale transaction")
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(ctx, &txView{tx: pgTx}); err != nil {
		return err
	}
	return pkgerrors.Wrap(pgTx.Commit(), "commit sale transaction")
}

type txView struct {
	tx *sql.Tx
}

func (t *txView) GetWebsite(ctx context.Context, id int64) (*domain.Website, error) {
	return getWebsite(ctx, t.tx, id)
}

func (t *txView) GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	return getProducts(ctx, t.tx, ids, true)
}

func (t *txView) NextOrderSequence(ctx context.Context, day time.Time) (int, error) {
	var value int
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO sale_counters (day, last_value)
		VALUES ($1::date, 1)
		ON CONFLICT (day)
		DO UPDATE SET last_value = sale_counters.last_value + 1
		RETURNING last_value
	`, day.Format("2006-01-02")).Scan(&value)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "next order sequence")
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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, sale.ID, sale.OrderNumber, sale.WebsiteID, nullInt64(sale.ShopID), nullInt64(sale.CustomerID), sale.UserID,
		sale.SubtotalCents, sale.TaxCents, sale.TotalCents, sale.PaymentMethod,
		sale.PaymentStatus, sale.OrderStatus, sale.Notes, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert sale %s: %w", sale.OrderNumber, store.ErrDuplicate)
		}
		return pkgerrors.Wrap(err, "insert sale")
	}
	return nil
}

func (t *txView) InsertSaleLine(ctx context.Context, line *domain.SaleLine) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO sale_items (sale_id, product_id, product_name, quantity, unit_price_cents, line_total_cents)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, line.SaleID, line.ProductID, line.ProductName, line.Quantity, line.UnitPriceCents, line.LineTotalCents).Scan(&line.ID)
	return pkgerrors.Wrap(err, "insert sale item")
}

func (t *txView) DecrementStock(ctx context.Context, productID int64, qty int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $1, updated_at = now()
		WHERE id = $2 AND stock_quantity >= $1
	`, qty, productID)
	if err != nil {
		return pkgerrors.Wrap(err, "decrement stock")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrStockConflict
	}
	return nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	if !xid.Valid(id) {
		return nil, store.ErrNotFound
	}

	var (
		sale       domain.Sale
		shopID     sql.NullInt64
		customerID sql.NullInt64
		updatedAt  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.order_number, s.website_id, w.name, s.shop_id, s.customer_id, s.user_id,
			s.subtotal_cents, s.tax_cents, s.total_cents, s.payment_method,
			s.payment_status, s.order_status, s.notes, s.created_at, s.updated_at
		FROM sales s
		JOIN websites w ON w.id = s.website_id
		WHERE s.id = $1
	`, id).Scan(&sale.ID, &sale.OrderNumber, &sale.WebsiteID, &sale.WebsiteName, &shopID, &customerID, &sale.UserID,
		&sale.SubtotalCents, &sale.TaxCents, &sale.TotalCents, &sale.PaymentMethod,
		&sale.PaymentStatus, &sale.OrderStatus, &sale.Notes, &sale.CreatedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.ShopID = int64Ptr(shopID)
	sale.CustomerID = int64Ptr(customerID)
	sale.CreatedAt = sale.CreatedAt.UTC()
	if updatedAt.Valid {
		stamp := updatedAt.Time.UTC()
		sale.UpdatedAt = &stamp
	}

	if sale.Lines, err = listLines(ctx, s.db, id); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSaleLines(ctx context.Context, saleID string) ([]domain.SaleLine, error) {
	if !xid.Valid(saleID) {
		return nil, store.ErrNotFound
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE id = $1)`, saleID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return listLines(ctx, s.db, saleID)
}

// UpdateSaleStatus keeps a nil status unchanged through COALESCE, so one
// statement serves every combination of fields.
func (s *Store) UpdateSaleStatus(ctx context.Context, id string, update domain.SaleStatusUpdate, updatedAt time.Time) (*domain.Sale, error) {
	if !xid.Valid(id) {
		return nil, store.ErrNotFound
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET order_status = COALESCE($1, order_status),
			payment_status = COALESCE($2, payment_status),
			updated_at = $3
		WHERE id = $4
	`, nullString(update.OrderStatus), nullString(update.PaymentStatus), updatedAt.UTC(), id)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "update sale status")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "update sale status")
	}
	if affected == 0 {
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
		args = append(args, filter.WebsiteID)
		where = append(where, fmt.Sprintf("s.website_id = $%d", len(args)))
	}
	if filter.ShopID != 0 {
		args = append(args, filter.ShopID)
		where = append(where, fmt.Sprintf("s.shop_id = $%d", len(args)))
	}
	if filter.PaymentMethod != "" {
		args = append(args, filter.PaymentMethod)
		where = append(where, fmt.Sprintf("s.payment_method = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		where = append(where, fmt.Sprintf("s.created_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		where = append(where, fmt.Sprintf("s.created_at < $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT s.id, s.order_number, s.website_id, w.name, s.shop_id, s.total_cents,
			s.payment_method, s.payment_status, s.created_at,
			(SELECT COUNT(*) FROM sale_items i WHERE i.sale_id = s.id)
		FROM sales s
		JOIN websites w ON w.id = s.website_id
		%s
		ORDER BY s.created_at DESC, s.order_number DESC
		LIMIT $%d
	`, clause, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.SaleSummary, 0, limit)
	for rows.Next() {
		var (
			summary domain.SaleSummary
			shopID  sql.NullInt64
		)
		if err := rows.Scan(&summary.ID, &summary.OrderNumber, &summary.WebsiteID, &summary.WebsiteName, &shopID,
			&summary.TotalCents, &summary.PaymentMethod, &summary.PaymentStatus, &summary.CreatedAt, &summary.ItemCount); err != nil {
			return nil, err
		}
		summary.ShopID = int64Ptr(shopID)
		summary.CreatedAt = summary.CreatedAt.UTC()
		result = append(result, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DashboardSummary aggregates sales in [dayStart, now]. Hour buckets follow
// dayStart's location, which is applied in Go because fixed zones have no
// name Postgres understands.
func (s *Store) DashboardSummary(ctx context.Context, websiteID int64, dayStart time.Time, now time.Time) (domain.DashboardSummary, error) {
	summary := domain.DashboardSummary{WebsiteID: websiteID}

	rows, err := s.db.QueryContext(ctx, `
		SELECT total_cents, created_at
		FROM sales
		WHERE created_at >= $1 AND created_at <= $2 AND ($3::bigint = 0 OR website_id = $3::bigint)
		ORDER BY created_at
	`, dayStart, now, websiteID)
	if err != nil {
		return summary, err
	}
	defer rows.Close()

	hourly := make(map[int]*domain.HourlyRevenue)
	lastHour := now.Add(-time.Hour)
	for rows.Next() {
		var (
			total     int64
			createdAt time.Time
		)
		if err := rows.Scan(&total, &createdAt); err != nil {
			return summary, err
		}
		summary.TodaySales++
		summary.TodayRevenueCents += total
		if createdAt.After(lastHour) {
			summary.LastHourSales++
			summary.LastHourRevenueCents += total
		}
		hour := createdAt.In(dayStart.Location()).Hour()
		bucket, ok := hourly[hour]
		if !ok {
			bucket = &domain.HourlyRevenue{Hour: hour}
			hourly[hour] = bucket
		}
		bucket.Sales++
		bucket.RevenueCents += total
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}
	_ = rows.Close()

	if summary.TodaySales > 0 {
		summary.AverageOrderCents = summary.TodayRevenueCents / int64(summary.TodaySales)
	}
	for _, bucket := range hourly {
		summary.Hourly = append(summary.Hourly, *bucket)
	}
	sort.Slice(summary.Hourly, func(i, j int) bool { return summary.Hourly[i].Hour < summary.Hourly[j].Hour })

	topRows, err := s.db.QueryContext(ctx, `
		SELECT i.product_id, MIN(i.product_name), SUM(i.quantity), SUM(i.line_total_cents)
		FROM sale_items i
		JOIN sales s ON s.id = i.sale_id
		WHERE s.created_at >= $1 AND s.created_at <= $2 AND ($3::bigint = 0 OR s.website_id = $3::bigint)
		GROUP BY i.product_id
		ORDER BY SUM(i.quantity) DESC, SUM(i.line_total_cents) DESC, i.product_id
		LIMIT 5
	`, dayStart, now, websiteID)
	if err != nil {
		return summary, err
	}
	defer topRows.Close()

	for topRows.Next() {
		var p domain.TopProduct
		if err := topRows.Scan(&p.ProductID, &p.ProductName, &p.Quantity, &p.RevenueCents); err != nil {
			return summary, err
		}
		summary.TopProducts = append(summary.TopProducts, p)
	}
	return summary, topRows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,now(),now())
	`, user.Username, user.Password, user.Role, user.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
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
		return store.ErrNotFound
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getWebsite(ctx context.Context, q queryer, id int64) (*domain.Website, error) {
	var w domain.Website
	err := q.QueryRowContext(ctx, `
		SELECT id, name, url, active
		FROM websites
		WHERE id = $1
	`, id).Scan(&w.ID, &w.Name, &w.URL, &w.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

// getProducts returns the rows for ids, inactive ones included. With lock set
// the rows are taken FOR UPDATE in id order so concurrent sales over the same
// products acquire locks in the same sequence.
func getProducts(ctx context.Context, q queryer, ids []int64, lock bool) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query := `
		SELECT id, sku, name, price_cents, stock_quantity, reorder_level, active
		FROM products
		WHERE id = ANY($1)
		ORDER BY id`
	if lock {
		query += `
		FOR UPDATE`
	}

	rows, err := q.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents, &p.StockQuantity, &p.ReorderLevel, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func listLines(ctx context.Context, q queryer, saleID string) ([]domain.SaleLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, product_id, product_name, quantity, unit_price_cents, line_total_cents
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ID, &line.SaleID, &line.ProductID, &line.ProductName, &line.Quantity, &line.UnitPriceCents, &line.LineTotalCents); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}
