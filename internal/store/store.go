package store

import (
	"context"
	"errors"
	"time"

	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStockConflict reports a conditional stock decrement that matched no row.
	ErrStockConflict = errors.New("stock conflict")
	ErrNegativeStock = errors.New("stock would go negative")
	ErrDuplicate     = errors.New("already exists")
)

// Repository is the persistent store consumed by the sales core and the
// read-side endpoints.
type Repository interface {
	GetWebsite(ctx context.Context, id int64) (*domain.Website, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	// ListLowStock returns active products below their reorder level, largest
	// shortage first.
	ListLowStock(ctx context.Context) ([]domain.LowStockProduct, error)
	GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	AdjustStock(ctx context.Context, productID int64, delta int) (*domain.Product, error)

	// InTx runs fn inside a single all-or-nothing unit of work. Any error
	// returned by fn discards every write made through tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.SaleSummary, error)
	// ListSaleLines returns the lines of a sale in insertion order, or
	// ErrNotFound when the sale does not exist.
	ListSaleLines(ctx context.Context, saleID string) ([]domain.SaleLine, error)
	// UpdateSaleStatus applies update and stamps updatedAt. Amounts, lines and
	// stock are never touched.
	UpdateSaleStatus(ctx context.Context, id string, update domain.SaleStatusUpdate, updatedAt time.Time) (*domain.Sale, error)
	DashboardSummary(ctx context.Context, websiteID int64, dayStart time.Time, now time.Time) (domain.DashboardSummary, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is the write view of a unit of work. Stores that lock rows return
// locked rows from GetProducts; stores that do not must report concurrent
// modification through ErrStockConflict from DecrementStock.
type Tx interface {
	GetWebsite(ctx context.Context, id int64) (*domain.Website, error)
	GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	// NextOrderSequence increments and returns the sale counter for day.
	NextOrderSequence(ctx context.Context, day time.Time) (int, error)
	InsertSale(ctx context.Context, sale *domain.Sale) error
	InsertSaleLine(ctx context.Context, line *domain.SaleLine) error
	DecrementStock(ctx context.Context, productID int64, qty int) error
}
