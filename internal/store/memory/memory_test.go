package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
	"github.com/Hammad-xureshi/sales-analytics/internal/store"
)

func newStore() *Store {
	s := New()
	s.PutWebsite(domain.Website{ID: 1, Name: "Main", Active: true})
	s.PutProduct(domain.Product{ID: 1, Name: "Tea", PriceCents: 100, StockQuantity: 5, Active: true})
	s.PutProduct(domain.Product{ID: 2, Name: "Rice", PriceCents: 400, StockQuantity: 2, Active: true})
	s.PutProduct(domain.Product{ID: 3, Name: "Old", PriceCents: 10, StockQuantity: 2, Active: false})
	return s
}

func writeSale(ctx context.Context, tx store.Tx, id string, day time.Time) (*domain.Sale, error) {
	seq, err := tx.NextOrderSequence(ctx, day)
	if err != nil {
		return nil, err
	}
	sale := &domain.Sale{ID: id, OrderNumber: day.Format("20060102") + "-" + string(rune('0'+seq)), WebsiteID: 1, CreatedAt: day}
	if err := tx.InsertSale(ctx, sale); err != nil {
		return nil, err
	}
	line := &domain.SaleLine{SaleID: id, ProductID: 1, ProductName: "Tea", Quantity: 2, UnitPriceCents: 100, LineTotalCents: 200}
	if err := tx.InsertSaleLine(ctx, line); err != nil {
		return nil, err
	}
	return sale, tx.DecrementStock(ctx, 1, 2)
}

func TestInTxAppliesOnSuccess(t *testing.T) {
	s := newStore()
	day := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := writeSale(ctx, tx, "a", day)
		return err
	}))

	sale, err := s.GetSale(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "Main", sale.WebsiteName)
	require.Len(t, sale.Lines, 1)
	assert.Equal(t, int64(1), sale.Lines[0].ID)

	products, err := s.GetProducts(context.Background(), []int64{1})
	require.NoError(t, err)
	assert.Equal(t, 3, products[1].StockQuantity)
}

func TestInTxDiscardsOnError(t *testing.T) {
	s := newStore()
	day := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	boom := errors.New("boom")

	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if _, err := writeSale(ctx, tx, "a", day); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetSale(context.Background(), "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	products, _ := s.GetProducts(context.Background(), []int64{1})
	assert.Equal(t, 5, products[1].StockQuantity)

	// the discarded attempt must not consume the day's counter either
	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		seq, err := tx.NextOrderSequence(ctx, day)
		assert.Equal(t, 1, seq)
		return err
	}))
}

func TestInTxDiscardsWhenContextEnds(t *testing.T) {
	s := newStore()
	ctx, cancel := context.WithCancel(context.Background())

	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := writeSale(ctx, tx, "a", time.Now())
		cancel()
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, mustList(t, s))
}

func TestTxSeesItsOwnStagedStock(t *testing.T) {
	s := newStore()
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.DecrementStock(ctx, 2, 2))
		products, err := tx.GetProducts(ctx, []int64{2})
		require.NoError(t, err)
		assert.Equal(t, 0, products[2].StockQuantity)
		assert.ErrorIs(t, tx.DecrementStock(ctx, 2, 1), store.ErrStockConflict)
		assert.ErrorIs(t, tx.DecrementStock(ctx, 99, 1), store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	products, _ := s.GetProducts(context.Background(), []int64{2})
	assert.Equal(t, 0, products[2].StockQuantity)
}

func TestOrderSequencePerDay(t *testing.T) {
	s := newStore()
	d1 := time.Date(2026, time.March, 14, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)

	var got []int
	for _, day := range []time.Time{d1, d1, d2, d1} {
		require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			seq, err := tx.NextOrderSequence(ctx, day)
			got = append(got, seq)
			return err
		}))
	}
	assert.Equal(t, []int{1, 2, 1, 3}, got)
}

func TestInsertSaleRejectsDuplicates(t *testing.T) {
	s := newStore()
	day := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertSale(ctx, &domain.Sale{ID: "a", OrderNumber: "S1", WebsiteID: 1, CreatedAt: day})
	}))

	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertSale(ctx, &domain.Sale{ID: "b", OrderNumber: "S1", WebsiteID: 1, CreatedAt: day})
	})
	assert.Error(t, err)

	err = s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertSaleLine(ctx, &domain.SaleLine{SaleID: "a", ProductID: 1, Quantity: 1})
	})
	assert.Error(t, err, "lines may only be added to a sale of the same unit of work")
}

func TestListProductsSkipsInactive(t *testing.T) {
	products, err := newStore().ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, int64(1), products[0].ID)
	assert.Equal(t, int64(2), products[1].ID)
}

func TestAdjustStock(t *testing.T) {
	s := newStore()

	p, err := s.AdjustStock(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 15, p.StockQuantity)

	_, err = s.AdjustStock(context.Background(), 1, -16)
	assert.ErrorIs(t, err, store.ErrNegativeStock)

	_, err = s.AdjustStock(context.Background(), 42, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListSalesFiltersNewestFirst(t *testing.T) {
	s := newStore()
	s.PutProduct(domain.Product{ID: 1, Name: "Tea", PriceCents: 100, StockQuantity: 100, Active: true})
	shop := int64(7)
	base := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

	for i, method := range []string{domain.PaymentCash, domain.PaymentCard, domain.PaymentCash} {
		sale := &domain.Sale{
			ID:            string(rune('a' + i)),
			OrderNumber:   string(rune('A' + i)),
			WebsiteID:     1,
			PaymentMethod: method,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		if i == 2 {
			sale.ShopID = &shop
		}
		require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			return tx.InsertSale(ctx, sale)
		}))
	}

	all := mustList(t, s)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "Main", all[0].WebsiteName)

	cash, err := s.ListSales(context.Background(), domain.SaleFilter{PaymentMethod: domain.PaymentCash})
	require.NoError(t, err)
	assert.Len(t, cash, 2)

	byShop, err := s.ListSales(context.Background(), domain.SaleFilter{ShopID: shop})
	require.NoError(t, err)
	require.Len(t, byShop, 1)
	assert.Equal(t, "c", byShop[0].ID)

	limited, err := s.ListSales(context.Background(), domain.SaleFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.ListSales(context.Background(), domain.SaleFilter{WebsiteID: 9})
	require.NoError(t, err)
	assert.Empty(t, none)

	window, err := s.ListSales(context.Background(), domain.SaleFilter{From: base.Add(time.Minute), To: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, window, 1, "From is inclusive and To exclusive")
	assert.Equal(t, "b", window[0].ID)
}

func TestSaleLinesAndStatusUpdate(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	day := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := writeSale(ctx, tx, "a", day)
		return err
	}))
	before, err := s.GetSale(ctx, "a")
	require.NoError(t, err)

	lines, err := s.ListSaleLines(ctx, "a")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "Tea", lines[0].ProductName)

	_, err = s.ListSaleLines(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	refunded := domain.StatusRefunded
	at := day.Add(time.Hour)
	updated, err := s.UpdateSaleStatus(ctx, "a", domain.SaleStatusUpdate{PaymentStatus: &refunded}, at)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, updated.PaymentStatus)
	assert.Equal(t, before.OrderStatus, updated.OrderStatus)
	assert.Equal(t, before.TotalCents, updated.TotalCents)
	assert.Len(t, updated.Lines, 1)
	require.NotNil(t, updated.UpdatedAt)
	assert.True(t, at.Equal(*updated.UpdatedAt))

	_, err = s.UpdateSaleStatus(ctx, "missing", domain.SaleStatusUpdate{PaymentStatus: &refunded}, at)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListLowStockOrdersByShortage(t *testing.T) {
	s := New()
	s.PutProduct(domain.Product{ID: 1, SKU: "A", StockQuantity: 8, ReorderLevel: 10, Active: true})
	s.PutProduct(domain.Product{ID: 2, SKU: "B", StockQuantity: 1, ReorderLevel: 10, Active: true})
	s.PutProduct(domain.Product{ID: 3, SKU: "C", StockQuantity: 10, ReorderLevel: 10, Active: true})
	s.PutProduct(domain.Product{ID: 4, SKU: "D", StockQuantity: 0, ReorderLevel: 10, Active: false})

	low, err := s.ListLowStock(context.Background())
	require.NoError(t, err)
	require.Len(t, low, 2)
	assert.Equal(t, "B", low[0].SKU)
	assert.Equal(t, 9, low[0].Shortage)
	assert.Equal(t, "A", low[1].SKU)
}

func TestGetSaleReturnsCopy(t *testing.T) {
	s := newStore()
	day := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := writeSale(ctx, tx, "a", day)
		return err
	}))

	first, err := s.GetSale(context.Background(), "a")
	require.NoError(t, err)
	first.Lines[0].Quantity = 99

	second, err := s.GetSale(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Lines[0].Quantity)
}

func TestSeededUsersHaveHashedPasswords(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "admin-secret")
	t.Setenv("SEED_MANAGER_PASSWORD", "manager-secret")

	s := NewSeeded()
	users, err := s.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 3)

	roles := map[string]string{}
	for _, u := range users {
		roles[u.Username] = u.Role
		assert.True(t, u.Active)
	}
	assert.Equal(t, map[string]string{"admin": domain.RoleAdmin, "manager": domain.RoleManager, "viewer": domain.RoleViewer}, roles)

	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(users[0].Password), []byte("admin-secret")))

	require.NoError(t, s.UpdateUserPassword(context.Background(), "viewer", "rehashed"))
	assert.ErrorIs(t, s.UpdateUserPassword(context.Background(), "ghost", "x"), store.ErrNotFound)

	_, err = s.GetWebsite(context.Background(), 1)
	assert.NoError(t, err)
	_, err = s.GetWebsite(context.Background(), 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func mustList(t *testing.T, s *Store) []domain.SaleSummary {
	t.Helper()
	list, err := s.ListSales(context.Background(), domain.SaleFilter{Limit: 100})
	require.NoError(t, err)
	return list
}

func TestCreateUserRejectsDuplicates(t *testing.T) {
	s := New()
	require.NoError(t, s.CreateUser(context.Background(), domain.UserAccount{Username: "ops", Password: "$2a$hash", Role: domain.RoleViewer, Active: true}))
	assert.ErrorIs(t, s.CreateUser(context.Background(), domain.UserAccount{Username: "ops"}), store.ErrDuplicate)

	users, err := s.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.False(t, users[0].CreatedAt.IsZero())
}
