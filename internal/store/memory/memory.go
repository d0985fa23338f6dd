package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
	"github.com/Hammad-xureshi/sales-analytics/internal/store"
)

type Store struct {
	mu         sync.RWMutex
	websites   map[int64]domain.Website
	products   map[int64]domain.Product
	sales      map[string]*domain.Sale
	saleOrder  []string
	counters   map[string]int
	nextLineID int64
	users      map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		websites: make(map[int64]domain.Website),
		products: make(map[int64]domain.Product),
		sales:    make(map[string]*domain.Sale),
		counters: make(map[string]int),
		users:    make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Passwords come from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_VIEWER_PASSWORD, with dev defaults when unset.
func seedUsers() []domain.UserAccount {
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_MANAGER_PASSWORD") == "" {
		log.Warn("[memory-store] using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_MANAGER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := make([]domain.UserAccount, 0, 3)
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", envOr("SEED_ADMIN_PASSWORD", "admin123"), domain.RoleAdmin},
		{"manager", envOr("SEED_MANAGER_PASSWORD", "manager123"), domain.RoleManager},
		{"viewer", envOr("SEED_VIEWER_PASSWORD", "viewer123"), domain.RoleViewer},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.WithError(err).Fatalf("[memory-store] failed to hash seed password for %s", u.username)
		}
		users = append(users, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	for _, w := range []domain.Website{
		{ID: 1, Name: "Daraz Storefront", URL: "https://daraz.example.pk", Active: true},
		{ID: 2, Name: "Lahore Flagship", Active: true},
		{ID: 3, Name: "Karachi Outlet (closed)", Active: false},
	} {
		s.PutWebsite(w)
	}
	for _, p := range []domain.Product{
		{ID: 1, SKU: "SKU-TEA-01", Name: "Tapal Danedar 950g", PriceCents: 145000, StockQuantity: 120, ReorderLevel: 20, Active: true},
		{ID: 2, SKU: "SKU-OIL-01", Name: "Dalda Cooking Oil 5L", PriceCents: 289900, StockQuantity: 60, ReorderLevel: 10, Active: true},
		{ID: 3, SKU: "SKU-RICE-01", Name: "Basmati Rice 5kg", PriceCents: 215000, StockQuantity: 80, ReorderLevel: 15, Active: true},
		{ID: 4, SKU: "SKU-MILK-01", Name: "Olpers Milk 1L", PriceCents: 32000, StockQuantity: 200, ReorderLevel: 40, Active: true},
		{ID: 5, SKU: "SKU-SOAP-01", Name: "Lux Soap", PriceCents: 12500, StockQuantity: 150, ReorderLevel: 30, Active: true},
		{ID: 6, SKU: "SKU-OLD-01", Name: "Discontinued Biscuit", PriceCents: 5000, StockQuantity: 10, ReorderLevel: 0, Active: false},
	} {
		s.PutProduct(p)
	}
	for _, u := range seedUsers() {
		s.PutUser(u)
	}
	return s
}

// PutWebsite inserts or replaces a website.
func (s *Store) PutWebsite(w domain.Website) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.websites[w.ID] = w
}

// PutProduct inserts or replaces a product, including its stock level.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *Store) PutUser(u domain.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Username] = u
}

func (s *Store) GetWebsite(_ context.Context, id int64) (*domain.Website, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.websites[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &w, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Active {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (s *Store) GetProducts(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) AdjustStock(_ context.Context, productID int64, delta int) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.StockQuantity+delta < 0 {
		return nil, store.ErrNegativeStock
	}
	p.StockQuantity += delta
	s.products[productID] = p
	return &p, nil
}

// InTx holds the store's write lock for the whole unit of work, so concurrent
// commits are fully serialized. Writes are staged on the tx and applied only
// when fn succeeds and ctx is still live.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:          s,
		stock:      make(map[int64]int),
		counters:   make(map[string]int),
		nextLineID: s.nextLineID,
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, qty := range tx.stock {
		p := s.products[id]
		p.StockQuantity = qty
		s.products[id] = p
	}
	for day, seq := range tx.counters {
		s.counters[day] = seq
	}
	for _, sale := range tx.sales {
		s.sales[sale.ID] = sale
		s.saleOrder = append(s.saleOrder, sale.ID)
	}
	s.nextLineID = tx.nextLineID
	return nil
}

type memTx struct {
	s          *Store
	stock      map[int64]int
	counters   map[string]int
	sales      []*domain.Sale
	nextLineID int64
}

func (t *memTx) GetWebsite(_ context.Context, id int64) (*domain.Website, error) {
	w, ok := t.s.websites[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &w, nil
}

func (t *memTx) GetProducts(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		p, ok := t.s.products[id]
		if !ok {
			continue
		}
		if staged, ok := t.stock[id]; ok {
			p.StockQuantity = staged
		}
		result[id] = p
	}
	return result, nil
}

func (t *memTx) NextOrderSequence(_ context.Context, day time.Time) (int, error) {
	key := day.Format("20060102")
	current, ok := t.counters[key]
	if !ok {
		current = t.s.counters[key]
	}
	current++
	t.counters[key] = current
	return current, nil
}

func (t *memTx) InsertSale(_ context.Context, sale *domain.Sale) error {
	if sale.ID == "" || sale.OrderNumber == "" {
		return fmt.Errorf("sale id and order number are required")
	}
	if _, exists := t.s.sales[sale.ID]; exists {
		return fmt.Errorf("duplicate sale id %s", sale.ID)
	}
	for _, existing := range t.s.sales {
		if existing.OrderNumber == sale.OrderNumber {
			return fmt.Errorf("duplicate order number %s", sale.OrderNumber)
		}
	}
	staged := *sale
	staged.Lines = nil
	t.sales = append(t.sales, &staged)
	return nil
}

func (t *memTx) InsertSaleLine(_ context.Context, line *domain.SaleLine) error {
	var parent *domain.Sale
	for _, sale := range t.sales {
		if sale.ID == line.SaleID {
			parent = sale
			break
		}
	}
	if parent == nil {
		return fmt.Errorf("sale %s not inserted in this unit of work", line.SaleID)
	}
	if line.Quantity < 1 {
		return fmt.Errorf("sale line quantity must be positive")
	}
	t.nextLineID++
	line.ID = t.nextLineID
	parent.Lines = append(parent.Lines, *line)
	return nil
}

func (t *memTx) DecrementStock(_ context.Context, productID int64, qty int) error {
	p, ok := t.s.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	current := p.StockQuantity
	if staged, ok := t.stock[productID]; ok {
		current = staged
	}
	if current < qty {
		return store.ErrStockConflict
	}
	t.stock[productID] = current - qty
	return nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.SaleSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 20
	}

	result := make([]domain.SaleSummary, 0, limit)
	for i := len(s.saleOrder) - 1; i >= 0 && len(result) < limit; i-- {
		sale := s.sales[s.saleOrder[i]]
		if filter.WebsiteID != 0 && sale.WebsiteID != filter.WebsiteID {
			continue
		}
		if filter.ShopID != 0 && (sale.ShopID == nil || *sale.ShopID != filter.ShopID) {
			continue
		}
		if filter.PaymentMethod != "" && sale.PaymentMethod != filter.PaymentMethod {
			continue
		}
		if !filter.From.IsZero() && sale.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !sale.CreatedAt.Before(filter.To) {
			continue
		}
		result = append(result, domain.SaleSummary{
			ID:            sale.ID,
			OrderNumber:   sale.OrderNumber,
			WebsiteID:     sale.WebsiteID,
			WebsiteName:   s.websites[sale.WebsiteID].Name,
			ShopID:        sale.ShopID,
			TotalCents:    sale.TotalCents,
			PaymentMethod: sale.PaymentMethod,
			PaymentStatus: sale.PaymentStatus,
			ItemCount:     len(sale.Lines),
			CreatedAt:     sale.CreatedAt,
		})
	}
	return result, nil
}

func (s *Store) ListSaleLines(_ context.Context, saleID string) ([]domain.SaleLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]domain.SaleLine{}, sale.Lines...), nil
}

func (s *Store) UpdateSaleStatus(_ context.Context, id string, update domain.SaleStatusUpdate, updatedAt time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if update.OrderStatus != nil {
		sale.OrderStatus = *update.OrderStatus
	}
	if update.PaymentStatus != nil {
		sale.PaymentStatus = *update.PaymentStatus
	}
	stamp := updatedAt.UTC()
	sale.UpdatedAt = &stamp
	return s.cloneSale(sale), nil
}

func (s *Store) ListLowStock(_ context.Context) ([]domain.LowStockProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LowStockProduct, 0)
	for _, p := range s.products {
		if !p.Active || p.StockQuantity >= p.ReorderLevel {
			continue
		}
		result = append(result, domain.LowStockProduct{
			ID:            p.ID,
			SKU:           p.SKU,
			Name:          p.Name,
			StockQuantity: p.StockQuantity,
			ReorderLevel:  p.ReorderLevel,
			Shortage:      p.ReorderLevel - p.StockQuantity,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Shortage != result[j].Shortage {
			return result[i].Shortage > result[j].Shortage
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *Store) DashboardSummary(_ context.Context, websiteID int64, dayStart time.Time, now time.Time) (domain.DashboardSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.DashboardSummary{WebsiteID: websiteID}
	hourly := make(map[int]*domain.HourlyRevenue)
	top := make(map[int64]*domain.TopProduct)
	lastHour := now.Add(-time.Hour)

	for _, id := range s.saleOrder {
		sale := s.sales[id]
		if websiteID != 0 && sale.WebsiteID != websiteID {
			continue
		}
		if sale.CreatedAt.Before(dayStart) || sale.CreatedAt.After(now) {
			continue
		}

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

		for _, line := range sale.Lines {
			entry, ok := top[line.ProductID]
			if !ok {
				entry = &domain.TopProduct{ProductID: line.ProductID, ProductName: line.ProductName}
				top[line.ProductID] = entry
			}
			entry.Quantity += line.Quantity
			entry.RevenueCents += line.LineTotalCents
		}
	}

	if summary.TodaySales > 0 {
		summary.AverageOrderCents = summary.TodayRevenueCents / int64(summary.TodaySales)
	}
	for _, bucket := range hourly {
		summary.Hourly = append(summary.Hourly, *bucket)
	}
	sort.Slice(summary.Hourly, func(i, j int) bool { return summary.Hourly[i].Hour < summary.Hourly[j].Hour })

	for _, entry := range top {
		summary.TopProducts = append(summary.TopProducts, *entry)
	}
	sort.Slice(summary.TopProducts, func(i, j int) bool {
		a, b := summary.TopProducts[i], summary.TopProducts[j]
		if a.Quantity != b.Quantity {
			return a.Quantity > b.Quantity
		}
		if a.RevenueCents != b.RevenueCents {
			return a.RevenueCents > b.RevenueCents
		}
		return a.ProductID < b.ProductID
	})
	if len(summary.TopProducts) > 5 {
		summary.TopProducts = summary.TopProducts[:5]
	}
	return summary, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return store.ErrDuplicate
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = password
	s.users[username] = u
	return nil
}

// cloneSale must be called with s.mu held.
func (s *Store) cloneSale(sale *domain.Sale) *domain.Sale {
	clone := *sale
	clone.WebsiteName = s.websites[sale.WebsiteID].Name
	clone.Lines = append([]domain.SaleLine(nil), sale.Lines...)
	if sale.UpdatedAt != nil {
		updatedAt := *sale.UpdatedAt
		clone.UpdatedAt = &updatedAt
	}
	return &clone
}
