package domain

import "time"

type Product struct {
	ID            int64  `json:"id"`
	SKU           string `json:"sku"`
	Name          string `json:"name"`
	PriceCents    int64  `json:"price_cents"`
	StockQuantity int    `json:"stock_quantity"`
	ReorderLevel  int    `json:"reorder_level"`
	Active        bool   `json:"active"`
}

type Website struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url,omitempty"`
	Active bool   `json:"active"`
}

const (
	PaymentCash         = "cash"
	PaymentCard         = "card"
	PaymentBankTransfer = "bank_transfer"
	PaymentOnline       = "online"

	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusRefunded   = "refunded"
	StatusFailed     = "failed"
)

// OrderLineRequest is one requested product/quantity pair of a sale request.
type OrderLineRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type CreateSaleRequest struct {
	WebsiteID     int64              `json:"website_id"`
	ShopID        *int64             `json:"shop_id,omitempty"`
	CustomerID    *int64             `json:"customer_id,omitempty"`
	PaymentMethod string             `json:"payment_method,omitempty"`
	Notes         string             `json:"notes,omitempty"`
	Items         []OrderLineRequest `json:"items"`
}

// PricedLine is a validated line carrying the product name and unit price
// captured at validation time.
type PricedLine struct {
	ProductID      int64
	ProductName    string
	Quantity       int
	UnitPriceCents int64
	LineTotalCents int64
}

// PricedOrder is the output of order assembly: validated, priced and ready to
// be committed. It carries no identifiers yet.
type PricedOrder struct {
	WebsiteID     int64
	WebsiteName   string
	ShopID        *int64
	CustomerID    *int64
	UserID        string
	PaymentMethod string
	Notes         string
	Lines         []PricedLine
	SubtotalCents int64
	TaxCents      int64
	TotalCents    int64
}

// Requests returns the line requests the order was priced from.
func (o PricedOrder) Requests() []OrderLineRequest {
	requests := make([]OrderLineRequest, 0, len(o.Lines))
	for _, line := range o.Lines {
		requests = append(requests, OrderLineRequest{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return requests
}

type Sale struct {
	ID            string     `json:"id"`
	OrderNumber   string     `json:"order_number"`
	WebsiteID     int64      `json:"website_id"`
	WebsiteName   string     `json:"website_name"`
	ShopID        *int64     `json:"shop_id,omitempty"`
	CustomerID    *int64     `json:"customer_id,omitempty"`
	UserID        string     `json:"user_id"`
	SubtotalCents int64      `json:"subtotal_cents"`
	TaxCents      int64      `json:"tax_cents"`
	TotalCents    int64      `json:"total_cents"`
	PaymentMethod string     `json:"payment_method"`
	PaymentStatus string     `json:"payment_status"`
	OrderStatus   string     `json:"order_status"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
	Lines         []SaleLine `json:"items"`
}

type SaleLine struct {
	ID             int64  `json:"id"`
	SaleID         string `json:"sale_id"`
	ProductID      int64  `json:"product_id"`
	ProductName    string `json:"product_name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

// SaleCompletedEvent is broadcast to dashboard observers once per committed sale.
// Amounts are in minor units (paisa for PKR).
type SaleCompletedEvent struct {
	SaleID      string `json:"sale_id"`
	OrderNumber string `json:"order_number"`
	TotalCents  int64  `json:"total_amount_cents"`
	Currency    string `json:"currency"`
	Website     string `json:"website"`
	ItemCount   int    `json:"item_count"`
	Timestamp   string `json:"timestamp"`
}

// SaleFilter narrows a sale listing. Zero values do not filter; From is
// inclusive and To exclusive.
type SaleFilter struct {
	WebsiteID     int64
	ShopID        int64
	PaymentMethod string
	From          time.Time
	To            time.Time
	Limit         int
}

// SaleStatusUpdate changes the status fields of a committed sale. A nil field
// keeps the stored value.
type SaleStatusUpdate struct {
	OrderStatus   *string `json:"order_status,omitempty"`
	PaymentStatus *string `json:"payment_status,omitempty"`
}

type LowStockProduct struct {
	ID            int64  `json:"id"`
	SKU           string `json:"sku"`
	Name          string `json:"name"`
	StockQuantity int    `json:"stock_quantity"`
	ReorderLevel  int    `json:"reorder_level"`
	Shortage      int    `json:"shortage"`
}

type SaleSummary struct {
	ID            string    `json:"id"`
	OrderNumber   string    `json:"order_number"`
	WebsiteID     int64     `json:"website_id"`
	WebsiteName   string    `json:"website_name"`
	ShopID        *int64    `json:"shop_id,omitempty"`
	TotalCents    int64     `json:"total_cents"`
	PaymentMethod string    `json:"payment_method"`
	PaymentStatus string    `json:"payment_status"`
	ItemCount     int       `json:"item_count"`
	CreatedAt     time.Time `json:"created_at"`
}

type StockAdjustmentRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason,omitempty"`
}

type HourlyRevenue struct {
	Hour         int   `json:"hour"`
	Sales        int   `json:"sales"`
	RevenueCents int64 `json:"revenue_cents"`
}

type TopProduct struct {
	ProductID    int64  `json:"product_id"`
	ProductName  string `json:"product_name"`
	Quantity     int    `json:"quantity"`
	RevenueCents int64  `json:"revenue_cents"`
}

type DashboardSummary struct {
	WebsiteID            int64           `json:"website_id,omitempty"`
	Date                 string          `json:"date"`
	TodaySales           int             `json:"today_sales"`
	TodayRevenueCents    int64           `json:"today_revenue_cents"`
	AverageOrderCents    int64           `json:"average_order_cents"`
	LastHourSales        int             `json:"last_hour_sales"`
	LastHourRevenueCents int64           `json:"last_hour_revenue_cents"`
	Hourly               []HourlyRevenue `json:"hourly"`
	TopProducts          []TopProduct    `json:"top_products"`
	Currency             string          `json:"currency"`
	GeneratedAt          string          `json:"generated_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleViewer  = "viewer"
)

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
