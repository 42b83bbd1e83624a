// Package ordersv1 описывает gRPC-контракт сервиса заказов: сообщения,
// дескриптор сервиса, клиент и JSON-кодек, которым сообщения передаются по сети.
package ordersv1

// OrderStatus - статус заказа на границе API.
type OrderStatus string

const (
	OrderStatusUnspecified OrderStatus = "ORDER_STATUS_UNSPECIFIED"
	OrderStatusPending     OrderStatus = "ORDER_STATUS_PENDING"
	OrderStatusConfirmed   OrderStatus = "ORDER_STATUS_CONFIRMED"
)

type Product struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	PriceMinor int64  `json:"price_minor"`
	Stock      int32  `json:"stock"`
	Version    int64  `json:"version"`
}

func (x *Product) GetID() int64 {
	if x == nil {
		return 0
	}
	return x.ID
}

// OrderItem - позиция заказа. В запросе создания UnitPriceMinor игнорируется.
type OrderItem struct {
	ProductID      int64 `json:"product_id"`
	Qty            int32 `json:"qty"`
	UnitPriceMinor int64 `json:"unit_price_minor,omitempty"`
}

type Totals struct {
	GrossMinor  int64 `json:"gross_minor"`
	DiscountBps int32 `json:"discount_bps"`
	FinalMinor  int64 `json:"final_minor"`
}

type Order struct {
	ID              string       `json:"id"`
	Status          OrderStatus  `json:"status"`
	Items           []*OrderItem `json:"items,omitempty"`
	Totals          *Totals      `json:"totals,omitempty"`
	Version         int64        `json:"version"`
	CreatedAtUnix   int64        `json:"created_at_unix"`
	ConfirmedAtUnix int64        `json:"confirmed_at_unix,omitempty"`
}

func (x *Order) GetID() string {
	if x == nil {
		return ""
	}
	return x.ID
}

func (x *Order) GetStatus() OrderStatus {
	if x == nil {
		return OrderStatusUnspecified
	}
	return x.Status
}

func (x *Order) GetTotals() *Totals {
	if x == nil {
		return nil
	}
	return x.Totals
}

type TimelineEvent struct {
	Type     string `json:"type"`
	Reason   string `json:"reason,omitempty"`
	UnixTime int64  `json:"unix_time"`
}

type StockChange struct {
	ProductID int64 `json:"product_id"`
	Qty       int32 `json:"qty"`
	NewStock  int32 `json:"new_stock"`
}

type CreateOrderRequest struct {
	Items []*OrderItem `json:"items"`
}

type CreateOrderResponse struct {
	Order *Order `json:"order"`
}

func (x *CreateOrderResponse) GetOrder() *Order {
	if x == nil {
		return nil
	}
	return x.Order
}

type ConfirmOrderRequest struct {
	OrderID string `json:"order_id"`
}

type ConfirmOrderResponse struct {
	Order *Order `json:"order"`
}

func (x *ConfirmOrderResponse) GetOrder() *Order {
	if x == nil {
		return nil
	}
	return x.Order
}

type QuoteOrderRequest struct {
	OrderID string `json:"order_id"`
}

// QuoteOrderResponse - итоги и план списания без фиксации подтверждения.
type QuoteOrderResponse struct {
	Order            *Order         `json:"order"`
	StockChanges     []*StockChange `json:"stock_changes"`
	DistinctProducts int32          `json:"distinct_products"`
}

type GetOrderRequest struct {
	OrderID string `json:"order_id"`
}

type GetOrderResponse struct {
	Order    *Order           `json:"order"`
	Timeline []*TimelineEvent `json:"timeline"`
}

func (x *GetOrderResponse) GetOrder() *Order {
	if x == nil {
		return nil
	}
	return x.Order
}

type ListOrdersRequest struct {
	PageSize int32 `json:"page_size"`
}

type ListOrdersResponse struct {
	Orders []*Order `json:"orders"`
}

type CreateProductRequest struct {
	Name       string `json:"name"`
	PriceMinor int64  `json:"price_minor"`
	Stock      int32  `json:"stock"`
}

type CreateProductResponse struct {
	Product *Product `json:"product"`
}

type GetProductRequest struct {
	ProductID int64 `json:"product_id"`
}

type GetProductResponse struct {
	Product *Product `json:"product"`
}

type ListProductsRequest struct {
	PageSize int32 `json:"page_size"`
}

type ListProductsResponse struct {
	Products []*Product `json:"products"`
}

// UpdateProductRequest перезаписывает товар; Product.Version должна совпадать с текущей.
type UpdateProductRequest struct {
	Product *Product `json:"product"`
}

type UpdateProductResponse struct {
	Product *Product `json:"product"`
}

type DeleteProductRequest struct {
	ProductID int64 `json:"product_id"`
}

type DeleteProductResponse struct{}
