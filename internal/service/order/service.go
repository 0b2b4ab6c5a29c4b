package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmehdipour/order-service/internal/metrics"
	"github.com/jmehdipour/order-service/internal/model"
	"github.com/jmehdipour/order-service/internal/repository"
	"github.com/jmehdipour/order-service/internal/util"
	"github.com/jmehdipour/order-service/internal/vendor"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrEmptyOrder             = errors.New("order must contain at least one item")
	ErrInvalidQuantity        = errors.New("quantity must be a positive integer")
	ErrItemRestaurantMismatch = errors.New("item does not belong to the specified restaurant")
	ErrInsufficientStock      = errors.New("requested quantity exceeds available stock")
	ErrItemUnavailable        = errors.New("menu item is not available")
)

// maxVendorLookups bounds concurrent menu lookups for one order.
const maxVendorLookups = 8

type ItemInput struct {
	MenuItemID string
	Quantity   int
}

type CreateOrderInput struct {
	CustomerID   string
	RestaurantID string
	Items        []ItemInput
	RequestID    string
}

// Service writes orders together with their order.created outbox event.
type Service struct {
	db     *sqlx.DB
	orders repository.OrdersRepository
	outbox repository.OutboxRepository
	menu   vendor.MenuClient
	log    *zap.Logger

	serviceName string
}

// New constructs the order service.
func New(
	db *sqlx.DB,
	ordersRepo repository.OrdersRepository,
	outboxRepo repository.OutboxRepository,
	menu vendor.MenuClient,
	serviceName string,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		db:          db,
		orders:      ordersRepo,
		outbox:      outboxRepo,
		menu:        menu,
		log:         log,
		serviceName: serviceName,
	}
}

// MergeItems sums quantities of lines sharing a menu item, keeping the order
// in which items first appear. Lines without a menu item id are dropped.
func MergeItems(items []ItemInput) []ItemInput {
	idx := make(map[string]int, len(items))
	out := make([]ItemInput, 0, len(items))
	for _, it := range items {
		if it.MenuItemID == "" {
			continue
		}
		if i, ok := idx[it.MenuItemID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		idx[it.MenuItemID] = len(out)
		out = append(out, it)
	}
	return out
}

// Create validates the items against the vendor catalogue and, in a single
// transaction, inserts the order, its items and an order.created outbox row.
func (s *Service) Create(ctx context.Context, in CreateOrderInput) (*model.Order, error) {
	items := MergeItems(in.Items)
	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidQuantity, it.MenuItemID)
		}
	}

	menu, err := s.lookup(ctx, items)
	if err != nil {
		return nil, err
	}

	o := &model.Order{
		ID:            util.NewOrderID(),
		CustomerID:    in.CustomerID,
		RestaurantID:  in.RestaurantID,
		Status:        model.StatusCreated,
		PaymentStatus: model.PaymentPending,
		Version:       0,
	}

	total := decimal.Zero
	lines := make([]model.OrderItem, 0, len(items))
	created := make([]model.OrderCreatedItem, 0, len(items))
	for i, it := range items {
		mi := menu[i]
		switch {
		case mi.RestaurantID != in.RestaurantID:
			return nil, fmt.Errorf("%w: %s", ErrItemRestaurantMismatch, it.MenuItemID)
		case !mi.Available():
			return nil, fmt.Errorf("%w: %s", ErrItemUnavailable, it.MenuItemID)
		case !mi.InStock(it.Quantity):
			return nil, fmt.Errorf("%w: %s", ErrInsufficientStock, it.MenuItemID)
		}

		total = total.Add(mi.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
		lines = append(lines, model.OrderItem{
			OrderID:    o.ID,
			MenuItemID: it.MenuItemID,
			ItemName:   mi.Name,
			ItemPrice:  mi.Price,
			Quantity:   it.Quantity,
		})
		created = append(created, model.OrderCreatedItem{MenuItemID: it.MenuItemID, Quantity: it.Quantity})
	}
	o.TotalAmount = total

	env, err := model.NewEnvelope(model.EventOrderCreated, s.serviceName, model.OrderCreatedData{
		OrderID:      o.ID,
		CustomerID:   o.CustomerID,
		RestaurantID: o.RestaurantID,
		TotalAmount:  total.StringFixed(2),
		Items:        created,
	})
	if err != nil {
		return nil, err
	}
	env.RequestID = in.RequestID

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.orders.Insert(ctx, tx, o); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	if err := s.orders.InsertItems(ctx, tx, lines); err != nil {
		return nil, fmt.Errorf("insert order items: %w", err)
	}
	if err := s.outbox.Insert(ctx, tx, model.OutboxEvent{
		EventID:       env.EventID,
		RoutingKey:    model.EventOrderCreated,
		Payload:       payload,
		AggregateType: model.AggregateOrder,
		AggregateID:   o.ID,
		OccurredAt:    env.OccurredAt,
	}); err != nil {
		return nil, fmt.Errorf("insert outbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	o.Items = lines
	metrics.OrdersCreatedTotal.Inc()
	s.log.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("customer_id", o.CustomerID),
		zap.String("restaurant_id", o.RestaurantID),
		zap.String("event_id", env.EventID),
		zap.String("request_id", in.RequestID),
	)
	return o, nil
}

// lookup fetches every menu item concurrently; results follow items' order.
func (s *Service) lookup(ctx context.Context, items []ItemInput) ([]vendor.MenuItem, error) {
	out := make([]vendor.MenuItem, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxVendorLookups)
	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			mi, err := s.menu.GetMenuItem(gctx, it.MenuItemID)
			if err != nil {
				return fmt.Errorf("menu item %s: %w", it.MenuItemID, err)
			}
			out[i] = mi
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the order with its items, or nil when it does not exist.
func (s *Service) Get(ctx context.Context, id string) (*model.Order, error) {
	return s.orders.GetByID(ctx, id)
}

func (s *Service) ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]model.Order, error) {
	return s.orders.ListByCustomer(ctx, customerID, limit, offset)
}

func (s *Service) ListActiveByRestaurant(ctx context.Context, restaurantID string) ([]model.Order, error) {
	return s.orders.ListActiveByRestaurant(ctx, restaurantID)
}
