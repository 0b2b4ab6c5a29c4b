package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jmehdipour/order-service/internal/http/middleware"
	"github.com/jmehdipour/order-service/internal/model"
	"github.com/jmehdipour/order-service/internal/service/order"
	"github.com/jmehdipour/order-service/internal/vendor"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// OrderService is what the handlers need from the order service.
type OrderService interface {
	Create(ctx context.Context, in order.CreateOrderInput) (*model.Order, error)
	Get(ctx context.Context, id string) (*model.Order, error)
	ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]model.Order, error)
	ListActiveByRestaurant(ctx context.Context, restaurantID string) ([]model.Order, error)
}

type createOrderItemReq struct {
	MenuItemID string `json:"menu_item_id" validate:"required,uuid"`
	Quantity   int    `json:"quantity"     validate:"required,min=1"`
}

type createOrderReq struct {
	RestaurantID string               `json:"restaurant_id" validate:"required,uuid"`
	Items        []createOrderItemReq `json:"items"         validate:"required,min=1,dive"`
}

func createOrderHandler(svc OrderService, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		custID, ok := middleware.CustomerIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req createOrderReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if err := c.Validate(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body", "details": err.Error()})
		}

		items := make([]order.ItemInput, 0, len(req.Items))
		for _, it := range req.Items {
			items = append(items, order.ItemInput{MenuItemID: it.MenuItemID, Quantity: it.Quantity})
		}

		o, err := svc.Create(c.Request().Context(), order.CreateOrderInput{
			CustomerID:   custID,
			RestaurantID: req.RestaurantID,
			Items:        items,
			RequestID:    requestID(c),
		})
		if err != nil {
			status, msg := createErrorStatus(err)
			if status >= http.StatusInternalServerError {
				log.Error("create order failed",
					zap.String("customer_id", custID),
					zap.String("request_id", requestID(c)),
					zap.Error(err),
				)
			}
			return c.JSON(status, map[string]string{"error": msg})
		}

		return c.JSON(http.StatusCreated, o)
	}
}

func createErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, order.ErrEmptyOrder), errors.Is(err, order.ErrInvalidQuantity):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, vendor.ErrMenuItemNotFound),
		errors.Is(err, order.ErrItemRestaurantMismatch),
		errors.Is(err, order.ErrItemUnavailable),
		errors.Is(err, order.ErrInsufficientStock):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, vendor.ErrBreakerOpen):
		return http.StatusServiceUnavailable, "menu service unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func getOrderHandler(svc OrderService, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		custID, _ := middleware.CustomerIDFromCtx(c)
		id := c.Param("id")
		if _, err := uuid.Parse(id); err != nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "order not found"})
		}

		o, err := svc.Get(c.Request().Context(), id)
		if err != nil {
			log.Error("get order failed", zap.String("order_id", id), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		if o == nil || o.CustomerID != custID {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "order not found"})
		}
		return c.JSON(http.StatusOK, o)
	}
}

func listOrdersHandler(svc OrderService, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		custID, _ := middleware.CustomerIDFromCtx(c)
		limit, _ := strconv.Atoi(c.QueryParam("limit"))
		offset, _ := strconv.Atoi(c.QueryParam("offset"))
		if limit <= 0 || limit > 100 {
			limit = 20
		}
		if offset < 0 {
			offset = 0
		}

		orders, err := svc.ListByCustomer(c.Request().Context(), custID, limit, offset)
		if err != nil {
			log.Error("list orders failed", zap.String("customer_id", custID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		return c.JSON(http.StatusOK, map[string]any{"orders": orders, "limit": limit, "offset": offset})
	}
}

func restaurantOrdersHandler(svc OrderService, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if _, err := uuid.Parse(id); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid restaurant id"})
		}

		orders, err := svc.ListActiveByRestaurant(c.Request().Context(), id)
		if err != nil {
			log.Error("list restaurant orders failed", zap.String("restaurant_id", id), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		return c.JSON(http.StatusOK, map[string]any{"orders": orders})
	}
}
