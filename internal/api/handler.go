package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"campus-store/internal/export"
	"campus-store/internal/models"
	"campus-store/internal/service"
	"campus-store/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Options wires the optional collaborators of the HTTP layer
type Options struct {
	// Stream serves the admin websocket feed; nil disables the route.
	Stream http.Handler
	// Limiter throttles order submissions; nil disables rate limiting.
	Limiter    RateLimiter
	RateLimit  int64
	RateWindow time.Duration
	// ExportLocation is the time zone of CSV timestamps.
	ExportLocation *time.Location
	Checks         map[string]ReadinessCheck
}

// Handler contains HTTP handlers
type Handler struct {
	orders  *service.OrderService
	admin   *service.AdminService
	catalog *service.CatalogService
	opts    Options
	logger  *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orders *service.OrderService, admin *service.AdminService, catalog *service.CatalogService, opts Options) *Handler {
	if opts.ExportLocation == nil {
		opts.ExportLocation = service.LoadOrderLocation("Asia/Kolkata")
	}
	return &Handler{
		orders:  orders,
		admin:   admin,
		catalog: catalog,
		opts:    opts,
		logger:  util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))
	router.Use(corsMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/health", h.healthCheck)

		api.GET("/products", h.listProducts)
		api.GET("/products/:id", h.getProduct)

		create := []gin.HandlerFunc{h.createOrder}
		if h.opts.Limiter != nil && h.opts.RateLimit > 0 {
			create = append([]gin.HandlerFunc{rateLimit(h.opts.Limiter, h.opts.RateLimit, h.opts.RateWindow, h.logger)}, create...)
		}
		api.POST("/orders", create...)
		api.GET("/orders", h.listOrders)
		api.GET("/orders/:orderId", h.getOrder)
		api.PATCH("/orders/:orderId", h.updateOrder)

		admin := api.Group("/admin")
		admin.GET("/orders.csv", h.exportOrders)
		admin.GET("/audit", h.listAudit)
		if h.opts.Stream != nil {
			admin.GET("/stream", gin.WrapH(h.opts.Stream))
		}
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck runs every dependency check
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, check := range h.opts.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.catalog.ListProducts(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handler) getProduct(c *gin.Context) {
	product, err := h.catalog.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": product})
}

// createOrder handles order creation. The raw body is kept for the audit log.
func (h *Handler) createOrder(c *gin.Context) {
	ctx := c.Request.Context()

	meta := service.RequestMeta{
		IdempotencyKey: idempotencyKey(c),
		IPAddress:      c.ClientIP(),
		UserAgent:      c.Request.UserAgent(),
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		h.writeError(c, h.orders.RejectMalformed(ctx, meta, err))
		return
	}
	meta.Payload = body

	var req service.CreateOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(c, h.orders.RejectMalformed(ctx, meta, err))
		return
	}

	result, err := h.orders.CreateOrder(ctx, &req, meta)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"order":         result.Order,
		"price_pending": result.PricePending,
		"message":       result.Message,
	})
}

func idempotencyKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader("X-Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(c.GetHeader("Idempotency-Key"))
}

func orderFilter(c *gin.Context) models.OrderFilter {
	return models.OrderFilter{
		Query:  c.Query("q"),
		Status: c.Query("status"),
	}
}

func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.admin.ListOrders(c.Request.Context(), orderFilter(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by human-readable id
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.admin.GetOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (h *Handler) updateOrder(c *gin.Context) {
	var patch models.OrderPatch
	if err := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)).Decode(&patch); err != nil {
		if errors.Is(err, models.ErrInvalidStatus) {
			validationError(c, err.Error())
			return
		}
		validationError(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	order, err := h.admin.UpdateOrder(c.Request.Context(), c.Param("orderId"), patch)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// exportOrders streams the order sheet as a CSV download
func (h *Handler) exportOrders(c *gin.Context) {
	orders, err := h.admin.ListOrders(c.Request.Context(), orderFilter(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, export.Filename(time.Now())))
	c.Status(http.StatusOK)
	if err := export.WriteOrdersCSV(c.Writer, orders, h.opts.ExportLocation); err != nil {
		h.logger.Error("Failed to stream order export", zap.Error(err))
	}
}

func (h *Handler) listAudit(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			validationError(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := h.admin.ListAudit(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
