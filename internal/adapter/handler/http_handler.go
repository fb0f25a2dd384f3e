package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/clock"
	"github.com/juju/loggo"

	"github.com/rl1809/product-reservation/internal/core/domain"
	"github.com/rl1809/product-reservation/internal/core/service"
	"github.com/rl1809/product-reservation/internal/port"
)

var logger = loggo.GetLogger("reservation.handler")

// SessionHeader carries the storefront session a cart belongs to. Without it
// the actor id doubles as the session id.
const SessionHeader = "X-Session-ID"

// SweepTrigger requests an early expiry sweep.
type SweepTrigger interface {
	Trigger()
}

type HTTPHandler struct {
	reservations *service.ReservationService
	carts        port.CartRepository
	sweeper      SweepTrigger
	clock        clock.Clock
}

type ReserveHTTPRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	ActorID   string `json:"actor_id" binding:"required"`
}

type ReserveHTTPResponse struct {
	Success          bool      `json:"success"`
	ReservationID    string    `json:"reservation_id"`
	ProductID        string    `json:"product_id"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	Price            int64     `json:"price"`
	Existing         bool      `json:"existing"`
}

type ActorHTTPRequest struct {
	ActorID string `json:"actor_id" binding:"required"`
}

type CartItemHTTPRequest struct {
	ProductID string `json:"product_id" binding:"required"`
}

type CheckoutHTTPRequest struct {
	Paid bool `json:"paid"`
}

type CartItemHTTPResponse struct {
	ProductID        string    `json:"product_id"`
	ReservationID    string    `json:"reservation_id"`
	Price            int64     `json:"price"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

type CartHTTPResponse struct {
	ActorID string                 `json:"actor_id"`
	Items   []CartItemHTTPResponse `json:"items"`
	Total   int64                  `json:"total"`
}

type CheckoutHTTPResponse struct {
	Success  bool              `json:"success"`
	Consumed []string          `json:"consumed"`
	Failed   map[string]string `json:"failed,omitempty"`
}

type ErrorHTTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// NewHTTPHandler wires the routes' collaborators. sweeper may be nil.
func NewHTTPHandler(reservations *service.ReservationService, carts port.CartRepository, sweeper SweepTrigger, clk clock.Clock) *HTTPHandler {
	if clk == nil {
		clk = clock.WallClock
	}
	return &HTTPHandler{reservations: reservations, carts: carts, sweeper: sweeper, clock: clk}
}

func (h *HTTPHandler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.POST("/reservations", h.Reserve)
	api.DELETE("/reservations/:product_id", h.Release)
	api.POST("/reservations/:product_id/consume", h.Consume)
	api.GET("/products/availability", h.ListAvailability)
	api.GET("/products/:product_id/availability", h.Availability)
	api.POST("/maintenance/sweep", h.Sweep)

	api.GET("/carts/:actor_id", h.GetCart)
	api.POST("/carts/:actor_id/items", h.AddCartItem)
	api.DELETE("/carts/:actor_id/items/:product_id", h.RemoveCartItem)
	api.POST("/carts/:actor_id/checkout", h.Checkout)
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) Reserve(c *gin.Context) {
	var req ReserveHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "missing required fields")
		return
	}

	grant, err := h.reservations.Reserve(c.Request.Context(), req.ProductID, req.ActorID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, ReserveHTTPResponse{
		Success:          true,
		ReservationID:    grant.ReservationID,
		ProductID:        grant.ProductID,
		ExpiresAt:        grant.ExpiresAt,
		RemainingSeconds: remainingSeconds(grant.ExpiresAt, h.clock.Now()),
		Price:            grant.Price,
		Existing:         grant.Existing,
	})
}

// Release always answers 204: a failed release heals on the next sweep.
func (h *HTTPHandler) Release(c *gin.Context) {
	actorID := c.Query("actor_id")
	if actorID == "" {
		writeError(c, http.StatusBadRequest, "missing actor_id")
		return
	}
	h.reservations.Release(c.Request.Context(), c.Param("product_id"), actorID)
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) Consume(c *gin.Context) {
	var req ActorHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "missing actor_id")
		return
	}
	if err := h.reservations.Consume(c.Request.Context(), c.Param("product_id"), req.ActorID); err != nil {
		writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) Availability(c *gin.Context) {
	productID := c.Param("product_id")
	status, err := h.reservations.Availability(c.Request.Context(), productID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": productID, "status": status})
}

// ListAvailability answers from the lock fields, which are correct without
// a sweep, and nudges the sweeper so stale rows get retired soon.
func (h *HTTPHandler) ListAvailability(c *gin.Context) {
	var ids []string
	for _, raw := range c.QueryArray("ids") {
		ids = append(ids, strings.Split(raw, ",")...)
	}
	if h.sweeper != nil {
		h.sweeper.Trigger()
	}

	statuses, err := h.reservations.ListAvailability(c.Request.Context(), ids)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": statuses})
}

func (h *HTTPHandler) Sweep(c *gin.Context) {
	// Sweep failures are logged by the service; the next pass picks up
	// whatever this one missed.
	n, err := h.reservations.SweepExpired(c.Request.Context())
	if err != nil {
		logger.Warningf("maintenance sweep stopped after %d: %v", n, err)
	}
	c.JSON(http.StatusOK, gin.H{"swept": n})
}

func (h *HTTPHandler) GetCart(c *gin.Context) {
	cart, ok := h.loadCart(c)
	if !ok {
		return
	}
	defer cart.Close()
	c.JSON(http.StatusOK, h.cartResponse(c.Param("actor_id"), cart))
}

func (h *HTTPHandler) AddCartItem(c *gin.Context) {
	var req CartItemHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "missing product_id")
		return
	}
	cart, ok := h.loadCart(c)
	if !ok {
		return
	}
	defer cart.Close()

	if _, err := cart.Add(c.Request.Context(), req.ProductID); err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.cartResponse(c.Param("actor_id"), cart))
}

func (h *HTTPHandler) RemoveCartItem(c *gin.Context) {
	cart, ok := h.loadCart(c)
	if !ok {
		return
	}
	defer cart.Close()

	cart.Remove(c.Request.Context(), c.Param("product_id"))
	c.JSON(http.StatusOK, h.cartResponse(c.Param("actor_id"), cart))
}

// Checkout finishes a cart after the payment provider answered. A paid cart
// turns its reservations into sales; an unpaid one releases everything.
func (h *HTTPHandler) Checkout(c *gin.Context) {
	var req CheckoutHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	cart, ok := h.loadCart(c)
	if !ok {
		return
	}
	defer cart.Close()

	if !req.Paid {
		cart.AbandonCheckout(c.Request.Context())
		c.JSON(http.StatusOK, CheckoutHTTPResponse{Success: false, Consumed: []string{}})
		return
	}

	result := cart.CompleteCheckout(c.Request.Context())
	resp := CheckoutHTTPResponse{Success: len(result.Failed) == 0, Consumed: result.Consumed}
	if resp.Consumed == nil {
		resp.Consumed = []string{}
	}
	if len(result.Failed) > 0 {
		resp.Failed = make(map[string]string, len(result.Failed))
		for productID, err := range result.Failed {
			_, resp.Failed[productID] = httpError(err)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HTTPHandler) loadCart(c *gin.Context) (*service.Cart, bool) {
	actorID := c.Param("actor_id")
	sessionID := c.GetHeader(SessionHeader)
	if sessionID == "" {
		sessionID = actorID
	}

	cart, err := service.NewCart(service.CartConfig{
		SessionID:    sessionID,
		ActorID:      actorID,
		Store:        h.carts,
		Reservations: h.reservations,
		Clock:        h.clock,
	})
	if err != nil {
		writeError(c, http.StatusBadRequest, msgInvalid)
		return nil, false
	}
	if err := cart.Load(c.Request.Context()); err != nil {
		logger.Warningf("loading cart for %s: %v", actorID, err)
		writeError(c, http.StatusServiceUnavailable, msgTransient)
		return nil, false
	}
	return cart, true
}

func (h *HTTPHandler) cartResponse(actorID string, cart *service.Cart) CartHTTPResponse {
	now := h.clock.Now()
	resp := CartHTTPResponse{ActorID: actorID, Items: []CartItemHTTPResponse{}, Total: cart.Total()}
	for _, e := range cart.Entries() {
		resp.Items = append(resp.Items, CartItemHTTPResponse{
			ProductID:        e.ProductID,
			ReservationID:    e.ReservationID,
			Price:            e.Price,
			ExpiresAt:        e.ExpiresAt,
			RemainingSeconds: remainingSeconds(e.ExpiresAt, now),
		})
	}
	return resp
}

func remainingSeconds(expiresAt, now time.Time) int64 {
	return int64(domain.Remaining(expiresAt, now) / time.Second)
}

func writeDomainError(c *gin.Context, err error) {
	status, message := httpError(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	writeError(c, status, message)
}

func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, ErrorHTTPResponse{Success: false, Message: message})
}
