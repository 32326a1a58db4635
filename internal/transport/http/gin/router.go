package httpgin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redisx "github.com/kirinyoku/tixmint/internal/redis"
	redisrepo "github.com/kirinyoku/tixmint/internal/repository/redis"
	"github.com/kirinyoku/tixmint/internal/service"
	"github.com/kirinyoku/tixmint/internal/service/catalog"
	"github.com/kirinyoku/tixmint/internal/service/redemption"
	"github.com/kirinyoku/tixmint/internal/service/sale"
	"github.com/kirinyoku/tixmint/internal/service/tickets"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type Auth struct {
	Secret     []byte
	OperatorID string
}

func NewRouter(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
	auth Auth,
	logger *slog.Logger,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	RegisterValidators()

	r := gin.New()

	r.Use(gin.Recovery(), RequestIDMiddleware(), LoggingMiddleware(logger), CORS())
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Public API
	r.GET("/games", handleListGames(svcs))
	r.GET("/games/active", handleListActiveGames(svcs))
	r.GET("/games/:id", handleGetGame(svcs))
	r.GET("/tickets/:id", handleGetTicket(svcs))
	r.GET("/registry/metadata", handleRegistryMetadata(svcs))

	// Authenticated API
	authed := r.Group("/", AuthMiddleware(auth.Secret))
	{
		authed.POST("/games/:id/types/:type/purchase", handlePurchase(svcs, idem))
		authed.GET("/issuances/:ticket_id", handleGetIssuance(svcs, auth.OperatorID))
		authed.POST("/tickets/:id/redeem", handleRedeem(svcs))
		authed.POST("/tickets/:id/transfer", handleTransfer(svcs))
		authed.POST("/tickets/:id/approve", handleApprove(svcs))
		authed.GET("/me/tickets", handleMyTickets(svcs))
	}

	// Operator API
	admin := r.Group("/admin", AuthMiddleware(auth.Secret), OperatorOnly(auth.OperatorID))
	{
		admin.POST("/games", handleCreateGame(svcs))
		admin.POST("/games/:id/types", handleAddTicketType(svcs))
		admin.PUT("/games/:id/types/:type", handleEditTicketType(svcs))
		admin.POST("/issuances/:ticket_id/compensate", handleCompensate(svcs))
		admin.POST("/sweep", handleSweep(svcs))
	}

	return r
}

// @Summary  List all games
// @Success  200  {array}  domain.Game
// @Router   /games [get]
func handleListGames(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		games, err := svcs.Catalog.ListGames(c.Request.Context())
		if err != nil {
			respondErr(c, err)
			return
		}
		writeCachedJSON(c, games, 15*time.Second)
	}
}

// @Summary  List games whose sale has started
// @Success  200  {array}  domain.Game
// @Router   /games/active [get]
func handleListActiveGames(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		games, err := svcs.Catalog.ListActiveGames(c.Request.Context())
		if err != nil {
			respondErr(c, err)
			return
		}
		writeCachedJSON(c, games, 15*time.Second)
	}
}

// @Summary  Get game
// @Param    id  path  string  true  "Game ID"
// @Success  200  {object}  domain.Game
// @Failure  404  {object}  ErrorResponse
// @Router   /games/{id} [get]
func handleGetGame(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		g, err := svcs.Catalog.GetGame(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondErr(c, err)
			return
		}
		writeCachedJSON(c, g, 60*time.Second)
	}
}

// @Summary  Get the metadata of the ticket token collection
// @Success  200  {object}  registry.ContractMetadata
// @Router   /registry/metadata [get]
func handleRegistryMetadata(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		writeCachedJSON(c, svcs.Tickets.Contract(), 5*time.Minute)
	}
}

// @Summary  Get ticket metadata with its game and owner
// @Param    id  path  string  true  "Ticket ID"
// @Success  200  {object}  domain.TicketView
// @Failure  404  {object}  ErrorResponse
// @Router   /tickets/{id} [get]
func handleGetTicket(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := svcs.Tickets.GetTicket(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

// @Summary  Purchase a ticket (idempotent)
// @Security BearerAuth
// @Param    id    path  string  true  "Game ID"
// @Param    type  path  string  true  "Ticket type"
// @Param    Idempotency-Key  header  string  false  "client key"
// @Param    req   body  PurchaseRequest  true  "deposit"
// @Success  202  {object}  PurchaseResponse
// @Failure  402  {object}  ErrorResponse "insufficient or unverified payment"
// @Failure  404  {object}  ErrorResponse
// @Failure  409  {object}  ErrorResponse "sold out / sale not started / payment reused / idem in progress"
// @Failure  429  {object}  ErrorResponse "rate limited"
// @Failure  503  {object}  ErrorResponse "contention or payment provider down, retry"
// @Router   /games/{id}/types/{type}/purchase [post]
func handlePurchase(svcs *service.Services, idem *redisrepo.IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PurchaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		ctx := c.Request.Context()
		buyer := caller(c)

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisx.KeyIdemPurchase(buyer, idemKey)

			if payload, ok, _ := idem.GetResult(ctx, idemStorageKey); ok {
				replay(c, idemKey, payload)
				return
			}

			locked, err := idem.AcquireLock(ctx, idemStorageKey, 60*time.Second)
			if err != nil {
				respondErr(c, err)
				return
			}
			if !locked {
				if payload, ok, _ := idem.GetResult(ctx, idemStorageKey); ok {
					replay(c, idemKey, payload)
					return
				}
				c.Header("Retry-After", "1")
				c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key in progress"})
				return
			}
		}

		is, err := svcs.Sale.Purchase(ctx, sale.PurchaseRequest{
			GameID:     c.Param("id"),
			TypeName:   c.Param("type"),
			Buyer:      buyer,
			Amount:     req.Amount,
			PaymentRef: req.PaymentRef,
		})
		if err != nil {
			if idemStorageKey != "" {
				_ = idem.Release(ctx, idemStorageKey)
			}
			respondErr(c, err)
			return
		}

		resp := toPurchaseResponse(is)

		if idemStorageKey != "" {
			b, _ := json.Marshal(resp)
			_ = idem.SaveResult(ctx, idemStorageKey, string(b))
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusAccepted, resp)
	}
}

// @Summary  Get the sale saga state of a ticket
// @Security BearerAuth
// @Param    ticket_id  path  string  true  "Ticket ID"
// @Success  200  {object}  domain.Issuance
// @Failure  403  {object}  ErrorResponse
// @Failure  404  {object}  ErrorResponse
// @Router   /issuances/{ticket_id} [get]
func handleGetIssuance(svcs *service.Services, operatorID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		is, err := svcs.Sale.Issuance(c.Request.Context(), c.Param("ticket_id"))
		if err != nil {
			respondErr(c, err)
			return
		}
		if who := caller(c); who != is.Buyer && who != operatorID {
			c.JSON(http.StatusForbidden, ErrorResponse{Error: "not your purchase"})
			return
		}
		c.JSON(http.StatusOK, is)
	}
}

// @Summary  Redeem a ticket at the gate
// @Security BearerAuth
// @Param    id  path  string  true  "Ticket ID"
// @Success  200  {object}  domain.Ticket
// @Failure  403  {object}  ErrorResponse "not owner"
// @Failure  409  {object}  ErrorResponse "already used / not confirmed"
// @Failure  410  {object}  ErrorResponse "voided"
// @Router   /tickets/{id}/redeem [post]
func handleRedeem(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svcs.Redemption.Redeem(c.Request.Context(), c.Param("id"), caller(c))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// @Summary  Transfer a ticket
// @Security BearerAuth
// @Param    id   path  string  true  "Ticket ID"
// @Param    req  body  TransferRequest  true  "receiver"
// @Success  204
// @Router   /tickets/{id}/transfer [post]
func handleTransfer(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TransferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if err := svcs.Tickets.Transfer(c.Request.Context(), caller(c), req.ReceiverID, c.Param("id")); err != nil {
			respondErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// @Summary  Approve an account to transfer a ticket
// @Security BearerAuth
// @Param    id   path  string  true  "Ticket ID"
// @Param    req  body  ApproveRequest  true  "account"
// @Success  204
// @Router   /tickets/{id}/approve [post]
func handleApprove(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ApproveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if err := svcs.Tickets.Approve(c.Request.Context(), caller(c), c.Param("id"), req.AccountID); err != nil {
			respondErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// @Summary  List the caller's confirmed tickets
// @Security BearerAuth
// @Success  200  {array}  domain.TicketView
// @Router   /me/tickets [get]
func handleMyTickets(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		views, err := svcs.Tickets.ListOwned(c.Request.Context(), caller(c))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, views)
	}
}

// @Summary  Create game
// @Security BearerAuth
// @Param    req body  CreateGameRequest true "payload"
// @Success  201 {object} domain.Game
// @Failure  409 {object} ErrorResponse
// @Router   /admin/games [post]
func handleCreateGame(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateGameRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		in := catalog.CreateGameInput{
			ID:          req.GameID,
			Title:       req.Title,
			Description: req.Description,
			Banner:      req.Banner,
			SaleStart:   req.SaleStart,
		}
		for _, t := range req.TicketTypes {
			in.TicketTypes = append(in.TicketTypes, ticketTypeInput(t))
		}

		g, err := svcs.Catalog.CreateGame(c.Request.Context(), caller(c), in)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, g)
	}
}

// @Summary  Add ticket type
// @Security BearerAuth
// @Param    id  path  string  true  "Game ID"
// @Param    req body  TicketTypeRequest true "payload"
// @Success  201 {object} domain.TicketType
// @Router   /admin/games/{id}/types [post]
func handleAddTicketType(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TicketTypeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		tt, err := svcs.Catalog.AddTicketType(c.Request.Context(), caller(c), c.Param("id"), ticketTypeInput(req))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, tt)
	}
}

// @Summary  Edit ticket type price, supply or sale start
// @Security BearerAuth
// @Param    id    path  string  true  "Game ID"
// @Param    type  path  string  true  "Ticket type"
// @Param    req   body  EditTicketTypeRequest true "payload"
// @Success  200 {object} domain.TicketType
// @Failure  409 {object} ErrorResponse "supply below sold"
// @Router   /admin/games/{id}/types/{type} [put]
func handleEditTicketType(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req EditTicketTypeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		tt, err := svcs.Catalog.EditTicketType(
			c.Request.Context(),
			caller(c),
			c.Param("id"),
			c.Param("type"),
			catalog.EditTicketTypeInput{
				Price:     req.Price,
				Supply:    req.Supply,
				SaleStart: req.SaleStart,
			},
		)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, tt)
	}
}

// @Summary  Compensate an unresolved issuance
// @Security BearerAuth
// @Param    ticket_id  path  string  true  "Ticket ID"
// @Param    req body  CompensateRequest false "reason"
// @Success  200 {object} domain.Issuance
// @Failure  409 {object} ErrorResponse "already resolved"
// @Router   /admin/issuances/{ticket_id}/compensate [post]
func handleCompensate(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CompensateRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err.Error())
				return
			}
		}
		is, err := svcs.Sale.Compensate(c.Request.Context(), c.Param("ticket_id"), req.Reason)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, is)
	}
}

// @Summary  Run the saga sweep now
// @Security BearerAuth
// @Success  200 {object} sale.SweepResult
// @Router   /admin/sweep [post]
func handleSweep(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svcs.Sale.Sweep(c.Request.Context())
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// --- Helpers ---

func ticketTypeInput(t TicketTypeRequest) catalog.TicketTypeInput {
	in := catalog.TicketTypeInput{
		Name:   t.Name,
		Price:  t.Price,
		Supply: t.Supply,
	}
	if t.SaleStart != nil {
		in.SaleStart = *t.SaleStart
	}
	return in
}

func replay(c *gin.Context, idemKey, payload string) {
	c.Header("Idempotency-Key", idemKey)
	c.Data(http.StatusAccepted, "application/json; charset=utf-8", []byte(payload))
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	var rl sale.RateLimitedError
	if errors.As(err, &rl) {
		secs := int(rl.RetryAfter.Seconds() + 0.999)
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	if errors.Is(err, sale.ErrBusy) || errors.Is(err, sale.ErrPaymentUnavailable) {
		c.Header("Retry-After", "1")
	}

	status, ok := statusOf(err)
	if !ok {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	c.JSON(status, ErrorResponse{Error: rootMessage(err)})
}

func statusOf(err error) (int, bool) {
	switch {
	case errors.Is(err, sale.ErrNotFound),
		errors.Is(err, catalog.ErrGameNotFound),
		errors.Is(err, catalog.ErrTicketTypeNotFound),
		errors.Is(err, redemption.ErrNotFound),
		errors.Is(err, tickets.ErrTicketNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, catalog.ErrUnauthorized),
		errors.Is(err, redemption.ErrNotOwner),
		errors.Is(err, tickets.ErrNotAuthorized):
		return http.StatusForbidden, true
	case errors.Is(err, sale.ErrSaleNotStarted),
		errors.Is(err, sale.ErrSoldOut),
		errors.Is(err, sale.ErrNotPending),
		errors.Is(err, sale.ErrPaymentReused),
		errors.Is(err, catalog.ErrGameConflict),
		errors.Is(err, catalog.ErrTicketTypeConflict),
		errors.Is(err, catalog.ErrSupplyBelowSold),
		errors.Is(err, redemption.ErrAlreadyUsed),
		errors.Is(err, redemption.ErrNotConfirmed),
		errors.Is(err, tickets.ErrNotTransferable):
		return http.StatusConflict, true
	case errors.Is(err, sale.ErrInsufficientPayment),
		errors.Is(err, sale.ErrPaymentNotVerified):
		return http.StatusPaymentRequired, true
	case errors.Is(err, redemption.ErrVoided):
		return http.StatusGone, true
	case errors.Is(err, sale.ErrInvalidRequest),
		errors.Is(err, catalog.ErrInvalidInput):
		return http.StatusBadRequest, true
	case errors.Is(err, sale.ErrRateLimited):
		return http.StatusTooManyRequests, true
	case errors.Is(err, sale.ErrBusy),
		errors.Is(err, sale.ErrPaymentUnavailable):
		return http.StatusServiceUnavailable, true
	default:
		return 0, false
	}
}

// rootMessage drops the "pkg.Type.Method:" prefixes added while the error
// travelled up.
func rootMessage(err error) string {
	msg := err.Error()
	for {
		i := strings.Index(msg, ":")
		if i <= 0 || strings.ContainsAny(msg[:i], " \t") || !strings.Contains(msg[:i], ".") {
			return msg
		}
		msg = msg[i+1:]
	}
}
