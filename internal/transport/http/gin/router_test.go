package httpgin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/payments"
	"github.com/kirinyoku/tixmint/internal/registry"
	"github.com/kirinyoku/tixmint/internal/repository/memory"
	"github.com/kirinyoku/tixmint/internal/service"
	"github.com/kirinyoku/tixmint/internal/service/catalog"
	"github.com/kirinyoku/tixmint/internal/service/sale"
	"github.com/stretchr/testify/suite"
	"github.com/tidwall/gjson"
)

const (
	testOperator = "operator.near"
	testBuyer    = "alice.near"
)

var testSecret = []byte("test-secret")

type sentRequests struct {
	mu   sync.Mutex
	sent []domain.Issuance
}

func (p *sentRequests) RequestIssuance(ctx context.Context, is domain.Issuance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, is)
	return nil
}

type RouterSuite struct {
	suite.Suite

	store  *memory.Store
	reg    *registry.Ledger
	pub    *sentRequests
	svcs   *service.Services
	router *gin.Engine
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s.store = memory.NewStore()
	s.reg = registry.NewLedger(s.store.Tokens())
	s.pub = &sentRequests{}
	s.svcs = service.NewServices(service.Deps{
		Store:     s.store,
		Registry:  s.reg,
		Payments:  payments.NewLedgerChannel(s.store.Refunds(), nil, logger),
		Publisher: s.pub,
		Logger:    logger,
	}, service.Config{
		Catalog: catalog.Config{OperatorID: testOperator, IssuanceFee: 5},
	})

	s.router = NewRouter(s.svcs, nil, Auth{Secret: testSecret, OperatorID: testOperator}, logger)
}

func token(sub string, ttl time.Duration) string {
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		panic(err)
	}
	return signed
}

func (s *RouterSuite) do(method, path, sub, body string, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if sub != "" {
		req.Header.Set("Authorization", "Bearer "+token(sub, time.Hour))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *RouterSuite) createGame() {
	body := `{
		"title": "Cup Final 2026",
		"sale_start": "2020-01-01T00:00:00Z",
		"ticket_types": [{"type_name": "vip", "price": "12.50", "supply": 2}]
	}`
	w := s.do(http.MethodPost, "/admin/games", testOperator, body)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
}

func (s *RouterSuite) purchase(buyer string, amount string) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, "/games/cup-final-2026/types/vip/purchase", buyer,
		`{"amount": `+amount+`, "payment_ref": "pi_`+buyer+`"}`)
}

func (s *RouterSuite) TestHealthz() {
	w := s.do(http.MethodGet, "/healthz", "", "")
	s.Equal(http.StatusOK, w.Code)
	s.Equal("ok", gjson.Get(w.Body.String(), "status").String())
}

func (s *RouterSuite) TestAdminRoutesRequireOperator() {
	w := s.do(http.MethodPost, "/admin/games", "", `{}`)
	s.Equal(http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/admin/games", testBuyer, `{"title":"x","sale_start":"2020-01-01T00:00:00Z"}`)
	s.Equal(http.StatusForbidden, w.Code)
	s.Equal("operator only", gjson.Get(w.Body.String(), "error").String())
}

func (s *RouterSuite) TestExpiredToken() {
	req := httptest.NewRequest(http.MethodGet, "/me/tickets", nil)
	req.Header.Set("Authorization", "Bearer "+token(testBuyer, -time.Minute))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	s.Equal(http.StatusUnauthorized, w.Code)
	s.Equal("token expired", gjson.Get(w.Body.String(), "error").String())
}

func (s *RouterSuite) TestCreateGameValidation() {
	w := s.do(http.MethodPost, "/admin/games", testOperator,
		`{"game_id":"bad.id","title":"x","sale_start":"2020-01-01T00:00:00Z"}`)
	s.Equal(http.StatusBadRequest, w.Code)

	s.createGame()

	w = s.do(http.MethodPost, "/admin/games", testOperator,
		`{"title":"Cup Final 2026","sale_start":"2020-01-01T00:00:00Z"}`)
	s.Equal(http.StatusConflict, w.Code)
}

func (s *RouterSuite) TestGetGameETag() {
	s.createGame()

	w := s.do(http.MethodGet, "/games/cup-final-2026", "", "")
	s.Require().Equal(http.StatusOK, w.Code)
	s.Equal(int64(1255), gjson.Get(w.Body.String(), "ticket_types.vip.unit_price").Int())

	etag := w.Header().Get("ETag")
	s.NotEmpty(etag)

	w = s.do(http.MethodGet, "/games/cup-final-2026", "", "", "If-None-Match", etag)
	s.Equal(http.StatusNotModified, w.Code)

	w = s.do(http.MethodGet, "/games/missing", "", "")
	s.Equal(http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/games/active", "", "")
	s.Equal(http.StatusOK, w.Code)
	s.Equal("cup-final-2026", gjson.Get(w.Body.String(), "0.game_id").String())
}

func (s *RouterSuite) TestPurchaseConfirmAndRedeem() {
	s.createGame()

	w := s.purchase(testBuyer, "1000")
	s.Equal(http.StatusPaymentRequired, w.Code)

	w = s.purchase(testBuyer, "1255")
	s.Require().Equal(http.StatusAccepted, w.Code, w.Body.String())

	ticketID := gjson.Get(w.Body.String(), "ticket_id").String()
	s.Equal("cup-final-2026.vip.0", ticketID)
	s.Equal(string(domain.SagaIssueRequested), gjson.Get(w.Body.String(), "state").String())
	s.Len(s.pub.sent, 1)

	w = s.do(http.MethodGet, "/issuances/"+ticketID, "bob.near", "")
	s.Equal(http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/tickets/"+ticketID+"/redeem", testBuyer, "")
	s.Equal(http.StatusConflict, w.Code)

	ctx := context.Background()
	_, err := s.reg.Mint(ctx, ticketID, testBuyer, registry.Metadata{Title: "Cup Final 2026"})
	s.Require().NoError(err)
	s.Require().NoError(s.svcs.Sale.Resolve(ctx, ticketID, true, ""))

	w = s.do(http.MethodGet, "/issuances/"+ticketID, testBuyer, "")
	s.Equal(http.StatusOK, w.Code)
	s.Equal(string(domain.SagaConfirmed), gjson.Get(w.Body.String(), "state").String())

	w = s.do(http.MethodGet, "/tickets/"+ticketID, "", "")
	s.Equal(http.StatusOK, w.Code)
	s.Equal(testBuyer, gjson.Get(w.Body.String(), "owner").String())

	w = s.do(http.MethodGet, "/me/tickets", testBuyer, "")
	s.Equal(http.StatusOK, w.Code)
	s.Equal(int64(1), gjson.Get(w.Body.String(), "#").Int())

	w = s.do(http.MethodPost, "/tickets/"+ticketID+"/redeem", "bob.near", "")
	s.Equal(http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/tickets/"+ticketID+"/redeem", testBuyer, "")
	s.Equal(http.StatusOK, w.Code)
	s.True(gjson.Get(w.Body.String(), "is_used").Bool())

	w = s.do(http.MethodPost, "/tickets/"+ticketID+"/redeem", testBuyer, "")
	s.Equal(http.StatusConflict, w.Code)
	s.Equal("ticket already used", gjson.Get(w.Body.String(), "error").String())
}

func (s *RouterSuite) TestCompensateThenRedeemIsGone() {
	s.createGame()

	w := s.purchase(testBuyer, "1255")
	s.Require().Equal(http.StatusAccepted, w.Code)
	ticketID := gjson.Get(w.Body.String(), "ticket_id").String()

	w = s.do(http.MethodPost, "/admin/issuances/"+ticketID+"/compensate", testOperator, `{"reason":"registry down"}`)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal(string(domain.SagaCompensated), gjson.Get(w.Body.String(), "state").String())

	w = s.do(http.MethodPost, "/admin/issuances/"+ticketID+"/compensate", testOperator, "")
	s.Equal(http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/tickets/"+ticketID+"/redeem", testBuyer, "")
	s.Equal(http.StatusGone, w.Code)

	refund, err := s.store.Refunds().Get(context.Background(), ticketID)
	s.Require().NoError(err)
	s.Equal(int64(1255), refund.Amount)
}

func (s *RouterSuite) TestSoldOutAndSupplyEdit() {
	s.createGame()

	s.Equal(http.StatusAccepted, s.purchase("a.near", "1255").Code)
	s.Equal(http.StatusAccepted, s.purchase("b.near", "1255").Code)

	w := s.purchase("c.near", "1255")
	s.Equal(http.StatusConflict, w.Code)
	s.Equal("ticket type is sold out", gjson.Get(w.Body.String(), "error").String())

	w = s.do(http.MethodPut, "/admin/games/cup-final-2026/types/vip", testOperator, `{"supply": 1}`)
	s.Equal(http.StatusConflict, w.Code)

	w = s.do(http.MethodPut, "/admin/games/cup-final-2026/types/vip", testOperator, `{"supply": 3, "price": "20"}`)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal(int64(2005), gjson.Get(w.Body.String(), "unit_price").Int())

	s.Equal(http.StatusAccepted, s.purchase("c.near", "2005").Code)
}

func (s *RouterSuite) TestSweepEndpoint() {
	w := s.do(http.MethodPost, "/admin/sweep", testOperator, "")
	s.Equal(http.StatusOK, w.Code)
	s.True(gjson.Get(w.Body.String(), "timed_out").Exists())
}

func (s *RouterSuite) TestPaymentFundsOneTicket() {
	s.createGame()

	s.Equal(http.StatusAccepted, s.purchase(testBuyer, "1255").Code)

	w := s.purchase(testBuyer, "1255")
	s.Equal(http.StatusConflict, w.Code)
	s.Equal("payment already funds another ticket", gjson.Get(w.Body.String(), "error").String())
}

func (s *RouterSuite) TestRetryableErrorsAreUnavailable() {
	for _, err := range []error{sale.ErrBusy, sale.ErrPaymentUnavailable} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)

		respondErr(c, fmt.Errorf("service.sale.Purchase:%w", err))

		s.Equal(http.StatusServiceUnavailable, w.Code)
		s.Equal("1", w.Header().Get("Retry-After"))
		s.Equal(err.Error(), gjson.Get(w.Body.String(), "error").String())
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	respondErr(c, fmt.Errorf("service.sale.Purchase:%w", sale.ErrPaymentNotVerified))
	s.Equal(http.StatusPaymentRequired, w.Code)
}

func (s *RouterSuite) TestRegistryMetadata() {
	w := s.do(http.MethodGet, "/registry/metadata", "", "")
	s.Require().Equal(http.StatusOK, w.Code)

	body := w.Body.String()
	s.Equal(registry.DefaultContract.Spec, gjson.Get(body, "spec").String())
	s.Equal(registry.DefaultContract.Name, gjson.Get(body, "name").String())
	s.Equal(registry.DefaultContract.Symbol, gjson.Get(body, "symbol").String())
	s.False(gjson.Get(body, "description").Exists())
}
