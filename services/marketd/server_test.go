package marketd

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"bazaar/core/market"
	"bazaar/core/types"
	"bazaar/gateway/middleware"
	"bazaar/native/capability"
	"bazaar/storage"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testIssuer   = "marketctl"
	testAudience = "marketd"
)

type harness struct {
	t        *testing.T
	server   *Server
	inst     *market.Instance[Asset]
	events   *EventLog
	withdraw capability.WithdrawCap
	admin    capability.AdminCap
	creator  types.Address
}

func addr(b byte) types.Address {
	return types.BytesToAddress(bytes.Repeat([]byte{b}, 20))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	eventLog, err := OpenEventLog(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eventLog.Close() })
	feed := NewFeed(8, 0)

	host := market.NewHost[Asset](storage.NewMemDB(), market.Options{
		Emitter: NewSink(eventLog, feed, nil),
	})
	creator := addr(0xc0)
	inst, w, a, err := host.Create(creator, "usd")
	require.NoError(t, err)

	server, err := NewServer(ServerConfig{
		Instance: inst,
		Events:   eventLog,
		Feed:     feed,
		Auth: middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: testSecret,
			Issuer:     testIssuer,
			Audience:   testAudience,
		}, nil),
	})
	require.NoError(t, err)
	return &harness{t: t, server: server, inst: inst, events: eventLog, withdraw: w, admin: a, creator: creator}
}

func (h *harness) token(caller types.Address) string {
	tok, err := middleware.IssueToken(testSecret, testIssuer, testAudience, caller, time.Hour, time.Now())
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path string, caller *types.Address, body any, headers map[string]string) (int, map[string]any) {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set("Authorization", "Bearer "+h.token(*caller))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func errorCode(body map[string]any) string {
	errObj, _ := body["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

func payment(amount string) map[string]any {
	return map[string]any{"payment": map[string]string{"currency": "USD", "amount": amount}}
}

func TestDirectSaleFlow(t *testing.T) {
	h := newHarness(t)
	seller, buyer := addr(1), addr(2)

	status, body := h.do(http.MethodPost, "/v1/listings", &seller, map[string]any{
		"item": map[string]string{"ref": "sword-1", "name": "Sword"},
		"ask":  "1000",
	}, nil)
	require.Equal(t, http.StatusCreated, status, body)
	listingID := body["listingId"].(string)

	status, body = h.do(http.MethodGet, "/v1/listings?max=1000", nil, nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["listings"], 1)

	status, body = h.do(http.MethodGet, "/v1/listings/"+listingID, nil, nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "1000", body["ask"])
	require.Equal(t, seller.String(), body["owner"])

	status, body = h.do(http.MethodPost, "/v1/listings/"+listingID+"/buy", &buyer, payment("999"), nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "amount_mismatch", errorCode(body))

	status, body = h.do(http.MethodPost, "/v1/listings/"+listingID+"/buy", &buyer, payment("1000"), nil)
	require.Equal(t, http.StatusOK, status, body)
	item := body["item"].(map[string]any)
	require.Equal(t, "sword-1", item["ref"])

	status, body = h.do(http.MethodGet, "/v1/balances/"+seller.String(), nil, nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "1000", body["balance"])

	withdrawToken, err := h.withdraw.MarshalText()
	require.NoError(t, err)
	status, body = h.do(http.MethodPost, "/v1/profits/withdraw", &seller, nil, map[string]string{
		headerWithdrawCapability: string(withdrawToken),
	})
	require.Equal(t, http.StatusOK, status, body)
	paid := body["payment"].(map[string]any)
	require.Equal(t, "1000", paid["amount"])
	require.Equal(t, "USD", paid["currency"])

	status, body = h.do(http.MethodPost, "/v1/profits/withdraw", &seller, nil, map[string]string{
		headerWithdrawCapability: string(withdrawToken),
	})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "empty_balance", errorCode(body))

	status, body = h.do(http.MethodGet, "/v1/listings/"+listingID, nil, nil, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", errorCode(body))
}

func TestMutationsRequireBearerToken(t *testing.T) {
	h := newHarness(t)
	status, _ := h.do(http.MethodPost, "/v1/listings", nil, map[string]any{
		"item": map[string]string{"ref": "x"},
		"ask":  "1",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestDelistByNonOwnerIsForbidden(t *testing.T) {
	h := newHarness(t)
	owner, other := addr(1), addr(3)
	_, body := h.do(http.MethodPost, "/v1/listings", &owner, map[string]any{
		"item": map[string]string{"ref": "shield"},
		"ask":  "5",
	}, nil)
	id := body["listingId"].(string)

	status, body := h.do(http.MethodDelete, "/v1/listings/"+id, &other, nil, nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "unauthorized", errorCode(body))

	status, body = h.do(http.MethodDelete, "/v1/listings/"+id, &owner, nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "shield", body["item"].(map[string]any)["ref"])
}

func TestBadRequests(t *testing.T) {
	h := newHarness(t)
	caller := addr(1)

	status, body := h.do(http.MethodGet, "/v1/listings/not-hex", nil, nil, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "bad_request", errorCode(body))

	status, _ = h.do(http.MethodPost, "/v1/listings", &caller, map[string]any{
		"item": map[string]string{"ref": ""},
		"ask":  "1",
	}, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(http.MethodPost, "/v1/listings", &caller, map[string]any{
		"item":  map[string]string{"ref": "a"},
		"ask":   "1",
		"extra": true,
	}, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, body = h.do(http.MethodPost, "/v1/listings", &caller, map[string]any{
		"item": map[string]string{"ref": "a"},
		"ask":  "0",
	}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "invalid_amount", errorCode(body))

	huge := new(big.Int).Lsh(big.NewInt(1), 300).String()
	status, body = h.do(http.MethodPost, "/v1/listings", &caller, map[string]any{
		"item": map[string]string{"ref": "a"},
		"ask":  huge,
	}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "invalid_amount", errorCode(body))

	status, _ = h.do(http.MethodGet, "/v1/events?after=-1", nil, nil, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestRespelledRefCannotBeEscrowedWhileListed(t *testing.T) {
	h := newHarness(t)
	seller, buyer := addr(1), addr(2)

	status, body := h.do(http.MethodPost, "/v1/listings", &seller, map[string]any{
		"item": map[string]string{"ref": " deed-7\n"},
		"ask":  "10",
	}, nil)
	require.Equal(t, http.StatusCreated, status, body)
	listingID := body["listingId"].(string)

	status, body = h.do(http.MethodGet, "/v1/listings/"+listingID, nil, nil, nil)
	require.Equal(t, http.StatusOK, status)
	item := body["item"].(map[string]any)
	require.Equal(t, "deed-7", item["ref"])

	for _, ref := range []string{"deed-7", "ｄｅｅｄ-7"} {
		status, body = h.do(http.MethodPost, "/v1/escrows", &seller, map[string]any{
			"item":  map[string]string{"ref": ref},
			"price": "10",
			"buyer": buyer.String(),
		}, nil)
		require.Equal(t, http.StatusConflict, status, ref)
		require.Equal(t, "already_held", errorCode(body))
	}
}

func TestEscrowFlowWithCustody(t *testing.T) {
	h := newHarness(t)
	seller, buyer := addr(1), addr(2)

	status, body := h.do(http.MethodPost, "/v1/escrows", &seller, map[string]any{
		"item":  map[string]string{"ref": "painting"},
		"price": "250",
		"buyer": buyer.String(),
	}, nil)
	require.Equal(t, http.StatusCreated, status, body)
	id := body["escrowId"].(string)

	status, body = h.do(http.MethodPost, "/v1/escrows/"+id+"/release", &seller, nil, nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "wrong_state", errorCode(body))

	status, body = h.do(http.MethodPost, "/v1/escrows/"+id+"/pay", &seller, payment("250"), nil)
	require.Equal(t, http.StatusForbidden, status)

	status, body = h.do(http.MethodPost, "/v1/escrows/"+id+"/pay", &buyer, payment("250"), nil)
	require.Equal(t, http.StatusOK, status, body)

	status, body = h.do(http.MethodGet, "/v1/escrows/"+id, nil, nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "paid", body["status"])
	require.Equal(t, "250", body["payment"].(map[string]any)["amount"])

	status, _ = h.do(http.MethodPost, "/v1/escrows/"+id+"/release", &seller, nil, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = h.do(http.MethodGet, "/v1/escrows/"+id, nil, nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "released", body["status"])

	status, body = h.do(http.MethodPost, "/v1/escrows/"+id+"/release", &seller, nil, nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "already_resolved", errorCode(body))

	status, body = h.do(http.MethodGet, "/v1/custody", &buyer, nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["items"], 1)

	status, body = h.do(http.MethodPost, "/v1/custody/collect", &buyer, nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "painting", body["items"].([]any)[0].(map[string]any)["ref"])

	status, body = h.do(http.MethodPost, "/v1/custody/collect", &buyer, nil, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", errorCode(body))
}

func TestResolveRequiresAdminCapability(t *testing.T) {
	h := newHarness(t)
	seller, buyer := addr(1), addr(2)
	_, body := h.do(http.MethodPost, "/v1/escrows", &seller, map[string]any{
		"item":  map[string]string{"ref": "vase"},
		"price": "40",
		"buyer": buyer.String(),
	}, nil)
	id := body["escrowId"].(string)
	status, _ := h.do(http.MethodPost, "/v1/escrows/"+id+"/pay", &buyer, payment("40"), nil)
	require.Equal(t, http.StatusOK, status)

	resolve := map[string]string{"resolution": "refund"}
	status, _ = h.do(http.MethodPost, "/v1/escrows/"+id+"/resolve", nil, resolve, nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = h.do(http.MethodPost, "/v1/escrows/"+id+"/resolve", nil, resolve, map[string]string{
		headerAdminCapability: "garbage",
	})
	require.Equal(t, http.StatusForbidden, status)

	// A withdraw capability is not an admin capability.
	withdrawToken, _ := h.withdraw.MarshalText()
	status, _ = h.do(http.MethodPost, "/v1/escrows/"+id+"/resolve", nil, resolve, map[string]string{
		headerAdminCapability: string(withdrawToken),
	})
	require.Equal(t, http.StatusForbidden, status)

	adminToken, _ := h.admin.MarshalText()
	status, body = h.do(http.MethodPost, "/v1/escrows/"+id+"/resolve", nil, resolve, map[string]string{
		headerAdminCapability: string(adminToken),
	})
	require.Equal(t, http.StatusOK, status, body)

	holdings, err := h.inst.Holdings(buyer)
	require.NoError(t, err)
	require.Len(t, holdings.Payments, 1)
	require.Equal(t, "40", holdings.Payments[0].Amount.String())

	holdings, err = h.inst.Holdings(seller)
	require.NoError(t, err)
	require.Len(t, holdings.Items, 1)
	require.Equal(t, "vase", holdings.Items[0].Ref)
}

func TestEventsEndpointPagesTheLog(t *testing.T) {
	h := newHarness(t)
	seller := addr(1)
	for _, ref := range []string{"a", "b", "c"} {
		status, _ := h.do(http.MethodPost, "/v1/listings", &seller, map[string]any{
			"item": map[string]string{"ref": ref},
			"ask":  "1",
		}, nil)
		require.Equal(t, http.StatusCreated, status)
	}

	status, body := h.do(http.MethodGet, "/v1/events?after=0&limit=2", nil, nil, nil)
	require.Equal(t, http.StatusOK, status)
	events := body["events"].([]any)
	require.Len(t, events, 2)
	require.Equal(t, "market.created", events[0].(map[string]any)["type"])
	require.Equal(t, "market.listing.created", events[1].(map[string]any)["type"])
	require.EqualValues(t, 2, body["next"])

	status, body = h.do(http.MethodGet, "/v1/events?after=2", nil, nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["events"], 2)
	require.EqualValues(t, 4, body["next"])
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	status, body := h.do(http.MethodGet, "/healthz", nil, nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "USD", body["currency"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "bazaar_market_operations_total")
}

func TestEventStreamReplaysAndFollows(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.server)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/stream?cursor=0&consumer=indexer"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() Record {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var rec Record
		require.NoError(t, json.Unmarshal(data, &rec))
		return rec
	}

	first := read()
	require.EqualValues(t, 1, first.Sequence)
	require.Equal(t, "market.created", first.Type)

	_, err = h.inst.List(addr(1), Asset{Ref: "live"}, big.NewInt(1))
	require.NoError(t, err)
	second := read()
	require.EqualValues(t, 2, second.Sequence)
	require.Equal(t, "market.listing.created", second.Type)
	require.Equal(t, addr(1).String(), second.Attributes["owner"])

	require.Eventually(t, func() bool {
		cursor, err := h.events.Cursor(context.Background(), "indexer")
		return err == nil && cursor == 2
	}, 2*time.Second, 10*time.Millisecond)
}
