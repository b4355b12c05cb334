package ledger

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{AlgodURL: srv.URL, Token: "secret"})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestAssetHolding(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/accounts/OPTED/assets/42", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get(tokenHeader))
		fmt.Fprint(w, `{"asset-holding":{"asset-id":42,"amount":900,"is-frozen":false}}`)
	})
	mux.HandleFunc("/v2/accounts/NOTOPTED/assets/42", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"account asset info not found"}`)
	})
	c := newTestClient(t, mux)

	h, err := c.AssetHolding(context.Background(), "OPTED", 42)
	require.NoError(t, err)
	assert.True(t, h.OptedIn)
	assert.Equal(t, uint64(900), h.Amount)

	h, err = c.AssetHolding(context.Background(), "NOTOPTED", 42)
	require.NoError(t, err)
	assert.False(t, h.OptedIn)
}

func TestSuggestedParamsAndSend(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/transactions/params", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"fee":0,"min-fee":1000,"last-round":500,"genesis-id":"testnet-v1.0","genesis-hash":"SGO1"}`)
	})
	mux.HandleFunc("/v2/transactions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-binary", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NotEmpty(t, body)
		fmt.Fprint(w, `{"txId":"TXID1"}`)
	})
	c := newTestClient(t, mux)

	p, err := c.SuggestedParams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(500), p.FirstValid)
	assert.Equal(t, uint64(500+DefaultValidityWindow), p.LastValid)
	assert.Equal(t, uint64(1000), p.MinFee)

	id, err := c.SendRawTransaction(context.Background(), []byte("signed"))
	require.NoError(t, err)
	assert.Equal(t, "TXID1", id)
}

func TestSendRawTransactionSurfacesNodeError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"message":"overspend"}`)
	}))

	_, err := c.SendRawTransaction(context.Background(), []byte("signed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overspend")
}

func TestWaitForConfirmation(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"last-round":10}`)
	})
	mux.HandleFunc("/v2/status/wait-for-block-after/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"last-round":11}`)
	})
	mux.HandleFunc("/v2/transactions/pending/TX", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 3 {
			fmt.Fprint(w, `{"confirmed-round":0,"pool-error":""}`)
			return
		}
		fmt.Fprint(w, `{"confirmed-round":12,"pool-error":""}`)
	})
	c := newTestClient(t, mux)

	round, err := c.WaitForConfirmation(context.Background(), "TX", 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), round)
}

func TestWaitForConfirmationTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"last-round":10}`)
	})
	mux.HandleFunc("/v2/status/wait-for-block-after/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("/v2/transactions/pending/TX", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"confirmed-round":0}`)
	})
	c := newTestClient(t, mux)

	_, err := c.WaitForConfirmation(context.Background(), "TX", 2)
	require.ErrorIs(t, err, ErrConfirmationTimeout)
}

func TestWaitForConfirmationRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"last-round":10}`)
	})
	mux.HandleFunc("/v2/transactions/pending/TX", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"confirmed-round":0,"pool-error":"asset not opted in"}`)
	})
	c := newTestClient(t, mux)

	_, err := c.WaitForConfirmation(context.Background(), "TX", 4)
	require.ErrorIs(t, err, ErrRejected)
}

func TestLookupPayment(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/transactions/FEE1", r.URL.Path)
		fmt.Fprint(w, `{"transaction":{"id":"FEE1","sender":"USER","confirmed-round":77,
			"payment-transaction":{"receiver":"TREASURY","amount":10000000}}}`)
	}))

	p, err := c.LookupPayment(context.Background(), "FEE1")
	require.NoError(t, err)
	assert.Equal(t, Payment{ID: "FEE1", Sender: "USER", Receiver: "TREASURY", Amount: 10000000, ConfirmedRound: 77}, p)
}

func TestLookupPaymentAssetTransfer(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"transaction":{"id":"PAY1","sender":"TREASURY","confirmed-round":90,
			"asset-transfer-transaction":{"receiver":"USER","asset-id":42,"amount":500}}}`)
	}))

	p, err := c.LookupPayment(context.Background(), "PAY1")
	require.NoError(t, err)
	assert.Equal(t, Payment{ID: "PAY1", Sender: "TREASURY", Receiver: "USER", AssetID: 42, Amount: 500, ConfirmedRound: 90}, p)
}

func TestLookupPaymentOtherType(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"transaction":{"id":"CFG","sender":"X","confirmed-round":9,"asset-config-transaction":{}}}`)
	}))

	_, err := c.LookupPayment(context.Background(), "CFG")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLastRound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/status", r.URL.Path)
		fmt.Fprint(w, `{"last-round":1234}`)
	}))

	round, err := c.LastRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), round)
}

func TestAssetHoldersFollowsPages(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/v2/assets/42/balances", r.URL.Path)
		switch r.URL.Query().Get("next") {
		case "":
			fmt.Fprint(w, `{"balances":[{"address":"A","amount":0},{"address":"B","amount":7}],"next-token":"page2"}`)
		case "page2":
			fmt.Fprint(w, `{"balances":[{"address":"C","amount":1}]}`)
		default:
			t.Errorf("unexpected token %q", r.URL.Query().Get("next"))
		}
	}))

	holders, err := c.AssetHolders(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, holders)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
