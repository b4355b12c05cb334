package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const tokenHeader = "X-Algo-API-Token"

// DefaultValidityWindow is how many rounds a built transaction stays valid.
const DefaultValidityWindow = 1000

// Config holds client configuration.
type Config struct {
	AlgodURL   string
	IndexerURL string
	Token      string
	Timeout    time.Duration
}

// Client is a REST client for the node and the indexer.
type Client struct {
	algodURL   string
	indexerURL string
	token      string
	httpClient *http.Client
}

// NewClient creates a new ledger client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.AlgodURL == "" {
		return nil, errors.New("algod URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	indexer := cfg.IndexerURL
	if indexer == "" {
		indexer = cfg.AlgodURL
	}

	return &Client{
		algodURL:   strings.TrimRight(cfg.AlgodURL, "/"),
		indexerURL: strings.TrimRight(indexer, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// do executes a request and returns the body of a 2xx response.
// A 404 is reported as ErrNotFound.
func (c *Client) do(ctx context.Context, method, base, path string, body []byte, contentType string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set(tokenHeader, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		msg := gjson.GetBytes(respBody, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	return respBody, nil
}

// AssetHolding reports whether address has opted in to assetID and its balance.
func (c *Client) AssetHolding(ctx context.Context, address string, assetID uint64) (Holding, error) {
	path := fmt.Sprintf("/v2/accounts/%s/assets/%d", url.PathEscape(address), assetID)
	body, err := c.do(ctx, http.MethodGet, c.algodURL, path, nil, "")
	if errors.Is(err, ErrNotFound) {
		return Holding{AssetID: assetID}, nil
	}
	if err != nil {
		return Holding{}, errors.Wrap(err, "asset holding")
	}

	holding := gjson.GetBytes(body, "asset-holding")
	if !holding.Exists() {
		return Holding{AssetID: assetID}, nil
	}
	return Holding{
		AssetID: holding.Get("asset-id").Uint(),
		Amount:  holding.Get("amount").Uint(),
		OptedIn: true,
	}, nil
}

// SuggestedParams fetches current network parameters.
func (c *Client) SuggestedParams(ctx context.Context) (Params, error) {
	body, err := c.do(ctx, http.MethodGet, c.algodURL, "/v2/transactions/params", nil, "")
	if err != nil {
		return Params{}, errors.Wrap(err, "suggested params")
	}

	res := gjson.ParseBytes(body)
	first := res.Get("last-round").Uint()
	return Params{
		Fee:         res.Get("fee").Uint(),
		MinFee:      res.Get("min-fee").Uint(),
		FirstValid:  first,
		LastValid:   first + DefaultValidityWindow,
		GenesisID:   res.Get("genesis-id").String(),
		GenesisHash: res.Get("genesis-hash").String(),
	}, nil
}

// SendRawTransaction broadcasts a signed transaction and returns its ID.
func (c *Client) SendRawTransaction(ctx context.Context, signed []byte) (string, error) {
	body, err := c.do(ctx, http.MethodPost, c.algodURL, "/v2/transactions", signed, "application/x-binary")
	if err != nil {
		return "", errors.Wrap(err, "send raw transaction")
	}
	txID := gjson.GetBytes(body, "txId").String()
	if txID == "" {
		return "", errors.New("send raw transaction: empty txId in response")
	}
	return txID, nil
}

// PendingTransaction returns the pool status of a transaction.
func (c *Client) PendingTransaction(ctx context.Context, txID string) (PendingInfo, error) {
	body, err := c.do(ctx, http.MethodGet, c.algodURL, "/v2/transactions/pending/"+url.PathEscape(txID), nil, "")
	if err != nil {
		return PendingInfo{}, err
	}
	res := gjson.ParseBytes(body)
	return PendingInfo{
		ConfirmedRound: res.Get("confirmed-round").Uint(),
		PoolError:      res.Get("pool-error").String(),
	}, nil
}

// LastRound returns the latest round known to the node.
func (c *Client) LastRound(ctx context.Context) (uint64, error) {
	body, err := c.do(ctx, http.MethodGet, c.algodURL, "/v2/status", nil, "")
	if err != nil {
		return 0, errors.Wrap(err, "status")
	}
	return gjson.GetBytes(body, "last-round").Uint(), nil
}

func (c *Client) waitForBlockAfter(ctx context.Context, round uint64) error {
	_, err := c.do(ctx, http.MethodGet, c.algodURL, fmt.Sprintf("/v2/status/wait-for-block-after/%d", round), nil, "")
	return errors.Wrap(err, "wait for block")
}

// WaitForConfirmation polls the pool for up to rounds blocks and returns the
// round the transaction was confirmed in.
func (c *Client) WaitForConfirmation(ctx context.Context, txID string, rounds uint64) (uint64, error) {
	if rounds == 0 {
		rounds = 4
	}

	start, err := c.LastRound(ctx)
	if err != nil {
		return 0, err
	}

	current := start
	for current < start+rounds {
		info, err := c.PendingTransaction(ctx, txID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, errors.Wrap(err, "pending transaction")
		}
		if err == nil {
			if info.Confirmed() {
				return info.ConfirmedRound, nil
			}
			if info.PoolError != "" {
				return 0, errors.Wrap(ErrRejected, info.PoolError)
			}
		}

		if err := c.waitForBlockAfter(ctx, current); err != nil {
			return 0, err
		}
		current++
	}
	return 0, errors.Wrapf(ErrConfirmationTimeout, "%s after %d rounds", txID, rounds)
}

// LookupPayment fetches a confirmed payment or asset transfer from the indexer.
func (c *Client) LookupPayment(ctx context.Context, txID string) (Payment, error) {
	body, err := c.do(ctx, http.MethodGet, c.indexerURL, "/v2/transactions/"+url.PathEscape(txID), nil, "")
	if err != nil {
		return Payment{}, errors.Wrap(err, "lookup transaction")
	}

	tx := gjson.GetBytes(body, "transaction")
	p := Payment{
		ID:             tx.Get("id").String(),
		Sender:         tx.Get("sender").String(),
		ConfirmedRound: tx.Get("confirmed-round").Uint(),
	}
	if pay := tx.Get("payment-transaction"); pay.Exists() {
		p.Receiver = pay.Get("receiver").String()
		p.Amount = pay.Get("amount").Uint()
		return p, nil
	}
	if axfer := tx.Get("asset-transfer-transaction"); axfer.Exists() {
		p.Receiver = axfer.Get("receiver").String()
		p.AssetID = axfer.Get("asset-id").Uint()
		p.Amount = axfer.Get("amount").Uint()
		return p, nil
	}
	return Payment{}, errors.Wrapf(ErrNotFound, "%s is not a transfer", txID)
}

// AssetHolders lists every address opted in to assetID, following the
// indexer's pagination.
func (c *Client) AssetHolders(ctx context.Context, assetID uint64) ([]string, error) {
	var (
		holders []string
		next    string
	)
	for {
		path := fmt.Sprintf("/v2/assets/%d/balances?limit=1000", assetID)
		if next != "" {
			path += "&next=" + url.QueryEscape(next)
		}
		body, err := c.do(ctx, http.MethodGet, c.indexerURL, path, nil, "")
		if err != nil {
			return nil, errors.Wrap(err, "asset balances")
		}

		res := gjson.ParseBytes(body)
		for _, addr := range res.Get("balances.#.address").Array() {
			holders = append(holders, addr.String())
		}
		token := res.Get("next-token").String()
		if token == "" || token == next || len(res.Get("balances").Array()) == 0 {
			return holders, nil
		}
		next = token
	}
}
