package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/punchamoorthee/refdrop/internal/domain"
	"github.com/punchamoorthee/refdrop/internal/models"
	"github.com/punchamoorthee/refdrop/internal/service"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReferrals struct {
	signupErr error
	lastReq   models.SignupRequest
	accounts  map[string]*domain.Account
}

func (s *stubReferrals) Signup(_ context.Context, req models.SignupRequest) (*domain.Account, error) {
	s.lastReq = req
	if s.signupErr != nil {
		return nil, s.signupErr
	}
	return &domain.Account{ID: "acc-1", ReferralCode: "ABCD1234", CreditBalance: 5, ReferredBy: domain.RootAccountID}, nil
}

func (s *stubReferrals) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	acc, ok := s.accounts[id]
	if !ok {
		return nil, service.ErrAccountNotFound
	}
	return acc, nil
}

func (s *stubReferrals) Team(ctx context.Context, id string) ([]models.TeamLevel, error) {
	if _, err := s.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return []models.TeamLevel{{Level: 1, Count: 2}, {Level: 2, Count: 0}}, nil
}

type stubPayouts struct {
	runErr   error
	lastOpt  service.RunOptions
	lastMass models.MassSendRequest
	calls    int
	ctxErr   error
}

func (s *stubPayouts) Run(ctx context.Context, opts service.RunOptions) (*service.RunReport, error) {
	s.calls++
	s.lastOpt = opts
	s.ctxErr = ctx.Err()
	if s.runErr != nil {
		return nil, s.runErr
	}
	return &service.RunReport{
		Payouts: []models.PaidAccount{{AccountID: "acc-1", Amount: 10, TransactionID: "TX1"}},
		Skipped: 1,
	}, nil
}

func (s *stubPayouts) History(_ context.Context, id string) (*models.PayoutHistoryResponse, error) {
	if id != "acc-1" {
		return nil, service.ErrAccountNotFound
	}
	return &models.PayoutHistoryResponse{
		AccountID: id,
		TotalPaid: 10,
		Payouts:   []domain.PayoutEntry{{Amount: 10, TransactionID: "TX1"}},
	}, nil
}

func (s *stubPayouts) MassSend(ctx context.Context, req models.MassSendRequest) (*models.MassSendResponse, error) {
	s.calls++
	s.lastMass = req
	s.ctxErr = ctx.Err()
	if s.runErr != nil {
		return nil, s.runErr
	}
	return &models.MassSendResponse{
		Message:      "Mass send to opted-in wallets completed.",
		TotalWallets: 2,
		Results: []models.MassSendResult{
			{Address: "W1", TransactionID: "TX1", Status: "success"},
			{Address: "W2", Status: "failed", Error: "submission failed"},
		},
	}, nil
}

type stubCampaigns struct {
	created   []models.CreateCampaignRequest
	claimErr  error
	pending   bool
	claimCtx  error
	campaigns map[string]*domain.Campaign
}

func (s *stubCampaigns) Create(_ context.Context, req models.CreateCampaignRequest) (*domain.Campaign, error) {
	if _, ok := s.campaigns[req.TokenName]; ok {
		return nil, service.ErrCampaignActive
	}
	s.created = append(s.created, req)
	c := &domain.Campaign{ID: "camp-1", TokenName: req.TokenName, AssetID: req.AssetID, AmountPerClaim: req.AmountPerClaim, TotalAmount: req.TotalAmount}
	s.campaigns[req.TokenName] = c
	return c, nil
}

func (s *stubCampaigns) Active(_ context.Context, token string) (*domain.Campaign, error) {
	c, ok := s.campaigns[token]
	if !ok {
		return nil, service.ErrCampaignNotFound
	}
	return c, nil
}

func (s *stubCampaigns) Claim(ctx context.Context, token string, req models.ClaimRequest) (*models.ClaimResponse, error) {
	s.claimCtx = ctx.Err()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	c, err := s.Active(ctx, token)
	if err != nil {
		return nil, err
	}
	status := domain.PayoutConfirmed
	if s.pending {
		status = domain.PayoutPending
	}
	return &models.ClaimResponse{CampaignID: c.ID, Address: req.Address, Amount: c.AmountPerClaim, TransactionID: "TXC", Status: status}, nil
}

type stubVerifier struct {
	verifyErr error
	optedIn   bool
}

func (s *stubVerifier) Verify(_ context.Context, id string, _ models.VerifyRequest) (*domain.Account, error) {
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return &domain.Account{ID: id, Verified: true}, nil
}

func (s *stubVerifier) OptInStatus(_ context.Context, id string) (bool, error) {
	if id != "acc-1" {
		return false, service.ErrAccountNotFound
	}
	return s.optedIn, nil
}

type stubAuth struct{ password string }

func (a stubAuth) Check(p string) error {
	if p == "" || p != a.password {
		return service.ErrUnauthorized
	}
	return nil
}

type testEnv struct {
	referrals *stubReferrals
	payouts   *stubPayouts
	verifier  *stubVerifier
	campaigns *stubCampaigns
	server    http.Handler
}

func newTestEnv() *testEnv {
	log, _ := logtest.NewNullLogger()
	env := &testEnv{
		referrals: &stubReferrals{accounts: map[string]*domain.Account{
			"acc-1": {ID: "acc-1", Email: "a@example.com", ReferralCode: "ABCD1234", CreditBalance: 15},
		}},
		payouts:   &stubPayouts{},
		verifier:  &stubVerifier{optedIn: true},
		campaigns: &stubCampaigns{campaigns: map[string]*domain.Campaign{}},
	}
	env.server = NewRouter(NewHandler(env.referrals, env.payouts, env.verifier, env.campaigns, stubAuth{password: "op"}, log))
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestSignupHandler(t *testing.T) {
	env := newTestEnv()

	rec := env.do("POST", "/api/v1/accounts", `{"email":"a@example.com","referral_code":"XYZ"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/api/v1/accounts/acc-1", rec.Header().Get("Location"))

	var resp models.SignupResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "acc-1", resp.AccountID)
	assert.Equal(t, "ABCD1234", resp.ReferralCode)
	assert.Equal(t, int64(5), resp.CreditBalance)
	assert.Equal(t, "XYZ", env.referrals.lastReq.ReferralCode)
}

func TestSignupHandlerErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"malformed json", `{"email":`, nil, http.StatusBadRequest, "Malformed JSON body"},
		{"validation", `{}`, fmt.Errorf("%w: email is required", service.ErrValidation), http.StatusBadRequest, "email is required"},
		{"bad code", `{"email":"a@example.com","referral_code":"NOPE"}`, service.ErrInvalidReferralCode, http.StatusBadRequest, "Invalid referral code"},
		{"wallet taken", `{"email":"a@example.com"}`, service.ErrConflict, http.StatusConflict, "Wallet address already registered"},
		{"root missing", `{"email":"a@example.com"}`, service.ErrRootMissing, http.StatusInternalServerError, "Service misconfigured"},
		{"store down", `{"email":"a@example.com"}`, fmt.Errorf("tx begin failed: %w", context.DeadlineExceeded), http.StatusInternalServerError, "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.referrals.signupErr = tt.err

			rec := env.do("POST", "/api/v1/accounts", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)

			var body map[string]string
			decodeBody(t, rec, &body)
			assert.Contains(t, body["error"], tt.wantMsg)
			assert.NotContains(t, body["error"], "deadline", "internal details must not leak")
		})
	}
}

func TestGetAccountHandler(t *testing.T) {
	env := newTestEnv()

	rec := env.do("GET", "/api/v1/accounts/acc-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var acc domain.Account
	decodeBody(t, rec, &acc)
	assert.Equal(t, int64(15), acc.CreditBalance)

	rec = env.do("GET", "/api/v1/accounts/nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTeamHandler(t *testing.T) {
	env := newTestEnv()

	rec := env.do("GET", "/api/v1/accounts/acc-1/team", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var team []models.TeamLevel
	decodeBody(t, rec, &team)
	assert.Equal(t, 2, team[0].Count)

	rec = env.do("GET", "/api/v1/accounts/nobody/team", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOptInHandler(t *testing.T) {
	env := newTestEnv()

	rec := env.do("GET", "/api/v1/accounts/acc-1/opt-in", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.OptInResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.OptedIn)
}

func TestVerifyHandler(t *testing.T) {
	env := newTestEnv()

	rec := env.do("POST", "/api/v1/accounts/acc-1/verify", `{"tx_id":"FEE"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var acc domain.Account
	decodeBody(t, rec, &acc)
	assert.True(t, acc.Verified)

	env.verifier.verifyErr = service.ErrVerificationFailed
	rec = env.do("POST", "/api/v1/accounts/acc-1/verify", `{"tx_id":"FEE"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRunPayoutsHandler(t *testing.T) {
	env := newTestEnv()

	rec := env.do("POST", "/api/v1/payouts/monthly", `{"password":"op","limit":50}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.PayoutRunResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "Monthly payouts processed", resp.Message)
	require.Len(t, resp.Payouts, 1)
	assert.Equal(t, "TX1", resp.Payouts[0].TransactionID)
	assert.Equal(t, 1, resp.Skipped)
	assert.Equal(t, 50, env.payouts.lastOpt.Limit)
}

func TestRunPayoutsHandlerErrors(t *testing.T) {
	env := newTestEnv()

	rec := env.do("POST", "/api/v1/payouts/monthly", `{"password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, env.payouts.calls, "no run without a valid password")

	rec = env.do("POST", "/api/v1/payouts/monthly", `{"password":"op","limit":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.payouts.runErr = service.ErrRunInProgress
	rec = env.do("POST", "/api/v1/payouts/monthly", `{"password":"op"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.payouts.runErr = service.ErrSignerNotConfigured
	rec = env.do("POST", "/api/v1/payouts/monthly", `{"password":"op"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRunPayoutsHandlerIgnoresClientDisconnect(t *testing.T) {
	env := newTestEnv()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/api/v1/payouts/monthly", strings.NewReader(`{"password":"op"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.payouts.calls)
	assert.NoError(t, env.payouts.ctxErr, "run must not see the request's cancellation")
}

func TestMassSendHandler(t *testing.T) {
	env := newTestEnv()

	rec := env.do("POST", "/api/v1/payouts/mass-send", `{"password":"wrong","asset_id":9,"amount":5}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, env.payouts.calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/api/v1/payouts/mass-send", strings.NewReader(`{"password":"op","asset_id":9,"amount":5,"decimals":2}`)).WithContext(ctx)
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, env.payouts.ctxErr)
	assert.Equal(t, uint64(9), env.payouts.lastMass.AssetID)
	assert.Equal(t, int32(2), env.payouts.lastMass.Decimals)

	var resp models.MassSendResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp.TotalWallets)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "submission failed", resp.Results[1].Error)

	env.payouts.runErr = service.ErrRunInProgress
	rec = env.do("POST", "/api/v1/payouts/mass-send", `{"password":"op","asset_id":9,"amount":5}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCampaignHandlers(t *testing.T) {
	env := newTestEnv()
	body := `{"password":"op","created_by":"ops","token_name":"DROP","asset_id":77,"amount_per_claim":10,"total_amount":100}`

	rec := env.do("POST", "/api/v1/campaigns", `{"password":"nope","token_name":"DROP"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, env.campaigns.created)

	rec = env.do("POST", "/api/v1/campaigns", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/api/v1/campaigns/DROP", rec.Header().Get("Location"))
	require.Len(t, env.campaigns.created, 1)
	assert.Equal(t, "ops", env.campaigns.created[0].CreatedBy)

	rec = env.do("POST", "/api/v1/campaigns", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do("GET", "/api/v1/campaigns/DROP", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var c domain.Campaign
	decodeBody(t, rec, &c)
	assert.Equal(t, uint64(77), c.AssetID)

	rec = env.do("GET", "/api/v1/campaigns/NONE", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClaimHandler(t *testing.T) {
	env := newTestEnv()
	env.campaigns.campaigns["DROP"] = &domain.Campaign{ID: "camp-1", TokenName: "DROP", AmountPerClaim: 10}

	rec := env.do("POST", "/api/v1/campaigns/DROP/claims", `{"address":"W1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.ClaimResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "W1", resp.Address)
	assert.Equal(t, int64(10), resp.Amount)
	assert.Equal(t, domain.PayoutConfirmed, resp.Status)

	env.campaigns.pending = true
	rec = env.do("POST", "/api/v1/campaigns/DROP/claims", `{"address":"W2"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	tests := []struct {
		err  error
		code int
	}{
		{service.ErrAlreadyClaimed, http.StatusConflict},
		{service.ErrCampaignExhausted, http.StatusConflict},
		{service.ErrCampaignNotFound, http.StatusNotFound},
		{service.ErrNotOptedIn, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: node unavailable", service.ErrTransferFailed), http.StatusBadGateway},
	}
	for _, tt := range tests {
		env.campaigns.claimErr = tt.err
		rec = env.do("POST", "/api/v1/campaigns/DROP/claims", `{"address":"W3"}`)
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())

		var body map[string]string
		decodeBody(t, rec, &body)
		assert.NotContains(t, body["error"], "node unavailable")
	}
}

func TestGetPayoutTotalHandler(t *testing.T) {
	env := newTestEnv()

	rec := env.do("GET", "/api/v1/payouts/acc-1/total", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist models.PayoutHistoryResponse
	decodeBody(t, rec, &hist)
	assert.Equal(t, int64(10), hist.TotalPaid)
	assert.Len(t, hist.Payouts, 1)

	rec = env.do("GET", "/api/v1/payouts/nobody/total", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv()

	rec := env.do("GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	env.do("GET", "/api/v1/accounts/acc-1", "")
	rec = env.do("GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "refdrop_http_requests_total")
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv()
	rec := env.do("GET", "/api/v1/payouts/monthly", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
