package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/refdrop/internal/domain"
	"github.com/punchamoorthee/refdrop/internal/models"
	"github.com/punchamoorthee/refdrop/internal/service"
	"github.com/sirupsen/logrus"
)

// Metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refdrop_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "refdrop_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30, 120},
	}, []string{"method", "endpoint"})
)

const maxBodyBytes = 1 << 20

type Referrals interface {
	Signup(ctx context.Context, req models.SignupRequest) (*domain.Account, error)
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	Team(ctx context.Context, id string) ([]models.TeamLevel, error)
}

type Payouts interface {
	Run(ctx context.Context, opts service.RunOptions) (*service.RunReport, error)
	History(ctx context.Context, accountID string) (*models.PayoutHistoryResponse, error)
	MassSend(ctx context.Context, req models.MassSendRequest) (*models.MassSendResponse, error)
}

type Campaigns interface {
	Create(ctx context.Context, req models.CreateCampaignRequest) (*domain.Campaign, error)
	Active(ctx context.Context, tokenName string) (*domain.Campaign, error)
	Claim(ctx context.Context, tokenName string, req models.ClaimRequest) (*models.ClaimResponse, error)
}

type Verifier interface {
	Verify(ctx context.Context, accountID string, req models.VerifyRequest) (*domain.Account, error)
	OptInStatus(ctx context.Context, accountID string) (bool, error)
}

type Authorizer interface {
	Check(password string) error
}

type Handler struct {
	referrals Referrals
	payouts   Payouts
	verifier  Verifier
	campaigns Campaigns
	auth      Authorizer
	log       logrus.FieldLogger
}

func NewHandler(referrals Referrals, payouts Payouts, verifier Verifier, campaigns Campaigns, auth Authorizer, log logrus.FieldLogger) *Handler {
	return &Handler{referrals: referrals, payouts: payouts, verifier: verifier, campaigns: campaigns, auth: auth, log: log}
}

// NewRouter mounts the API under /api/v1 next to /metrics and /health.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/accounts", h.SignupHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/team", h.GetTeamHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/opt-in", h.GetOptInHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/verify", h.VerifyHandler).Methods("POST")
	apiV1.HandleFunc("/payouts/monthly", h.RunPayoutsHandler).Methods("POST")
	apiV1.HandleFunc("/payouts/mass-send", h.MassSendHandler).Methods("POST")
	apiV1.HandleFunc("/payouts/{id}/total", h.GetPayoutTotalHandler).Methods("GET")
	apiV1.HandleFunc("/campaigns", h.CreateCampaignHandler).Methods("POST")
	apiV1.HandleFunc("/campaigns/{token}", h.GetCampaignHandler).Methods("GET")
	apiV1.HandleFunc("/campaigns/{token}/claims", h.ClaimHandler).Methods("POST")
	return r
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// respondServiceError maps service errors to status codes. Only messages we
// wrote ourselves reach the client; everything else is logged.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error, method, endpoint string) {
	var code int
	var msg string
	switch {
	case errors.Is(err, service.ErrValidation):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrInvalidReferralCode):
		code, msg = http.StatusBadRequest, "Invalid referral code"
	case errors.Is(err, service.ErrConflict):
		code, msg = http.StatusConflict, "Wallet address already registered"
	case errors.Is(err, service.ErrAccountNotFound):
		code, msg = http.StatusNotFound, "Account not found"
	case errors.Is(err, service.ErrUnauthorized):
		code, msg = http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, service.ErrRunInProgress):
		code, msg = http.StatusConflict, "Another run is already in progress"
	case errors.Is(err, service.ErrCampaignNotFound):
		code, msg = http.StatusNotFound, "No active campaign for this token"
	case errors.Is(err, service.ErrCampaignActive):
		code, msg = http.StatusConflict, "An active campaign already exists for this token"
	case errors.Is(err, service.ErrAlreadyClaimed):
		code, msg = http.StatusConflict, "Address already claimed"
	case errors.Is(err, service.ErrCampaignExhausted):
		code, msg = http.StatusConflict, "Campaign is fully claimed"
	case errors.Is(err, service.ErrNotOptedIn):
		code, msg = http.StatusUnprocessableEntity, "Address has not opted in to the asset"
	case errors.Is(err, service.ErrTransferFailed):
		h.log.WithError(err).WithField("endpoint", endpoint).Error("transfer failed")
		code, msg = http.StatusBadGateway, "Transfer failed"
	case errors.Is(err, service.ErrVerificationFailed):
		code, msg = http.StatusUnprocessableEntity, "Fee payment could not be verified"
	case errors.Is(err, service.ErrRootMissing), errors.Is(err, service.ErrSignerNotConfigured):
		h.log.WithError(err).WithField("endpoint", endpoint).Error("service misconfigured")
		code, msg = http.StatusInternalServerError, "Service misconfigured"
	default:
		h.log.WithError(err).WithField("endpoint", endpoint).Error("request failed")
		code, msg = http.StatusInternalServerError, "Internal Server Error"
	}
	h.respondError(w, code, msg, method, endpoint)
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
