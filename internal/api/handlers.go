package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/refdrop/internal/domain"
	"github.com/punchamoorthee/refdrop/internal/models"
	"github.com/punchamoorthee/refdrop/internal/service"
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

func (h *Handler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/accounts"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req models.SignupRequest
	if err := decode(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}

	acc, err := h.referrals.Signup(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}

	w.Header().Set("Location", "/api/v1/accounts/"+acc.ID)
	h.respondJSON(w, http.StatusCreated, models.SignupResponse{
		AccountID:     acc.ID,
		ReferralCode:  acc.ReferralCode,
		CreditBalance: acc.CreditBalance,
		WalletAddress: acc.Wallet(),
		Verified:      acc.Verified,
	}, method, endpoint)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/accounts/{id}"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	acc, err := h.referrals.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, acc, method, endpoint)
}

func (h *Handler) GetTeamHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/accounts/{id}/team"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	team, err := h.referrals.Team(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, team, method, endpoint)
}

func (h *Handler) GetOptInHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/accounts/{id}/opt-in"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	optedIn, err := h.verifier.OptInStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, models.OptInResponse{OptedIn: optedIn}, method, endpoint)
}

func (h *Handler) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/accounts/{id}/verify"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req models.VerifyRequest
	if err := decode(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}

	acc, err := h.verifier.Verify(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, acc, method, endpoint)
}

// RunPayoutsHandler runs settlement synchronously and reports the outcome.
// The run is detached from the request: a client that disconnects does not
// stop it halfway.
func (h *Handler) RunPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/payouts/monthly"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req models.PayoutRunRequest
	if err := decode(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}
	if req.Limit < 0 {
		h.respondError(w, http.StatusBadRequest, "Limit must not be negative", method, endpoint)
		return
	}
	if err := h.auth.Check(req.Password); err != nil {
		h.log.WithField("remote", r.RemoteAddr).Warn("payout run rejected: bad operator password")
		h.respondServiceError(w, err, method, endpoint)
		return
	}

	report, err := h.payouts.Run(context.WithoutCancel(r.Context()), service.RunOptions{Limit: req.Limit})
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}

	h.respondJSON(w, http.StatusOK, models.PayoutRunResponse{
		Message: "Monthly payouts processed",
		Payouts: report.Payouts,
		Skipped: report.Skipped,
		Failed:  report.Failed,
	}, method, endpoint)
}

func (h *Handler) GetPayoutTotalHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/payouts/{id}/total"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	hist, err := h.payouts.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, hist, method, endpoint)
}

// MassSendHandler sends an asset to every opted-in wallet. Like a payout run
// it outlives the request once started.
func (h *Handler) MassSendHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/payouts/mass-send"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req models.MassSendRequest
	if err := decode(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}
	if err := h.auth.Check(req.Password); err != nil {
		h.log.WithField("remote", r.RemoteAddr).Warn("mass send rejected: bad operator password")
		h.respondServiceError(w, err, method, endpoint)
		return
	}

	resp, err := h.payouts.MassSend(context.WithoutCancel(r.Context()), req)
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, resp, method, endpoint)
}

func (h *Handler) CreateCampaignHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/campaigns"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req models.CreateCampaignRequest
	if err := decode(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}
	if err := h.auth.Check(req.Password); err != nil {
		h.log.WithField("remote", r.RemoteAddr).Warn("campaign create rejected: bad operator password")
		h.respondServiceError(w, err, method, endpoint)
		return
	}

	campaign, err := h.campaigns.Create(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}
	w.Header().Set("Location", "/api/v1/campaigns/"+campaign.TokenName)
	h.respondJSON(w, http.StatusCreated, campaign, method, endpoint)
}

func (h *Handler) GetCampaignHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/campaigns/{token}"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	campaign, err := h.campaigns.Active(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, campaign, method, endpoint)
}

// ClaimHandler answers 202 when the transfer went out but was not yet
// confirmed.
func (h *Handler) ClaimHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/campaigns/{token}/claims"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req models.ClaimRequest
	if err := decode(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}

	resp, err := h.campaigns.Claim(context.WithoutCancel(r.Context()), mux.Vars(r)["token"], req)
	if err != nil {
		h.respondServiceError(w, err, method, endpoint)
		return
	}
	code := http.StatusOK
	if resp.Status != domain.PayoutConfirmed {
		code = http.StatusAccepted
	}
	h.respondJSON(w, code, resp, method, endpoint)
}
