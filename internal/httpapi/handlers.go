package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"retailops/backend/internal/domain"
)

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (a *API) handleRecordSale(w http.ResponseWriter, r *http.Request) {
	var req domain.RecordSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	detail, err := a.service.RecordSale(r.Context(), req, actorFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	detail, err := a.service.GetSaleDetail(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleMarkPrinted always answers 200; a failed write comes back as a warning.
func (a *API) handleMarkPrinted(w http.ResponseWriter, r *http.Request) {
	result := a.service.MarkPrinted(r.Context(), chi.URLParam(r, "couponID"), actorFrom(r.Context()))
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleReceiveCoupon(w http.ResponseWriter, r *http.Request) {
	var req domain.ReceiveCouponRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.ReceiveByReceiptNumber(r.Context(), req.ReceiptNumber, actorFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleIssueCoupon returns the sale's active coupon, issuing one if missing.
func (a *API) handleIssueCoupon(w http.ResponseWriter, r *http.Request) {
	coupon, err := a.service.IssueCoupon(r.Context(), chi.URLParam(r, "saleID"), actorFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, coupon)
}

func (a *API) handleReissueCoupon(w http.ResponseWriter, r *http.Request) {
	coupon, err := a.service.ReissueCoupon(r.Context(), chi.URLParam(r, "saleID"), actorFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, coupon)
}

// handleStartPicking reports a lost race as a 200 with outcome lost_race.
func (a *API) handleStartPicking(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.StartPicking(r.Context(), chi.URLParam(r, "saleID"), actorFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleSetPicked(w http.ResponseWriter, r *http.Request) {
	req := domain.SetPickedRequest{Picked: true}
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.SetPicked(r.Context(), chi.URLParam(r, "itemID"), req.Picked, actorFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleInitiateReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.InitiateReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.InitiateFullReturn(r.Context(), chi.URLParam(r, "saleID"), req.Reason, actorFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleApproveReturns(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnGroupActionRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.ApproveGroup(r.Context(), chi.URLParam(r, "saleID"), req.ReturnIDs, actorFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRejectReturns(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnGroupActionRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.RejectGroup(r.Context(), chi.URLParam(r, "saleID"), req.ReturnIDs, actorFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleCouponQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := a.service.CouponQueues(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

func (a *API) handleReturnQueue(w http.ResponseWriter, r *http.Request) {
	tab := domain.ReturnQueueTab(strings.TrimSpace(r.URL.Query().Get("tab")))
	queue, err := a.service.ReturnQueue(r.Context(), tab)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := parsePositiveLimit(query.Get("limit"), 200, 1000)
	logs, err := a.service.ListAuditLogs(r.Context(), strings.TrimSpace(query.Get("branch_id")), strings.TrimSpace(query.Get("date")), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (a *API) handleListStaff(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.auth.ListStaff(r.Context()))
}

func (a *API) handleCreateStaff(w http.ResponseWriter, r *http.Request) {
	var req domain.StaffCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	staff, err := a.auth.CreateStaff(r.Context(), req)
	if errors.Is(err, errUsernameTaken) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, staff)
}
