// Package httpapi exposes the application services over REST.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	app "github.com/FamShield/safety_layer/internal/app"
	accessdomain "github.com/FamShield/safety_layer/internal/app/domain/access"
	"github.com/FamShield/safety_layer/internal/app/domain/proposal"
	svcerrors "github.com/FamShield/safety_layer/internal/errors"
	"github.com/FamShield/safety_layer/internal/logging"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *requestAudit
}

// NewHandler returns a router exposing the core REST API. The caller identity
// is taken from the request context, set by the auth middleware.
func NewHandler(application *app.Application, auditSink AuditSink) http.Handler {
	h := &handler{app: application, audit: newRequestAudit(200, auditSink)}

	r := mux.NewRouter()
	r.Use(h.recordRequest)

	r.HandleFunc("/families", h.createFamily).Methods(http.MethodPost)
	r.HandleFunc("/families/{id}", h.getFamily).Methods(http.MethodGet)
	r.HandleFunc("/families/{id}/guardians", h.addGuardian).Methods(http.MethodPost)
	r.HandleFunc("/families/{id}/children", h.createChild).Methods(http.MethodPost)
	r.HandleFunc("/families/{id}/children", h.listChildren).Methods(http.MethodGet)
	r.HandleFunc("/families/{id}/proposals", h.listProposals).Methods(http.MethodGet)
	r.HandleFunc("/families/{id}/audit", h.listAudit).Methods(http.MethodGet)
	r.HandleFunc("/families/{id}/removal-requests", h.requestRemoval).Methods(http.MethodPost)
	r.HandleFunc("/families/{id}/removal-requests", h.listRemovals).Methods(http.MethodGet)
	r.HandleFunc("/removal-requests/{id}/respond", h.respondRemoval).Methods(http.MethodPost)

	r.HandleFunc("/children/{id}", h.getChild).Methods(http.MethodGet)
	r.HandleFunc("/children/{id}/proposals", h.createProposal).Methods(http.MethodPost)
	r.HandleFunc("/children/{id}/emergency", h.fileEmergency).Methods(http.MethodPost)
	r.HandleFunc("/children/{id}/grants", h.createGrant).Methods(http.MethodPost)
	r.HandleFunc("/children/{id}/grants", h.listGrants).Methods(http.MethodGet)
	r.HandleFunc("/grants/{id}/revoke", h.revokeGrant).Methods(http.MethodPost)

	r.HandleFunc("/proposals/{id}", h.getProposal).Methods(http.MethodGet)
	r.HandleFunc("/proposals/{id}/respond", h.respondProposal).Methods(http.MethodPost)
	r.HandleFunc("/proposals/{id}/cancel-cooling", h.cancelCooling).Methods(http.MethodPost)
	r.HandleFunc("/proposals/{id}/dispute", h.disputeProposal).Methods(http.MethodPost)

	return r
}

// Families ---------------------------------------------------------------

func (h *handler) createFamily(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerrors.InvalidArgument(err.Error()))
		return
	}
	fam, err := h.app.Families.Create(r.Context(), callerID(r), payload.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fam)
}

func (h *handler) getFamily(w http.ResponseWriter, r *http.Request) {
	fam, err := h.app.Families.Get(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fam)
}

func (h *handler) addGuardian(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		GuardianID string `json:"guardian_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerrors.InvalidArgument(err.Error()))
		return
	}
	fam, err := h.app.Families.AddGuardian(r.Context(), callerID(r), mux.Vars(r)["id"], payload.GuardianID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fam)
}

func (h *handler) createChild(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerrors.InvalidArgument(err.Error()))
		return
	}
	child, err := h.app.Families.CreateChild(r.Context(), callerID(r), mux.Vars(r)["id"], payload.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, child)
}

func (h *handler) listChildren(w http.ResponseWriter, r *http.Request) {
	children, err := h.app.Families.ListChildren(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, children)
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	familyID := mux.Vars(r)["id"]
	if _, err := h.app.Families.Get(r.Context(), callerID(r), familyID); err != nil {
		writeError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.app.Audit.ListAudit(r.Context(), familyID, limit)
	if err != nil {
		writeError(w, svcerrors.Internal("list audit", err))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) requestRemoval(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		GuardianID string `json:"guardian_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerrors.InvalidArgument(err.Error()))
		return
	}
	req, err := h.app.Families.RequestRemoval(r.Context(), callerID(r), mux.Vars(r)["id"], payload.GuardianID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *handler) listRemovals(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.app.Families.ListRemovalRequests(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *handler) respondRemoval(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Approve bool `json:"approve"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerrors.InvalidArgument(err.Error()))
		return
	}
	req, err := h.app.Families.RespondRemoval(r.Context(), callerID(r), mux.Vars(r)["id"], payload.Approve)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Children ---------------------------------------------------------------

func (h *handler) getChild(w http.ResponseWriter, r *http.Request) {
	child, err := h.app.Families.GetChild(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, child)
}

func (h *handler) createProposal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SettingKind   string `json:"setting_kind"`
		ProposedValue string `json:"proposed_value"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerrors.InvalidArgument(err.Error()))
		return
	}
	p, err := h.app.Proposals.Propose(r.Context(), callerID(r), mux.Vars(r)["id"],
		proposal.SettingKind(payload.SettingKind), payload.ProposedValue)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handler) fileEmergency(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SettingKind   string `json:"setting_kind"`
		ProposedValue string `json:"proposed_value"`
		Reason        string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerrors.InvalidArgument(err.Error()))
		return
	}
	p, err := h.app.Proposals.FileEmergency(r.Context(), callerID(r), mux.Vars(r)["id"],
		proposal.SettingKind(payload.SettingKind), payload.ProposedValue, payload.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handler) createGrant(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		CaregiverID string    `json:"caregiver_id"`
		Scopes      []string  `json:"scopes"`
		StartsAt    time.Time `json:"starts_at"`
		EndsAt      time.Time `json:"ends_at"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerrors.InvalidArgument(err.Error()))
		return
	}
	scopes := make([]accessdomain.Scope, 0, len(payload.Scopes))
	for _, s := range payload.Scopes {
		scopes = append(scopes, accessdomain.Scope(s))
	}
	g, err := h.app.Access.Grant(r.Context(), callerID(r), mux.Vars(r)["id"],
		payload.CaregiverID, scopes, payload.StartsAt, payload.EndsAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *handler) listGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.app.Access.ListForChild(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

func (h *handler) revokeGrant(w http.ResponseWriter, r *http.Request) {
	g, err := h.app.Access.Revoke(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// Proposals --------------------------------------------------------------

func (h *handler) getProposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.Proposals.Get(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) listProposals(w http.ResponseWriter, r *http.Request) {
	ps, err := h.app.Proposals.List(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *handler) respondProposal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Approve bool   `json:"approve"`
		Message string `json:"message"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerrors.InvalidArgument(err.Error()))
		return
	}
	result, err := h.app.Proposals.Respond(r.Context(), callerID(r), mux.Vars(r)["id"], payload.Approve, payload.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) cancelCooling(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.Proposals.CancelCooling(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) disputeProposal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerrors.InvalidArgument(err.Error()))
		return
	}
	p, err := h.app.Proposals.Dispute(r.Context(), callerID(r), mux.Vars(r)["id"], payload.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Helpers ----------------------------------------------------------------

func callerID(r *http.Request) string {
	return logging.GetUserID(r.Context())
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	serviceErr := svcerrors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = svcerrors.Internal("internal error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(serviceErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   string(serviceErr.Code),
		"message": serviceErr.Message,
		"details": serviceErr.Details,
	})
}
