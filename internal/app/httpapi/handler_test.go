package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/FamShield/safety_layer/internal/app"
	"github.com/FamShield/safety_layer/internal/app/domain/family"
	"github.com/FamShield/safety_layer/internal/app/domain/proposal"
	"github.com/FamShield/safety_layer/internal/logging"
)

func newTestAPI(t *testing.T) http.Handler {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{}, nil)
	require.NoError(t, err)
	return NewHandler(application, nil)
}

// do performs a request as the given user and decodes the JSON response.
func do(t *testing.T, api http.Handler, userID, method, path string, payload, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	req = req.WithContext(context.WithValue(req.Context(), logging.UserIDKey, userID))
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func setupFamily(t *testing.T, api http.Handler) (family.Family, family.Child) {
	t.Helper()
	var fam family.Family
	rec := do(t, api, "g1", http.MethodPost, "/families",
		map[string]string{"name": "testers"}, &fam)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, api, "g1", http.MethodPost, "/families/"+fam.ID+"/guardians",
		map[string]string{"guardian_id": "g2"}, &fam)
	require.Equal(t, http.StatusOK, rec.Code)

	var child family.Child
	rec = do(t, api, "g1", http.MethodPost, "/families/"+fam.ID+"/children",
		map[string]string{"name": "kid"}, &child)
	require.Equal(t, http.StatusCreated, rec.Code)
	return fam, child
}

func TestProposalFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	_, child := setupFamily(t, api)

	var p proposal.Proposal
	rec := do(t, api, "g1", http.MethodPost, "/children/"+child.ID+"/proposals",
		map[string]string{"setting_kind": "screen_time_minutes", "proposed_value": "60"}, &p)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, proposal.StatusPending, p.Status)

	// The proposer cannot approve their own proposal.
	rec = do(t, api, "g1", http.MethodPost, "/proposals/"+p.ID+"/respond",
		map[string]interface{}{"approve": true}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var result struct {
		Proposal       proposal.Proposal `json:"proposal"`
		EnteredCooling bool              `json:"entered_cooling"`
	}
	rec = do(t, api, "g2", http.MethodPost, "/proposals/"+p.ID+"/respond",
		map[string]interface{}{"approve": true, "message": "ok"}, &result)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, proposal.StatusApproved, result.Proposal.Status)
	assert.False(t, result.EnteredCooling)

	var got family.Child
	rec = do(t, api, "g2", http.MethodGet, "/children/"+child.ID, nil, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "60", got.Settings["screen_time_minutes"])
}

func TestCoolingFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	_, child := setupFamily(t, api)

	var p proposal.Proposal
	rec := do(t, api, "g1", http.MethodPost, "/children/"+child.ID+"/proposals",
		map[string]string{"setting_kind": "screen_time_minutes", "proposed_value": "240"}, &p)
	require.Equal(t, http.StatusCreated, rec.Code)

	var result struct {
		Proposal       proposal.Proposal `json:"proposal"`
		EnteredCooling bool              `json:"entered_cooling"`
	}
	rec = do(t, api, "g2", http.MethodPost, "/proposals/"+p.ID+"/respond",
		map[string]interface{}{"approve": true}, &result)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, result.EnteredCooling)
	require.NotNil(t, result.Proposal.Cooling)

	var cancelled proposal.Proposal
	rec = do(t, api, "g1", http.MethodPost, "/proposals/"+p.ID+"/cancel-cooling", nil, &cancelled)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, proposal.StatusCoolingCancelled, cancelled.Status)

	// The live setting never changed.
	var got family.Child
	do(t, api, "g1", http.MethodGet, "/children/"+child.ID, nil, &got)
	assert.Equal(t, "120", got.Settings["screen_time_minutes"])
}

func TestEmergencyAndDisputeOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	_, child := setupFamily(t, api)

	var p proposal.Proposal
	rec := do(t, api, "g1", http.MethodPost, "/children/"+child.ID+"/emergency",
		map[string]string{"setting_kind": "content_filter_level", "proposed_value": "strict", "reason": "incident"}, &p)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, proposal.StatusAutoApplied, p.Status)

	// A decrease cannot go through the emergency path.
	rec = do(t, api, "g1", http.MethodPost, "/children/"+child.ID+"/emergency",
		map[string]string{"setting_kind": "screen_time_minutes", "proposed_value": "500"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var disputed proposal.Proposal
	rec = do(t, api, "g2", http.MethodPost, "/proposals/"+p.ID+"/dispute",
		map[string]string{"reason": "too strict"}, &disputed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, proposal.StatusReverted, disputed.Status)

	var got family.Child
	do(t, api, "g1", http.MethodGet, "/children/"+child.ID, nil, &got)
	assert.Equal(t, "moderate", got.Settings["content_filter_level"])
}

func TestAuthorizationOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	fam, child := setupFamily(t, api)

	rec := do(t, api, "stranger", http.MethodGet, "/families/"+fam.ID, nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, api, "stranger", http.MethodGet, "/children/"+child.ID, nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, api, "g1", http.MethodGet, "/families/does-not-exist", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorBodyShape(t *testing.T) {
	api := newTestAPI(t)
	fam, _ := setupFamily(t, api)

	rec := do(t, api, "stranger", http.MethodGet, "/families/"+fam.ID, nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "permission-denied", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestMalformedPayloadRejected(t *testing.T) {
	api := newTestAPI(t)
	fam, _ := setupFamily(t, api)

	req := httptest.NewRequest(http.MethodPost, "/families/"+fam.ID+"/children",
		bytes.NewBufferString(`{"name": "kid", "unexpected": true}`))
	req = req.WithContext(context.WithValue(req.Context(), logging.UserIDKey, "g1"))
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemovalRequestOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	fam, _ := setupFamily(t, api)

	var req family.RemovalRequest
	rec := do(t, api, "g1", http.MethodPost, "/families/"+fam.ID+"/removal-requests",
		map[string]string{"guardian_id": "g2"}, &req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, family.RemovalPending, req.Status)

	var resolved family.RemovalRequest
	rec = do(t, api, "g2", http.MethodPost, "/removal-requests/"+req.ID+"/respond",
		map[string]interface{}{"approve": false}, &resolved)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, family.RemovalDeclined, resolved.Status)
}

func TestAuditListingOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	fam, child := setupFamily(t, api)

	do(t, api, "g1", http.MethodPost, "/children/"+child.ID+"/proposals",
		map[string]string{"setting_kind": "screen_time_minutes", "proposed_value": "60"}, nil)

	var entries []map[string]interface{}
	rec := do(t, api, "g1", http.MethodGet, fmt.Sprintf("/families/%s/audit?limit=10", fam.ID), nil, &entries)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, entries)
	assert.Equal(t, "proposal.create", entries[len(entries)-1]["action"])
}
