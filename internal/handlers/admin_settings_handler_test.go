package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/toolbox/internal/services/auth"
)

func newSettingsHandler(t *testing.T) (*AdminSettingsHandler, *authFixture) {
	t.Helper()
	fixture := newAuthFixture(t)
	return NewAdminSettingsHandler(fixture.settings, fixture.audit, testLogger()), fixture
}

func TestCatalogSettingsRoundTrip(t *testing.T) {
	handler, fixture := newSettingsHandler(t)

	getReq := httptest.NewRequest(http.MethodGet, "/admin/settings/catalog", nil)
	getRec := httptest.NewRecorder()
	handler.GetCatalogSettingsHandler(getRec, getReq)

	require.Equal(t, http.StatusOK, getRec.Code)
	current := decodeBody(t, getRec)
	assert.Equal(t, "", current["catalog_url"], "fixture has no configured catalog")

	putReq := httptest.NewRequest(http.MethodPut, "/admin/settings/catalog",
		strings.NewReader(`{"catalog_url":"https://catalog.example.com/toolkits.json"}`))
	putRec := httptest.NewRecorder()
	handler.UpdateCatalogSettingsHandler(putRec, putReq)

	require.Equal(t, http.StatusOK, putRec.Code, putRec.Body.String())
	updated := decodeBody(t, putRec)
	assert.Equal(t, "https://catalog.example.com/toolkits.json", updated["catalog_url"])

	entries := auditEvents(t, fixture.audit, auth.EventSettingsUpdate)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].TargetID)
	assert.Equal(t, "catalog", *entries[0].TargetID)
}

func TestUpdateCatalogSettingsHandlerRejectsNonHTTP(t *testing.T) {
	handler, _ := newSettingsHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/admin/settings/catalog",
		strings.NewReader(`{"catalog_url":"ftp://catalog.example.com"}`))
	rec := httptest.NewRecorder()
	handler.UpdateCatalogSettingsHandler(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	_, message := errorEnvelope(t, rec)
	assert.Equal(t, "catalog_url must be an http(s) URL", message)
}

func TestUpdateCatalogSettingsHandlerClearsOverride(t *testing.T) {
	handler, _ := newSettingsHandler(t)

	setReq := httptest.NewRequest(http.MethodPut, "/admin/settings/catalog",
		strings.NewReader(`{"catalog_url":"https://catalog.example.com/toolkits.json"}`))
	setRec := httptest.NewRecorder()
	handler.UpdateCatalogSettingsHandler(setRec, setReq)
	require.Equal(t, http.StatusOK, setRec.Code)

	clearReq := httptest.NewRequest(http.MethodPut, "/admin/settings/catalog",
		strings.NewReader(`{"catalog_url":""}`))
	clearRec := httptest.NewRecorder()
	handler.UpdateCatalogSettingsHandler(clearRec, clearReq)

	require.Equal(t, http.StatusOK, clearRec.Code)
	cleared := decodeBody(t, clearRec)
	assert.Equal(t, "", cleared["catalog_url"], "clearing falls back to the configured default")
}
