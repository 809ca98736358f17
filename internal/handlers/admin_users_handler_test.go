package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/services/auth"
)

func newUsersHandler(t *testing.T) (*AdminUsersHandler, *authFixture) {
	t.Helper()
	fixture := newAuthFixture(t)
	return NewAdminUsersHandler(fixture.users, fixture.audit, testLogger()), fixture
}

func auditEvents(t *testing.T, audit *auth.Audit, event string) []*models.AuditLog {
	t.Helper()
	page, err := audit.List(context.Background(), &models.AuditFilter{Events: []string{event}})
	require.NoError(t, err)
	return page.Items
}

func TestCreateUserHandler(t *testing.T) {
	handler, fixture := newUsersHandler(t)

	body := `{"username":"oncall","password":"strong-password-1","roles":["operator"]}`
	req := httptest.NewRequest(http.MethodPost, "/admin/users", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.CreateUserHandler(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	profile := decodeBody(t, rec)
	assert.Equal(t, "oncall", profile["username"])
	assert.Equal(t, true, profile["is_active"])
	assert.NotContains(t, rec.Body.String(), "password_hash")

	entries := auditEvents(t, fixture.audit, auth.EventUserCreate)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].TargetType)
	assert.Equal(t, "user", *entries[0].TargetType)
}

func TestCreateUserHandlerDuplicate(t *testing.T) {
	handler, fixture := newUsersHandler(t)
	fixture.createUser(t, "oncall", "strong-password-1")

	body := `{"username":"oncall","password":"another-password-9"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/users", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.CreateUserHandler(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, message := errorEnvelope(t, rec)
	assert.Equal(t, "conflict", code)
	assert.Equal(t, "Username already exists", message)
}

func TestListUsersHandler(t *testing.T) {
	handler, fixture := newUsersHandler(t)
	fixture.createUser(t, "alpha", "strong-password-1")
	fixture.createUser(t, "bravo", "strong-password-2")

	req := httptest.NewRequest(http.MethodGet, "/admin/users?q=alp", nil)
	rec := httptest.NewRecorder()
	handler.ListUsersHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeBody(t, rec)
	assert.Equal(t, float64(1), payload["total"])
	items, ok := payload["items"].([]interface{})
	require.True(t, ok)
	require.Len(t, items, 1)
	first, ok := items[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "alpha", first["username"])
}

func TestPatchUserHandler(t *testing.T) {
	handler, fixture := newUsersHandler(t)
	user := fixture.createUser(t, "oncall", "strong-password-1")

	body := `{"display_name":"On Call","is_active":false}`
	req := httptest.NewRequest(http.MethodPatch, "/admin/users/"+user.ID, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.PatchUserHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	profile := decodeBody(t, rec)
	assert.Equal(t, "On Call", profile["display_name"])
	assert.Equal(t, false, profile["is_active"])

	entries := auditEvents(t, fixture.audit, auth.EventUserUpdate)
	assert.Len(t, entries, 1)
}

func TestPatchUserHandlerNotFound(t *testing.T) {
	handler, _ := newUsersHandler(t)

	req := httptest.NewRequest(http.MethodPatch, "/admin/users/missing", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.PatchUserHandler(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	_, message := errorEnvelope(t, rec)
	assert.Equal(t, "User not found", message)
}

func TestDeleteUserHandler(t *testing.T) {
	handler, fixture := newUsersHandler(t)
	user := fixture.createUser(t, "oncall", "strong-password-1")

	req := httptest.NewRequest(http.MethodDelete, "/admin/users/"+user.ID, nil)
	rec := httptest.NewRecorder()
	handler.DeleteUserHandler(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)

	gone, err := fixture.users.GetByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	entries := auditEvents(t, fixture.audit, auth.EventUserDelete)
	assert.Len(t, entries, 1)
}

func TestDeleteUserHandlerLastSuperuser(t *testing.T) {
	handler, fixture := newUsersHandler(t)
	admin, err := fixture.users.Create(context.Background(), &models.UserCreateRequest{
		Username:    "admin",
		Password:    "strong-password-1",
		IsSuperuser: true,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/admin/users/"+admin.ID, nil)
	rec := httptest.NewRecorder()
	handler.DeleteUserHandler(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, message := errorEnvelope(t, rec)
	assert.Equal(t, "conflict", code)
	assert.Equal(t, "Cannot remove the last superuser", message)
}

func TestImportUsersHandler(t *testing.T) {
	handler, fixture := newUsersHandler(t)
	fixture.createUser(t, "existing", "strong-password-1")

	body := `[
		{"username":"existing","display_name":"Existing Person"},
		{"username":"fresh","password":"strong-password-2"},
		{"username":"broken"}
	]`
	req := httptest.NewRequest(http.MethodPost, "/admin/users/import", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ImportUsersHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody(t, rec)
	assert.Equal(t, float64(1), report["created"])
	assert.Equal(t, float64(1), report["updated"])
	errorsList, ok := report["errors"].([]interface{})
	require.True(t, ok)
	require.Len(t, errorsList, 1)
	assert.Contains(t, errorsList[0], "password required for new accounts")

	entries := auditEvents(t, fixture.audit, auth.EventUserImport)
	assert.Len(t, entries, 1)
}
