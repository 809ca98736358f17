package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/toolbox/internal/common"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/services/auth"
	"github.com/ternarybob/toolbox/internal/services/settings"
	toolkitsvc "github.com/ternarybob/toolbox/internal/services/toolkits"
)

// toolkitsAPIFixture wires the full toolkit surface: registry, installer,
// catalog, compiled bundle registry, and audit trail.
type toolkitsAPIFixture struct {
	*toolkitFixture
	handler    *ToolkitsHandler
	installer  *toolkitsvc.Installer
	catalog    *toolkitsvc.Catalog
	audit      *auth.Audit
	dispatcher *stubDispatcher
	storageDir string
}

func newToolkitsAPIFixture(t *testing.T) *toolkitsAPIFixture {
	t.Helper()
	base := newToolkitFixture(t)
	logger := testLogger()

	storageDir := filepath.Join(t.TempDir(), "toolkits")
	config := &common.ToolkitsConfig{
		StorageDir:         storageDir,
		UploadMaxBytes:     4 * 1024 * 1024,
		BundleMaxBytes:     4 * 1024 * 1024,
		BundleMaxFileBytes: 2 * 1024 * 1024,
	}

	installer := toolkitsvc.NewInstaller(base.registry, base.bundles, config, logger)
	catalog := toolkitsvc.NewCatalog(base.db, base.registry, installer, config, logger)

	settingsService := settings.NewService(base.db, 90, "", logger)
	audit := auth.NewAudit(base.db, settingsService, logger)

	dispatcher := &stubDispatcher{}
	handler := NewToolkitsHandler(base.registry, installer, catalog, base.bundles, base.bundles, dispatcher, audit, logger)
	return &toolkitsAPIFixture{
		toolkitFixture: base,
		handler:        handler,
		installer:      installer,
		catalog:        catalog,
		audit:          audit,
		dispatcher:     dispatcher,
		storageDir:     storageDir,
	}
}

// bundleZip builds an in-memory zip with a minimal toolkit.json manifest.
func bundleZip(t *testing.T, slug string) []byte {
	t.Helper()
	manifest, err := json.Marshal(map[string]interface{}{"slug": slug})
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("toolkit.json")
	require.NoError(t, err)
	_, err = w.Write(manifest)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// multipartUpload renders a bundle upload form with optional slug override.
func multipartUpload(t *testing.T, filename string, content []byte, slug string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if slug != "" {
		require.NoError(t, form.WriteField("slug", slug))
	}
	part, err := form.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, form.Close())
	return &body, form.FormDataContentType()
}

func TestListToolkitsHandler(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)
	fixture.createToolkit(t, models.ToolkitCreate{Slug: "alpha", Name: "Alpha"}, models.ToolkitOriginCustom)
	fixture.createToolkit(t, models.ToolkitCreate{Slug: "beta", Name: "Beta"}, models.ToolkitOriginBundled)

	req := httptest.NewRequest(http.MethodGet, "/toolkits/", nil)
	rec := httptest.NewRecorder()
	fixture.handler.ListToolkitsHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var records []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(t, records, 2)
}

func TestCreateToolkitHandler(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)

	body := `{"slug":"net-tools","name":"Network Tools","base_path":"/toolkits/net-tools"}`
	req := httptest.NewRequest(http.MethodPost, "/toolkits/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	fixture.handler.CreateToolkitHandler(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	record := decodeBody(t, rec)
	assert.Equal(t, "net-tools", record["slug"])
	assert.Equal(t, models.ToolkitOriginCustom, record["origin"])

	dupReq := httptest.NewRequest(http.MethodPost, "/toolkits/", strings.NewReader(body))
	dupRec := httptest.NewRecorder()
	fixture.handler.CreateToolkitHandler(dupRec, dupReq)

	require.Equal(t, http.StatusBadRequest, dupRec.Code)
	code, message := errorEnvelope(t, dupRec)
	assert.Equal(t, "conflict", code)
	assert.Equal(t, "Toolkit 'net-tools' already exists", message)
}

func TestCreateToolkitHandlerRejectsBadSlug(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/toolkits/", strings.NewReader(`{"slug":"Bad Slug!","name":"X"}`))
	rec := httptest.NewRecorder()
	fixture.handler.CreateToolkitHandler(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, _ := errorEnvelope(t, rec)
	assert.Equal(t, "invalid", code)
}

func TestGetToolkitHandler(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)
	fixture.createToolkit(t, models.ToolkitCreate{Slug: "alpha", Name: "Alpha"}, models.ToolkitOriginCustom)

	req := httptest.NewRequest(http.MethodGet, "/toolkits/alpha", nil)
	rec := httptest.NewRecorder()
	fixture.handler.GetToolkitHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	record := decodeBody(t, rec)
	assert.Equal(t, "Alpha", record["name"])

	missingReq := httptest.NewRequest(http.MethodGet, "/toolkits/ghost", nil)
	missingRec := httptest.NewRecorder()
	fixture.handler.GetToolkitHandler(missingRec, missingReq)

	require.Equal(t, http.StatusNotFound, missingRec.Code)
	_, message := errorEnvelope(t, missingRec)
	assert.Equal(t, "Toolkit not found", message)
}

func TestUpdateToolkitHandlerEnableActivatesBundle(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)
	fixture.createToolkit(t, models.ToolkitCreate{Slug: "demo-kit", Name: "Demo Kit"}, models.ToolkitOriginBundled)
	fixture.bundles.Register(&stubBundle{
		slug:     "demo-kit",
		jobTypes: []string{"demo-kit.scan"},
		handler:  func(ctx context.Context, job *models.Job) error { return nil },
	})

	enableReq := httptest.NewRequest(http.MethodPut, "/toolkits/demo-kit", strings.NewReader(`{"enabled":true}`))
	enableRec := httptest.NewRecorder()
	fixture.handler.UpdateToolkitHandler(enableRec, enableReq)

	require.Equal(t, http.StatusOK, enableRec.Code, enableRec.Body.String())
	record := decodeBody(t, enableRec)
	assert.Equal(t, true, record["enabled"])
	assert.True(t, fixture.bundles.IsLoaded("demo-kit"), "enabling must activate the compiled bundle")
	assert.Len(t, auditEvents(t, fixture.audit, auth.EventToolkitEnable), 1)

	disableReq := httptest.NewRequest(http.MethodPut, "/toolkits/demo-kit", strings.NewReader(`{"enabled":false}`))
	disableRec := httptest.NewRecorder()
	fixture.handler.UpdateToolkitHandler(disableRec, disableReq)

	require.Equal(t, http.StatusOK, disableRec.Code)
	assert.False(t, fixture.bundles.IsLoaded("demo-kit"), "disabling must deactivate the bundle")
	assert.Len(t, auditEvents(t, fixture.audit, auth.EventToolkitDisable), 1)
}

func TestUpdateToolkitHandlerWithoutEnabledChange(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)
	fixture.createToolkit(t, models.ToolkitCreate{Slug: "demo-kit", Name: "Demo Kit"}, models.ToolkitOriginCustom)

	req := httptest.NewRequest(http.MethodPut, "/toolkits/demo-kit", strings.NewReader(`{"description":"updated"}`))
	rec := httptest.NewRecorder()
	fixture.handler.UpdateToolkitHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	record := decodeBody(t, rec)
	assert.Equal(t, "updated", record["description"])
	assert.Empty(t, auditEvents(t, fixture.audit, auth.EventToolkitEnable))
	assert.Empty(t, auditEvents(t, fixture.audit, auth.EventToolkitDisable))
}

func TestDeleteToolkitHandler(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)
	fixture.createToolkit(t, models.ToolkitCreate{Slug: "demo-kit", Name: "Demo Kit", Enabled: true}, models.ToolkitOriginUploaded)

	req := httptest.NewRequest(http.MethodDelete, "/toolkits/demo-kit", nil)
	rec := httptest.NewRecorder()
	fixture.handler.DeleteToolkitHandler(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)

	gone, err := fixture.registry.Get(context.Background(), "demo-kit")
	require.NoError(t, err)
	assert.Nil(t, gone)
	assert.Len(t, auditEvents(t, fixture.audit, auth.EventToolkitRemove), 1)

	missingReq := httptest.NewRequest(http.MethodDelete, "/toolkits/demo-kit", nil)
	missingRec := httptest.NewRecorder()
	fixture.handler.DeleteToolkitHandler(missingRec, missingReq)
	require.Equal(t, http.StatusNotFound, missingRec.Code)
}

func TestInstallToolkitHandler(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)

	body, contentType := multipartUpload(t, "demo.zip", bundleZip(t, "demo-kit"), "")
	req := httptest.NewRequest(http.MethodPost, "/toolkits/install", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	fixture.handler.InstallToolkitHandler(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	payload := decodeBody(t, rec)
	assert.Equal(t, true, payload["uploaded"])
	record, ok := payload["toolkit"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "demo-kit", record["slug"])
	assert.Equal(t, models.ToolkitOriginUploaded, record["origin"])
	assert.Equal(t, false, record["enabled"], "uploads stage disabled")

	assert.FileExists(t, filepath.Join(fixture.storageDir, "demo-kit.zip"))
	assert.Len(t, auditEvents(t, fixture.audit, auth.EventToolkitInstall), 1)
}

func TestInstallToolkitHandlerMissingFile(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	require.NoError(t, form.WriteField("slug", "demo-kit"))
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/toolkits/install", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	fixture.handler.InstallToolkitHandler(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	_, message := errorEnvelope(t, rec)
	assert.Equal(t, "Bundle file is required", message)
}

func TestInstallToolkitHandlerRejectsNonMultipart(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/toolkits/install", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	fixture.handler.InstallToolkitHandler(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	_, message := errorEnvelope(t, rec)
	assert.Equal(t, "Request is not a valid multipart form", message)
}

func TestCommunityCatalogHandlerUnconfigured(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/toolkits/community", nil)
	rec := httptest.NewRecorder()
	fixture.handler.CommunityCatalogHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeBody(t, rec)
	toolkitsList, ok := payload["toolkits"].([]interface{})
	require.True(t, ok)
	assert.Empty(t, toolkitsList)
}

func TestCommunityInstallHandlerUnconfigured(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/toolkits/community/install", strings.NewReader(`{"slug":"demo-kit"}`))
	rec := httptest.NewRecorder()
	fixture.handler.CommunityInstallHandler(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	_, message := errorEnvelope(t, rec)
	assert.Equal(t, "Community catalog is disabled", message)
}

func TestCommunityUpdatesHandlerEmpty(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/toolkits/community/updates", nil)
	rec := httptest.NewRecorder()
	fixture.handler.CommunityUpdatesHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeBody(t, rec)
	updates, ok := payload["updates"].([]interface{})
	require.True(t, ok)
	assert.Empty(t, updates)
}

func TestApplyUpdateHandlerRejectsNonCommunity(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)
	fixture.createToolkit(t, models.ToolkitCreate{Slug: "demo-kit", Name: "Demo Kit"}, models.ToolkitOriginCustom)

	req := httptest.NewRequest(http.MethodPost, "/toolkits/demo-kit/update", nil)
	rec := httptest.NewRecorder()
	fixture.handler.ApplyUpdateHandler(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	_, message := errorEnvelope(t, rec)
	assert.Equal(t, "Updates are only supported for community toolkits", message)
}

func TestToolkitDocsHandler(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)
	fixture.createToolkit(t, models.ToolkitCreate{
		Slug:        "demo-kit",
		Name:        "Demo Kit",
		Description: "Diagnostics",
		BasePath:    "/toolkits/demo-kit",
		Enabled:     true,
	}, models.ToolkitOriginBundled)
	fixture.bundles.Register(&stubBundle{
		slug:     "demo-kit",
		jobTypes: []string{"demo-kit.scan", "demo-kit.probe"},
		handler:  func(ctx context.Context, job *models.Job) error { return nil },
	})

	req := httptest.NewRequest(http.MethodGet, "/toolkits/demo-kit/docs", nil)
	rec := httptest.NewRecorder()
	fixture.handler.ToolkitDocsHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	docs := decodeBody(t, rec)
	assert.Equal(t, "demo-kit", docs["slug"])
	assert.Equal(t, "Diagnostics", docs["description"])

	operations, ok := docs["operations"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"probe", "scan"}, operations, "operations are prefix-stripped and sorted")
}

func TestToolkitDocsHandlerDisabled(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)
	fixture.createToolkit(t, models.ToolkitCreate{Slug: "demo-kit", Name: "Demo Kit", Enabled: false}, models.ToolkitOriginCustom)

	req := httptest.NewRequest(http.MethodGet, "/toolkits/demo-kit/docs", nil)
	rec := httptest.NewRecorder()
	fixture.handler.ToolkitDocsHandler(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	_, message := errorEnvelope(t, rec)
	assert.Equal(t, "Toolkit not found", message)
}

func TestEnqueueToolkitJobHandler(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)
	fixture.createToolkit(t, models.ToolkitCreate{Slug: "demo-kit", Name: "Demo Kit", Enabled: true}, models.ToolkitOriginBundled)

	body := `{"operation":"scan","payload":{"target":"10.0.0.1"}}`
	req := httptest.NewRequest(http.MethodPost, "/toolkits/demo-kit/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	fixture.handler.EnqueueToolkitJobHandler(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "demo-kit", fixture.dispatcher.lastToolkit)
	assert.Equal(t, "scan", fixture.dispatcher.lastOperation)

	payload := decodeBody(t, rec)
	job, ok := payload["job"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "demo-kit.scan", job["type"])
}

func TestEnqueueToolkitJobHandlerValidation(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)
	fixture.createToolkit(t, models.ToolkitCreate{Slug: "demo-kit", Name: "Demo Kit", Enabled: true}, models.ToolkitOriginBundled)
	fixture.createToolkit(t, models.ToolkitCreate{Slug: "dormant", Name: "Dormant", Enabled: false}, models.ToolkitOriginCustom)

	blankReq := httptest.NewRequest(http.MethodPost, "/toolkits/demo-kit/jobs", strings.NewReader(`{"operation":"  "}`))
	blankRec := httptest.NewRecorder()
	fixture.handler.EnqueueToolkitJobHandler(blankRec, blankReq)
	require.Equal(t, http.StatusBadRequest, blankRec.Code)
	_, message := errorEnvelope(t, blankRec)
	assert.Equal(t, "operation is required", message)

	// Disabled and unknown toolkits are indistinguishable to callers.
	for _, slug := range []string{"dormant", "ghost"} {
		req := httptest.NewRequest(http.MethodPost, "/toolkits/"+slug+"/jobs", strings.NewReader(`{"operation":"scan"}`))
		rec := httptest.NewRecorder()
		fixture.handler.EnqueueToolkitJobHandler(rec, req)
		require.Equal(t, http.StatusNotFound, rec.Code, slug)
		_, message := errorEnvelope(t, rec)
		assert.Equal(t, "Toolkit not found", message)
	}
}

func TestGettingStartedHandler(t *testing.T) {
	fixture := newToolkitsAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/toolkits/getting-started", nil)
	rec := httptest.NewRecorder()
	fixture.handler.GettingStartedHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeBody(t, rec)
	for _, key := range []string{"overview", "bundle_format", "upload", "job_queue", "dashboard"} {
		assert.Contains(t, payload, key)
	}
}
