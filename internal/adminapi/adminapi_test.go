package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/talkincode/waauth/config"
	"github.com/talkincode/waauth/internal/app"
	"github.com/talkincode/waauth/internal/authstate"
	"github.com/talkincode/waauth/internal/domain"
	"github.com/talkincode/waauth/internal/webserver"
	"github.com/talkincode/waauth/internal/whatsapp"
)

type testEnv struct {
	app     *app.Application
	handler http.Handler
	secret  string
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	cfg := *config.DefaultAppConfig
	cfg.System.Workdir = t.TempDir()
	cfg.System.Location = "UTC"
	cfg.Logger.FileEnable = false
	cfg.Database.Type = "sqlite"
	cfg.Database.Name = "waauth.db"
	cfg.AuthState.Backend = config.BackendDatabase
	cfg.Web.Secret = secret

	a := app.NewApplication(&cfg)
	if err := a.Init(&cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(a.Release)
	svc, err := whatsapp.New(a)
	if err != nil {
		t.Fatalf("whatsapp service: %v", err)
	}
	t.Cleanup(svc.Stop)

	Init()
	return &testEnv{app: a, handler: webserver.NewAdminServer(a).Handler(), secret: secret}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if e.secret != "" {
		req.Header.Set("Authorization", "Bearer "+e.secret)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) *PageMeta {
	t.Helper()
	var resp struct {
		Data json.RawMessage `json:"data"`
		Meta *PageMeta       `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	if data != nil {
		if err := json.Unmarshal(resp.Data, data); err != nil {
			t.Fatalf("decode data %s: %v", resp.Data, err)
		}
	}
	return resp.Meta
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status %d, want %d: %s", rec.Code, want, rec.Body.String())
	}
}

func TestDeviceLifecycle(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/whatsapp/devices", map[string]string{"tenant_id": "3", "phone": " 5511999990001 ", "name": "sales"})
	expectStatus(t, rec, http.StatusCreated)
	var dev domain.WhatsAppDevice
	decode(t, rec, &dev)
	if dev.ID == 0 || dev.TenantId != 3 || dev.Phone != "5511999990001" {
		t.Fatalf("created %+v", dev)
	}
	path := "/whatsapp/devices/" + strconv.FormatInt(dev.ID, 10)

	rec = env.do(t, http.MethodGet, "/whatsapp/devices?tenant_id=3", nil)
	expectStatus(t, rec, http.StatusOK)
	var views []whatsapp.DeviceView
	meta := decode(t, rec, &views)
	if meta == nil || meta.Total != 1 || len(views) != 1 || views[0].Online {
		t.Fatalf("list meta=%+v views=%+v", meta, views)
	}

	expectStatus(t, env.do(t, http.MethodPost, path+"/connect", nil), http.StatusOK)
	rec = env.do(t, http.MethodGet, path, nil)
	expectStatus(t, rec, http.StatusOK)
	var view whatsapp.DeviceView
	decode(t, rec, &view)
	if !view.Online || view.Status != domain.DeviceStatusConnected {
		t.Fatalf("after connect %+v", view)
	}

	expectStatus(t, env.do(t, http.MethodPost, path+"/disconnect", nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodPost, path+"/disconnect", nil), http.StatusConflict)

	expectStatus(t, env.do(t, http.MethodDelete, path, nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodGet, path, nil), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodDelete, path, nil), http.StatusNotFound)
}

func TestDeviceValidation(t *testing.T) {
	env := newTestEnv(t, "")
	expectStatus(t, env.do(t, http.MethodPost, "/whatsapp/devices", map[string]string{"name": "no phone"}), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/whatsapp/devices/abc", nil), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodPost, "/whatsapp/devices/42/connect", nil), http.StatusNotFound)
}

func TestSessionEndpoints(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/whatsapp/devices", map[string]string{"phone": "5511999990002"})
	expectStatus(t, rec, http.StatusCreated)
	var dev domain.WhatsAppDevice
	decode(t, rec, &dev)
	sid := whatsapp.SessionID(dev.ID)
	devicePath := "/whatsapp/devices/" + sid
	expectStatus(t, env.do(t, http.MethodPost, devicePath+"/connect", nil), http.StatusOK)

	sess, ok := env.app.AuthManager().Lookup(sid)
	if !ok {
		t.Fatal("session not open after connect")
	}
	if err := sess.Set(ctx, authstate.KeyUpdates{
		authstate.CategoryPreKey: {"1": map[string]any{"public": []byte{1, 2, 3}}},
	}); err != nil {
		t.Fatal(err)
	}

	rec = env.do(t, http.MethodGet, "/whatsapp/sessions", nil)
	expectStatus(t, rec, http.StatusOK)
	var infos []authstate.SessionInfo
	decode(t, rec, &infos)
	if len(infos) != 1 || infos[0].SessionID != sid || infos[0].KeyCounts[authstate.CategoryPreKey] != 1 {
		t.Fatalf("open sessions %+v", infos)
	}

	rec = env.do(t, http.MethodGet, "/whatsapp/sessions/"+sid, nil)
	expectStatus(t, rec, http.StatusOK)
	var info authstate.SessionInfo
	decode(t, rec, &info)
	if info.Registered || info.Pending || info.SessionID != sid {
		t.Fatalf("info %+v", info)
	}
	expectStatus(t, env.do(t, http.MethodGet, "/whatsapp/sessions/unknown", nil), http.StatusNotFound)

	rec = env.do(t, http.MethodGet, "/whatsapp/sessions/"+sid+"/keys/pre-key?ids=1,2", nil)
	expectStatus(t, rec, http.StatusOK)
	var keys map[string]map[string]map[string]interface{}
	decode(t, rec, &keys)
	if len(keys) != 1 || keys["1"]["public"]["type"] != "Buffer" {
		t.Fatalf("keys %+v", keys)
	}
	expectStatus(t, env.do(t, http.MethodGet, "/whatsapp/sessions/"+sid+"/keys/pre-key", nil), http.StatusBadRequest)

	expectStatus(t, env.do(t, http.MethodPost, "/whatsapp/sessions/"+sid+"/flush", nil), http.StatusOK)

	// auth state of a connected device stays
	expectStatus(t, env.do(t, http.MethodDelete, "/whatsapp/sessions/"+sid, nil), http.StatusConflict)

	rec = env.do(t, http.MethodGet, "/whatsapp/sessions?persisted=true", nil)
	expectStatus(t, rec, http.StatusOK)
	var ids []string
	decode(t, rec, &ids)
	if len(ids) != 1 || ids[0] != sid {
		t.Fatalf("persisted %v", ids)
	}

	expectStatus(t, env.do(t, http.MethodPost, devicePath+"/disconnect", nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodDelete, "/whatsapp/sessions/"+sid, nil), http.StatusOK)

	rec = env.do(t, http.MethodGet, "/whatsapp/sessions?persisted=1", nil)
	ids = nil
	decode(t, rec, &ids)
	if len(ids) != 0 {
		t.Fatalf("persisted after delete %v", ids)
	}
}

func TestJobEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/system/jobs", nil)
	expectStatus(t, rec, http.StatusOK)
	var jobs []jobEntry
	decode(t, rec, &jobs)
	if len(jobs) != 2 {
		t.Fatalf("jobs %+v", jobs)
	}

	rec = env.do(t, http.MethodPost, "/system/jobs/flush", nil)
	expectStatus(t, rec, http.StatusOK)
	var out struct {
		Recovered int `json:"recovered"`
	}
	decode(t, rec, &out)
	if out.Recovered != 0 {
		t.Fatalf("recovered %d", out.Recovered)
	}
}

func TestSecretRequired(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	expectStatus(t, env.do(t, http.MethodGet, "/whatsapp/devices", nil), http.StatusOK)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/whatsapp/devices", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusUnauthorized)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/whatsapp/devices", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		t.Fatal("request without key accepted")
	}
}
