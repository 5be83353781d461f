package adminapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/waauth/internal/authstate"
	"github.com/talkincode/waauth/internal/webserver"
	"github.com/talkincode/waauth/internal/whatsapp"
	"go.uber.org/zap"
)

const flushTimeout = 30 * time.Second

func registerSessionRoutes() {
	webserver.ApiGET("/whatsapp/sessions", listAuthSessions)
	webserver.ApiGET("/whatsapp/sessions/:sid", getAuthSession)
	webserver.ApiGET("/whatsapp/sessions/:sid/keys/:category", getAuthSessionKeys)
	webserver.ApiPOST("/whatsapp/sessions/:sid/flush", flushAuthSession)
	webserver.ApiDELETE("/whatsapp/sessions/:sid", deleteAuthSession)
}

func authManager(c echo.Context) *authstate.Manager {
	a := webserver.GetAppContext(c)
	if a == nil {
		return nil
	}
	return a.AuthManager()
}

// listAuthSessions lists the open sessions. With persisted=true it lists the
// ids known to the store instead.
func listAuthSessions(c echo.Context) error {
	mgr := authManager(c)
	if mgr == nil {
		return fail(c, http.StatusServiceUnavailable, "AUTHSTATE_NOT_INITIALIZED", "Auth state manager not initialized", nil)
	}
	if cast.ToBool(c.QueryParam("persisted")) {
		lister, supported := mgr.Store().(authstate.SessionLister)
		if !supported {
			return fail(c, http.StatusNotImplemented, "NOT_SUPPORTED", "Store cannot list sessions", nil)
		}
		ids, err := lister.ListSessions(c.Request().Context())
		if err != nil {
			return fail(c, http.StatusInternalServerError, "STORE_ERROR", "Failed to list sessions", err.Error())
		}
		return ok(c, ids)
	}

	infos := make([]authstate.SessionInfo, 0)
	for _, id := range mgr.Sessions() {
		if sess, found := mgr.Lookup(id); found {
			infos = append(infos, sess.Info())
		}
	}
	return ok(c, infos)
}

func getAuthSession(c echo.Context) error {
	mgr := authManager(c)
	if mgr == nil {
		return fail(c, http.StatusServiceUnavailable, "AUTHSTATE_NOT_INITIALIZED", "Auth state manager not initialized", nil)
	}
	sess, found := mgr.Lookup(c.Param("sid"))
	if !found {
		return fail(c, http.StatusNotFound, "SESSION_NOT_OPEN", "Session is not open", nil)
	}
	return ok(c, sess.Info())
}

// getAuthSessionKeys returns key material of an open session in its stored
// JSON form. ids is a comma separated list.
func getAuthSessionKeys(c echo.Context) error {
	mgr := authManager(c)
	if mgr == nil {
		return fail(c, http.StatusServiceUnavailable, "AUTHSTATE_NOT_INITIALIZED", "Auth state manager not initialized", nil)
	}
	sess, found := mgr.Lookup(c.Param("sid"))
	if !found {
		return fail(c, http.StatusNotFound, "SESSION_NOT_OPEN", "Session is not open", nil)
	}
	var ids []string
	for _, id := range strings.Split(c.QueryParam("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "ids is required", nil)
	}
	values, err := sess.Get(c.Request().Context(), authstate.Category(c.Param("category")), ids)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "STORE_ERROR", "Failed to read keys", err.Error())
	}
	out := make(map[string]interface{}, len(values))
	for id, v := range values {
		out[id] = authstate.Encode(v)
	}
	return ok(c, out)
}

// flushAuthSession pushes pending writes of an open session to the store.
func flushAuthSession(c echo.Context) error {
	mgr := authManager(c)
	if mgr == nil {
		return fail(c, http.StatusServiceUnavailable, "AUTHSTATE_NOT_INITIALIZED", "Auth state manager not initialized", nil)
	}
	sid := c.Param("sid")
	sess, found := mgr.Lookup(sid)
	if !found {
		return fail(c, http.StatusNotFound, "SESSION_NOT_OPEN", "Session is not open", nil)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), flushTimeout)
	defer cancel()
	if err := sess.Flush(ctx); err != nil {
		zap.L().Warn("adminapi: flush session failed", zap.String("session_id", sid), zap.Error(err))
		return fail(c, http.StatusBadGateway, "FLUSH_FAILED", "Failed to flush session", err.Error())
	}
	return ok(c, sess.Info())
}

// deleteAuthSession deletes the persisted auth state of a session. Sessions
// of connected devices must be disconnected first.
func deleteAuthSession(c echo.Context) error {
	mgr := authManager(c)
	if mgr == nil {
		return fail(c, http.StatusServiceUnavailable, "AUTHSTATE_NOT_INITIALIZED", "Auth state manager not initialized", nil)
	}
	sid := c.Param("sid")
	if id, err := cast.ToInt64E(sid); err == nil {
		if svc := whatsapp.Get(); svc != nil && svc.Online(id) {
			return fail(c, http.StatusConflict, "DEVICE_ONLINE", "Disconnect the device first", nil)
		}
	}
	if err := mgr.Remove(c.Request().Context(), sid); err != nil {
		return fail(c, http.StatusInternalServerError, "STORE_ERROR", "Failed to delete session", err.Error())
	}
	zap.L().Info("adminapi: auth state deleted", zap.String("session_id", sid))
	return ok(c, map[string]interface{}{"session_id": sid, "removed": true})
}
