package adminapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/waauth/internal/webserver"
)

type jobEntry struct {
	ID   int       `json:"id"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

// registerSchedulerRoutes registers scheduler API routes
func registerSchedulerRoutes() {
	webserver.ApiGET("/system/jobs", ListJobs)
	webserver.ApiPOST("/system/jobs/flush", TriggerFlush)
}

// ListJobs returns the scheduled background jobs
func ListJobs(c echo.Context) error {
	sched := webserver.GetAppContext(c).Scheduler()
	if sched == nil {
		return ok(c, []jobEntry{})
	}
	entries := sched.Entries()
	out := make([]jobEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, jobEntry{ID: int(e.ID), Next: e.Next, Prev: e.Prev})
	}
	return ok(c, out)
}

// TriggerFlush retries failed auth state writes now instead of waiting for
// the next scheduled run.
func TriggerFlush(c echo.Context) error {
	appCtx := webserver.GetAppContext(c)
	if appCtx.AuthManager() == nil {
		return fail(c, http.StatusServiceUnavailable, "AUTHSTATE_NOT_INITIALIZED", "Auth state manager not initialized", nil)
	}
	recovered := appCtx.FlushAuthState()
	return ok(c, map[string]interface{}{"recovered": recovered})
}
