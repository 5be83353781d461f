package webserver

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/talkincode/waauth/internal/app"
	"go.uber.org/zap"
)

const (
	apiPrefix     = "/api/v1"
	appContextKey = "waauth.app"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type route struct {
	method  string
	path    string
	handler echo.HandlerFunc
}

var (
	routesMu  sync.Mutex
	apiRoutes []route
)

func addRoute(method, path string, h echo.HandlerFunc) {
	routesMu.Lock()
	defer routesMu.Unlock()
	apiRoutes = append(apiRoutes, route{method: method, path: path, handler: h})
}

// ApiGET registers a GET route under /api/v1.
func ApiGET(path string, h echo.HandlerFunc) { addRoute(http.MethodGet, path, h) }

func ApiPOST(path string, h echo.HandlerFunc) { addRoute(http.MethodPost, path, h) }

func ApiPUT(path string, h echo.HandlerFunc) { addRoute(http.MethodPut, path, h) }

func ApiDELETE(path string, h echo.HandlerFunc) { addRoute(http.MethodDelete, path, h) }

// GetAppContext returns the application bound to the request.
func GetAppContext(c echo.Context) app.AppContext {
	a, _ := c.Get(appContextKey).(app.AppContext)
	return a
}

// AdminServer serves the admin API.
type AdminServer struct {
	root *echo.Echo
	app  app.AppContext
}

func NewAdminServer(a app.AppContext) *AdminServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsoniterSerializer{}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("namespace", "adminapi"),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
			}
			if v.Error != nil {
				zap.L().Warn("adminapi: request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			zap.L().Debug("adminapi: request", fields...)
			return nil
		},
	}))

	api := e.Group(apiPrefix, func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(appContextKey, a)
			return next(c)
		}
	})
	if secret := a.Config().Web.Secret; secret != "" {
		api.Use(middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(secret)) == 1, nil
		}))
	}

	routesMu.Lock()
	for _, r := range apiRoutes {
		api.Add(r.method, r.path, r.handler)
	}
	routesMu.Unlock()

	return &AdminServer{root: e, app: a}
}

// Handler exposes the router, mainly for tests.
func (s *AdminServer) Handler() http.Handler { return s.root }

// Start listens on the configured address until Shutdown.
func (s *AdminServer) Start() error {
	cfg := s.app.Config().Web
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	zap.S().Infof("try start admin server at %s", addr)
	err := s.root.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.root.Shutdown(ctx)
}

type jsoniterSerializer struct{}

func (jsoniterSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (jsoniterSerializer) Deserialize(c echo.Context, i interface{}) error {
	if err := json.NewDecoder(c.Request().Body).Decode(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}
