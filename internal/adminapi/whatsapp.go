package adminapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/talkincode/waauth/internal/webserver"
	"github.com/talkincode/waauth/internal/whatsapp"
	"go.uber.org/zap"
)

type devicePayload struct {
	TenantId string `json:"tenant_id"`
	Phone    string `json:"phone"`
	Name     string `json:"name"`
}

func registerWhatsAppRoutes() {
	webserver.ApiGET("/whatsapp/devices", listWhatsAppDevices)
	webserver.ApiGET("/whatsapp/devices/:id", getWhatsAppDevice)
	webserver.ApiPOST("/whatsapp/devices", createWhatsAppDevice)
	webserver.ApiDELETE("/whatsapp/devices/:id", deleteWhatsAppDevice)
	webserver.ApiPOST("/whatsapp/devices/:id/connect", connectWhatsAppDevice)
	webserver.ApiPOST("/whatsapp/devices/:id/disconnect", disconnectWhatsAppDevice)
}

func serviceUnavailable(c echo.Context) error {
	return fail(c, http.StatusServiceUnavailable, "WA_NOT_INITIALIZED", "WhatsApp service not initialized", nil)
}

func deviceError(c echo.Context, err error, message string) error {
	if errors.Is(err, whatsapp.ErrDeviceNotFound) {
		return fail(c, http.StatusNotFound, "DEVICE_NOT_FOUND", "Device not found", nil)
	}
	return fail(c, http.StatusInternalServerError, "SERVICE_ERROR", message, err.Error())
}

// listWhatsAppDevices returns devices with their connection and flush state.
// Optional tenant_id filters to one tenant.
func listWhatsAppDevices(c echo.Context) error {
	svc := whatsapp.Get()
	if svc == nil {
		return serviceUnavailable(c)
	}
	page, pageSize := parsePagination(c)
	devs, err := svc.ListDevices(c.Request().Context(), cast.ToInt64(c.QueryParam("tenant_id")))
	if err != nil {
		zap.L().Warn("adminapi: list devices failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to list devices", err.Error())
	}
	total := len(devs)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return paged(c, devs[start:end], int64(total), page, pageSize)
}

func getWhatsAppDevice(c echo.Context) error {
	svc := whatsapp.Get()
	if svc == nil {
		return serviceUnavailable(c)
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}
	dev, err := svc.GetDevice(c.Request().Context(), id)
	if err != nil {
		return deviceError(c, err, "Failed to query device")
	}
	return ok(c, whatsapp.DeviceView{WhatsAppDevice: *dev, Online: svc.Online(id)})
}

func createWhatsAppDevice(c echo.Context) error {
	svc := whatsapp.Get()
	if svc == nil {
		return serviceUnavailable(c)
	}
	var payload devicePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	payload.Phone = strings.TrimSpace(payload.Phone)
	if payload.Phone == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "phone is required", nil)
	}
	dev, err := svc.CreateDevice(c.Request().Context(), cast.ToInt64(payload.TenantId), payload.Phone, strings.TrimSpace(payload.Name))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create device", err.Error())
	}
	zap.L().Info("adminapi: whatsapp device created", zap.Int64("wad_id", dev.ID))
	return c.JSON(http.StatusCreated, Response{Data: dev})
}

// deleteWhatsAppDevice disconnects the device and deletes it together with
// its persisted auth state.
func deleteWhatsAppDevice(c echo.Context) error {
	svc := whatsapp.Get()
	if svc == nil {
		return serviceUnavailable(c)
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}
	if err := svc.RemoveDevice(c.Request().Context(), id); err != nil {
		return deviceError(c, err, "Failed to remove device")
	}
	return ok(c, map[string]interface{}{"id": id, "removed": true})
}

func connectWhatsAppDevice(c echo.Context) error {
	svc := whatsapp.Get()
	if svc == nil {
		return serviceUnavailable(c)
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}
	if err := svc.ConnectDevice(c.Request().Context(), id); err != nil {
		return deviceError(c, err, "Failed to connect device")
	}
	return ok(c, map[string]interface{}{"id": id, "online": true})
}

func disconnectWhatsAppDevice(c echo.Context) error {
	svc := whatsapp.Get()
	if svc == nil {
		return serviceUnavailable(c)
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}
	if err := svc.DisconnectDevice(c.Request().Context(), id); err != nil {
		if errors.Is(err, whatsapp.ErrDeviceNotFound) {
			return fail(c, http.StatusConflict, "DEVICE_OFFLINE", "Device is not connected", nil)
		}
		return deviceError(c, err, "Failed to disconnect device")
	}
	return ok(c, map[string]interface{}{"id": id, "online": false})
}
