package app

import (
	"strconv"
	"time"

	"github.com/talkincode/waauth/internal/domain"
	"go.uber.org/zap"
)

// checkDevices repairs device rows left behind by an unclean shutdown. No
// socket survives a restart, so connected and connecting devices go
// offline, and auth state rows written before their device was linked get
// their device id back.
func (a *Application) checkDevices() {
	res := a.gormDB.Model(&domain.WhatsAppDevice{}).
		Where("status IN ?", []string{domain.DeviceStatusConnected, domain.DeviceStatusConnecting}).
		Updates(map[string]interface{}{
			"status":     domain.DeviceStatusOffline,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		zap.L().Error("failed to reset device status", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		zap.L().Warn("reset stale device status",
			zap.String("namespace", "whatsapp"),
			zap.Int64("devices", res.RowsAffected))
	}

	var orphans []domain.WhatsAppAuthState
	if err := a.gormDB.Select("session_id").
		Where("device_id IS NULL").
		Find(&orphans).Error; err != nil {
		zap.L().Error("failed to query unlinked auth state", zap.Error(err))
		return
	}
	for _, row := range orphans {
		id, err := strconv.ParseInt(row.SessionID, 10, 64)
		if err != nil {
			continue
		}
		var count int64
		a.gormDB.Model(&domain.WhatsAppDevice{}).Where("id = ?", id).Count(&count)
		if count == 0 {
			continue
		}
		if err := a.gormDB.Model(&domain.WhatsAppAuthState{}).
			Where("session_id = ?", row.SessionID).
			Update("device_id", id).Error; err != nil {
			zap.L().Error("failed to link auth state",
				zap.String("session", row.SessionID), zap.Error(err))
			continue
		}
		zap.L().Info("linked auth state to device",
			zap.String("namespace", "whatsapp"),
			zap.String("session", row.SessionID))
	}
}
