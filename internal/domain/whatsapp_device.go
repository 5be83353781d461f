package domain

import "time"

// Device status values.
const (
	DeviceStatusCreated     = "created"
	DeviceStatusConnecting  = "connecting"
	DeviceStatusConnected   = "connected"
	DeviceStatusFailed      = "failed"
	DeviceStatusFlushFailed = "flush_failed"
	DeviceStatusOffline     = "offline"
)

// WhatsAppDevice is a tenant's messaging channel. Its auth state lives in
// WhatsAppAuthState under the session id strconv.FormatInt(ID, 10).
type WhatsAppDevice struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	TenantId  int64     `json:"tenant_id,string" gorm:"index"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	Jid       string    `json:"jid"`    // populated after pairing
	Status    string    `json:"status"` // see DeviceStatus* constants
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (WhatsAppDevice) TableName() string {
	return "whatsapp_device"
}
