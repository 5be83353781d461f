package domain

import "time"

// WhatsAppAuthState holds one session's credentials and key set as two JSON
// documents. Rows go away with their device.
type WhatsAppAuthState struct {
	SessionID string          `json:"session_id" gorm:"primaryKey;size:64"`
	DeviceID  *int64          `json:"device_id,string" gorm:"index"`
	Device    *WhatsAppDevice `json:"-" gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE"`
	CredsJSON string          `json:"-" gorm:"column:creds_json;type:text"`
	KeysJSON  string          `json:"-" gorm:"column:keys_json;type:text"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (WhatsAppAuthState) TableName() string {
	return "whatsapp_auth_state"
}
