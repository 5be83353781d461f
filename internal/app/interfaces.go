package app

import (
	"github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/waauth/config"
	"github.com/talkincode/waauth/internal/authstate"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// AuthStateProvider provides the WhatsApp session auth state manager
type AuthStateProvider interface {
	AuthManager() *authstate.Manager
}

// EventBusProvider provides the in-process event bus
type EventBusProvider interface {
	EventBus() EventBus.Bus
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SchedulerProvider
	AuthStateProvider
	EventBusProvider

	// Application lifecycle methods
	MigrateDB(track bool) error
	// FlushAuthState retries every auth state write that failed earlier
	FlushAuthState() int
}
