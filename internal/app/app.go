package app

import (
	"context"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/waauth/config"
	"github.com/talkincode/waauth/internal/authstate"
	"github.com/talkincode/waauth/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

type Application struct {
	appConfig   *config.AppConfig
	gormDB      *gorm.DB
	sched       *cron.Cron
	bus         EventBus.Bus
	authManager *authstate.Manager
}

// Ensure Application implements all interfaces
var (
	_ DBProvider        = (*Application)(nil)
	_ ConfigProvider    = (*Application)(nil)
	_ SchedulerProvider = (*Application)(nil)
	_ AuthStateProvider = (*Application)(nil)
	_ EventBusProvider  = (*Application)(nil)
	_ AppContext        = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig, bus: EventBus.New()}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

func (a *Application) EventBus() EventBus.Bus {
	return a.bus
}

func (a *Application) AuthManager() *authstate.Manager {
	return a.authManager
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Init(cfg *config.AppConfig) error {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	initLogger(cfg)

	if err := cfg.InitDirs(); err != nil {
		return err
	}

	// Initialize database connection
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if a.gormDB == nil {
		db, err := getDatabase(cfg.Database, cfg.System.Workdir)
		if err != nil {
			return err
		}
		a.gormDB = db
	}
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	if err := a.MigrateDB(false); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
		return err
	}

	if err := a.initAuthState(cfg); err != nil {
		return err
	}

	a.checkDevices()
	return a.initJob()
}

func initLogger(cfg *config.AppConfig) {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	// Build logger with file rotation if enabled
	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		filename := cfg.Logger.Filename
		if filename == "" {
			filename = filepath.Join(cfg.GetLogDir(), "waauth.log")
		}
		lumberJackLogger := &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
	}

	zap.ReplaceGlobals(logger)
}

// initAuthState opens the configured credential store and builds the
// session manager on top of it.
func (a *Application) initAuthState(cfg *config.AppConfig) error {
	store, err := OpenCredentialStore(cfg, a.gormDB)
	if err != nil {
		return err
	}
	a.authManager = authstate.NewManager(store,
		authstate.WithLogger(zap.L()),
		authstate.WithEventBus(a.bus),
	)
	zap.L().Info("authstate: credential store ready",
		zap.String("namespace", "authstate"),
		zap.String("backend", cfg.AuthState.Backend))
	return nil
}

// OpenCredentialStore builds the store named by cfg.AuthState.Backend.
func OpenCredentialStore(cfg *config.AppConfig, db *gorm.DB) (authstate.CredentialStore, error) {
	switch cfg.AuthState.Backend {
	case config.BackendDatabase, "":
		if db == nil {
			return nil, errors.New("database backend requires a database connection")
		}
		return authstate.NewGormCredentialStore(db), nil
	case config.BackendFile:
		store := authstate.NewFileCredentialStore(cfg.GetAuthDir(), cfg.AuthState.Workers)
		if err := store.Initialize(); err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendBolt:
		return authstate.OpenBoltCredentialStore(cfg.GetBoltFile())
	case config.BackendMemory:
		return authstate.NewMemoryCredentialStore(), nil
	default:
		return nil, errors.Errorf("unknown authstate backend %q", cfg.AuthState.Backend)
	}
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	db := a.gormDB
	if track {
		db = db.Debug()
	}
	if err := db.Migrator().AutoMigrate(domain.Tables...); err != nil {
		zap.S().Error(err)
		return err
	}
	return nil
}

func (a *Application) DropAll() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
}

// FlushAuthState retries every auth state write that failed earlier and
// returns the number of sessions that are clean again.
func (a *Application) FlushAuthState() int {
	if a.authManager == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return a.authManager.RetryPending(ctx)
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		<-a.sched.Stop().Done()
	}
	if a.authManager != nil {
		a.FlushAuthState()
		if err := a.authManager.CloseAll(); err != nil {
			zap.L().Warn("authstate: close store failed", zap.Error(err))
		}
	}
	_ = zap.L().Sync()
}
