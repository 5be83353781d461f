package app

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/talkincode/waauth/internal/domain"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() error {
	loc, err := time.LoadLocation(a.appConfig.System.Location)
	if err != nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	spec := a.appConfig.AuthState.RetryInterval
	if spec == "" {
		spec = "@every 30s"
	}
	if _, err := a.sched.AddFunc(spec, a.SchedFlushAuthStateTask); err != nil {
		zap.S().Errorf("init job error %s", err.Error())
		return err
	}

	_, err = a.sched.AddFunc("@daily", a.SchedPruneAuthStateTask)
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
		return err
	}

	a.sched.Start()
	return nil
}

// SchedFlushAuthStateTask retries auth state writes that failed earlier.
func (a *Application) SchedFlushAuthStateTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	if n := a.FlushAuthState(); n > 0 {
		zap.L().Info("authstate: recovered pending writes",
			zap.String("namespace", "authstate"),
			zap.Int("sessions", n))
	}
}

// SchedPruneAuthStateTask drops auth state rows that lost their device.
func (a *Application) SchedPruneAuthStateTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	res := a.gormDB.
		Where("device_id IS NOT NULL AND device_id NOT IN (?)",
			a.gormDB.Model(&domain.WhatsAppDevice{}).Select("id")).
		Delete(&domain.WhatsAppAuthState{})
	if res.Error != nil {
		zap.L().Warn("authstate: prune orphaned rows failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		zap.L().Info("authstate: pruned orphaned rows",
			zap.String("namespace", "authstate"),
			zap.Int64("rows", res.RowsAffected))
	}
}
