package handler

import (
	"github.com/habitlevel/internal/scheduler"
	"github.com/habitlevel/internal/service"
	"gorm.io/gorm"
)

// API bundles shared dependencies for HTTP handlers.
type API struct {
	db        *gorm.DB
	habits    *service.HabitService
	users     *service.UserService
	ledger    *service.StreakLedger
	scheduler *scheduler.Scheduler
}

// NewAPI constructs a handler set around the shared ledger and reset scheduler.
func NewAPI(db *gorm.DB, ledger *service.StreakLedger, sched *scheduler.Scheduler) *API {
	return &API{
		db:        db,
		habits:    service.NewHabitService(db),
		users:     service.NewUserService(db, ledger),
		ledger:    ledger,
		scheduler: sched,
	}
}

// DB exposes the underlying gorm instance.
func (a *API) DB() *gorm.DB {
	return a.db
}
