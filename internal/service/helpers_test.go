package service

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/habitlevel/internal/clock"
	"github.com/habitlevel/internal/db"
	"github.com/habitlevel/internal/events"
	"github.com/habitlevel/internal/logger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	logger.SetOutput(io.Discard)
}

func setupServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:service-%d?mode=memory&cache=shared", time.Now().UnixNano())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		sqlDB.Close()
	})
	return gdb
}

func newTestLedger(t *testing.T, gdb *gorm.DB, now time.Time) (*StreakLedger, *clock.Fixed, *events.Recorder) {
	t.Helper()
	fixed := clock.NewFixed(now)
	recorder := &events.Recorder{}
	ledger := NewStreakLedger(db.NewGormStore(gdb), WithLedgerClock(fixed), WithLedgerPublisher(recorder))
	return ledger, fixed, recorder
}

func seedUser(t *testing.T, gdb *gorm.DB, username, timezone string) *db.User {
	t.Helper()
	user := db.User{Username: username, Timezone: timezone, CurrentLevel: 1}
	if err := gdb.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return &user
}

func seedHabit(t *testing.T, gdb *gorm.DB, userID uint, kind string, baseXP, target int) *db.Habit {
	t.Helper()
	habit := db.Habit{
		UserID:      userID,
		Name:        fmt.Sprintf("%s-%d", kind, baseXP),
		Type:        kind,
		BaseXPValue: baseXP,
		TargetCount: target,
		IsActive:    true,
	}
	if err := gdb.Create(&habit).Error; err != nil {
		t.Fatalf("failed to seed habit: %v", err)
	}
	return &habit
}

func seedCompletion(t *testing.T, gdb *gorm.DB, habit *db.Habit, day time.Time, count, streak int) {
	t.Helper()
	record := db.CompletionRecord{
		HabitID:         habit.ID,
		UserID:          habit.UserID,
		Day:             day.UTC(),
		CompletionCount: count,
		TargetCount:     habit.TargetCount,
		CurrentStreak:   streak,
	}
	if err := gdb.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed completion: %v", err)
	}
}

func reloadUser(t *testing.T, gdb *gorm.DB, id uint) db.User {
	t.Helper()
	var user db.User
	if err := gdb.First(&user, id).Error; err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	return user
}
