package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/habitlevel/internal/clock"
	"github.com/habitlevel/internal/db"
	"github.com/habitlevel/internal/events"
	"github.com/habitlevel/internal/logger"
	"github.com/habitlevel/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	logger.SetOutput(io.Discard)
}

// faultyRepo 在指定习惯上注入失败或 panic
type faultyRepo struct {
	*db.GormStore
	failHabits  map[uint]bool
	panicHabits map[uint]bool
}

func (r *faultyRepo) FindCompletion(ctx context.Context, habitID, userID uint, day time.Time) (*db.CompletionRecord, error) {
	if r.panicHabits[habitID] {
		panic("storage exploded")
	}
	if r.failHabits[habitID] {
		return nil, errors.New("connection reset")
	}
	return r.GormStore.FindCompletion(ctx, habitID, userID, day)
}

type fixture struct {
	gdb      *gorm.DB
	store    *db.GormStore
	clock    *clock.Fixed
	ledger   *service.StreakLedger
	recorder *events.Recorder
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:scheduler-%d?mode=memory&cache=shared", time.Now().UnixNano())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() { sqlDB.Close() })

	store := db.NewGormStore(gdb)
	fixed := clock.NewFixed(now)
	return &fixture{
		gdb:      gdb,
		store:    store,
		clock:    fixed,
		ledger:   service.NewStreakLedger(store, service.WithLedgerClock(fixed)),
		recorder: &events.Recorder{},
	}
}

func (f *fixture) scheduler(repo service.Repository, opts Options) *Scheduler {
	if repo == nil {
		repo = f.store
	}
	opts.Clock = f.clock
	opts.Publisher = f.recorder
	return New(repo, service.NewStreakLedger(repo, service.WithLedgerClock(f.clock)), opts)
}

func (f *fixture) user(t *testing.T, name, tz string, lastReset *time.Time) *db.User {
	t.Helper()
	user := db.User{Username: name, Timezone: tz, CurrentLevel: 1, LastResetAt: lastReset}
	require.NoError(t, f.gdb.Create(&user).Error)
	return &user
}

func (f *fixture) habit(t *testing.T, userID uint) *db.Habit {
	t.Helper()
	habit := db.Habit{UserID: userID, Name: "habit", Type: db.HabitTypeGood, BaseXPValue: 10, TargetCount: 1, IsActive: true}
	require.NoError(t, f.gdb.Create(&habit).Error)
	return &habit
}

func (f *fixture) record(t *testing.T, habitID, userID uint, day time.Time) *db.CompletionRecord {
	t.Helper()
	var record db.CompletionRecord
	err := f.gdb.Where("habit_id = ? AND user_id = ? AND day = ?", habitID, userID, day.UTC()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	require.NoError(t, err)
	return &record
}

func (f *fixture) lastReset(t *testing.T, userID uint) *time.Time {
	t.Helper()
	var user db.User
	require.NoError(t, f.gdb.First(&user, userID).Error)
	return user.LastResetAt
}

func ptr(t time.Time) *time.Time { return &t }

func TestSweepResetsOnlyUsersPastLocalMidnight(t *testing.T) {
	// 05:00 UTC：东京已过午夜，洛杉矶仍是前一天晚上
	now := time.Date(2025, 6, 2, 5, 0, 0, 0, time.UTC)
	f := newFixture(t, now)

	lastReset := ptr(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	tokyo := f.user(t, "tokyo", "Asia/Tokyo", lastReset)
	la := f.user(t, "la", "America/Los_Angeles", lastReset)
	f.habit(t, tokyo.ID)
	f.habit(t, la.ID)

	s := f.scheduler(nil, Options{})
	res, err := s.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ResetCount)
	assert.Equal(t, 1, res.SkippedCount)
	assert.Zero(t, res.FailedCount)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", res.RunID.String())

	got := f.lastReset(t, tokyo.ID)
	require.NotNil(t, got)
	assert.True(t, got.Equal(now))
	assert.True(t, f.lastReset(t, la.ID).Equal(*lastReset))
	assert.Len(t, f.recorder.OfType(events.TypeDayReset), 1)
}

func TestSweepIsIdempotentWithinADay(t *testing.T) {
	now := time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	user := f.user(t, "amy", "UTC", nil)
	habit := f.habit(t, user.ID)
	s := f.scheduler(nil, Options{})

	first, err := s.RunSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.ResetCount)

	f.clock.Advance(3 * time.Hour)
	second, err := s.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.ResetCount)
	assert.Equal(t, 1, second.SkippedCount)

	var count int64
	f.gdb.Model(&db.CompletionRecord{}).Where("habit_id = ?", habit.ID).Count(&count)
	assert.EqualValues(t, 1, count)
	assert.True(t, f.lastReset(t, user.ID).Equal(now))
}

func TestSweepCarriesStreakForward(t *testing.T) {
	day1 := time.Date(2025, 6, 1, 0, 30, 0, 0, time.UTC)
	f := newFixture(t, day1)
	user := f.user(t, "ben", "UTC", nil)
	habit := f.habit(t, user.ID)
	s := f.scheduler(nil, Options{})
	ctx := context.Background()

	_, err := s.RunSweep(ctx)
	require.NoError(t, err)
	_, err = f.ledger.Increment(ctx, habit.ID, user.ID)
	require.NoError(t, err)

	// 第二天：前一天有完成，连胜 +1
	f.clock.Advance(24 * time.Hour)
	_, err = s.RunSweep(ctx)
	require.NoError(t, err)
	day2 := f.record(t, habit.ID, user.ID, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	require.NotNil(t, day2)
	assert.Equal(t, 1, day2.CurrentStreak)
	assert.Zero(t, day2.CompletionCount)

	// 第三天：前一天没有完成，连胜归零
	f.clock.Advance(24 * time.Hour)
	_, err = s.RunSweep(ctx)
	require.NoError(t, err)
	day3 := f.record(t, habit.ID, user.ID, time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC))
	require.NotNil(t, day3)
	assert.Zero(t, day3.CurrentStreak)
}

func TestSweepNeverOverwritesTodaysRecord(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	user := f.user(t, "cleo", "UTC", ptr(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)))
	habit := f.habit(t, user.ID)

	// 用户在本轮扫描前已经打卡
	_, err := f.ledger.Increment(context.Background(), habit.ID, user.ID)
	require.NoError(t, err)

	s := f.scheduler(nil, Options{})
	res, err := s.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ResetCount)

	today := f.record(t, habit.ID, user.ID, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	require.NotNil(t, today)
	assert.Equal(t, 1, today.CompletionCount)
	assert.Equal(t, 10, today.XPEarned)
}

func TestSweepIsolatesHabitFailures(t *testing.T) {
	now := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	f := newFixture(t, now)

	alice := f.user(t, "alice", "UTC", nil)
	broken := f.habit(t, alice.ID)
	exploding := f.habit(t, alice.ID)
	healthy := f.habit(t, alice.ID)
	bob := f.user(t, "bob", "UTC", nil)
	bobHabit := f.habit(t, bob.ID)

	repo := &faultyRepo{
		GormStore:   f.store,
		failHabits:  map[uint]bool{broken.ID: true},
		panicHabits: map[uint]bool{exploding.ID: true},
	}
	s := f.scheduler(repo, Options{})

	res, err := s.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.ResetCount)
	assert.Equal(t, 2, res.HabitFailures)

	today := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	assert.Nil(t, f.record(t, broken.ID, alice.ID, today))
	assert.NotNil(t, f.record(t, healthy.ID, alice.ID, today))
	assert.NotNil(t, f.record(t, bobHabit.ID, bob.ID, today))
	assert.NotNil(t, f.lastReset(t, alice.ID))
	assert.NotNil(t, f.lastReset(t, bob.ID))
}

func TestHoldOnFailureRetriesNextSweep(t *testing.T) {
	now := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	f := newFixture(t, now)

	user := f.user(t, "dora", "UTC", nil)
	flaky := f.habit(t, user.ID)
	steady := f.habit(t, user.ID)

	repo := &faultyRepo{GormStore: f.store, failHabits: map[uint]bool{flaky.ID: true}}
	s := f.scheduler(repo, Options{HoldOnFailure: true})

	res, err := s.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.ResetCount)
	assert.Equal(t, 1, res.FailedCount)
	assert.Nil(t, f.lastReset(t, user.ID))

	today := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	assert.NotNil(t, f.record(t, steady.ID, user.ID, today))

	delete(repo.failHabits, flaky.ID)
	f.clock.Advance(time.Hour)
	res, err = s.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ResetCount)
	assert.NotNil(t, f.record(t, flaky.ID, user.ID, today))
	assert.NotNil(t, f.lastReset(t, user.ID))
}

func TestInvalidTimezoneCountsAsFailure(t *testing.T) {
	f := newFixture(t, time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC))
	broken := f.user(t, "zed", "Not/AZone", nil)
	f.habit(t, broken.ID)
	fine := f.user(t, "yan", "UTC", nil)
	f.habit(t, fine.ID)

	res, err := f.scheduler(nil, Options{}).RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedCount)
	assert.Equal(t, 1, res.ResetCount)
}

func TestSweepStopsBetweenUsersWhenCancelled(t *testing.T) {
	f := newFixture(t, time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC))
	f.habit(t, f.user(t, "u1", "UTC", nil).ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.scheduler(nil, Options{}).RunSweep(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.ResetCount)
}

func TestTriggerForUser(t *testing.T) {
	now := time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	user := f.user(t, "emma", "Europe/Berlin", nil)
	f.habit(t, user.ID)
	f.habit(t, user.ID)
	s := f.scheduler(nil, Options{})

	res, err := s.TriggerForUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, res.Performed)
	assert.Equal(t, ReasonReset, res.Reason)
	assert.Equal(t, "emma", res.Username)
	assert.Equal(t, "Europe/Berlin", res.Timezone)
	assert.Equal(t, "2025-06-02 18:00:00", res.LocalTime)
	assert.Equal(t, 2, res.HabitsProcessed)
	require.NotNil(t, res.LastResetAt)
	assert.True(t, res.LastResetAt.Equal(now))

	again, err := s.TriggerForUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.False(t, again.Performed)
	assert.Equal(t, ReasonNotDue, again.Reason)

	_, err = s.TriggerForUser(context.Background(), 4242)
	assert.ErrorIs(t, err, service.ErrUserNotFound)
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestTriggerAndSweepRaceResetOnce(t *testing.T) {
	f := newFixture(t, time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC))
	user := f.user(t, "fay", "UTC", nil)
	f.habit(t, user.ID)
	s := f.scheduler(nil, Options{})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		performed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				res, err := s.RunSweep(context.Background())
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				performed += res.ResetCount
				mu.Unlock()
				return
			}
			res, err := s.TriggerForUser(context.Background(), user.ID)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Performed {
				mu.Lock()
				performed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, performed)
	assert.Len(t, f.recorder.OfType(events.TypeDayReset), 1)
}

func TestStatusForAllUsers(t *testing.T) {
	now := time.Date(2025, 6, 2, 5, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.user(t, "never", "UTC", nil)
	f.user(t, "ny", "America/New_York", ptr(time.Date(2025, 6, 2, 4, 30, 0, 0, time.UTC)))
	f.user(t, "odd", "Bogus/Zone", nil)

	statuses, err := f.scheduler(nil, Options{}).StatusForAllUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	byName := map[string]UserStatus{}
	for _, st := range statuses {
		byName[st.Username] = st
	}

	assert.True(t, byName["never"].NeedsReset)
	assert.Equal(t, "Never", byName["never"].LastResetAt)
	assert.Equal(t, "2025-06-02 05:00:00", byName["never"].LocalTime)

	ny := byName["ny"]
	assert.False(t, ny.NeedsReset)
	assert.Equal(t, "2025-06-02 01:00:00", ny.LocalTime)
	assert.Equal(t, "2025-06-02T04:30:00Z", ny.LastResetAt)
	assert.True(t, ny.NextMidnight.Equal(time.Date(2025, 6, 3, 4, 0, 0, 0, time.UTC)))

	assert.NotEmpty(t, byName["odd"].Error)
	assert.False(t, byName["odd"].NeedsReset)
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	f := newFixture(t, time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC))
	user := f.user(t, "gus", "UTC", nil)
	f.habit(t, user.ID)

	s := f.scheduler(nil, Options{Interval: time.Hour})
	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, s.Running())

	require.Eventually(t, func() bool {
		return len(f.recorder.OfType(events.TypeDayReset)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	assert.False(t, s.Running())
	s.Stop()
}

func TestNewAppliesDefaults(t *testing.T) {
	f := newFixture(t, time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC))
	s := New(f.store, f.ledger, Options{})
	assert.Equal(t, DefaultInterval, s.Interval())
	assert.Same(t, f.clock, s.clock)
}
