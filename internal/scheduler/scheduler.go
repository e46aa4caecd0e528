// Package scheduler 按固定间隔扫描全部用户，在每个用户自己时区的午夜之后推进一次每日重置。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/habitlevel/internal/clock"
	"github.com/habitlevel/internal/db"
	"github.com/habitlevel/internal/events"
	"github.com/habitlevel/internal/lock"
	"github.com/habitlevel/internal/logger"
	"github.com/habitlevel/internal/service"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultInterval 是正常模式下的扫描间隔
	DefaultInterval = time.Hour
	// TestModeInterval 是测试模式下的扫描间隔
	TestModeInterval = time.Minute

	localTimeLayout = "2006-01-02 15:04:05"
)

// 单个用户一次处理的结论
const (
	ReasonReset         = "reset performed"
	ReasonNotDue        = "already reset today"
	ReasonConcurrent    = "reset by a concurrent run"
	ReasonHeld          = "held after habit failures"
	ReasonLockContended = "reset in progress elsewhere"
)

// ErrAlreadyRunning 在重复调用 Start 时返回
var ErrAlreadyRunning = errors.New("scheduler already running")

// Options 配置 Scheduler，零值字段使用默认值
type Options struct {
	Interval time.Duration
	// HoldOnFailure 为 true 时，只要有习惯推进失败就不更新 last_reset_at，下一轮重试
	HoldOnFailure bool
	Clock         clock.Clock
	Locker        lock.Locker
	Publisher     events.Publisher
}

// SweepResult 汇总一次扫描
type SweepResult struct {
	RunID         uuid.UUID `json:"run_id"`
	StartedAt     time.Time `json:"started_at"`
	ResetCount    int       `json:"reset_count"`
	SkippedCount  int       `json:"skipped_count"`
	FailedCount   int       `json:"failed_count"`
	HabitFailures int       `json:"habit_failures"`
}

// TriggerResult 是手动触发单个用户重置的结果
type TriggerResult struct {
	Performed       bool       `json:"performed"`
	Reason          string     `json:"reason"`
	Username        string     `json:"username"`
	Timezone        string     `json:"timezone"`
	LocalTime       string     `json:"local_time"`
	LastResetAt     *time.Time `json:"last_reset_at"`
	HabitsProcessed int        `json:"habits_processed"`
	HabitFailures   int        `json:"habit_failures"`
}

// UserStatus 描述用户当前的重置状态
type UserStatus struct {
	UserID       uint      `json:"user_id"`
	Username     string    `json:"username"`
	Timezone     string    `json:"timezone"`
	LocalTime    string    `json:"local_time"`
	LastResetAt  string    `json:"last_reset_at"`
	NeedsReset   bool      `json:"needs_reset"`
	NextMidnight time.Time `json:"next_midnight"`
	Error        string    `json:"error,omitempty"`
}

// Scheduler 驱动每日重置。Start 后立即扫描一次，此后每个间隔扫描一次；
// 同一用户的重置由 Locker 与 last_reset_at 的比较并交换共同保证只发生一次。
type Scheduler struct {
	repo          service.Repository
	ledger        *service.StreakLedger
	interval      time.Duration
	holdOnFailure bool
	clock         clock.Clock
	locks         lock.Locker
	publisher     events.Publisher
	tracer        trace.Tracer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New 构造 Scheduler，时钟默认与账本共用
func New(repo service.Repository, ledger *service.StreakLedger, opts Options) *Scheduler {
	s := &Scheduler{
		repo:          repo,
		ledger:        ledger,
		interval:      opts.Interval,
		holdOnFailure: opts.HoldOnFailure,
		clock:         opts.Clock,
		locks:         opts.Locker,
		publisher:     opts.Publisher,
		tracer:        otel.Tracer("github.com/habitlevel/internal/scheduler"),
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.clock == nil {
		s.clock = ledger.Clock()
	}
	if s.locks == nil {
		s.locks = lock.NewLocal()
	}
	if s.publisher == nil {
		s.publisher = events.Nop{}
	}
	return s
}

// Interval 返回扫描间隔
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start 启动后台扫描循环，立即返回
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	logger.Info("reset scheduler started", "interval", s.interval, "hold_on_failure", s.holdOnFailure)
	go s.loop(loopCtx, s.done)
	return nil
}

// Stop 停止扫描循环并等待正在进行的扫描在用户边界退出
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.Info("reset scheduler stopped")
}

// Running 返回调度循环是否在运行
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		if _, err := s.RunSweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reset sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunSweep 依次处理每个拥有启用习惯的用户。
// 单个用户或单个习惯的失败只记录日志并计数，不影响其它用户；
// ctx 只在用户之间检查，已经开始的用户重置总会完成。
func (s *Scheduler) RunSweep(ctx context.Context) (SweepResult, error) {
	ctx, span := s.tracer.Start(ctx, "reset.sweep")
	defer span.End()

	started := time.Now()
	result := SweepResult{RunID: uuid.New(), StartedAt: s.clock.Now()}
	span.SetAttributes(attribute.String("reset.run_id", result.RunID.String()))

	users, err := s.repo.ListUsersPreloadingActiveHabits(ctx)
	if err != nil {
		sweepsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "list users")
		return result, fmt.Errorf("list users: %w", err)
	}

	for i := range users {
		if err := ctx.Err(); err != nil {
			sweepsTotal.WithLabelValues("interrupted").Inc()
			logger.Warn("reset sweep interrupted", "run", result.RunID, "remaining", len(users)-i)
			return result, err
		}

		outcome, err := s.resetUser(ctx, users[i].ID)
		result.HabitFailures += outcome.habitFailures
		switch {
		case err != nil:
			result.FailedCount++
			usersTotal.WithLabelValues("failed").Inc()
			logger.Error("reset user failed", "run", result.RunID, "user", users[i].ID, "error", err)
		case outcome.performed:
			result.ResetCount++
			usersTotal.WithLabelValues("reset").Inc()
		case outcome.reason == ReasonHeld:
			result.FailedCount++
			usersTotal.WithLabelValues("failed").Inc()
		default:
			result.SkippedCount++
			usersTotal.WithLabelValues("skipped").Inc()
		}
	}

	sweepsTotal.WithLabelValues("ok").Inc()
	sweepDuration.Observe(time.Since(started).Seconds())
	span.SetAttributes(
		attribute.Int("reset.users", len(users)),
		attribute.Int("reset.reset_count", result.ResetCount),
		attribute.Int("reset.failed_count", result.FailedCount),
	)
	logger.Info("reset sweep finished",
		"run", result.RunID, "users", len(users), "reset", result.ResetCount,
		"skipped", result.SkippedCount, "failed", result.FailedCount,
		"habit_failures", result.HabitFailures, "elapsed", time.Since(started))
	return result, nil
}

// TriggerForUser 立即检查并在需要时重置单个用户
func (s *Scheduler) TriggerForUser(ctx context.Context, userID uint) (TriggerResult, error) {
	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return TriggerResult{}, service.ErrUserNotFound
		}
		return TriggerResult{}, fmt.Errorf("get user: %w", err)
	}

	outcome, err := s.resetUser(ctx, userID)
	if err != nil {
		return TriggerResult{}, err
	}

	res := TriggerResult{
		Performed:       outcome.performed,
		Reason:          outcome.reason,
		HabitsProcessed: outcome.habitsProcessed,
		HabitFailures:   outcome.habitFailures,
	}
	if user := outcome.user; user != nil {
		res.Username = user.Username
		res.Timezone = user.Timezone
		res.LastResetAt = user.LastResetAt
		if loc, err := clock.Load(user.Timezone); err == nil {
			res.LocalTime = s.clock.Now().In(loc).Format(localTimeLayout)
		}
	}
	return res, nil
}

// StatusForAllUsers 返回全部用户的本地时间与是否待重置
func (s *Scheduler) StatusForAllUsers(ctx context.Context) ([]UserStatus, error) {
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	now := s.clock.Now()
	statuses := make([]UserStatus, 0, len(users))
	for _, user := range users {
		status := UserStatus{
			UserID:      user.ID,
			Username:    user.Username,
			Timezone:    user.Timezone,
			LastResetAt: "Never",
		}
		if user.LastResetAt != nil {
			status.LastResetAt = user.LastResetAt.UTC().Format(time.RFC3339)
		}

		loc, err := clock.Load(user.Timezone)
		if err != nil {
			status.Error = err.Error()
			statuses = append(statuses, status)
			continue
		}
		status.LocalTime = now.In(loc).Format(localTimeLayout)
		status.NextMidnight = clock.NextMidnight(loc, now)
		status.NeedsReset, _ = clock.NeedsReset(user.LastResetAt, user.Timezone, now)
		statuses = append(statuses, status)
	}
	return statuses, nil
}

type resetOutcome struct {
	performed       bool
	reason          string
	habitsProcessed int
	habitFailures   int
	user            *db.User
}

func (s *Scheduler) resetUser(ctx context.Context, userID uint) (resetOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "reset.user", trace.WithAttributes(attribute.Int64("user.id", int64(userID))))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, "reset:"+strconv.FormatUint(uint64(userID), 10))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return resetOutcome{reason: ReasonLockContended}, nil
		}
		span.RecordError(err)
		return resetOutcome{}, fmt.Errorf("lock user %d: %w", userID, err)
	}
	defer unlock()

	// 拿到锁之后不再响应取消
	ctx = context.WithoutCancel(ctx)

	user, err := s.repo.GetUserWithActiveHabits(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return resetOutcome{}, fmt.Errorf("load user %d: %w", userID, err)
	}
	outcome := resetOutcome{user: user}

	now := s.clock.Now()
	due, err := clock.NeedsReset(user.LastResetAt, user.Timezone, now)
	if err != nil {
		span.RecordError(err)
		return outcome, fmt.Errorf("%w: user %d: %s", service.ErrInvalidTimezone, userID, user.Timezone)
	}
	if !due {
		outcome.reason = ReasonNotDue
		logger.Debug("reset skipped", "user", userID, "timezone", user.Timezone, "last_reset_at", user.LastResetAt)
		return outcome, nil
	}

	loc, _ := clock.Load(user.Timezone)
	for _, habit := range user.Habits {
		if err := s.rollHabit(ctx, user, habit, loc, now); err != nil {
			outcome.habitFailures++
			habitFailuresTotal.Inc()
			logger.Error("habit rollover failed", "user", userID, "habit", habit.ID, "error", err)
			continue
		}
		outcome.habitsProcessed++
	}

	if outcome.habitFailures > 0 && s.holdOnFailure {
		outcome.reason = ReasonHeld
		logger.Warn("reset held", "user", userID, "failures", outcome.habitFailures)
		return outcome, nil
	}

	advanced, err := s.repo.AdvanceLastReset(ctx, userID, user.LastResetAt, now)
	if err != nil {
		span.RecordError(err)
		return outcome, fmt.Errorf("advance last reset for user %d: %w", userID, err)
	}
	if !advanced {
		outcome.reason = ReasonConcurrent
		return outcome, nil
	}

	resetAt := now.UTC().Truncate(time.Microsecond)
	user.LastResetAt = &resetAt
	outcome.performed = true
	outcome.reason = ReasonReset
	span.SetAttributes(attribute.Int("reset.habits", outcome.habitsProcessed))
	logger.Info("user reset",
		"user", userID, "timezone", user.Timezone,
		"local_date", clock.LocalMidnight(loc, now).Format("2006-01-02"),
		"habits", outcome.habitsProcessed, "failures", outcome.habitFailures)

	evt := events.New(events.TypeDayReset, userID, now, map[string]any{
		"timezone":       user.Timezone,
		"local_date":     clock.LocalMidnight(loc, now).Format("2006-01-02"),
		"habits":         outcome.habitsProcessed,
		"habit_failures": outcome.habitFailures,
	})
	if err := s.publisher.Publish(ctx, evt); err != nil {
		logger.Warn("publish day reset failed", "user", userID, "error", err)
	}
	return outcome, nil
}

// rollHabit 推进单个习惯，panic 也按失败处理
func (s *Scheduler) rollHabit(ctx context.Context, user *db.User, habit db.Habit, loc *time.Location, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic rolling habit %d: %v", habit.ID, r)
		}
	}()
	_, _, err = s.ledger.RollForward(ctx, user, habit, loc, now)
	return err
}
