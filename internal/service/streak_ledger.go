package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/habitlevel/internal/clock"
	"github.com/habitlevel/internal/db"
	"github.com/habitlevel/internal/events"
	"github.com/habitlevel/internal/lock"
	"github.com/habitlevel/internal/logger"
	"github.com/habitlevel/internal/xp"
)

// MaxStreakScanDays 回溯计算连胜时最多检查的天数
const MaxStreakScanDays = 365

// Direction 表示一次打卡的方向
type Direction string

const (
	DirectionIncrement Direction = "increment"
	DirectionDecrement Direction = "decrement"
)

// ParseDirection 解析打卡方向
func ParseDirection(raw string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(raw))) {
	case DirectionIncrement:
		return DirectionIncrement, nil
	case DirectionDecrement:
		return DirectionDecrement, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
	}
}

// CompletionResult 是一次打卡的结果
type CompletionResult struct {
	Record  db.CompletionRecord
	Habit   db.Habit
	XPDelta int
	User    xp.Result
}

// StreakLedger 维护每个用户每个习惯每天一条的打卡账本。
// 自然日一律按用户自己的时区计算，重置任务与按需打卡使用同一口径。
type StreakLedger struct {
	repo      Repository
	clock     clock.Clock
	locks     lock.Locker
	publisher events.Publisher
}

// LedgerOption 配置 StreakLedger
type LedgerOption func(*StreakLedger)

// WithLedgerClock 替换时钟
func WithLedgerClock(c clock.Clock) LedgerOption {
	return func(l *StreakLedger) { l.clock = c }
}

// WithLedgerLocker 替换打卡临界区使用的锁
func WithLedgerLocker(locker lock.Locker) LedgerOption {
	return func(l *StreakLedger) { l.locks = locker }
}

// WithLedgerPublisher 设置升级事件的投递方
func WithLedgerPublisher(p events.Publisher) LedgerOption {
	return func(l *StreakLedger) { l.publisher = p }
}

// NewStreakLedger 构造 StreakLedger
func NewStreakLedger(repo Repository, opts ...LedgerOption) *StreakLedger {
	l := &StreakLedger{
		repo:      repo,
		clock:     clock.System{},
		locks:     lock.NewLocal(),
		publisher: events.Nop{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Clock 返回账本使用的时钟
func (l *StreakLedger) Clock() clock.Clock {
	return l.clock
}

// GetOrCreateToday 返回用户本地今天的记录，不存在时按回溯连胜创建
func (l *StreakLedger) GetOrCreateToday(ctx context.Context, habitID, userID uint) (*db.CompletionRecord, *db.Habit, error) {
	habit, loc, err := l.loadOwnedHabit(ctx, habitID, userID)
	if err != nil {
		return nil, nil, err
	}

	now := l.clock.Now()
	today := clock.LocalMidnight(loc, now)

	existing, err := l.repo.FindCompletion(ctx, habitID, userID, today)
	if err != nil {
		return nil, nil, transient("find today", err)
	}
	if existing != nil {
		return existing, habit, nil
	}

	streak, err := l.CurrentStreak(ctx, habitID, userID, loc, now)
	if err != nil {
		return nil, nil, err
	}

	record := &db.CompletionRecord{
		HabitID:         habitID,
		UserID:          userID,
		Day:             today,
		TargetCount:     habit.TargetCount,
		CurrentStreak:   streak,
		XPPerCompletion: xp.CompletionXP(xp.HabitKind(habit.Type), habit.BaseXPValue, streak),
	}
	created, err := l.repo.CreateCompletionIfAbsent(ctx, record)
	if err != nil {
		return nil, nil, transient("create today", err)
	}
	if !created {
		// 并发创建时以库中已冻结的记录为准
		existing, err := l.repo.FindCompletion(ctx, habitID, userID, today)
		if err != nil {
			return nil, nil, transient("find today", err)
		}
		if existing != nil {
			return existing, habit, nil
		}
	}
	return record, habit, nil
}

// CurrentStreak 从昨天开始逐日回溯，遇到缺失或完成次数为 0 的一天即停止。
// 最多检查 MaxStreakScanDays 天，仅在当天记录首次创建时调用一次。
func (l *StreakLedger) CurrentStreak(ctx context.Context, habitID, userID uint, loc *time.Location, now time.Time) (int, error) {
	for i := 1; i <= MaxStreakScanDays; i++ {
		day := clock.DaysBefore(loc, now, i)
		record, err := l.repo.FindCompletion(ctx, habitID, userID, day)
		if err != nil {
			return 0, transient("scan streak", err)
		}
		if record == nil || record.CompletionCount == 0 {
			return i - 1, nil
		}
	}
	return MaxStreakScanDays, nil
}

// RollForward 为每日重置推进单个习惯：昨天有完成则连胜 +1，否则归零；
// 今天的记录不存在时写入一条空白记录，已存在则保持不变。
func (l *StreakLedger) RollForward(ctx context.Context, user *db.User, habit db.Habit, loc *time.Location, now time.Time) (created bool, streak int, err error) {
	today := clock.LocalMidnight(loc, now)
	yesterday := clock.Yesterday(loc, now)

	prev, err := l.repo.FindCompletion(ctx, habit.ID, user.ID, yesterday)
	if err != nil {
		return false, 0, transient("find yesterday", err)
	}
	if prev != nil && prev.CompletionCount > 0 {
		streak = prev.CurrentStreak + 1
	}

	record := &db.CompletionRecord{
		HabitID:         habit.ID,
		UserID:          user.ID,
		Day:             today,
		TargetCount:     habit.TargetCount,
		CurrentStreak:   streak,
		XPPerCompletion: xp.CompletionXP(xp.HabitKind(habit.Type), habit.BaseXPValue, streak),
	}
	created, err = l.repo.CreateCompletionIfAbsent(ctx, record)
	if err != nil {
		return false, 0, transient("stamp today", err)
	}
	return created, record.CurrentStreak, nil
}

// Increment 完成次数 +1，经验按记录创建时冻结的单次经验累加
func (l *StreakLedger) Increment(ctx context.Context, habitID, userID uint) (*CompletionResult, error) {
	unlock, err := l.locks.Lock(ctx, completionKey(habitID, userID))
	if err != nil {
		return nil, transient("lock completion", err)
	}
	defer unlock()

	record, habit, err := l.GetOrCreateToday(ctx, habitID, userID)
	if err != nil {
		return nil, err
	}

	return l.apply(ctx, record, habit, 1, record.XPPerCompletion, DirectionIncrement)
}

// Decrement 撤销一次完成，扣回与一次 Increment 完全相同的冻结经验，
// 即使习惯在当天被修改过。今天的记录不存在时与 Increment 一样先惰性创建；
// 完成次数为 0 时返回 ErrInvalidDecrement，次数与经验都不变。
func (l *StreakLedger) Decrement(ctx context.Context, habitID, userID uint) (*CompletionResult, error) {
	unlock, err := l.locks.Lock(ctx, completionKey(habitID, userID))
	if err != nil {
		return nil, transient("lock completion", err)
	}
	defer unlock()

	record, habit, err := l.GetOrCreateToday(ctx, habitID, userID)
	if err != nil {
		return nil, err
	}
	if record.CompletionCount == 0 {
		return nil, ErrInvalidDecrement
	}

	return l.apply(ctx, record, habit, -1, -record.XPPerCompletion, DirectionDecrement)
}

// RecordCompletion 是产品侧的打卡入口
func (l *StreakLedger) RecordCompletion(ctx context.Context, habitID, userID uint, direction Direction) (*CompletionResult, error) {
	switch direction {
	case DirectionIncrement:
		return l.Increment(ctx, habitID, userID)
	case DirectionDecrement:
		return l.Decrement(ctx, habitID, userID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}
}

// TodayCompletions 返回用户本地今天的全部记录
func (l *StreakLedger) TodayCompletions(ctx context.Context, userID uint) ([]db.CompletionRecord, error) {
	user, err := l.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, notFoundOr(err, ErrUserNotFound, "get user")
	}
	loc, err := clock.Load(user.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimezone, user.Timezone)
	}

	records, err := l.repo.ListCompletionsForDay(ctx, userID, clock.LocalMidnight(loc, l.clock.Now()))
	if err != nil {
		return nil, transient("list today", err)
	}
	return records, nil
}

func (l *StreakLedger) apply(ctx context.Context, record *db.CompletionRecord, habit *db.Habit, countDelta, xpDelta int, direction Direction) (*CompletionResult, error) {
	updated, res, err := l.repo.ApplyCompletion(ctx, record.ID, record.UserID, countDelta, xpDelta)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrConflict):
			return nil, ErrInvalidDecrement
		case errors.Is(err, db.ErrNotFound):
			return nil, ErrUserNotFound
		default:
			return nil, transient("apply completion", err)
		}
	}

	completionsTotal.WithLabelValues(string(direction), habit.Type).Inc()
	logger.Debug("completion recorded",
		"habit", habit.ID, "user", record.UserID, "direction", direction,
		"count", updated.CompletionCount, "xp_delta", xpDelta, "total_xp", res.NewTotalXP)

	if res.LeveledUp {
		levelUpsTotal.Inc()
		evt := events.New(events.TypeLeveledUp, record.UserID, l.clock.Now(), map[string]any{
			"level":    res.NewLevel,
			"total_xp": res.NewTotalXP,
		})
		if err := l.publisher.Publish(ctx, evt); err != nil {
			logger.Warn("publish level up failed", "user", record.UserID, "error", err)
		}
	}

	return &CompletionResult{Record: *updated, Habit: *habit, XPDelta: xpDelta, User: res}, nil
}

func (l *StreakLedger) loadOwnedHabit(ctx context.Context, habitID, userID uint) (*db.Habit, *time.Location, error) {
	habit, err := l.repo.GetHabit(ctx, habitID)
	if err != nil {
		return nil, nil, notFoundOr(err, ErrHabitNotFound, "get habit")
	}
	if habit.UserID != userID || !habit.IsActive {
		return nil, nil, ErrHabitNotFound
	}

	user, err := l.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, notFoundOr(err, ErrUserNotFound, "get user")
	}
	loc, err := clock.Load(user.Timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidTimezone, user.Timezone)
	}
	return habit, loc, nil
}

func completionKey(habitID, userID uint) string {
	return fmt.Sprintf("completion:%d:%d", habitID, userID)
}
