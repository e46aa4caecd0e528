package service

import (
	"context"
	"time"

	"github.com/habitlevel/internal/db"
	"github.com/habitlevel/internal/xp"
)

// Repository 是打卡账本与每日重置依赖的持久化接口，由 db.GormStore 实现。
// 测试中可以替换为内存实现以注入故障。
type Repository interface {
	ListUsers(ctx context.Context) ([]db.User, error)
	ListUsersPreloadingActiveHabits(ctx context.Context) ([]db.User, error)
	GetUser(ctx context.Context, id uint) (*db.User, error)
	GetUserWithActiveHabits(ctx context.Context, id uint) (*db.User, error)
	GetHabit(ctx context.Context, id uint) (*db.Habit, error)

	FindCompletion(ctx context.Context, habitID, userID uint, day time.Time) (*db.CompletionRecord, error)
	ListCompletionsForDay(ctx context.Context, userID uint, day time.Time) ([]db.CompletionRecord, error)
	CreateCompletionIfAbsent(ctx context.Context, record *db.CompletionRecord) (bool, error)
	ApplyCompletion(ctx context.Context, recordID, userID uint, countDelta, xpDelta int) (*db.CompletionRecord, xp.Result, error)

	AdvanceLastReset(ctx context.Context, userID uint, prev *time.Time, at time.Time) (bool, error)
}

var _ Repository = (*db.GormStore)(nil)
