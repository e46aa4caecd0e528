package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/habitlevel/internal/clock"
	"github.com/habitlevel/internal/db"
	"github.com/habitlevel/internal/xp"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ErrUsernameTaken 在用户名已被占用时返回
var ErrUsernameTaken = fmt.Errorf("%w: username already taken", ErrValidation)

// UserService 负责账户资料、时区与经验进度的查询
type UserService struct {
	db     *gorm.DB
	ledger *StreakLedger
}

// UserInput 定义创建用户时的字段，Password 可为空
type UserInput struct {
	Username string
	Password string
	Timezone string
}

// UserStats 汇总用户习惯数量与今天的完成情况。
// 今天的完成率只统计好习惯，完成次数达到目标才算完成
type UserStats struct {
	User           db.User
	Progress       xp.LevelProgress
	TotalHabits    int
	GoodHabits     int
	BadHabits      int
	CompletedToday int
	CompletionRate int
}

// NewUserService 构造 UserService
func NewUserService(gdb *gorm.DB, ledger *StreakLedger) *UserService {
	return &UserService{db: gdb, ledger: ledger}
}

// Create 新建用户，时区为空时默认 UTC
func (s *UserService) Create(input UserInput) (*db.User, error) {
	username := strings.TrimSpace(input.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrValidation)
	}

	timezone := strings.TrimSpace(input.Timezone)
	if timezone == "" {
		timezone = "UTC"
	}
	if !clock.IsValidTimezone(timezone) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimezone, timezone)
	}

	var count int64
	if err := s.db.Model(&db.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}

	user := db.User{Username: username, Timezone: timezone, CurrentLevel: 1}
	if password := strings.TrimSpace(input.Password); password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		user.Password = string(hashed)
	}

	if err := s.db.Create(&user).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &user, nil
}

// Get 根据 ID 获取用户
func (s *UserService) Get(id uint) (*db.User, error) {
	var user db.User
	if err := s.db.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

// UpdateTimezone 修改用户时区。
// 跨时区修改可能让某一天被跳过或重复一次，不做追溯修正
func (s *UserService) UpdateTimezone(id uint, timezone string) (*db.User, error) {
	timezone = strings.TrimSpace(timezone)
	if !clock.IsValidTimezone(timezone) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimezone, timezone)
	}

	user, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if err := s.db.Model(user).Update("timezone", timezone).Error; err != nil {
		return nil, fmt.Errorf("update timezone: %w", err)
	}
	user.Timezone = timezone
	return user, nil
}

// Stats 计算用户习惯统计与今天的完成率
func (s *UserService) Stats(ctx context.Context, id uint) (*UserStats, error) {
	user, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	var habits []db.Habit
	if err := s.db.WithContext(ctx).Where("user_id = ? AND is_active = ?", id, true).Find(&habits).Error; err != nil {
		return nil, fmt.Errorf("list habits: %w", err)
	}

	stats := &UserStats{User: *user, Progress: xp.Progress(user.TotalXPEarned), TotalHabits: len(habits)}
	for _, habit := range habits {
		if habit.Type == db.HabitTypeBad {
			stats.BadHabits++
		} else {
			stats.GoodHabits++
		}
	}

	records, err := s.ledger.TodayCompletions(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if record.Habit.Type == db.HabitTypeGood && record.Habit.IsActive && record.CompletionCount >= record.TargetCount {
			stats.CompletedToday++
		}
	}
	if stats.GoodHabits > 0 {
		stats.CompletionRate = int(float64(stats.CompletedToday)/float64(stats.GoodHabits)*100 + 0.5)
	}

	return stats, nil
}
