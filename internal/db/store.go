package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/habitlevel/internal/xp"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound 在记录不存在时返回
	ErrNotFound = errors.New("record not found")
	// ErrConflict 在条件更新未命中任何行时返回
	ErrConflict = errors.New("conditional update conflict")
)

// GormStore 基于 gorm 实现习惯、打卡与用户经验的持久化
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 构造 GormStore
func NewGormStore(gdb *gorm.DB) *GormStore {
	return &GormStore{db: gdb}
}

// DB 暴露底层 gorm 实例
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// ListUsers 返回全部用户，不加载习惯
func (s *GormStore) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// ListUsersPreloadingActiveHabits 返回全部用户，并预加载各自启用中的习惯。
// 没有启用习惯的用户同样返回，Habits 为空
func (s *GormStore) ListUsersPreloadingActiveHabits(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).
		Preload("Habits", activeHabits).
		Order("id ASC").
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("list users with habits: %w", err)
	}
	return users, nil
}

// GetUser 根据 ID 获取用户
func (s *GormStore) GetUser(ctx context.Context, id uint) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, wrapNotFound(err, "get user")
	}
	return &user, nil
}

// GetUserWithActiveHabits 获取用户并加载启用中的习惯
func (s *GormStore) GetUserWithActiveHabits(ctx context.Context, id uint) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).Preload("Habits", activeHabits).First(&user, id).Error; err != nil {
		return nil, wrapNotFound(err, "get user")
	}
	return &user, nil
}

// GetHabit 根据 ID 获取习惯（包含已停用的）
func (s *GormStore) GetHabit(ctx context.Context, id uint) (*Habit, error) {
	var habit Habit
	if err := s.db.WithContext(ctx).First(&habit, id).Error; err != nil {
		return nil, wrapNotFound(err, "get habit")
	}
	return &habit, nil
}

// FindCompletion 查找某天的打卡记录，不存在时返回 nil, nil
func (s *GormStore) FindCompletion(ctx context.Context, habitID, userID uint, day time.Time) (*CompletionRecord, error) {
	var record CompletionRecord
	err := s.db.WithContext(ctx).
		Where("habit_id = ? AND user_id = ? AND day = ?", habitID, userID, day.UTC()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find completion: %w", err)
	}
	return &record, nil
}

// ListCompletionsForDay 返回用户某天的全部打卡记录及其习惯
func (s *GormStore) ListCompletionsForDay(ctx context.Context, userID uint, day time.Time) ([]CompletionRecord, error) {
	var records []CompletionRecord
	if err := s.db.WithContext(ctx).
		Preload("Habit").
		Where("user_id = ? AND day = ?", userID, day.UTC()).
		Order("habit_id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	return records, nil
}

// CreateCompletionIfAbsent 幂等创建当天记录：若唯一键已存在则不做任何修改，
// 并将 record 重新加载为库中的实际值。created 表示本次是否真正插入。
func (s *GormStore) CreateCompletionIfAbsent(ctx context.Context, record *CompletionRecord) (bool, error) {
	record.Day = record.Day.UTC()

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "habit_id"}, {Name: "user_id"}, {Name: "day"}},
		DoNothing: true,
	}).Create(record)
	if result.Error != nil {
		return false, fmt.Errorf("create completion: %w", result.Error)
	}
	created := result.RowsAffected > 0

	var stored CompletionRecord
	if err := s.db.WithContext(ctx).
		Where("habit_id = ? AND user_id = ? AND day = ?", record.HabitID, record.UserID, record.Day).
		Take(&stored).Error; err != nil {
		return false, fmt.Errorf("reload completion: %w", err)
	}
	*record = stored
	return created, nil
}

// ApplyCompletion 在同一事务内修改当天记录与用户累计经验：
// completion_count 与 xp_earned 以原子表达式增减，用户经验读取后按 xp.Apply 截断并回写。
// countDelta 为负且现有次数不足时返回 ErrConflict，不做任何修改。
func (s *GormStore) ApplyCompletion(ctx context.Context, recordID, userID uint, countDelta, xpDelta int) (*CompletionRecord, xp.Result, error) {
	var (
		record CompletionRecord
		res    xp.Result
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := adjustCompletion(tx, recordID, countDelta, xpDelta); err != nil {
			return err
		}
		if err := tx.First(&record, recordID).Error; err != nil {
			return wrapNotFound(err, "reload completion")
		}

		var err error
		res, err = applyUserXP(tx, userID, xpDelta)
		return err
	})
	if err != nil {
		return nil, xp.Result{}, err
	}
	return &record, res, nil
}

// ApplyUserXP 在事务内读取并更新用户的累计经验与等级
func (s *GormStore) ApplyUserXP(ctx context.Context, userID uint, delta int) (xp.Result, error) {
	var res xp.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = applyUserXP(tx, userID, delta)
		return err
	})
	return res, err
}

func adjustCompletion(tx *gorm.DB, id uint, countDelta, xpDelta int) error {
	query := tx.Model(&CompletionRecord{}).Where("id = ?", id)
	if countDelta < 0 {
		query = query.Where("completion_count >= ?", -countDelta)
	}

	result := query.UpdateColumns(map[string]any{
		"completion_count": gorm.Expr("completion_count + ?", countDelta),
		"xp_earned":        gorm.Expr("xp_earned + ?", xpDelta),
		"updated_at":       time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("adjust completion: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("adjust completion %d: %w", id, ErrConflict)
	}
	return nil
}

func applyUserXP(tx *gorm.DB, userID uint, delta int) (xp.Result, error) {
	var user User
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, userID).Error; err != nil {
		return xp.Result{}, wrapNotFound(err, "load user xp")
	}

	res := xp.Apply(user.TotalXPEarned, user.CurrentLevel, delta)
	if err := tx.Model(&User{}).Where("id = ?", userID).Updates(map[string]any{
		"total_xp_earned": res.NewTotalXP,
		"current_level":   res.NewLevel,
	}).Error; err != nil {
		return xp.Result{}, fmt.Errorf("update user xp: %w", err)
	}
	return res, nil
}

// AdvanceLastReset 以比较并交换的方式推进 last_reset_at：
// 仅当库中的值仍等于 prev 时才写入 at，否则返回 false。
func (s *GormStore) AdvanceLastReset(ctx context.Context, userID uint, prev *time.Time, at time.Time) (bool, error) {
	query := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID)
	if prev == nil {
		query = query.Where("last_reset_at IS NULL")
	} else {
		query = query.Where("last_reset_at = ?", prev.UTC())
	}

	result := query.Update("last_reset_at", at.UTC().Truncate(time.Microsecond))
	if result.Error != nil {
		return false, fmt.Errorf("advance last reset: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func activeHabits(tx *gorm.DB) *gorm.DB {
	return tx.Where("is_active = ?", true).Order("created_at ASC")
}

func wrapNotFound(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
