package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/habitlevel/internal/db"
	"gorm.io/gorm"
)

const (
	minBaseXP      = 1
	maxBaseXP      = 1000
	minTargetCount = 1
	maxTargetCount = 50
)

// HabitService 负责 Habit 数据的增删改查
// 删除为软删除：IsActive 置为 false，历史打卡保持不变

type HabitService struct {
	db *gorm.DB
}

// HabitFilter 描述列表过滤条件
type HabitFilter struct {
	UserID          uint
	Type            string
	Search          string
	IncludeInactive bool
}

// HabitInput 定义创建/更新习惯时可配置字段
type HabitInput struct {
	Name        string
	Description string
	Type        string
	BaseXPValue int
	TargetCount int
}

// NewHabitService 构造 HabitService
func NewHabitService(gdb *gorm.DB) *HabitService {
	return &HabitService{db: gdb}
}

// List 返回用户的习惯集合，默认只包含启用中的习惯
func (s *HabitService) List(filter HabitFilter) ([]db.Habit, error) {
	var habits []db.Habit

	query := s.db.Model(&db.Habit{})

	if filter.UserID != 0 {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if !filter.IncludeInactive {
		query = query.Where("is_active = ?", true)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", normalizeHabitType(filter.Type))
	}
	if filter.Search != "" {
		like := fmt.Sprintf("%%%s%%", strings.TrimSpace(filter.Search))
		query = query.Where("name LIKE ? OR description LIKE ?", like, like)
	}

	if err := query.Order("created_at ASC").Find(&habits).Error; err != nil {
		return nil, fmt.Errorf("list habits: %w", err)
	}

	return habits, nil
}

// Get 根据 ID 获取习惯，userID 非 0 时校验归属
func (s *HabitService) Get(id, userID uint) (*db.Habit, error) {
	var habit db.Habit
	if err := s.db.First(&habit, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHabitNotFound
		}
		return nil, fmt.Errorf("get habit: %w", err)
	}
	if userID != 0 && habit.UserID != userID {
		return nil, ErrHabitNotFound
	}
	return &habit, nil
}

// Create 新建习惯
func (s *HabitService) Create(userID uint, input HabitInput) (*db.Habit, error) {
	if err := validateHabitInput(input); err != nil {
		return nil, err
	}

	var owner db.User
	if err := s.db.Select("id").First(&owner, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find owner: %w", err)
	}

	targetCount := input.TargetCount
	if targetCount == 0 {
		targetCount = 1
	}

	habit := db.Habit{
		UserID:      userID,
		Name:        sanitizePlain(input.Name),
		Description: strings.TrimSpace(input.Description),
		Type:        normalizeHabitType(input.Type),
		BaseXPValue: input.BaseXPValue,
		TargetCount: targetCount,
		IsActive:    true,
	}

	if err := s.db.Create(&habit).Error; err != nil {
		return nil, fmt.Errorf("create habit: %w", err)
	}
	return &habit, nil
}

// Update 更新习惯。已创建的当天记录保留创建时的目标次数与单次经验快照
func (s *HabitService) Update(id, userID uint, input HabitInput) (*db.Habit, error) {
	if err := validateHabitInput(input); err != nil {
		return nil, err
	}

	existing, err := s.Get(id, userID)
	if err != nil {
		return nil, err
	}

	existing.Name = sanitizePlain(input.Name)
	existing.Description = strings.TrimSpace(input.Description)
	existing.Type = normalizeHabitType(input.Type)
	existing.BaseXPValue = input.BaseXPValue
	if input.TargetCount != 0 {
		existing.TargetCount = input.TargetCount
	}

	if err := s.db.Save(existing).Error; err != nil {
		return nil, fmt.Errorf("update habit: %w", err)
	}
	return existing, nil
}

// Delete 停用习惯
func (s *HabitService) Delete(id, userID uint) error {
	if _, err := s.Get(id, userID); err != nil {
		return err
	}
	if err := s.db.Model(&db.Habit{}).Where("id = ?", id).Update("is_active", false).Error; err != nil {
		return fmt.Errorf("delete habit: %w", err)
	}
	return nil
}

func validateHabitInput(input HabitInput) error {
	if sanitizePlain(input.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidHabit)
	}

	kind := normalizeHabitType(input.Type)
	if kind != db.HabitTypeGood && kind != db.HabitTypeBad {
		return fmt.Errorf("%w: type must be GOOD or BAD", ErrInvalidHabit)
	}

	if input.BaseXPValue < minBaseXP || input.BaseXPValue > maxBaseXP {
		return fmt.Errorf("%w: base xp must be between %d and %d", ErrInvalidHabit, minBaseXP, maxBaseXP)
	}

	if input.TargetCount != 0 && (input.TargetCount < minTargetCount || input.TargetCount > maxTargetCount) {
		return fmt.Errorf("%w: target count must be between %d and %d", ErrInvalidHabit, minTargetCount, maxTargetCount)
	}

	return nil
}

func normalizeHabitType(kind string) string {
	return strings.ToUpper(strings.TrimSpace(kind))
}
