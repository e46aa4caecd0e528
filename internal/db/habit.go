package db

import (
	"time"

	"gorm.io/gorm"
)

const (
	HabitTypeGood = "GOOD"
	HabitTypeBad  = "BAD"
)

// Habit 定义了习惯模型
// Type 区分好习惯（加经验）与坏习惯（扣经验）
// IsActive 为软删除标记，停用后不再参与每日重置
type Habit struct {
	gorm.Model
	UserID      uint   `gorm:"index;not null"`
	Name        string `gorm:"not null"`
	Description string
	Type        string `gorm:"size:8;not null"`
	BaseXPValue int    `gorm:"column:base_xp_value;not null"`
	TargetCount int    `gorm:"not null;default:1"`
	IsActive    bool   `gorm:"index;not null;default:true"`
}

// CompletionRecord 记录某个用户某个习惯在某个自然日的完成情况
// (HabitID, UserID, Day) 采用唯一索引，保证每天只有一条记录；
// Day 为用户所在时区当天零点对应的 UTC 时刻。
// CurrentStreak 在记录创建时计算并冻结
type CompletionRecord struct {
	gorm.Model
	HabitID         uint      `gorm:"not null;index;uniqueIndex:idx_completion_unique"`
	Habit           Habit     `gorm:"constraint:OnDelete:CASCADE"`
	UserID          uint      `gorm:"not null;index;uniqueIndex:idx_completion_unique"`
	Day             time.Time `gorm:"not null;index;uniqueIndex:idx_completion_unique"`
	CompletionCount int       `gorm:"not null;default:0"`
	TargetCount     int       `gorm:"not null;default:1"`
	XPEarned        int       `gorm:"column:xp_earned;not null;default:0"`
	CurrentStreak   int       `gorm:"not null;default:0"`
	// XPPerCompletion 在记录创建时按习惯类型、基础经验和连胜冻结，带符号；
	// 当天的每次打卡与撤销都使用这个值
	XPPerCompletion int `gorm:"column:xp_per_completion;not null;default:0"`
}

// TableName 重写确保唯一索引作用到 habit_id + user_id + day
func (CompletionRecord) TableName() string {
	return "habit_completions"
}
