// Package xp 实现经验值衰减与等级曲线。
package xp

import "math"

const (
	// DecayFactor 每连续一天的经验衰减系数
	DecayFactor = 0.95
	// MaxDecayDays 衰减封顶天数，超过后经验值不再继续下降
	MaxDecayDays = 30
)

// HabitKind 区分好习惯与坏习惯
type HabitKind string

const (
	KindGood HabitKind = "GOOD"
	KindBad  HabitKind = "BAD"
)

// DecayedXP 返回按连胜衰减后的单次经验值
func DecayedXP(baseXP, streak int) int {
	effective := streak
	if effective > MaxDecayDays {
		effective = MaxDecayDays
	}
	if effective < 0 {
		effective = 0
	}
	return int(math.Round(float64(baseXP) * math.Pow(DecayFactor, float64(effective))))
}

// CompletionXP 返回一次打卡带来的有符号经验变化，坏习惯总是扣分
func CompletionXP(kind HabitKind, baseXP, streak int) int {
	magnitude := DecayedXP(baseXP, streak)
	if magnitude < 0 {
		magnitude = -magnitude
	}
	if kind == KindBad {
		return -magnitude
	}
	return magnitude
}

// XPForLevel 返回从 level-1 升到 level 所需的经验增量。
// 序列为 0, 100, 100, 200, 300, 500, 800 ...
func XPForLevel(level int) int {
	if level <= 1 {
		return 0
	}
	if level == 2 {
		return 100
	}

	prev, curr := 100, 100
	for i := 4; i <= level; i++ {
		prev, curr = curr, prev+curr
	}
	return curr
}

// CumulativeXPForLevel 返回到达 level 需要的累计经验
func CumulativeXPForLevel(level int) int {
	total := 0
	for i := 2; i <= level; i++ {
		total += XPForLevel(i)
	}
	return total
}

// LevelFromXP 返回累计经验 totalXP 对应的最高等级
func LevelFromXP(totalXP int) int {
	level := 1
	required := 0
	for {
		next := required + XPForLevel(level+1)
		if next > totalXP {
			return level
		}
		level++
		required = next
	}
}

// LevelProgress 描述当前等级内的进度，供前端展示进度条
type LevelProgress struct {
	Level                int `json:"level"`
	CurrentXP            int `json:"current_xp"`
	XPForNextLevel       int `json:"xp_for_next_level"`
	XPNeededForNextLevel int `json:"xp_needed_for_next_level"`
}

// Progress 计算累计经验在当前等级内的进度
func Progress(totalXP int) LevelProgress {
	if totalXP < 0 {
		totalXP = 0
	}
	level := LevelFromXP(totalXP)
	current := totalXP - CumulativeXPForLevel(level)
	next := XPForLevel(level + 1)

	return LevelProgress{
		Level:                level,
		CurrentXP:            current,
		XPForNextLevel:       next,
		XPNeededForNextLevel: next - current,
	}
}

// Result 是一次经验变更后的用户状态
type Result struct {
	NewTotalXP int
	NewLevel   int
	LeveledUp  bool
}

// Apply 将 delta 叠加到累计经验上，总经验不会低于 0
func Apply(totalXP, currentLevel, delta int) Result {
	newTotal := totalXP + delta
	if newTotal < 0 {
		newTotal = 0
	}
	newLevel := LevelFromXP(newTotal)
	return Result{
		NewTotalXP: newTotal,
		NewLevel:   newLevel,
		LeveledUp:  newLevel > currentLevel,
	}
}
