package main

import (
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"github.com/alecthomas/kong"
	"github.com/habitlevel/internal/clock"
	"github.com/habitlevel/internal/config"
	"github.com/habitlevel/internal/db"
	"github.com/habitlevel/internal/xp"
	"gorm.io/gorm"
)

var CLI struct {
	Days int    `help:"Days of history to generate per user." default:"30"`
	Seed uint64 `help:"Random seed, fixed for reproducible data." default:"42"`
}

type seedUser struct {
	Username string
	Timezone string
	Habits   []db.Habit
	// Diligence 为每天完成好习惯的概率
	Diligence float64
}

var seedUsers = []seedUser{
	{
		Username:  "alice",
		Timezone:  "America/New_York",
		Diligence: 0.9,
		Habits: []db.Habit{
			{Name: "Morning run", Description: "**5 km** around the park", Type: db.HabitTypeGood, BaseXPValue: 50, TargetCount: 1},
			{Name: "Drink water", Description: "8 glasses", Type: db.HabitTypeGood, BaseXPValue: 10, TargetCount: 8},
			{Name: "Doomscrolling", Type: db.HabitTypeBad, BaseXPValue: 20, TargetCount: 1},
		},
	},
	{
		Username:  "kenji",
		Timezone:  "Asia/Tokyo",
		Diligence: 0.6,
		Habits: []db.Habit{
			{Name: "Read 20 pages", Type: db.HabitTypeGood, BaseXPValue: 30, TargetCount: 1},
			{Name: "Late-night ramen", Type: db.HabitTypeBad, BaseXPValue: 40, TargetCount: 1},
		},
	},
	{
		Username:  "maria",
		Timezone:  "Europe/Berlin",
		Diligence: 0.75,
		Habits: []db.Habit{
			{Name: "Meditate", Description: "10 minutes, *no phone*", Type: db.HabitTypeGood, BaseXPValue: 25, TargetCount: 1},
			{Name: "Practice guitar", Type: db.HabitTypeGood, BaseXPValue: 40, TargetCount: 2},
		},
	},
}

// 测试数据生成器
func main() {
	kong.Parse(&CLI, kong.Name("generate_test_data"), kong.Description("Backfill demo users with completion history."))

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("配置加载失败:", err)
	}
	gdb, err := db.Open(db.Options{Driver: cfg.DatabaseDriver, Path: cfg.DatabasePath, DSN: cfg.DatabaseDSN})
	if err != nil {
		log.Fatal("数据库初始化失败:", err)
	}

	fmt.Println("开始生成测试数据...")

	rng := rand.New(rand.NewPCG(CLI.Seed, CLI.Seed^0x9e3779b97f4a7c15))
	now := time.Now().UTC()
	for _, seed := range seedUsers {
		user, created, err := createSeedUser(gdb, seed)
		if err != nil {
			log.Fatal("创建用户失败:", err)
		}
		if !created {
			fmt.Printf("用户 %s 已存在，跳过\n", seed.Username)
			continue
		}

		records, err := backfillHistory(gdb, user, now, CLI.Days, seed.Diligence, rng)
		if err != nil {
			log.Fatal("生成打卡历史失败:", err)
		}
		fmt.Printf("用户 %s (%s): %d 条打卡记录, %d XP, 等级 %d\n",
			user.Username, user.Timezone, records, user.TotalXPEarned, user.CurrentLevel)
	}

	fmt.Println("测试数据生成完成！")
}

// createSeedUser 创建用户及其习惯，已存在时返回 created=false
func createSeedUser(gdb *gorm.DB, seed seedUser) (*db.User, bool, error) {
	var count int64
	if err := gdb.Model(&db.User{}).Where("username = ?", seed.Username).Count(&count).Error; err != nil {
		return nil, false, err
	}
	if count > 0 {
		return nil, false, nil
	}

	user := db.User{Username: seed.Username, Timezone: seed.Timezone, CurrentLevel: 1}
	for _, habit := range seed.Habits {
		habit.IsActive = true
		user.Habits = append(user.Habits, habit)
	}
	if err := gdb.Create(&user).Error; err != nil {
		return nil, false, err
	}
	return &user, true, nil
}

// backfillHistory 从 days 天前到昨天逐日生成打卡记录。
// 连胜与经验按与线上相同的规则推导：前一天有完成则连胜 +1，经验按冻结的连胜衰减。
// 生成结束后 last_reset_at 停在昨天，下一次扫描会为今天开新的一天。
func backfillHistory(gdb *gorm.DB, user *db.User, now time.Time, days int, diligence float64, rng *rand.Rand) (int, error) {
	loc, err := clock.Load(user.Timezone)
	if err != nil {
		return 0, err
	}

	streaks := make(map[uint]int, len(user.Habits))
	lastCount := make(map[uint]int, len(user.Habits))
	records := make([]db.CompletionRecord, 0, days*len(user.Habits))
	total, level := user.TotalXPEarned, user.CurrentLevel

	for offset := days; offset >= 1; offset-- {
		day := clock.DaysBefore(loc, now, offset)
		for _, habit := range user.Habits {
			streak := 0
			if lastCount[habit.ID] > 0 {
				streak = streaks[habit.ID] + 1
			}

			count := dailyCount(habit, diligence, rng)
			perCompletion := xp.CompletionXP(xp.HabitKind(habit.Type), habit.BaseXPValue, streak)
			earned := count * perCompletion
			res := xp.Apply(total, level, earned)
			total, level = res.NewTotalXP, res.NewLevel

			records = append(records, db.CompletionRecord{
				HabitID:         habit.ID,
				UserID:          user.ID,
				Day:             day.UTC(),
				CompletionCount: count,
				TargetCount:     habit.TargetCount,
				XPEarned:        earned,
				CurrentStreak:   streak,
				XPPerCompletion: perCompletion,
			})
			streaks[habit.ID] = streak
			lastCount[habit.ID] = count
		}
	}

	lastReset := clock.Yesterday(loc, now).Add(time.Minute).UTC()
	err = gdb.Transaction(func(tx *gorm.DB) error {
		if len(records) > 0 {
			if err := tx.CreateInBatches(records, 200).Error; err != nil {
				return err
			}
		}
		return tx.Model(user).Updates(map[string]any{
			"total_xp_earned": total,
			"current_level":   level,
			"last_reset_at":   lastReset,
		}).Error
	})
	if err != nil {
		return 0, err
	}

	user.TotalXPEarned, user.CurrentLevel, user.LastResetAt = total, level, &lastReset
	return len(records), nil
}

// dailyCount 好习惯以 diligence 的概率完成到目标次数，坏习惯以相反的概率发生一次
func dailyCount(habit db.Habit, diligence float64, rng *rand.Rand) int {
	if habit.Type == db.HabitTypeBad {
		if rng.Float64() > diligence {
			return 1
		}
		return 0
	}
	if rng.Float64() < diligence {
		return habit.TargetCount
	}
	if habit.TargetCount > 1 && rng.Float64() < 0.5 {
		return rng.IntN(habit.TargetCount)
	}
	return 0
}
