package main

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/habitlevel/internal/clock"
	"github.com/habitlevel/internal/db"
	"github.com/habitlevel/internal/xp"
	"gorm.io/gorm"
)

func setupSeedTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	gdb, err := db.Open(db.Options{
		Path:  fmt.Sprintf("file:seed-%d?mode=memory&cache=shared", time.Now().UnixNano()),
		Quiet: true,
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return gdb
}

func TestBackfillHistoryKeepsStreakChain(t *testing.T) {
	gdb := setupSeedTestDB(t)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	for _, seed := range seedUsers {
		user, created, err := createSeedUser(gdb, seed)
		if err != nil || !created {
			t.Fatalf("createSeedUser(%s) failed: created=%v err=%v", seed.Username, created, err)
		}

		rng := rand.New(rand.NewPCG(7, 11))
		count, err := backfillHistory(gdb, user, now, 20, seed.Diligence, rng)
		if err != nil {
			t.Fatalf("backfillHistory returned error: %v", err)
		}
		if count != 20*len(seed.Habits) {
			t.Fatalf("expected %d records, got %d", 20*len(seed.Habits), count)
		}

		loc, _ := clock.Load(user.Timezone)
		for _, habit := range user.Habits {
			var records []db.CompletionRecord
			gdb.Where("habit_id = ?", habit.ID).Order("day ASC").Find(&records)

			for i, record := range records {
				want := 0
				if i > 0 && records[i-1].CompletionCount > 0 {
					want = records[i-1].CurrentStreak + 1
				}
				if record.CurrentStreak != want {
					t.Fatalf("%s/%s day %d: expected streak %d, got %d", user.Username, habit.Name, i, want, record.CurrentStreak)
				}
				if record.XPEarned != record.CompletionCount*xp.CompletionXP(xp.HabitKind(habit.Type), habit.BaseXPValue, record.CurrentStreak) {
					t.Fatalf("%s/%s day %d: inconsistent xp %d", user.Username, habit.Name, i, record.XPEarned)
				}
			}

			last := records[len(records)-1].Day
			if !last.Equal(clock.Yesterday(loc, now)) {
				t.Fatalf("expected history to end yesterday, got %s", last)
			}
		}

		var stored db.User
		gdb.First(&stored, user.ID)
		if stored.CurrentLevel != xp.LevelFromXP(stored.TotalXPEarned) {
			t.Fatalf("level %d does not match xp %d", stored.CurrentLevel, stored.TotalXPEarned)
		}
		needs, err := clock.NeedsReset(stored.LastResetAt, stored.Timezone, now)
		if err != nil || !needs {
			t.Fatalf("expected today's reset to be pending, needs=%v err=%v", needs, err)
		}
	}
}

func TestCreateSeedUserSkipsExisting(t *testing.T) {
	gdb := setupSeedTestDB(t)

	if _, created, err := createSeedUser(gdb, seedUsers[0]); err != nil || !created {
		t.Fatalf("first create failed: %v", err)
	}
	if _, created, err := createSeedUser(gdb, seedUsers[0]); err != nil || created {
		t.Fatalf("expected second create to be skipped, created=%v err=%v", created, err)
	}
}
