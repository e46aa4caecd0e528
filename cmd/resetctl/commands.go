package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/habitlevel/internal/service"
)

var stdout io.Writer = os.Stdout

// SweepCmd 立即执行一轮扫描
type SweepCmd struct{}

func (c *SweepCmd) Run(ctx *Context) error {
	res, err := ctx.App.Scheduler.RunSweep(ctx.Ctx)
	if err != nil {
		return err
	}
	if ctx.JSON {
		return printJSON(res)
	}
	fmt.Fprintf(stdout, "run %s: reset=%d skipped=%d failed=%d habit_failures=%d\n",
		res.RunID, res.ResetCount, res.SkippedCount, res.FailedCount, res.HabitFailures)
	return nil
}

// TriggerCmd 重置单个用户
type TriggerCmd struct {
	UserID uint `arg:"" help:"User ID."`
}

func (c *TriggerCmd) Run(ctx *Context) error {
	res, err := ctx.App.Scheduler.TriggerForUser(ctx.Ctx, c.UserID)
	if err != nil {
		return err
	}
	if ctx.JSON {
		return printJSON(res)
	}
	fmt.Fprintf(stdout, "%s (%s, local %s): %s, habits=%d failures=%d\n",
		res.Username, res.Timezone, res.LocalTime, res.Reason, res.HabitsProcessed, res.HabitFailures)
	return nil
}

// StatusCmd 打印全部用户的重置状态
type StatusCmd struct{}

func (c *StatusCmd) Run(ctx *Context) error {
	statuses, err := ctx.App.Scheduler.StatusForAllUsers(ctx.Ctx)
	if err != nil {
		return err
	}
	if ctx.JSON {
		return printJSON(statuses)
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tTIMEZONE\tLOCAL TIME\tLAST RESET\tNEEDS RESET\tNEXT MIDNIGHT (UTC)")
	for _, st := range statuses {
		next := "-"
		if !st.NextMidnight.IsZero() {
			next = st.NextMidnight.UTC().Format("2006-01-02 15:04")
		}
		local := st.LocalTime
		if st.Error != "" {
			local = "invalid timezone"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%t\t%s\n",
			st.UserID, st.Username, st.Timezone, local, st.LastResetAt, st.NeedsReset, next)
	}
	return w.Flush()
}

// CompleteCmd 为今天记录一次完成或撤销
type CompleteCmd struct {
	UserID  uint `arg:"" help:"User ID."`
	HabitID uint `arg:"" help:"Habit ID."`
	Undo    bool `help:"Decrement instead of increment."`
}

func (c *CompleteCmd) Run(ctx *Context) error {
	direction := service.DirectionIncrement
	if c.Undo {
		direction = service.DirectionDecrement
	}

	res, err := ctx.App.Ledger.RecordCompletion(ctx.Ctx, c.HabitID, c.UserID, direction)
	if err != nil {
		return err
	}
	if ctx.JSON {
		return printJSON(res)
	}

	fmt.Fprintf(stdout, "%s: %d/%d today, streak %d, xp %+d → total %d (level %d)\n",
		res.Habit.Name, res.Record.CompletionCount, res.Record.TargetCount, res.Record.CurrentStreak,
		res.XPDelta, res.User.NewTotalXP, res.User.NewLevel)
	if res.User.LeveledUp {
		fmt.Fprintf(stdout, "level up! now level %d\n", res.User.NewLevel)
	}
	return nil
}

// SeedCmd 创建演示用户及习惯
type SeedCmd struct {
	Username string `help:"Username to create." default:"demo"`
	Timezone string `help:"IANA timezone of the user." default:"UTC"`
}

func (c *SeedCmd) Run(ctx *Context) error {
	users := service.NewUserService(ctx.App.DB, ctx.App.Ledger)
	habits := service.NewHabitService(ctx.App.DB)

	user, err := users.Create(service.UserInput{Username: c.Username, Timezone: c.Timezone})
	if err != nil {
		return err
	}

	seeds := []service.HabitInput{
		{Name: "Morning run", Description: "**5 km** before breakfast", Type: "GOOD", BaseXPValue: 50, TargetCount: 1},
		{Name: "Drink water", Description: "One glass each time", Type: "GOOD", BaseXPValue: 10, TargetCount: 8},
		{Name: "Late-night snack", Type: "BAD", BaseXPValue: 20, TargetCount: 1},
	}
	for _, input := range seeds {
		habit, err := habits.Create(user.ID, input)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "habit %d: %s (%s, %d xp)\n", habit.ID, habit.Name, habit.Type, habit.BaseXPValue)
	}

	fmt.Fprintf(stdout, "user %d: %s (%s)\n", user.ID, user.Username, user.Timezone)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
