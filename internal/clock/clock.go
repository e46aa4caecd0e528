// Package clock 负责按用户 IANA 时区计算自然日边界，并判断每日重置是否到期。
package clock

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrUnknownTimezone 在时区名称无法解析为 IANA 时区时返回
var ErrUnknownTimezone = errors.New("unknown timezone")

// Clock 提供当前时间，测试中可以替换为固定时钟
type Clock interface {
	Now() time.Time
}

// System 使用系统时间
type System struct{}

// Now 返回当前 UTC 时间
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Fixed 是可手动推进的测试时钟
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixed 构造固定时钟
func NewFixed(now time.Time) *Fixed {
	return &Fixed{now: now}
}

// Now 返回当前设定的时间
func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set 将时钟拨到指定时间
func (f *Fixed) Set(now time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

// Advance 将时钟向前推进 d
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

var locationCache sync.Map

// Load 解析 IANA 时区名称并缓存结果
func Load(name string) (*time.Location, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty name", ErrUnknownTimezone)
	}
	if cached, ok := locationCache.Load(trimmed); ok {
		return cached.(*time.Location), nil
	}

	loc, err := time.LoadLocation(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTimezone, trimmed)
	}
	// time.LoadLocation 对 "Local" 返回服务器时区，用户时区不应依赖服务器配置
	if loc == time.Local {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTimezone, trimmed)
	}

	locationCache.Store(trimmed, loc)
	return loc, nil
}

// IsValidTimezone 校验时区名称，不会 panic
func IsValidTimezone(name string) bool {
	_, err := Load(name)
	return err == nil
}

// LocalMidnight 返回 t 在 loc 中所在自然日的第一个时刻。
// 通常是零点；若夏令时切换恰好跳过零点（如 America/Havana），则是当天的切换时刻。
func LocalMidnight(loc *time.Location, t time.Time) time.Time {
	local := t.In(loc)
	return startOfDay(loc, local.Year(), local.Month(), local.Day())
}

// DaysBefore 返回 t 所在自然日往前 n 天的第一个时刻
func DaysBefore(loc *time.Location, t time.Time, n int) time.Time {
	local := t.In(loc)
	return startOfDay(loc, local.Year(), local.Month(), local.Day()-n)
}

func startOfDay(loc *time.Location, year int, month time.Month, day int) time.Time {
	// 先用正午归一化越界的日期，正午不会落在零点附近的切换缺口里
	year, month, day = time.Date(year, month, day, 12, 0, 0, 0, loc).Date()

	m := time.Date(year, month, day, 0, 0, 0, 0, loc)
	if m.Day() == day {
		return m
	}
	// 零点不存在时 time.Date 会落到前一天，当天从该时区段结束的那一刻开始
	if _, end := m.ZoneBounds(); !end.IsZero() && end.In(loc).Day() == day {
		return end
	}
	for h := 1; h < 24; h++ {
		if c := time.Date(year, month, day, h, 0, 0, 0, loc); c.Day() == day {
			return c
		}
	}
	return m
}

// Yesterday 返回昨天的零点
func Yesterday(loc *time.Location, t time.Time) time.Time {
	return DaysBefore(loc, t, 1)
}

// NextMidnight 返回下一个零点
func NextMidnight(loc *time.Location, t time.Time) time.Time {
	return DaysBefore(loc, t, -1)
}

// NeedsReset 判断用户自上次重置以来是否已经跨过本地零点。
// lastResetAt 为空时总是需要重置；否则要求 now 已到达今日零点且上次重置早于今日零点。
func NeedsReset(lastResetAt *time.Time, timezone string, now time.Time) (bool, error) {
	loc, err := Load(timezone)
	if err != nil {
		return false, err
	}
	if lastResetAt == nil {
		return true, nil
	}

	todayMidnight := LocalMidnight(loc, now)
	reachedMidnight := !now.Before(todayMidnight)
	resetBeforeMidnight := lastResetAt.Before(todayMidnight)

	return reachedMidnight && resetBeforeMidnight, nil
}

// CommonTimezones 返回常用时区列表，供前端下拉选择
func CommonTimezones() []string {
	return []string{
		"UTC",
		"America/New_York",
		"America/Chicago",
		"America/Denver",
		"America/Los_Angeles",
		"America/Toronto",
		"Europe/London",
		"Europe/Paris",
		"Europe/Berlin",
		"Asia/Tokyo",
		"Asia/Shanghai",
		"Asia/Dubai",
		"Australia/Sydney",
		"Pacific/Auckland",
	}
}
