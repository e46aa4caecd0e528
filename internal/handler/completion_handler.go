package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/habitlevel/internal/db"
	"github.com/habitlevel/internal/service"
)

type completionPayload struct {
	HabitID uint `json:"habit_id"`
	UserID  uint `json:"user_id"`
}

// IncrementCompletion 今天的完成次数 +1
func (a *API) IncrementCompletion(c *gin.Context) {
	a.recordCompletion(c, service.DirectionIncrement)
}

// DecrementCompletion 撤销今天的一次完成
func (a *API) DecrementCompletion(c *gin.Context) {
	a.recordCompletion(c, service.DirectionDecrement)
}

func (a *API) recordCompletion(c *gin.Context, direction service.Direction) {
	var payload completionPayload
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}
	if payload.HabitID == 0 || payload.UserID == 0 {
		respondError(c, http.StatusBadRequest, "habit_id 与 user_id 不能为空")
		return
	}

	res, err := a.ledger.RecordCompletion(c.Request.Context(), payload.HabitID, payload.UserID, direction)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	respondSuccess(c, http.StatusOK, gin.H{
		"completion": completionToPayload(res.Record),
		"xp_delta":   res.XPDelta,
		"user": gin.H{
			"total_xp":   res.User.NewTotalXP,
			"level":      res.User.NewLevel,
			"leveled_up": res.User.LeveledUp,
		},
	})
}

// TodayCompletions 返回用户本地今天的打卡记录
func (a *API) TodayCompletions(c *gin.Context) {
	userID, err := parseUintQuery(c, "user_id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的用户ID")
		return
	}

	records, err := a.ledger.TodayCompletions(c.Request.Context(), userID)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	items := make([]gin.H, 0, len(records))
	for _, record := range records {
		item := completionToPayload(record)
		item["habit"] = habitToPayload(record.Habit)
		items = append(items, item)
	}
	respondSuccess(c, http.StatusOK, gin.H{"completions": items})
}

func completionToPayload(record db.CompletionRecord) gin.H {
	return gin.H{
		"id":               record.ID,
		"habit_id":         record.HabitID,
		"user_id":          record.UserID,
		"day":              record.Day.UTC(),
		"completion_count": record.CompletionCount,
		"target_count":     record.TargetCount,
		"xp_earned":        record.XPEarned,
		"current_streak":   record.CurrentStreak,
		"completed":        record.CompletionCount >= record.TargetCount,
	}
}
