package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/habitlevel/internal/clock"
	"github.com/habitlevel/internal/db"
	"github.com/habitlevel/internal/service"
	"github.com/habitlevel/internal/xp"
)

type userPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Timezone string `json:"timezone"`
}

// CreateUser 注册用户
func (a *API) CreateUser(c *gin.Context) {
	var payload userPayload
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}

	user, err := a.users.Create(service.UserInput{
		Username: payload.Username,
		Password: payload.Password,
		Timezone: payload.Timezone,
	})
	if err != nil {
		handleServiceError(c, err)
		return
	}

	respondSuccess(c, http.StatusCreated, gin.H{"user": userToPayload(*user)})
}

// GetUser 返回用户资料与等级进度
func (a *API) GetUser(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的用户ID")
		return
	}

	user, err := a.users.Get(id)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	respondSuccess(c, http.StatusOK, gin.H{"user": userToPayload(*user)})
}

// GetUserStats 返回习惯统计与今天的完成率
func (a *API) GetUserStats(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的用户ID")
		return
	}

	stats, err := a.users.Stats(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	respondSuccess(c, http.StatusOK, gin.H{
		"user":            userToPayload(stats.User),
		"total_habits":    stats.TotalHabits,
		"good_habits":     stats.GoodHabits,
		"bad_habits":      stats.BadHabits,
		"completed_today": stats.CompletedToday,
		"completion_rate": stats.CompletionRate,
	})
}

// UpdateUserTimezone 修改用户时区
func (a *API) UpdateUserTimezone(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的用户ID")
		return
	}

	var payload struct {
		Timezone string `json:"timezone"`
	}
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}

	user, err := a.users.UpdateTimezone(id, payload.Timezone)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	respondSuccess(c, http.StatusOK, gin.H{"user": userToPayload(*user)})
}

// ListTimezones 返回常用时区
func ListTimezones(c *gin.Context) {
	respondSuccess(c, http.StatusOK, gin.H{"timezones": clock.CommonTimezones()})
}

func userToPayload(user db.User) gin.H {
	return gin.H{
		"id":            user.ID,
		"username":      user.Username,
		"timezone":      user.Timezone,
		"last_reset_at": user.LastResetAt,
		"total_xp":      user.TotalXPEarned,
		"level":         user.CurrentLevel,
		"progress":      xp.Progress(user.TotalXPEarned),
	}
}
