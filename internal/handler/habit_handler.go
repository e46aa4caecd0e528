package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/habitlevel/internal/db"
	"github.com/habitlevel/internal/service"
)

type habitPayload struct {
	UserID      uint   `json:"user_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	BaseXPValue int    `json:"base_xp_value"`
	TargetCount int    `json:"target_count"`
}

// ListHabits 返回用户的习惯列表 JSON
func (a *API) ListHabits(c *gin.Context) {
	userID, err := parseUintQuery(c, "user_id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的用户ID")
		return
	}

	includeInactive, _ := strconv.ParseBool(c.Query("include_inactive"))
	habits, err := a.habits.List(service.HabitFilter{
		UserID:          userID,
		Type:            c.Query("type"),
		Search:          c.Query("search"),
		IncludeInactive: includeInactive,
	})
	if err != nil {
		handleServiceError(c, err)
		return
	}

	items := make([]gin.H, 0, len(habits))
	for _, habit := range habits {
		items = append(items, habitToPayload(habit))
	}

	respondSuccess(c, http.StatusOK, gin.H{"habits": items})
}

// GetHabit 返回单个习惯详情
func (a *API) GetHabit(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的习惯ID")
		return
	}

	habit, err := a.habits.Get(id, 0)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	respondSuccess(c, http.StatusOK, gin.H{"habit": habitToPayload(*habit)})
}

// CreateHabit 创建习惯
func (a *API) CreateHabit(c *gin.Context) {
	var payload habitPayload
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}
	if payload.UserID == 0 {
		respondError(c, http.StatusBadRequest, "无效的用户ID")
		return
	}

	habit, err := a.habits.Create(payload.UserID, payload.toInput())
	if err != nil {
		handleServiceError(c, err)
		return
	}

	respondSuccess(c, http.StatusCreated, gin.H{"habit": habitToPayload(*habit)})
}

// UpdateHabit 更新习惯
func (a *API) UpdateHabit(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的习惯ID")
		return
	}

	var payload habitPayload
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}

	habit, err := a.habits.Update(id, payload.UserID, payload.toInput())
	if err != nil {
		handleServiceError(c, err)
		return
	}

	respondSuccess(c, http.StatusOK, gin.H{"habit": habitToPayload(*habit)})
}

// DeleteHabit 停用习惯，历史打卡保留
func (a *API) DeleteHabit(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的习惯ID")
		return
	}

	var userID uint
	if raw := c.Query("user_id"); raw != "" {
		if userID, err = parseUintQuery(c, "user_id"); err != nil {
			respondError(c, http.StatusBadRequest, "无效的用户ID")
			return
		}
	}

	if err := a.habits.Delete(id, userID); err != nil {
		handleServiceError(c, err)
		return
	}

	respondSuccess(c, http.StatusOK, gin.H{"deleted": true})
}

func (p habitPayload) toInput() service.HabitInput {
	return service.HabitInput{
		Name:        p.Name,
		Description: p.Description,
		Type:        p.Type,
		BaseXPValue: p.BaseXPValue,
		TargetCount: p.TargetCount,
	}
}

func habitToPayload(habit db.Habit) gin.H {
	return gin.H{
		"id":               habit.ID,
		"user_id":          habit.UserID,
		"name":             habit.Name,
		"description":      habit.Description,
		"description_html": service.RenderDescription(habit.Description),
		"type":             habit.Type,
		"base_xp_value":    habit.BaseXPValue,
		"target_count":     habit.TargetCount,
		"is_active":        habit.IsActive,
	}
}
