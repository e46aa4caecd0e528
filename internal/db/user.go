package db

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// User 定义了用户模型。
// LastResetAt 始终以 UTC 存储，为空表示从未执行过每日重置
type User struct {
	gorm.Model
	Username      string     `gorm:"unique;not null"`
	Password      string     `gorm:"not null;default:''"`
	Timezone      string     `gorm:"size:64;not null;default:'UTC'"`
	LastResetAt   *time.Time `gorm:"column:last_reset_at"`
	TotalXPEarned int        `gorm:"column:total_xp_earned;not null;default:0"`
	CurrentLevel  int        `gorm:"column:current_level;not null;default:1"`
	Habits        []Habit    `gorm:"foreignKey:UserID"`
}

// EnsureUser 存在性检查：若提供的用户名与密码均非空且不存在对应账号，则创建一个 bcrypt 哈希的用户。
func EnsureUser(gdb *gorm.DB, username, password string) error {
	trimmedUser := strings.TrimSpace(username)
	trimmedPassword := strings.TrimSpace(password)
	if trimmedUser == "" || trimmedPassword == "" {
		return nil
	}

	if gdb == nil {
		return errors.New("database not initialized")
	}

	var existing User
	if err := gdb.Where("username = ?", trimmedUser).First(&existing).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		hashed, err := bcrypt.GenerateFromPassword([]byte(trimmedPassword), bcrypt.DefaultCost)
		if err != nil {
			return err
		}

		return gdb.Create(&User{Username: trimmedUser, Password: string(hashed), Timezone: "UTC", CurrentLevel: 1}).Error
	}

	return nil
}
