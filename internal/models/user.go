package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User is a WhatsApp contact, keyed by phone number
type User struct {
	gorm.Model
	PhoneNumber       string            `json:"phone_number" gorm:"uniqueIndex;not null"`
	ProfileName       string            `json:"profile_name"`
	Language          string            `json:"language" gorm:"size:10;default:en"`
	Metadata          datatypes.JSONMap `json:"metadata"`
	IsBlocked         bool              `json:"is_blocked" gorm:"default:false;index"`
	LastInteractionAt *time.Time        `json:"last_interaction_at" gorm:"index"`
}

func (User) TableName() string { return "whatsapp_users" }
