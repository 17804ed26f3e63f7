package models

import (
	"github.com/google/uuid"
)

type (
	// AdminConfiguration stores the policy document as a YAML blob. The
	// most recently created row wins.
	AdminConfiguration struct {
		Model
		Name       string
		ConfigYAML string `gorm:"column:config_yaml"`
	}

	// UserConfiguration is scoped to (lob, team, user). Identity columns
	// are server assigned, never taken from the YAML body.
	UserConfiguration struct {
		Model
		LobID      string `gorm:"index"`
		TeamID     string `gorm:"index"`
		UserID     string `gorm:"index"`
		Name       string
		ConfigYAML string `gorm:"column:config_yaml"`
	}
)

func (AdminConfiguration) TableName() string {
	return "admin_configurations"
}

func (c AdminConfiguration) GetID() uuid.UUID {
	return c.ID
}

func (UserConfiguration) TableName() string {
	return "user_configurations"
}

func (c UserConfiguration) GetID() uuid.UUID {
	return c.ID
}
