package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Flow statuses
const (
	FlowStatusDraft     = "draft"
	FlowStatusPublished = "published"
	FlowStatusArchived  = "archived"
)

// FlowScreen is one screen of a WhatsApp Flow
type FlowScreen struct {
	ID       string                 `json:"id"`
	Title    string                 `json:"title"`
	Terminal bool                   `json:"terminal,omitempty"`
	Layout   map[string]interface{} `json:"layout"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// FlowDefinition is the JSON document uploaded to the platform
type FlowDefinition struct {
	Version string       `json:"version"`
	Screens []FlowScreen `json:"screens"`
}

// Flow is a named, versioned flow definition
type Flow struct {
	gorm.Model
	FlowID      string                             `json:"flow_id" gorm:"uniqueIndex;not null"`
	Name        string                             `json:"name" gorm:"not null"`
	Version     string                             `json:"version" gorm:"default:'7.3'"`
	Status      string                             `json:"status" gorm:"size:20;not null;default:draft;index"`
	Definition  datatypes.JSONType[FlowDefinition] `json:"json_definition"`
	Metadata    datatypes.JSONMap                  `json:"metadata"`
	PublishedAt *time.Time                         `json:"published_at"`
}

func (Flow) TableName() string { return "whatsapp_flows" }

// IsPublished reports whether the screens are frozen
func (f *Flow) IsPublished() bool {
	return f.Status == FlowStatusPublished
}

// GetScreen returns the screen with the given id
func (f *Flow) GetScreen(screenID string) (*FlowScreen, bool) {
	def := f.Definition.Data()
	for i := range def.Screens {
		if def.Screens[i].ID == screenID {
			return &def.Screens[i], true
		}
	}
	return nil, false
}
