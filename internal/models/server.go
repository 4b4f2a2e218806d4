package models

import (
	"time"

	"gorm.io/gorm"
)

// GameRules is a free-form map of game rule overrides declared on a server at
// creation time. Stored as a JSON blob on the record.
type GameRules map[string]interface{}

// ServerInstance is the persisted record for a provisioned server. A row only
// exists once every prerequisite external resource (port reservation, remote
// file layout) has been created; the provisioning saga guarantees that a
// partially created server never reaches this table.
type ServerInstance struct {
	ID int `gorm:"primaryKey;not null" json:"-"`
	// UUID is the opaque unique identifier for this instance. The container
	// name and the file store root are both derived from it.
	UUID string `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	// Owner is the identity of the user this server belongs to.
	Owner string `gorm:"index;not null" json:"owner"`
	// Name is the display name, unique per owner.
	Name string `gorm:"index;not null" json:"name"`
	// Subdomain is the assigned routing label, globally unique.
	Subdomain string `gorm:"uniqueIndex;not null" json:"subdomain"`

	// ServerType is the engine flavor (vanilla, paper, forge, neoforge,
	// fabric). Forwarding compatibility warnings key off of this.
	ServerType string    `gorm:"not null" json:"server_type"`
	Version    string    `gorm:"not null" json:"version"`
	MemoryMB   int       `json:"memory_mb"`
	GameRules  GameRules `gorm:"serializer:json" json:"game_rules"`

	// Port is the public game port allocated to this instance, exclusive to
	// it within its environment. RconPort is zero when RCON was not requested.
	Port     int `gorm:"not null" json:"port"`
	RconPort int `json:"rcon_port"`

	// Status is one of the lifecycle states in the system package.
	Status string `gorm:"index;not null" json:"status"`

	// Environment scopes the port reservation pool this instance draws from.
	Environment string `gorm:"index;not null" json:"environment"`

	// ContainerID is the docker identifier, deterministically "mc-<uuid>".
	ContainerID string `gorm:"not null" json:"container_id"`
	// FileRoot is the directory on the shared file store holding this
	// server's data.
	FileRoot string `gorm:"not null" json:"file_root"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *ServerInstance) BeforeCreate(_ *gorm.DB) error {
	if s.Status == "" {
		s.Status = "offline"
	}
	if s.GameRules == nil {
		s.GameRules = GameRules{}
	}
	return nil
}
