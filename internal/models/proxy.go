package models

import (
	"time"
)

// ProxyInstance is a known reverse proxy in the fleet. Rows are created and
// refreshed by discovery scans or admin edits. A proxy that disappears from
// the orchestrator is never deleted here, only marked unhealthy;
// removal is an explicit admin action so historical bindings stay resolvable.
type ProxyInstance struct {
	ID   int    `gorm:"primaryKey;not null" json:"-"`
	UUID string `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	Name string `gorm:"not null" json:"name"`

	// Type is one of the supported proxy implementations (velocity,
	// bungeecord, waterfall, rusty-connector).
	Type string `gorm:"index;not null" json:"type"`

	// Address is the network address players connect to.
	Address string `gorm:"not null" json:"address"`

	// Enabled is an explicit admin toggle. Discovery registers new proxies
	// disabled so an operator confirms them before traffic routing.
	Enabled bool `gorm:"not null" json:"enabled"`

	// Priority breaks ties when the priority load-balancing strategy picks a
	// deployment order. Higher wins.
	Priority int `gorm:"not null" json:"priority"`

	// Capabilities is the declared capability set, e.g. supported forwarding
	// modes.
	Capabilities []string `gorm:"serializer:json" json:"capabilities"`

	// Health is the last observed probe result (healthy, unhealthy, unknown).
	Health string `gorm:"not null" json:"health"`

	CurrentServers int `json:"current_servers"`
	MaxServers     int `json:"max_servers"`

	Environment string `gorm:"index" json:"environment"`
	// ContainerID is set when the proxy was discovered running under the
	// orchestrator this daemon manages; empty for external proxies.
	ContainerID string `json:"container_id,omitempty"`

	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProxyOverride is the per-proxy configuration override a binding may carry.
type ProxyOverride struct {
	ForwardingMode string `json:"forwarding_mode,omitempty"`
	Restricted     *bool  `json:"restricted,omitempty"`
	Family         string `json:"family,omitempty"`
	Weight         int    `json:"weight,omitempty"`
}

// ServerProxyBinding records which proxies a server is deployed to and how.
// A redeployment supersedes the previous binding wholesale; bindings are
// never merged.
type ServerProxyBinding struct {
	ID         int    `gorm:"primaryKey;not null" json:"-"`
	ServerUUID string `gorm:"uniqueIndex;not null" json:"server_uuid"`

	// ProxyUUIDs is the ordered set of target proxies.
	ProxyUUIDs []string `gorm:"serializer:json" json:"proxy_uuids"`

	// Strategy is the chosen load-balancing strategy. The deployer only uses
	// it to pick deployment order and fallback composition; actual traffic
	// balancing is the proxy runtime's job.
	Strategy string `gorm:"not null" json:"strategy"`

	// FallbackUUIDs is the ordered fallback proxy list recorded at deploy
	// time.
	FallbackUUIDs []string `gorm:"serializer:json" json:"fallback_uuids"`

	// Overrides maps proxy UUID to the override applied for that proxy.
	Overrides map[string]ProxyOverride `gorm:"serializer:json" json:"overrides"`

	// Restricted marks the backend as proxy-only: it refuses direct client
	// connections and is reachable exclusively through the fleet.
	Restricted bool `json:"restricted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
