package models

import (
	"time"
)

type ReservationKind string

const (
	ReservationKindGame       ReservationKind = "game"
	ReservationKindRcon       ReservationKind = "rcon"
	ReservationKindUserSingle ReservationKind = "user-reserved-single"
	ReservationKindUserRange  ReservationKind = "user-reserved-range"
)

// Occupying reports whether this reservation kind actually holds the port for
// a running instance. User reservations only constrain the allocatable pool
// for everyone but their owner.
func (k ReservationKind) Occupying() bool {
	return k == ReservationKindGame || k == ReservationKindRcon
}

// PortReservation is one entry in the authoritative port bookkeeping table.
// The composite unique index is what makes allocation a single conditional
// write: two concurrent allocators racing to the same port in the same
// environment will have the second insert rejected by the database.
type PortReservation struct {
	ID int `gorm:"primaryKey;not null" json:"-"`

	// Environment scopes the pool; reservations in different environments
	// never conflict.
	Environment string `gorm:"uniqueIndex:idx_env_port_kind;not null" json:"environment"`

	// Port is the reserved port, or the start of the range for range kinds.
	Port int             `gorm:"uniqueIndex:idx_env_port_kind;not null" json:"port"`
	Kind ReservationKind `gorm:"uniqueIndex:idx_env_port_kind;not null" json:"kind"`

	// RangeEnd is the inclusive end of a user-reserved-range; zero otherwise.
	RangeEnd int `json:"range_end,omitempty"`

	// Owner is the server UUID for game/rcon kinds, or the user identity for
	// user reservation kinds.
	Owner string `gorm:"index;not null" json:"owner"`

	CreatedAt time.Time `json:"created_at"`
}

// Covers reports whether the given port falls inside this reservation.
func (r PortReservation) Covers(port int) bool {
	if r.Kind == ReservationKindUserRange {
		return port >= r.Port && port <= r.RangeEnd
	}
	return port == r.Port
}
