package allocator

import (
	"context"
	"sync"

	"emperror.dev/errors"
	"github.com/apex/log"
	"gorm.io/gorm"

	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/internal/models"
)

const ErrPortsExhausted = errors.Sentinel("allocator: no free ports remain in the pool")

// ConflictType classifies why a port is not available.
type ConflictType string

const (
	ConflictNone       ConflictType = ""
	ConflictInUse      ConflictType = "in-use"
	ConflictReserved   ConflictType = "reserved"
	ConflictOutOfRange ConflictType = "out-of-range"
)

type Allocation struct {
	Port     int `json:"port"`
	RconPort int `json:"rcon_port,omitempty"`
}

type Availability struct {
	Available bool         `json:"available"`
	Reason    string       `json:"reason,omitempty"`
	Conflict  ConflictType `json:"conflict_type,omitempty"`
}

// Reservation is a single port or inclusive range an admin wants to hold for
// a user. End is zero for single ports.
type Reservation struct {
	Start int `json:"start"`
	End   int `json:"end,omitempty"`
}

// PortAllocator hands out non-conflicting port pairs from the configured pool.
// The database rows are the authoritative state; the per-environment mutex
// only serializes selection within this process, while the composite unique
// index on the reservations table guards against a second daemon racing the
// same pool.
type PortAllocator struct {
	db *gorm.DB

	mu   sync.Mutex
	envs map[string]*sync.Mutex

	fleet config.FleetConfiguration
}

func New(db *gorm.DB, fleet config.FleetConfiguration) *PortAllocator {
	return &PortAllocator{
		db:    db,
		envs:  make(map[string]*sync.Mutex),
		fleet: fleet,
	}
}

func (a *PortAllocator) envLock(environment string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.envs[environment]; !ok {
		a.envs[environment] = &sync.Mutex{}
	}
	return a.envs[environment]
}

// rconFor returns the RCON port paired with a game port. RCON draws from the
// game range shifted by a fixed offset so the two pools cannot collide.
func (a *PortAllocator) rconFor(port int) int {
	return port + a.fleet.RconPortOffset
}

func (a *PortAllocator) inGameRange(port int) bool {
	return port >= a.fleet.GamePortStart && port <= a.fleet.GamePortEnd
}

// reservations loads every reservation row for an environment, including the
// user reservations which are not scoped to an environment's running servers.
func (a *PortAllocator) reservations(ctx context.Context, environment string) ([]models.PortReservation, error) {
	var rows []models.PortReservation
	tx := a.db.WithContext(ctx).Where("environment = ?", environment).Find(&rows)
	if tx.Error != nil {
		return nil, errors.Wrap(tx.Error, "allocator: failed to load port reservations")
	}
	return rows, nil
}

// blockedFor reports whether the port is unavailable to the given owner
// according to the reservation set: occupied ports block everyone, user
// reservations block everyone except the reservation's owner.
func blockedFor(rows []models.PortReservation, port int, owner string) (bool, ConflictType) {
	for _, r := range rows {
		if !r.Covers(port) {
			continue
		}
		if r.Kind.Occupying() {
			return true, ConflictInUse
		}
		if r.Owner != owner {
			return true, ConflictReserved
		}
	}
	return false, ConflictNone
}

// Allocate reserves the lowest free game port (and optionally its paired RCON
// port) for the owner in the given environment. Selection is deterministic so
// behavior is stable and testable, and it keeps visible fragmentation down.
func (a *PortAllocator) Allocate(ctx context.Context, owner string, needsRcon bool, environment string) (Allocation, error) {
	l := a.envLock(environment)
	l.Lock()
	defer l.Unlock()

	rows, err := a.reservations(ctx, environment)
	if err != nil {
		return Allocation{}, err
	}

	for port := a.fleet.GamePortStart; port <= a.fleet.GamePortEnd; port++ {
		if blocked, _ := blockedFor(rows, port, owner); blocked {
			continue
		}
		if needsRcon {
			if blocked, _ := blockedFor(rows, a.rconFor(port), owner); blocked {
				continue
			}
		}

		alloc := Allocation{Port: port}
		reserve := []models.PortReservation{
			{Environment: environment, Port: port, Kind: models.ReservationKindGame, Owner: owner},
		}
		if needsRcon {
			alloc.RconPort = a.rconFor(port)
			reserve = append(reserve, models.PortReservation{
				Environment: environment, Port: alloc.RconPort, Kind: models.ReservationKindRcon, Owner: owner,
			})
		}

		// The insert is conditional on the unique (environment, port, kind)
		// index. If another process took the port between our read and this
		// write the transaction fails and we move on to the next candidate.
		err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Create(&reserve).Error
		})
		if err != nil {
			log.WithFields(log.Fields{
				"port":        port,
				"environment": environment,
				"error":       err,
			}).Debug("allocator: conditional reserve failed, trying next candidate")
			continue
		}
		return alloc, nil
	}

	return Allocation{}, ErrPortsExhausted
}

// IsAvailable checks whether the specific port could be allocated by the
// given owner, returning the reason when it cannot.
func (a *PortAllocator) IsAvailable(ctx context.Context, port int, owner string, environment string) (Availability, error) {
	if !a.inGameRange(port) && !(port >= a.rconFor(a.fleet.GamePortStart) && port <= a.rconFor(a.fleet.GamePortEnd)) {
		return Availability{
			Available: false,
			Reason:    "port falls outside the allocatable ranges",
			Conflict:  ConflictOutOfRange,
		}, nil
	}
	rows, err := a.reservations(ctx, environment)
	if err != nil {
		return Availability{}, err
	}
	if blocked, conflict := blockedFor(rows, port, owner); blocked {
		reason := "port is already bound to an active server"
		if conflict == ConflictReserved {
			reason = "port is reserved by another user"
		}
		return Availability{Available: false, Reason: reason, Conflict: conflict}, nil
	}
	return Availability{Available: true}, nil
}

// ReserveForUser stores admin-managed reservations on behalf of a target
// user. The whole batch is rejected if any entry is invalid or collides with
// a reservation held by someone else; partial application would leave the
// admin guessing at which entries stuck.
func (a *PortAllocator) ReserveForUser(ctx context.Context, admin string, target string, ports []Reservation, environment string) error {
	l := a.envLock(environment)
	l.Lock()
	defer l.Unlock()

	rows, err := a.reservations(ctx, environment)
	if err != nil {
		return err
	}

	var create []models.PortReservation
	for _, p := range ports {
		end := p.End
		kind := models.ReservationKindUserSingle
		if end != 0 {
			kind = models.ReservationKindUserRange
			if end < p.Start {
				return errors.Errorf("allocator: invalid range %d-%d", p.Start, end)
			}
		} else {
			end = p.Start
		}
		if p.Start < 1024 || end > 65535 {
			return errors.Errorf("allocator: reservation %d-%d falls outside 1024-65535", p.Start, end)
		}
		for port := p.Start; port <= end; port++ {
			for _, r := range rows {
				if !r.Covers(port) {
					continue
				}
				if r.Kind.Occupying() || r.Owner != target {
					return errors.Errorf("allocator: port %d is already held by another owner", port)
				}
			}
		}
		create = append(create, models.PortReservation{
			Environment: environment,
			Port:        p.Start,
			RangeEnd:    p.End,
			Kind:        kind,
			Owner:       target,
		})
	}

	if len(create) == 0 {
		return errors.New("allocator: no ports provided for reservation")
	}
	if err := a.db.WithContext(ctx).Create(&create).Error; err != nil {
		return errors.Wrap(err, "allocator: failed to store user reservations")
	}
	log.WithFields(log.Fields{
		"admin":  admin,
		"target": target,
		"count":  len(create),
	}).Info("stored user port reservations")
	return nil
}

// Release frees an occupied port. Releasing a port that is already free is a
// no-op, never an error, so compensation paths can call this blindly.
func (a *PortAllocator) Release(ctx context.Context, port int, environment string) error {
	tx := a.db.WithContext(ctx).
		Where("environment = ? AND port = ? AND kind IN ?", environment, port, []models.ReservationKind{
			models.ReservationKindGame,
			models.ReservationKindRcon,
		}).
		Delete(&models.PortReservation{})
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "allocator: failed to release port")
	}
	return nil
}

// Usage returns every reservation row for an environment, for the admin port
// usage listing.
func (a *PortAllocator) Usage(ctx context.Context, environment string) ([]models.PortReservation, error) {
	return a.reservations(ctx, environment)
}
