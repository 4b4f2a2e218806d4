package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/asaskevich/govalidator"
	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
	"gorm.io/gorm"

	"github.com/enVId-tech/craftd/allocator"
	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/dns"
	"github.com/enVId-tech/craftd/environment"
	"github.com/enVId-tech/craftd/filestore"
	"github.com/enVId-tech/craftd/internal/models"
	"github.com/enVId-tech/craftd/system"
)

// ContainerName derives the deterministic container identifier for a server.
func ContainerName(serverUUID string) string {
	return "mc-" + serverUUID
}

// externalCallTimeout bounds every blocking call made to an external system
// from inside a workflow step.
const externalCallTimeout = time.Second * 30

// Orchestrator drives the server creation and decommission workflows. All
// collaborators are injected so tests can construct isolated instances.
type Orchestrator struct {
	db    *gorm.DB
	ports *allocator.PortAllocator
	env   environment.Client
	files filestore.Client
	dns   dns.Client
}

func NewOrchestrator(db *gorm.DB, ports *allocator.PortAllocator, env environment.Client, files filestore.Client, d dns.Client) *Orchestrator {
	return &Orchestrator{db: db, ports: ports, env: env, files: files, dns: d}
}

// CreateRequest is the declared configuration for a new server.
type CreateRequest struct {
	Name       string                 `json:"name"`
	Subdomain  string                 `json:"subdomain"`
	ServerType string                 `json:"server_type"`
	Version    string                 `json:"version"`
	MemoryMB   int                    `json:"memory_mb"`
	NeedsRcon  bool                   `json:"needs_rcon"`
	GameRules  map[string]interface{} `json:"game_rules"`
	// Template names a runtime artifact in the template directory; when empty
	// the "<type>-<version>.jar" artifact is used.
	Template string `json:"template"`
}

type CreateResult struct {
	ServerID  string `json:"server_id"`
	Port      int    `json:"port"`
	RconPort  int    `json:"rcon_port,omitempty"`
	Subdomain string `json:"subdomain"`
}

// validate checks the request and the uniqueness constraints. Nothing here
// has side effects: a validation failure must never create an external
// resource.
func (o *Orchestrator) validate(ctx context.Context, owner string, req *CreateRequest) error {
	if req.Name == "" || req.ServerType == "" || req.Version == "" {
		return NewValidationError("name, server_type and version are required")
	}
	if req.MemoryMB <= 0 {
		req.MemoryMB = 1024
	}
	if req.Subdomain == "" {
		req.Subdomain = strcase.ToKebab(req.Name)
	}
	req.Subdomain = strings.ToLower(req.Subdomain)
	if !govalidator.IsDNSName(req.Subdomain) || strings.Contains(req.Subdomain, ".") {
		return NewValidationError("subdomain %q is not a valid DNS label", req.Subdomain)
	}
	for _, p := range config.Get().Fleet.ProhibitedSubdomains {
		if req.Subdomain == p {
			return NewValidationError("subdomain %q is reserved and cannot be assigned", req.Subdomain)
		}
	}

	var count int64
	if err := o.db.WithContext(ctx).Model(&models.ServerInstance{}).
		Where("owner = ? AND name = ?", owner, req.Name).Count(&count).Error; err != nil {
		return errors.WithStack(err)
	}
	if count > 0 {
		return NewConflictError("name", "a server named %q already exists for this user", req.Name)
	}
	if err := o.db.WithContext(ctx).Model(&models.ServerInstance{}).
		Where("subdomain = ?", req.Subdomain).Count(&count).Error; err != nil {
		return errors.WithStack(err)
	}
	if count > 0 {
		return NewConflictError("subdomain", "the subdomain %q is already assigned to another server", req.Subdomain)
	}
	return nil
}

// compensators returns the interpretation functions for every undo kind the
// creation saga can register.
func (o *Orchestrator) compensators() map[UndoKind]CompensatorFunc {
	return map[UndoKind]CompensatorFunc{
		UndoReleasePort: func(ctx context.Context, a UndoAction) error {
			return o.ports.Release(ctx, a.Port, a.Environment)
		},
		UndoRemoteDirectory: func(ctx context.Context, a UndoAction) error {
			if err := o.files.DeleteDirectory(ctx, a.Identifier); err != nil && !errors.Is(err, filestore.ErrNotExist) {
				return err
			}
			return nil
		},
		UndoRecord: func(ctx context.Context, a UndoAction) error {
			return o.db.WithContext(ctx).Where("uuid = ?", a.Identifier).Delete(&models.ServerInstance{}).Error
		},
	}
}

// CreateServer runs the full provisioning saga. Steps execute strictly
// sequentially; on any failure after port allocation the accumulated rollback
// ledger runs in reverse and the original error is surfaced with any
// compensation failures appended.
func (o *Orchestrator) CreateServer(ctx context.Context, owner string, req CreateRequest) (*CreateResult, error) {
	cfg := config.Get()
	env := cfg.Fleet.Environment

	if err := o.validate(ctx, owner, &req); err != nil {
		return nil, err
	}

	// The orchestrator being down means any created container could never be
	// started; fail before touching anything external.
	pctx, cancel := context.WithTimeout(ctx, externalCallTimeout)
	defer cancel()
	if err := o.env.Ping(pctx); err != nil {
		return nil, errors.WrapIf(ErrOrchestratorUnavailable, err.Error())
	}
	if err := o.env.EnsureNetwork(pctx); err != nil {
		return nil, errors.WrapIf(ErrOrchestratorUnavailable, err.Error())
	}

	ledger := &Ledger{}
	id := uuid.New().String()
	l := log.WithFields(log.Fields{"server": id, "owner": owner})

	alloc, err := o.ports.Allocate(ctx, owner, req.NeedsRcon, env)
	if err != nil {
		return nil, err
	}
	ledger.Register(UndoAction{Kind: UndoReleasePort, Identifier: fmt.Sprintf("%d", alloc.Port), Environment: env, Port: alloc.Port})
	if alloc.RconPort > 0 {
		ledger.Register(UndoAction{Kind: UndoReleasePort, Identifier: fmt.Sprintf("%d", alloc.RconPort), Environment: env, Port: alloc.RconPort})
	}
	l.WithField("port", alloc.Port).Info("allocated port pair for new server")

	root := RemoteRoot(id)
	if err := o.createRemoteLayout(ctx, id, root, alloc, req); err != nil {
		return nil, o.rollback(ctx, ledger, errors.WrapIf(err, "provision: failed to create remote file layout"))
	}
	ledger.Register(UndoAction{Kind: UndoRemoteDirectory, Identifier: root})
	l.WithField("root", root).Info("created remote file layout")

	instance := models.ServerInstance{
		UUID:        id,
		Owner:       owner,
		Name:        req.Name,
		Subdomain:   req.Subdomain,
		ServerType:  req.ServerType,
		Version:     req.Version,
		MemoryMB:    req.MemoryMB,
		GameRules:   req.GameRules,
		Port:        alloc.Port,
		RconPort:    alloc.RconPort,
		Status:      system.InstanceOfflineState,
		Environment: env,
		ContainerID: ContainerName(id),
		FileRoot:    root,
	}
	if err := o.db.WithContext(ctx).Create(&instance).Error; err != nil {
		return nil, o.rollback(ctx, ledger, errors.Wrap(err, "provision: failed to persist server record"))
	}
	ledger.Register(UndoAction{Kind: UndoRecord, Identifier: id})

	l.Info("completed provisioning workflow")
	return &CreateResult{
		ServerID:  id,
		Port:      alloc.Port,
		RconPort:  alloc.RconPort,
		Subdomain: req.Subdomain,
	}, nil
}

// rollback compensates everything in the ledger and returns the original
// error, with the individual compensation failures appended so operators can
// reconcile whatever could not be cleaned automatically.
func (o *Orchestrator) rollback(ctx context.Context, ledger *Ledger, original error) error {
	log.WithField("error", original).Warn("provisioning step failed, rolling back created resources")
	failures := ledger.Compensate(ctx, o.compensators())
	err := original
	for _, f := range failures {
		err = errors.Append(err, f)
	}
	return err
}

// Servers returns every server record known to this daemon, newest first.
func (o *Orchestrator) Servers(ctx context.Context) ([]models.ServerInstance, error) {
	var out []models.ServerInstance
	if err := o.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

// FindByID loads a server record by its UUID.
func (o *Orchestrator) FindByID(ctx context.Context, id string) (*models.ServerInstance, error) {
	var s models.ServerInstance
	if err := o.db.WithContext(ctx).Where("uuid = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewValidationError("no server with id %q exists", id)
		}
		return nil, errors.WithStack(err)
	}
	return &s, nil
}

// FindBySubdomain performs the secondary lookup used by the routing layer.
func (o *Orchestrator) FindBySubdomain(ctx context.Context, subdomain string) (*models.ServerInstance, error) {
	var s models.ServerInstance
	if err := o.db.WithContext(ctx).Where("subdomain = ?", subdomain).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewValidationError("no server with subdomain %q exists", subdomain)
		}
		return nil, errors.WithStack(err)
	}
	return &s, nil
}

// SetStatus updates the tracked lifecycle state for a server.
func (o *Orchestrator) SetStatus(ctx context.Context, id string, status string) error {
	return errors.WithStack(o.db.WithContext(ctx).
		Model(&models.ServerInstance{}).
		Where("uuid = ?", id).
		Update("status", status).Error)
}

// StartServer boots the server container, creating it first if it has gone
// missing from the orchestrator.
func (o *Orchestrator) StartServer(ctx context.Context, id string) error {
	s, err := o.FindByID(ctx, id)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, externalCallTimeout)
	defer cancel()

	if _, err := o.env.FindByIdentifier(cctx, s.ContainerID); err != nil {
		if !errors.Is(err, environment.ErrContainerNotFound) {
			return err
		}
		spec := environment.ContainerSpec{
			Identifier: s.ContainerID,
			Image:      serverImage(s.ServerType, s.Version),
			MemoryMB:   int64(s.MemoryMB),
			Port:       s.Port,
			RconPort:   s.RconPort,
			Env: []string{
				"EULA=TRUE",
				"TYPE=" + strings.ToUpper(s.ServerType),
				"VERSION=" + s.Version,
			},
			Labels: map[string]string{
				"craftd.server":    s.UUID,
				"craftd.subdomain": s.Subdomain,
			},
		}
		if _, err := o.env.Create(cctx, spec); err != nil {
			return err
		}
	}
	if err := o.env.Start(cctx, s.ContainerID); err != nil {
		return err
	}
	return o.SetStatus(ctx, id, system.InstanceStartingState)
}

// StopServer stops the server container. A missing container just marks the
// record offline.
func (o *Orchestrator) StopServer(ctx context.Context, id string) error {
	s, err := o.FindByID(ctx, id)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, externalCallTimeout)
	defer cancel()
	if err := o.env.Stop(cctx, s.ContainerID); err != nil && !errors.Is(err, environment.ErrContainerNotFound) {
		return err
	}
	return o.SetStatus(ctx, id, system.InstanceOfflineState)
}

func (o *Orchestrator) RestartServer(ctx context.Context, id string) error {
	s, err := o.FindByID(ctx, id)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, externalCallTimeout)
	defer cancel()
	if err := o.env.Restart(cctx, s.ContainerID); err != nil {
		return err
	}
	return o.SetStatus(ctx, id, system.InstanceStartingState)
}

// serverImage resolves the runtime image for an engine flavor. Every flavor
// currently boots from the same Java runtime; the artifact in the server's
// file root decides what actually runs.
func serverImage(serverType string, version string) string {
	return "itzg/minecraft-server:java17"
}
