package provision

import (
	"context"
	"fmt"

	"emperror.dev/errors"
	"github.com/apex/log"
	"gorm.io/gorm"

	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/dns"
	"github.com/enVId-tech/craftd/environment"
	"github.com/enVId-tech/craftd/filestore"
	"github.com/enVId-tech/craftd/internal/models"
)

// DecommissionResult accumulates the per-step outcomes of a deletion. The
// workflow always runs every step, so a result can hold both completed steps
// and failures at once.
type DecommissionResult struct {
	ServerID string   `json:"server_id"`
	Steps    []string `json:"steps"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Archive  string   `json:"archive,omitempty"`
}

// Clean reports whether every step completed without errors or warnings.
func (r *DecommissionResult) Clean() bool {
	return len(r.Errors) == 0 && len(r.Warnings) == 0
}

// Failed reports whether at least one step errored.
func (r *DecommissionResult) Failed() bool {
	return len(r.Errors) > 0
}

func (r *DecommissionResult) step(name string) {
	r.Steps = append(r.Steps, name)
}

func (r *DecommissionResult) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *DecommissionResult) errorf(step string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", step, err))
}

// DeleteOptions tune the decommission workflow.
type DeleteOptions struct {
	// ArchiveFiles snapshots the server's remote files into the local archive
	// directory before they are removed.
	ArchiveFiles bool `json:"archive_files"`
}

// DeleteServer tears down every resource associated with a server. Unlike
// creation this is not transactional: each step runs regardless of earlier
// failures and the result reports exactly what was and was not cleaned up.
// The database record is only removed once no step has errored, so a failed
// decommission stays visible and can be retried.
func (o *Orchestrator) DeleteServer(ctx context.Context, id string, opts DeleteOptions) (*DecommissionResult, error) {
	s, err := o.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &DecommissionResult{ServerID: id}
	l := log.WithField("server", id)
	l.Info("beginning decommission workflow")

	o.removeContainer(ctx, s, res)
	o.cleanupDNS(ctx, s, res)
	if opts.ArchiveFiles {
		if p, err := o.archiveRemoteFiles(ctx, s); err != nil {
			res.errorf("archive", err)
		} else {
			res.Archive = p
			res.step("archive")
		}
	}
	o.removeRemoteFiles(ctx, s, res)
	o.releasePorts(ctx, s, res)

	if res.Failed() {
		l.WithField("errors", len(res.Errors)).Warn("decommission left resources behind, keeping server record")
		return res, nil
	}

	if err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("server_uuid = ?", id).Delete(&models.ServerProxyBinding{}).Error; err != nil {
			return err
		}
		return tx.Where("uuid = ?", id).Delete(&models.ServerInstance{}).Error
	}); err != nil {
		res.errorf("record", errors.WithStack(err))
		return res, nil
	}
	res.step("record")
	l.Info("completed decommission workflow")
	return res, nil
}

// removeContainer stops and deletes the server container. A container that no
// longer exists is a warning, not an error: the desired end state is already
// reached.
func (o *Orchestrator) removeContainer(ctx context.Context, s *models.ServerInstance, res *DecommissionResult) {
	cctx, cancel := context.WithTimeout(ctx, externalCallTimeout)
	defer cancel()

	if err := o.env.Stop(cctx, s.ContainerID); err != nil && !errors.Is(err, environment.ErrContainerNotFound) {
		res.errorf("container-stop", err)
		return
	}
	if err := o.env.Remove(cctx, s.ContainerID, true, true); err != nil {
		if errors.Is(err, environment.ErrContainerNotFound) {
			res.warnf("container %s was already gone", s.ContainerID)
			res.step("container")
			return
		}
		res.errorf("container-remove", err)
		return
	}
	res.step("container")
}

// cleanupDNS deletes every registrar record pointing at the server's
// subdomain, including the SRV service record.
func (o *Orchestrator) cleanupDNS(ctx context.Context, s *models.ServerInstance, res *DecommissionResult) {
	cfg := config.Get()
	if o.dns == nil || cfg.Dns.Domain == "" {
		res.warnf("dns cleanup skipped, no registrar configured")
		return
	}

	records, err := o.dns.Records(ctx, cfg.Dns.Domain)
	if err != nil {
		res.errorf("dns-list", err)
		return
	}
	failed := false
	removed := 0
	for _, r := range records {
		if !r.MatchesSubdomain(s.Subdomain, cfg.Dns.Domain) {
			continue
		}
		if err := o.dns.DeleteRecord(ctx, cfg.Dns.Domain, r.ID); err != nil {
			res.errorf("dns-record", errors.WrapIff(err, "record %s (%s)", r.ID, r.Name))
			failed = true
			continue
		}
		removed++
	}
	srvMissing := false
	if err := o.dns.DeleteServiceRecord(ctx, cfg.Dns.Domain, s.Subdomain); err != nil {
		if errors.Is(err, dns.ErrRecordNotFound) {
			srvMissing = true
		} else {
			res.errorf("dns-srv", err)
			failed = true
		}
	}
	if failed {
		return
	}
	if removed == 0 && srvMissing {
		res.warnf("no dns records found to delete for %s", s.Subdomain)
	}
	res.step("dns")
}

func (o *Orchestrator) removeRemoteFiles(ctx context.Context, s *models.ServerInstance, res *DecommissionResult) {
	root := s.FileRoot
	if root == "" {
		root = RemoteRoot(s.UUID)
	}
	if err := o.files.DeleteDirectory(ctx, root); err != nil {
		if errors.Is(err, filestore.ErrNotExist) {
			res.warnf("remote directory %s was already gone", root)
			res.step("files")
			return
		}
		res.errorf("files", err)
		return
	}
	res.step("files")
}

func (o *Orchestrator) releasePorts(ctx context.Context, s *models.ServerInstance, res *DecommissionResult) {
	if err := o.ports.Release(ctx, s.Port, s.Environment); err != nil {
		res.errorf("ports", err)
		return
	}
	if s.RconPort > 0 {
		if err := o.ports.Release(ctx, s.RconPort, s.Environment); err != nil {
			res.errorf("ports", err)
			return
		}
	}
	res.step("ports")
}
