package provision

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/magiconair/properties"
	"github.com/mholt/archiver/v4"

	"github.com/enVId-tech/craftd/allocator"
	"github.com/enVId-tech/craftd/config"
)

// Ports used inside every server container. Host-side ports are remapped by
// the container runtime, so the generated configuration never references the
// publicly allocated ones.
const (
	ContainerGamePort = 25565
	ContainerRconPort = 25575
)

// RemoteRoot returns the per-server directory on the file store.
func RemoteRoot(serverUUID string) string {
	return path.Join(config.Get().FileStore.BasePath, serverUUID)
}

// createRemoteLayout builds the server's directory on the file store and
// writes the initial configuration files plus the runtime artifact.
func (o *Orchestrator) createRemoteLayout(ctx context.Context, id string, root string, alloc allocator.Allocation, req CreateRequest) error {
	if err := o.files.CreateDirectory(ctx, root); err != nil {
		return err
	}

	props, err := renderServerProperties(alloc, req)
	if err != nil {
		return err
	}
	if err := o.files.UploadFile(ctx, path.Join(root, "server.properties"), bytes.NewReader(props)); err != nil {
		return err
	}
	if err := o.files.UploadFile(ctx, path.Join(root, "eula.txt"), strings.NewReader("eula=true\n")); err != nil {
		return err
	}
	return o.uploadRuntimeArtifact(ctx, root, req)
}

// renderServerProperties produces the server.properties payload. The file
// always binds the in-container ports; RCON is only enabled when requested
// and gets a random password the control plane later rotates.
func renderServerProperties(alloc allocator.Allocation, req CreateRequest) ([]byte, error) {
	p := properties.NewProperties()
	must := func(key, value string) {
		if _, _, err := p.Set(key, value); err != nil {
			panic(err)
		}
	}
	must("server-port", strconv.Itoa(ContainerGamePort))
	must("query.port", strconv.Itoa(ContainerGamePort))
	must("motd", req.Name)
	must("online-mode", "false")
	if req.NeedsRcon {
		must("enable-rcon", "true")
		must("rcon.port", strconv.Itoa(ContainerRconPort))
	} else {
		must("enable-rcon", "false")
	}
	for k, v := range req.GameRules {
		must(k, fmt.Sprintf("%v", v))
	}

	var buf bytes.Buffer
	if _, err := p.Write(&buf, properties.UTF8); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

// uploadRuntimeArtifact places the server executable into the file root. A
// plain file template uploads as server.jar; archive templates are unpacked
// so modpack layouts land intact.
func (o *Orchestrator) uploadRuntimeArtifact(ctx context.Context, root string, req CreateRequest) error {
	name := req.Template
	if name == "" {
		name = fmt.Sprintf("%s-%s.jar", req.ServerType, req.Version)
	}
	local := filepath.Join(config.Get().System.TemplateDirectory, filepath.Base(name))

	f, err := os.Open(local)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(err, "provision: no template artifact %q available", name)
		}
		return errors.WithStack(err)
	}
	defer f.Close()

	format, input, err := archiver.Identify(local, f)
	if err != nil && !errors.Is(err, archiver.ErrNoMatch) {
		return errors.WithStack(err)
	}
	if ex, ok := format.(archiver.Extractor); ok {
		return o.extractTemplate(ctx, root, ex, input)
	}

	return o.files.UploadFile(ctx, path.Join(root, "server.jar"), input)
}

func (o *Orchestrator) extractTemplate(ctx context.Context, root string, ex archiver.Extractor, input io.Reader) error {
	seen := map[string]struct{}{}
	return ex.Extract(ctx, input, nil, func(ctx context.Context, f archiver.File) error {
		name := path.Clean(f.NameInArchive)
		if name == "." || name == ".." || path.IsAbs(name) {
			return nil
		}
		target := path.Join(root, name)
		if f.IsDir() {
			return o.files.CreateDirectory(ctx, target)
		}
		if dir := path.Dir(target); dir != root {
			if _, ok := seen[dir]; !ok {
				if err := o.files.CreateDirectory(ctx, dir); err != nil {
					return err
				}
				seen[dir] = struct{}{}
			}
		}
		rc, err := f.Open()
		if err != nil {
			return errors.WithStack(err)
		}
		defer rc.Close()
		log.WithFields(log.Fields{"file": name, "size": f.Size()}).Debug("unpacking template entry")
		return o.files.UploadFile(ctx, target, rc)
	})
}
