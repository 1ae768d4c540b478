package imageclient

import (
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/image"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// bundleSpec builds the runtime config for an image. The container runtime
// in the guest fills in namespaces, mounts and resources when it creates the
// container, so only the process and root are derived from the image.
func bundleSpec(ref string, inspect image.InspectResponse) *specs.Spec {
	proc := &specs.Process{
		Cwd: "/",
		Env: []string{defaultPath},
	}
	annotations := map[string]string{
		ocispec.AnnotationRefName: ref,
	}

	if cfg := inspect.Config; cfg != nil {
		proc.Args = append(append([]string{}, cfg.Entrypoint...), cfg.Cmd...)
		if len(cfg.Env) > 0 {
			proc.Env = append([]string{}, cfg.Env...)
		}
		if cfg.WorkingDir != "" {
			proc.Cwd = cfg.WorkingDir
		}
		if uid, gid, ok := numericUser(cfg.User); ok {
			proc.User = specs.User{UID: uid, GID: gid}
		} else if cfg.User != "" {
			// Named users are resolved against the rootfs by the runtime.
			proc.User.Username = cfg.User
		}
		for k, v := range cfg.Labels {
			annotations[k] = v
		}
	}
	if len(inspect.RepoDigests) > 0 {
		annotations[ocispec.AnnotationBaseImageName] = inspect.RepoDigests[0]
	}

	return &specs.Spec{
		Version:     specs.Version,
		Process:     proc,
		Root:        &specs.Root{Path: "rootfs"},
		Annotations: annotations,
	}
}

// numericUser parses "uid" or "uid:gid".
func numericUser(user string) (uint32, uint32, bool) {
	if user == "" {
		return 0, 0, false
	}
	u, g, hasGroup := strings.Cut(user, ":")
	uid, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	gid := uid
	if hasGroup {
		gid, err = strconv.ParseUint(g, 10, 32)
		if err != nil {
			return 0, 0, false
		}
	}
	return uint32(uid), uint32(gid), true
}
