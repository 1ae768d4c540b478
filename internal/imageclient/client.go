// Package imageclient is the embedded image pulling library. It drives the
// container engine over its API to fetch an image and then materializes the
// image as an OCI runtime bundle (rootfs plus config.json).
//
// The engine runs in its own process and has no access to the agent's key
// provider, so encrypted images are not supported here. A pull whose
// layers carry an encrypted media type fails with errdefs.ErrNotImplemented
// naming the requested decryption descriptor; such images must go through
// the external registry tool backend.
package imageclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/majorcontext/guestpull/internal/log"
)

// PullOptions controls a single pull.
type PullOptions struct {
	// SecurityValidate requires a digest-pinned reference and checks that
	// the engine resolved the image to that digest.
	SecurityValidate bool

	// Auth enables credentials from the configured auth file when
	// SourceCreds is empty.
	Auth bool

	// SourceCreds are "user:password" registry credentials.
	SourceCreds string

	// DecryptConfig is the decryption descriptor the caller would use for
	// encrypted layers. It only appears in the unsupported-image error.
	DecryptConfig string
}

// encryptedMediaTypeSuffix marks ocicrypt-encrypted layer media types, e.g.
// application/vnd.oci.image.layer.v1.tar+gzip+encrypted.
const encryptedMediaTypeSuffix = "+encrypted"

// dockerAPI is the subset of the engine API the client uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerExport(ctx context.Context, containerID string) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Client pulls images through the container engine.
type Client struct {
	api      dockerAPI
	authFile string
}

// Options configures New.
type Options struct {
	// AuthFile is a registry auth file in the {"auths":{...}} format.
	AuthFile string
}

// New connects to the engine using the standard DOCKER_* environment.
func New(opts Options) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{api: cli, authFile: opts.AuthFile}, nil
}

// exportEntrypoint is set on the throwaway container used to export the
// rootfs. The container is never started.
var exportEntrypoint = []string{"/.guestpull-export"}

// PullImage fetches ref and writes an OCI bundle into bundleDir.
func (c *Client) PullImage(ctx context.Context, ref, bundleDir string, opts PullOptions) error {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return fmt.Errorf("%w: parsing image reference %q: %w", errdefs.ErrInvalidArgument, ref, err)
	}

	var wantDigest string
	if opts.SecurityValidate {
		canonical, ok := named.(reference.Canonical)
		if !ok {
			return fmt.Errorf("%w: signature verification requires a digest-pinned reference, got %q", errdefs.ErrInvalidArgument, ref)
		}
		wantDigest = canonical.Digest().String()
	}

	pullOpts := image.PullOptions{}
	auth, err := c.authFor(named, opts)
	if err != nil {
		return err
	}
	if auth != nil {
		encoded, err := registry.EncodeAuthConfig(*auth)
		if err != nil {
			return fmt.Errorf("encoding registry auth: %w", err)
		}
		pullOpts.RegistryAuth = encoded
	}

	reader, err := c.api.ImagePull(ctx, named.String(), pullOpts)
	if err != nil {
		return pullError(ref, opts, err)
	}
	err = jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil)
	reader.Close()
	if err != nil {
		return pullError(ref, opts, err)
	}

	inspect, err := c.api.ImageInspect(ctx, named.String())
	if err != nil {
		return fmt.Errorf("inspecting image %s: %w", ref, err)
	}
	if wantDigest != "" && !hasDigest(inspect.RepoDigests, wantDigest) {
		return fmt.Errorf("%w: image %s resolved to %v, want digest %s", errdefs.ErrFailedPrecondition, ref, inspect.RepoDigests, wantDigest)
	}

	rootfs := filepath.Join(bundleDir, "rootfs")
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		return fmt.Errorf("creating rootfs: %w", err)
	}
	if err := c.exportRootfs(ctx, named.String(), rootfs); err != nil {
		return err
	}

	spec := bundleSpec(named.String(), inspect)
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding bundle config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "config.json"), data, 0644); err != nil {
		return fmt.Errorf("writing bundle config: %w", err)
	}
	return nil
}

// exportRootfs creates a stopped container from ref, streams its
// filesystem into rootfs and removes the container.
func (c *Client) exportRootfs(ctx context.Context, ref, rootfs string) error {
	resp, err := c.api.ContainerCreate(ctx, &container.Config{
		Image:      ref,
		Entrypoint: exportEntrypoint,
	}, nil, nil, nil, "")
	if err != nil {
		return fmt.Errorf("creating export container: %w", err)
	}
	defer func() {
		if err := c.api.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			log.Warn("removing export container", "id", resp.ID, "error", err)
		}
	}()

	rc, err := c.api.ContainerExport(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("exporting container filesystem: %w", err)
	}
	defer rc.Close()

	if err := extractTar(rc, rootfs); err != nil {
		return fmt.Errorf("extracting rootfs: %w", err)
	}
	return nil
}

// pullError wraps an engine pull failure, turning a rejected encrypted
// layer into ErrNotImplemented.
func pullError(ref string, opts PullOptions, err error) error {
	if !strings.Contains(err.Error(), encryptedMediaTypeSuffix) {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	provider := opts.DecryptConfig
	if provider == "" {
		provider = "none configured"
	}
	log.Warn("encrypted image rejected by embedded client", "image", ref, "decryption_key", provider)
	return fmt.Errorf("%w: image %s has encrypted layers, which the embedded client cannot decrypt (decryption key: %s); install skopeo to use the external tool backend: %w",
		errdefs.ErrNotImplemented, ref, provider, err)
}

func hasDigest(repoDigests []string, want string) bool {
	return slices.ContainsFunc(repoDigests, func(d string) bool {
		return strings.HasSuffix(d, "@"+want)
	})
}
