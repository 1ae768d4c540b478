// Package image implements the pull orchestrator: it turns a pull request
// into a container bundle on disk and records the result in the sandbox's
// image registry.
package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/oklog/ulid/v2"

	"github.com/majorcontext/guestpull/internal/audit"
	"github.com/majorcontext/guestpull/internal/cid"
	"github.com/majorcontext/guestpull/internal/config"
	"github.com/majorcontext/guestpull/internal/log"
	"github.com/majorcontext/guestpull/internal/pull"
	"github.com/majorcontext/guestpull/internal/secrets"
)

// Request asks for one image to be pulled and unpacked.
type Request struct {
	Image       string `json:"image"`
	ContainerID string `json:"container_id,omitempty"`
	// SourceCreds are "user:password" registry credentials or a secret
	// reference such as awssm://region/id.
	SourceCreds string `json:"source_creds,omitempty"`
}

// Response is returned for a successful pull.
type Response struct {
	ImageRef string `json:"image_ref"`
}

// SideService starts the decryption helper on demand.
type SideService interface {
	EnsureStarted(ctx context.Context, kbcParams string) error
}

// Registry records which container bundle an image was unpacked into.
type Registry interface {
	Record(image, containerID string)
}

// Auditor records pull outcomes.
type Auditor interface {
	RecordPull(ctx context.Context, data audit.PullData)
}

// Options configures a Service.
type Options struct {
	Config      *config.Store
	Paths       config.PathsConfig
	Backend     pull.Backend
	SideService SideService
	Images      Registry

	// Auditor is optional.
	Auditor Auditor

	// ResolveCreds defaults to secrets.ResolveCreds.
	ResolveCreds func(ctx context.Context, creds string) (string, error)

	// Setenv defaults to os.Setenv.
	Setenv func(key, value string) error
}

// Service pulls images. It is safe for concurrent use.
type Service struct {
	opts Options
}

// NewService creates a Service and exports CC_IMAGE_WORK_DIR for the
// embedded pulling library.
func NewService(opts Options) (*Service, error) {
	if opts.Config == nil || opts.Backend == nil || opts.SideService == nil || opts.Images == nil {
		return nil, fmt.Errorf("image service requires config, backend, side service and registry")
	}
	if opts.ResolveCreds == nil {
		opts.ResolveCreds = secrets.ResolveCreds
	}
	if opts.Setenv == nil {
		opts.Setenv = os.Setenv
	}

	if opts.Paths.ImageWorkDir != "" {
		if err := opts.Setenv("CC_IMAGE_WORK_DIR", opts.Paths.ImageWorkDir); err != nil {
			return nil, fmt.Errorf("setting CC_IMAGE_WORK_DIR: %w", err)
		}
	}
	return &Service{opts: opts}, nil
}

// PullImage resolves the container id, installs the pause bundle or pulls
// through the configured backend, and records the image on success. The
// pull runs to completion even if ctx is cancelled.
func (s *Service) PullImage(ctx context.Context, req Request) (resp *Response, err error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	id := ulid.Make().String()
	cfg := s.opts.Config.Snapshot()

	record := audit.PullData{ID: id, Image: req.Image}
	defer func() {
		record.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			record.Error = err.Error()
		}
		if s.opts.Auditor != nil {
			s.opts.Auditor.RecordPull(ctx, record)
		}
	}()

	if err := s.exportEnv(cfg); err != nil {
		return nil, err
	}

	containerID, err := cid.FromRequest(req.ContainerID, req.Image)
	if err != nil {
		return nil, err
	}
	record.ContainerID = containerID
	logger := log.With("id", id, "cid", containerID, "image", req.Image)

	if IsPause(req.Image) {
		record.Backend = "pause"
		logger.Info("using guest pause bundle")
		bundle := filepath.Join(s.opts.Paths.ContainerBase, containerID)
		if err := pull.InstallPauseBundle(s.opts.Paths.PauseBundle, bundle); err != nil {
			return nil, err
		}
		s.opts.Images.Record(req.Image, containerID)
		return &Response{ImageRef: req.Image}, nil
	}

	record.Backend = s.opts.Backend.Name()
	if err := s.opts.SideService.EnsureStarted(ctx, cfg.KBCParams); err != nil {
		return nil, err
	}

	creds, err := s.opts.ResolveCreds(ctx, req.SourceCreds)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving source credentials: %w", errdefs.ErrInvalidArgument, err)
	}

	logger.Info("pulling image", "backend", record.Backend)
	err = s.opts.Backend.Pull(ctx, pull.Request{
		Image:            req.Image,
		ContainerID:      containerID,
		SourceCreds:      creds,
		KBCParams:        cfg.KBCParams,
		PolicyPath:       cfg.ContainerPolicyPath,
		SecurityValidate: cfg.EnableSignatureVerification,
	})
	if err != nil {
		logger.Error("pull failed", "backend", record.Backend, "error", err)
		return nil, err
	}

	s.opts.Images.Record(req.Image, containerID)
	logger.Info("image pulled", "duration", time.Since(start))
	return &Response{ImageRef: req.Image}, nil
}

// exportEnv sets the process environment read by the pull tools. Values
// only change when the configuration does, so concurrent requests write
// the same values.
func (s *Service) exportEnv(cfg config.AgentConfig) error {
	vars := [][2]string{
		{"OCICRYPT_KEYPROVIDER_CONFIG", s.opts.Paths.OcicryptConfig},
		{"HTTPS_PROXY", cfg.HTTPSProxy},
		{"NO_PROXY", cfg.NoProxy},
	}
	for _, kv := range vars {
		if kv[1] == "" {
			continue
		}
		if err := s.opts.Setenv(kv[0], kv[1]); err != nil {
			return fmt.Errorf("setting %s: %w", kv[0], err)
		}
	}
	return nil
}

// IsPause reports whether image names the pause image, judged by its last
// path segment with any digest and tag removed.
func IsPause(image string) bool {
	seg := image
	if i := strings.LastIndexByte(seg, '/'); i >= 0 {
		seg = seg[i+1:]
	}
	if i := strings.IndexByte(seg, '@'); i >= 0 {
		seg = seg[:i]
	}
	if i := strings.IndexByte(seg, ':'); i >= 0 {
		seg = seg[:i]
	}
	return seg == "pause"
}
