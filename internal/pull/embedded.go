package pull

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/semaphore"

	"github.com/majorcontext/guestpull/internal/attestation"
	"github.com/majorcontext/guestpull/internal/imageclient"
	"github.com/majorcontext/guestpull/internal/log"
)

// ImagePuller fetches an image and produces a bundle in one call.
type ImagePuller interface {
	PullImage(ctx context.Context, image, bundleDir string, opts imageclient.PullOptions) error
}

// Embedded pulls through an in-process image client. The client is not
// safe for concurrent use, so at most maxConcurrent pulls run at once and
// a pull holds its slot for the whole call.
type Embedded struct {
	client     ImagePuller
	sem        *semaphore.Weighted
	bundleBase string
}

// NewEmbedded creates an Embedded backend. maxConcurrent below 1 is treated
// as 1.
func NewEmbedded(client ImagePuller, bundleBase string, maxConcurrent int64) *Embedded {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Embedded{
		client:     client,
		sem:        semaphore.NewWeighted(maxConcurrent),
		bundleBase: bundleBase,
	}
}

func (e *Embedded) Name() string { return EmbeddedClient.String() }

// Pull creates <bundleBase>/<cid> and has the client pull into it.
func (e *Embedded) Pull(ctx context.Context, req Request) error {
	bundle := filepath.Join(e.bundleBase, req.ContainerID)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for image client: %w", err)
	}
	defer e.sem.Release(1)

	opts := imageclient.PullOptions{
		SecurityValidate: req.SecurityValidate,
		Auth:             req.KBCParams != "",
		SourceCreds:      req.SourceCreds,
	}
	if req.KBCParams != "" {
		opts.DecryptConfig = attestation.DecryptionKey(req.KBCParams)
	}
	log.Info("pulling image with embedded client",
		"cid", req.ContainerID,
		"bundle", bundle,
		"security_validate", opts.SecurityValidate,
		"auth", opts.Auth)

	if err := os.MkdirAll(bundle, 0755); err != nil {
		return fmt.Errorf("creating bundle directory: %w", err)
	}
	if err := e.client.PullImage(ctx, req.Image, bundle, opts); err != nil {
		return err
	}

	log.Info("embedded pull succeeded", "cid", req.ContainerID)
	return nil
}
