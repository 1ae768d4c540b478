package pull

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/majorcontext/guestpull/internal/attestation"
	"github.com/majorcontext/guestpull/internal/log"
)

// StagingDirName is the OCI layout directory created under each
// container's staging directory.
const StagingDirName = "image_oci"

// RegistryTool pulls with skopeo into an OCI layout staging directory and
// unpacks it into the bundle with umoci.
type RegistryTool struct {
	Skopeo string
	Umoci  string

	// StagingRoot holds one <cid>/image_oci directory per in-flight pull.
	StagingRoot string
	// BundleBase holds one <cid> bundle directory per container.
	BundleBase string
	// KeyProviderConfig is exported to skopeo as OCICRYPT_KEYPROVIDER_CONFIG
	// when decrypting.
	KeyProviderConfig string

	Runner CommandRunner
}

func (t *RegistryTool) Name() string { return ExternalTool.String() }

// Pull copies req.Image and unpacks it into <BundleBase>/<cid>, holding the
// staging lock of <StagingRoot>/<cid> throughout so the sweeper leaves it alone.
func (t *RegistryTool) Pull(ctx context.Context, req Request) error {
	unlock, err := lockStaging(t.stagingDir(req.ContainerID))
	if err != nil {
		return err
	}
	defer unlock()

	if err := t.Copy(ctx, req); err != nil {
		return err
	}
	return t.Unpack(ctx, req.ContainerID)
}

func (t *RegistryTool) stagingDir(cid string) string {
	return filepath.Join(t.StagingRoot, cid)
}

func (t *RegistryTool) runner() CommandRunner {
	if t.Runner == nil {
		return ExecRunner{}
	}
	return t.Runner
}

// Copy fetches req.Image into <StagingRoot>/<cid>/image_oci. On failure the
// staging directory is removed; if that removal also fails it is reported in
// the returned error.
func (t *RegistryTool) Copy(ctx context.Context, req Request) error {
	ociPath := filepath.Join(t.stagingDir(req.ContainerID), StagingDirName)
	if err := os.MkdirAll(ociPath, 0755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	cmd := Command{
		Path: t.Skopeo,
		Args: []string{
			"copy",
			"docker://" + req.Image,
			"oci://" + ociPath + ":latest",
			"--remove-signatures",
		},
	}
	if req.SourceCreds != "" {
		cmd.Args = append(cmd.Args, "--src-creds", req.SourceCreds)
	}
	if req.PolicyPath != "" {
		cmd.Args = append(cmd.Args, "--policy", req.PolicyPath)
	} else {
		log.Info("no container policy configured, allowing all images", "cid", req.ContainerID)
		cmd.Args = append(cmd.Args, "--insecure-policy")
	}
	if req.KBCParams != "" {
		// An unencrypted image still copies fine with a decryption key.
		cmd.Args = append(cmd.Args, "--decryption-key", attestation.DecryptionKey(req.KBCParams))
		cmd.Env = append(cmd.Env, "OCICRYPT_KEYPROVIDER_CONFIG="+t.KeyProviderConfig)
	}

	log.Debug("running skopeo", "cid", req.ContainerID, "image", req.Image)
	out, err := t.runner().Run(ctx, cmd)
	if err != nil {
		ce := newCommandError("pull", cmd, out, err)
		if rmErr := os.RemoveAll(t.stagingDir(req.ContainerID)); rmErr != nil {
			ce.Cleanup = rmErr
			ce.CleanupPath = t.stagingDir(req.ContainerID)
		}
		log.Error("skopeo copy failed", "cid", req.ContainerID, "image", req.Image, "exit", ce.ExitCode)
		return ce
	}
	return nil
}

// Unpack unpacks the staged image for cid into <BundleBase>/<cid> and then
// deletes the staging directory.
func (t *RegistryTool) Unpack(ctx context.Context, cid string) error {
	ociPath := filepath.Join(t.stagingDir(cid), StagingDirName)
	bundle := filepath.Join(t.BundleBase, cid)

	log.Info("unpacking image", "cid", cid, "bundle", bundle)
	cmd := Command{
		Path: t.Umoci,
		Args: []string{"unpack", "--image", ociPath, bundle},
	}
	if out, err := t.runner().Run(ctx, cmd); err != nil {
		return newCommandError("unpack", cmd, out, err)
	}

	if err := os.RemoveAll(t.stagingDir(cid)); err != nil {
		return fmt.Errorf("removing staging directory: %w", err)
	}
	return nil
}
