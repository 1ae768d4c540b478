package pull

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
)

// ConfigJSON is the runtime config file name inside a bundle.
const ConfigJSON = "config.json"

// InstallPauseBundle populates bundleDir from the pause bundle shipped in
// the guest image at templateDir. Files already present in bundleDir are
// left alone.
func InstallPauseBundle(templateDir, bundleDir string) error {
	if _, err := os.Stat(templateDir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: pause bundle %s does not exist", errdefs.ErrNotFound, templateDir)
		}
		return fmt.Errorf("checking pause bundle: %w", err)
	}

	rootfs := filepath.Join(bundleDir, "rootfs")
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		return fmt.Errorf("creating pause rootfs: %w", err)
	}

	copies := []struct{ src, dst string }{
		{filepath.Join(templateDir, ConfigJSON), filepath.Join(bundleDir, ConfigJSON)},
		{filepath.Join(templateDir, "rootfs", "pause"), filepath.Join(rootfs, "pause")},
	}
	for _, c := range copies {
		if _, err := os.Lstat(c.dst); err == nil {
			continue
		}
		if err := copyFile(c.src, c.dst); err != nil {
			return err
		}
	}
	return nil
}

// copyFile copies src to dst preserving the permission bits.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return out.Close()
}
