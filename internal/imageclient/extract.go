package imageclient

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/majorcontext/guestpull/internal/log"
)

// extractTar unpacks a container filesystem export into rootfs. Every path,
// including hard link targets, is resolved inside rootfs with SecureJoin so
// symlinks in the archive cannot redirect writes outside it. Symlinks are
// written verbatim since absolute targets are relative to the container root.
func extractTar(r io.Reader, rootfs string) error {
	tr := tar.NewReader(r)
	chown := os.Geteuid() == 0

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		target, err := securejoin.SecureJoin(rootfs, hdr.Name)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", hdr.Name, err)
		}
		if target == rootfs {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("create parent directory for %s: %w", hdr.Name, err)
		}

		//nolint:gosec // G115: Mode is masked to permission bits which fit in uint32
		mode := os.FileMode(hdr.Mode & 07777)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode); err != nil {
				return fmt.Errorf("create directory %s: %w", hdr.Name, err)
			}
			if err := os.Chmod(target, mode); err != nil {
				return fmt.Errorf("chmod %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			_ = os.Remove(target)
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return fmt.Errorf("create file %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return fmt.Errorf("write file %s: %w", hdr.Name, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close file %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("create symlink %s: %w", hdr.Name, err)
			}
		case tar.TypeLink:
			src, err := securejoin.SecureJoin(rootfs, hdr.Linkname)
			if err != nil {
				return fmt.Errorf("resolving link target %s: %w", hdr.Linkname, err)
			}
			_ = os.Remove(target)
			if err := os.Link(src, target); err != nil {
				return fmt.Errorf("create hard link %s: %w", hdr.Name, err)
			}
		default:
			log.Debug("skipping unsupported tar entry", "name", hdr.Name, "type", hdr.Typeflag)
			continue
		}

		if chown {
			_ = os.Lchown(target, hdr.Uid, hdr.Gid)
		}
	}
}
