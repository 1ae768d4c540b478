package imageclient

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/registry"
)

// authFor picks credentials for named: explicit source credentials first,
// then the auth file entry for the registry when opts.Auth is set.
func (c *Client) authFor(named reference.Named, opts PullOptions) (*registry.AuthConfig, error) {
	domain := reference.Domain(named)

	if opts.SourceCreds != "" {
		user, pass, ok := strings.Cut(opts.SourceCreds, ":")
		if !ok {
			return nil, fmt.Errorf("%w: source credentials must be user:password", errdefs.ErrInvalidArgument)
		}
		return &registry.AuthConfig{Username: user, Password: pass, ServerAddress: domain}, nil
	}

	if !opts.Auth || c.authFile == "" {
		return nil, nil
	}
	return lookupAuthFile(c.authFile, domain)
}

type authFile struct {
	Auths map[string]struct {
		Auth string `json:"auth"`
	} `json:"auths"`
}

// lookupAuthFile returns the credentials for domain from path, or nil if
// the file or entry does not exist.
func lookupAuthFile(path, domain string) (*registry.AuthConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading auth file: %w", err)
	}

	var f authFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing auth file %s: %w", path, err)
	}

	keys := []string{domain, "https://" + domain}
	if domain == "docker.io" {
		keys = append(keys, "index.docker.io", "https://index.docker.io/v1/")
	}
	for _, k := range keys {
		entry, ok := f.Auths[k]
		if !ok || entry.Auth == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(entry.Auth)
		if err != nil {
			return nil, fmt.Errorf("decoding auth for %s: %w", k, err)
		}
		user, pass, ok := strings.Cut(string(raw), ":")
		if !ok {
			return nil, fmt.Errorf("auth for %s is not user:password", k)
		}
		return &registry.AuthConfig{Username: user, Password: pass, ServerAddress: domain}, nil
	}
	return nil, nil
}
