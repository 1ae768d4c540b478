// Package pull implements the ways a container image becomes a runtime
// bundle on disk: the pre-installed pause bundle, the skopeo and umoci tool
// pair, and the embedded image client.
package pull

import (
	"context"

	"golang.org/x/sys/unix"
)

// BackendChoice selects how registry images are pulled.
type BackendChoice int

const (
	// ExternalTool pulls with skopeo and unpacks with umoci.
	ExternalTool BackendChoice = iota
	// EmbeddedClient pulls with the in-process image client.
	EmbeddedClient
)

func (b BackendChoice) String() string {
	if b == ExternalTool {
		return "external-tool"
	}
	return "embedded-client"
}

// DetectBackend returns ExternalTool when skopeoPath is an executable file
// and EmbeddedClient otherwise.
func DetectBackend(skopeoPath string) BackendChoice {
	if skopeoPath != "" && unix.Access(skopeoPath, unix.X_OK) == nil {
		return ExternalTool
	}
	return EmbeddedClient
}

// Request is one registry pull handed to a backend.
type Request struct {
	Image       string
	ContainerID string
	SourceCreds string

	// KBCParams enables decryption through the attestation agent when set.
	KBCParams string

	// PolicyPath is the signature policy for the external tool. Empty means
	// any image is accepted.
	PolicyPath string

	// SecurityValidate enables signature verification in the embedded client.
	SecurityValidate bool
}

// Backend pulls a registry image into <bundle base>/<cid>.
type Backend interface {
	Name() string
	Pull(ctx context.Context, req Request) error
}
