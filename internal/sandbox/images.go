// Package sandbox holds state shared by every container in the guest sandbox.
package sandbox

import (
	"sort"
	"sync"
)

// Image is one entry of the image registry.
type Image struct {
	Ref         string `json:"image"`
	ContainerID string `json:"container_id"`
}

// Images maps pulled image references to the container id whose bundle they
// were unpacked into. Entries are only added after a successful pull; a
// second pull of the same reference replaces the earlier mapping.
type Images struct {
	mu     sync.RWMutex
	images map[string]string // image ref -> container id
}

// NewImages creates an empty registry.
func NewImages() *Images {
	return &Images{images: make(map[string]string)}
}

// Record maps image to containerID.
func (r *Images) Record(image, containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[image] = containerID
}

// Lookup returns the container id recorded for image.
func (r *Images) Lookup(image string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.images[image]
	return id, ok
}

// List returns all entries sorted by image reference.
func (r *Images) List() []Image {
	r.mu.RLock()
	result := make([]Image, 0, len(r.images))
	for ref, id := range r.images {
		result = append(result, Image{Ref: ref, ContainerID: id})
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Ref < result[j].Ref })
	return result
}

// Len returns the number of recorded images.
func (r *Images) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.images)
}
