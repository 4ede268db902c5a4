package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("loader")

// Extension is the file suffix LoadDir picks up.
const Extension = ".kimg"

// ErrImageNotFound is returned by Load for unknown names.
var ErrImageNotFound = errors.New("image not found")

// Registry maps program names to raw image bytes.
type Registry struct {
	mu     sync.RWMutex
	images map[string][]byte
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{images: make(map[string][]byte)}
}

// Register stores raw under name, replacing any previous image.
func (r *Registry) Register(name string, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[name] = raw
}

// RegisterImage encodes img and stores it.
func (r *Registry) RegisterImage(name string, img *Image) error {
	raw, err := img.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	r.Register(name, raw)
	return nil
}

// Lookup returns the raw bytes registered under name.
func (r *Registry) Lookup(name string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	raw, ok := r.images[name]
	return raw, ok
}

// Load looks up and decodes an image.
func (r *Registry) Load(name string) (*Image, error) {
	raw, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, name)
	}
	img, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return img, nil
}

// Names lists the registered programs in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.images))
	for n := range r.images {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadDir registers every *.kimg file in dir under its base name.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return n, err
		}
		if _, err := Decode(raw); err != nil {
			return n, fmt.Errorf("%s: %w", e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), Extension)
		r.Register(name, raw)
		log.Infof("registered image %s (%d bytes)", name, len(raw))
		n++
	}
	return n, nil
}
