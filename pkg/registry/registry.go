package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polisai/polis-transform/pkg/domain"
)

var errOversized = errors.New("module exceeds size ceiling")

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMaxModuleBytes overrides the module size ceiling.
func WithMaxModuleBytes(limit int64) Option {
	return func(r *Registry) {
		if limit > 0 {
			r.maxModuleBytes = limit
		}
	}
}

// WithClock overrides the registration timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry is safe for concurrent use. Lookups take a read lock; register and
// unregister serialise behind the write lock so they cannot race executions.
type Registry struct {
	roots          []string
	maxModuleBytes int64
	now            func() time.Time
	logger         *slog.Logger

	mu         sync.RWMutex
	transforms map[string]domain.TrustedTransform
}

// New constructs a Registry over the given trusted roots. Every root must
// exist and be a directory; it is resolved to an absolute, symlink-free path.
func New(roots []string, opts ...Option) (*Registry, error) {
	r := &Registry{
		maxModuleBytes: domain.MaxModuleBytes,
		now:            time.Now,
		logger:         slog.Default(),
		transforms:     make(map[string]domain.TrustedTransform),
	}
	for _, opt := range opts {
		opt(r)
	}

	seen := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		resolved, err := resolvePath(root)
		if err != nil {
			return nil, fmt.Errorf("%w: trusted root %q: %v", domain.ErrConfigInvalid, root, err)
		}
		info, err := os.Stat(resolved)
		if err != nil {
			return nil, fmt.Errorf("%w: trusted root %q: %v", domain.ErrConfigInvalid, root, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: trusted root %q is not a directory", domain.ErrConfigInvalid, root)
		}
		if _, dup := seen[resolved]; dup {
			continue
		}
		seen[resolved] = struct{}{}
		r.roots = append(r.roots, resolved)
	}

	return r, nil
}

// Roots returns a copy of the trusted roots.
func (r *Registry) Roots() []string {
	return append([]string(nil), r.roots...)
}

// Register validates path and pins its current content under id, replacing
// any previous entry for id. Nothing is stored unless every check passes.
func (r *Registry) Register(id, path, label string) (domain.TrustedTransform, error) {
	return r.register(id, path, label, "")
}

// RegisterPinned is Register for a module whose digest was recorded ahead of
// time. The entry is rejected with domain.ErrIntegrityMismatch when the file
// no longer hashes to expected.
func (r *Registry) RegisterPinned(id, path, label, expected string) (domain.TrustedTransform, error) {
	return r.register(id, path, label, strings.ToLower(strings.TrimSpace(expected)))
}

func (r *Registry) register(id, path, label, expected string) (domain.TrustedTransform, error) {
	if !domain.ValidID(id) {
		return domain.TrustedTransform{}, domain.NewRegistrationError(domain.ErrInvalidID, domain.CodeInvalidID, id, path)
	}

	resolved, err := resolvePath(path)
	if err != nil {
		// A path that cannot be resolved is never provably inside a root.
		return domain.TrustedTransform{}, domain.NewRegistrationError(domain.ErrUntrustedLocation, domain.CodeUntrustedLocation, id, path)
	}
	if !r.trusted(resolved) {
		return domain.TrustedTransform{}, domain.NewRegistrationError(domain.ErrUntrustedLocation, domain.CodeUntrustedLocation, id, path)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return domain.TrustedTransform{}, domain.NewRegistrationError(err, domain.CodeUnreadable, id, path)
	}
	if !info.Mode().IsRegular() || !strings.EqualFold(filepath.Ext(resolved), domain.ModuleExtension) {
		return domain.TrustedTransform{}, domain.NewRegistrationError(domain.ErrWrongKind, domain.CodeWrongKind, id, path)
	}
	if info.Size() > r.maxModuleBytes {
		return domain.TrustedTransform{}, domain.NewRegistrationError(domain.ErrTooLarge, domain.CodeTooLarge, id, path)
	}

	data, err := readModule(resolved, r.maxModuleBytes)
	if errors.Is(err, errOversized) {
		return domain.TrustedTransform{}, domain.NewRegistrationError(domain.ErrTooLarge, domain.CodeTooLarge, id, path)
	}
	if err != nil {
		return domain.TrustedTransform{}, domain.NewRegistrationError(err, domain.CodeUnreadable, id, path)
	}

	digest := Digest(data)
	if expected != "" && !sameDigest(digest, expected) {
		return domain.TrustedTransform{}, domain.NewRegistrationError(domain.ErrIntegrityMismatch, domain.CodeIntegrityMismatch, id, path)
	}

	if label == "" {
		label = id
	}
	entry := domain.TrustedTransform{
		ID:           id,
		Label:        label,
		ModulePath:   resolved,
		SHA256:       digest,
		RegisteredAt: r.now().UTC(),
	}

	r.mu.Lock()
	r.transforms[id] = entry
	r.mu.Unlock()

	r.logger.Info("Transform registered", "transform_id", id, "path", resolved, "sha256", entry.SHA256)
	return entry, nil
}

// Get returns the entry registered under id.
func (r *Registry) Get(id string) (domain.TrustedTransform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.transforms[id]
	return entry, ok
}

// Unregister removes id and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.transforms[id]
	delete(r.transforms, id)
	r.mu.Unlock()

	if ok {
		r.logger.Info("Transform unregistered", "transform_id", id)
	}
	return ok
}

// List returns every entry ordered by id.
func (r *Registry) List() []domain.TrustedTransform {
	r.mu.RLock()
	out := make([]domain.TrustedTransform, 0, len(r.transforms))
	for _, entry := range r.transforms {
		out = append(out, entry)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VerifyIntegrity re-hashes the module currently at the pinned path. It is
// false for unknown ids, missing files and any content change.
func (r *Registry) VerifyIntegrity(id string) bool {
	_, _, err := r.ReadVerified(id)
	return err == nil
}

// ReadVerified returns the pinned entry together with the exact bytes whose
// digest matched, so callers execute what was verified rather than re-reading
// the file.
func (r *Registry) ReadVerified(id string) (domain.TrustedTransform, []byte, error) {
	entry, ok := r.Get(id)
	if !ok {
		return domain.TrustedTransform{}, nil, domain.ErrTransformNotFound
	}

	data, err := readModule(entry.ModulePath, r.maxModuleBytes)
	if err != nil {
		r.logger.Warn("Transform module unreadable", "transform_id", id, "path", entry.ModulePath, "error", err)
		return entry, nil, fmt.Errorf("%w: %v", domain.ErrIntegrityMismatch, err)
	}
	if !sameDigest(Digest(data), entry.SHA256) {
		r.logger.Warn("Transform module hash mismatch", "transform_id", id, "path", entry.ModulePath)
		return entry, nil, domain.ErrIntegrityMismatch
	}
	return entry, data, nil
}

func (r *Registry) trusted(resolved string) bool {
	for _, root := range r.roots {
		rel, err := filepath.Rel(root, resolved)
		if err != nil {
			continue
		}
		if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
			continue
		}
		return true
	}
	return false
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
