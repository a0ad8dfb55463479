package field

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a definition does not exist.
var ErrNotFound = errors.New("calculated field not found")

// FileSystemRepository loads calculated field definitions from *.yaml files in a directory.
// Each file holds one definition at the top level. Definitions are loaded once at startup
// and served read-only from memory.
type FileSystemRepository struct {
	dir          string
	fields       map[uuid.UUID]*CalculatedField
	fingerprints map[uuid.UUID]string
}

// NewFileSystemRepository eagerly loads every definition under dir. A missing directory
// yields an empty repository.
func NewFileSystemRepository(dir string) (*FileSystemRepository, error) {
	repo := &FileSystemRepository{
		dir:          dir,
		fields:       make(map[uuid.UUID]*CalculatedField),
		fingerprints: make(map[uuid.UUID]string),
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileSystemRepository) load() error {
	info, err := os.Stat(r.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("calculated field dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("calculated field path %q is not a directory", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading calculated field dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading field file %s: %w", path, err)
		}

		var doc Document
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing field file %s: %w", path, err)
		}
		if doc.ID == "" && doc.Name == "" {
			continue // comment-only file
		}

		cf, err := doc.ToField()
		if err != nil {
			return fmt.Errorf("field file %s: %w", path, err)
		}
		if _, exists := r.fields[cf.ID]; exists {
			return fmt.Errorf("field %s: duplicate id (check multiple YAML files)", cf.ID)
		}

		r.fields[cf.ID] = cf
		r.fingerprints[cf.ID] = fmt.Sprintf("%x", sha256.Sum256(data))
	}
	return nil
}

// FindByID returns the definition with the given id.
func (r *FileSystemRepository) FindByID(_ context.Context, tenantID, id uuid.UUID) (*CalculatedField, error) {
	cf, ok := r.fields[id]
	if !ok || cf.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return cf, nil
}

// ListByTenant returns one page of a tenant's definitions ordered by id.
func (r *FileSystemRepository) ListByTenant(_ context.Context, tenantID uuid.UUID, offset, limit int) ([]*CalculatedField, error) {
	var all []*CalculatedField
	for _, cf := range r.fields {
		if cf.TenantID == tenantID {
			all = append(all, cf)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], nil
}

// ListTenants returns every tenant that owns at least one definition.
func (r *FileSystemRepository) ListTenants(_ context.Context) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, cf := range r.fields {
		if _, ok := seen[cf.TenantID]; ok {
			continue
		}
		seen[cf.TenantID] = struct{}{}
		out = append(out, cf.TenantID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// Fingerprint returns the SHA-256 of the file a definition was loaded from.
func (r *FileSystemRepository) Fingerprint(id uuid.UUID) (string, bool) {
	fp, ok := r.fingerprints[id]
	return fp, ok
}
