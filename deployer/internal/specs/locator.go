// Package specs discovers the OpenAPI documents a run should deploy.
package specs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/models"
)

var (
	// ErrNoSpecs is returned when discovery finds nothing to deploy.
	ErrNoSpecs = errors.New("no spec files found")
	// ErrDuplicateAPIID is returned when two files resolve to the same api id.
	ErrDuplicateAPIID = errors.New("duplicate api id in batch")
	// ErrBadFilename is returned for names outside `<apiPath>-<apiVersion>.<ext>`.
	ErrBadFilename = errors.New("spec filename must match <apiPath>-<apiVersion>.<ext>")
)

// Locator produces the batch of units to deploy.
type Locator interface {
	Locate(ctx context.Context) ([]models.SpecUnit, error)
}

var specExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true}

// ParseFilename splits `<apiPath>-<apiVersion>.<ext>` at the last '-' of the name without
// its extension. Both halves must be non-empty.
func ParseFilename(name string) (apiPath, apiVersion string, err error) {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	if ext == "" || ext == base {
		return "", "", fmt.Errorf("%w: %q", ErrBadFilename, name)
	}
	stem := strings.TrimSuffix(base, ext)
	i := strings.LastIndex(stem, "-")
	if i <= 0 || i == len(stem)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrBadFilename, name)
	}
	return stem[:i], stem[i+1:], nil
}

// UnitFromFile builds a SpecUnit for a file whose name follows the grammar.
func UnitFromFile(path string) (models.SpecUnit, error) {
	apiPath, apiVersion, err := ParseFilename(path)
	if err != nil {
		return models.SpecUnit{}, err
	}
	return models.NewSpecUnit(apiPath, apiVersion, path), nil
}

// DirLocator scans one directory, non-recursively.
type DirLocator struct {
	Dir string
}

func (d DirLocator) Locate(ctx context.Context) ([]models.SpecUnit, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("read spec dir %s: %w", d.Dir, err)
	}
	var units []models.SpecUnit
	for _, e := range entries {
		if e.IsDir() || !specExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		u, err := UnitFromFile(filepath.Join(d.Dir, e.Name()))
		if err != nil {
			continue
		}
		units = append(units, u)
	}
	return finalize(units)
}

// finalize enforces a non-empty batch with unique api ids and returns it sorted by id.
func finalize(units []models.SpecUnit) ([]models.SpecUnit, error) {
	if len(units) == 0 {
		return nil, ErrNoSpecs
	}
	seen := make(map[string]string, len(units))
	for _, u := range units {
		if prev, ok := seen[u.APIID]; ok {
			return nil, fmt.Errorf("%w: %s (%s, %s)", ErrDuplicateAPIID, u.APIID, prev, u.SpecFilePath)
		}
		seen[u.APIID] = u.SpecFilePath
	}
	sort.Slice(units, func(i, j int) bool { return units[i].APIID < units[j].APIID })
	return units, nil
}

// DistinctAPIPaths returns the sorted set of api paths in units.
func DistinctAPIPaths(units []models.SpecUnit) []string {
	set := make(map[string]struct{})
	for _, u := range units {
		set[u.APIPath] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
