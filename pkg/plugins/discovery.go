package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"
)

const (
	manifestFile     = "package.json"
	rulesFile        = "rules.txt"
	hiddenRulesFile  = "_rules.txt"
	hiddenValuesFile = "_values.txt"
	namePrefix       = "whistle."
)

var (
	ErrInvalidManifest = errors.New("invalid manifest")
)

// DiscoveryError is returned for a plugin directory that could not be loaded
type DiscoveryError struct {
	Path string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return "plugin " + e.Path + ": " + e.Err.Error()
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Discoverer reports the currently installed plugins keyed by name.
// A non nil map together with an error means some plugins were skipped.
type Discoverer interface {
	Discover(ctx context.Context) (map[string]*Plugin, error)
}

type manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Homepage    string `json:"homepage"`
	Description string `json:"description"`
}

// DirDiscoverer scans one level below each root directory for plugin packages
type DirDiscoverer struct {
	Roots []string

	mu    sync.Mutex
	cache map[string]*Plugin // keyed by plugin path
}

func NewDirDiscoverer(roots ...string) *DirDiscoverer {
	return &DirDiscoverer{
		Roots: roots,
		cache: map[string]*Plugin{},
	}
}

func (d *DirDiscoverer) Discover(ctx context.Context) (map[string]*Plugin, error) {
	var result *multierror.Error

	d.mu.Lock()
	defer d.mu.Unlock()

	found := map[string]*Plugin{}
	seen := map[string]struct{}{}

	for _, root := range d.Roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if !os.IsNotExist(err) {
				result = multierror.Append(result, &DiscoveryError{Path: root, Err: err})
			}
			continue
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				return nil, xerrors.Errorf("plugin discovery cancelled: %w", ctx.Err())
			}

			if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
				continue
			}

			path := filepath.Join(root, entry.Name())
			plugin, err := d.load(path)
			if err != nil {
				result = multierror.Append(result, err)
				continue
			}

			if plugin == nil {
				continue
			}

			seen[path] = struct{}{}

			if existing, ok := found[plugin.Name]; ok {
				log.Warn().Msgf("discovery: plugin %s at %s shadowed by %s", plugin.Name, plugin.Path, existing.Path)
				continue
			}

			found[plugin.Name] = plugin
		}
	}

	for path := range d.cache {
		if _, ok := seen[path]; !ok {
			delete(d.cache, path)
		}
	}

	return found, result.ErrorOrNil()
}

// load returns nil, nil for directories that are not plugin packages
func (d *DirDiscoverer) load(path string) (*Plugin, error) {
	pkgPath := filepath.Join(path, manifestFile)

	info, err := os.Stat(pkgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &DiscoveryError{Path: path, Err: err}
	}

	mtime := info.ModTime().UnixNano() / 1e6
	if cached, ok := d.cache[path]; ok && cached.MTime == mtime {
		return cached, nil
	}

	data, err := os.ReadFile(pkgPath)
	if err != nil {
		return nil, &DiscoveryError{Path: path, Err: err}
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &DiscoveryError{Path: path, Err: xerrors.Errorf("%s: %v: %w", pkgPath, err, ErrInvalidManifest)}
	}

	name := m.Name
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimPrefix(name, namePrefix)

	if !ValidName(name) {
		return nil, &DiscoveryError{Path: path, Err: xerrors.Errorf("name %q: %w", m.Name, ErrInvalidManifest)}
	}

	if !semver.IsValid("v" + m.Version) {
		return nil, &DiscoveryError{Path: path, Err: xerrors.Errorf("version %q: %w", m.Version, ErrInvalidManifest)}
	}

	plugin := &Plugin{
		Name:         name,
		Path:         path,
		PkgPath:      pkgPath,
		MTime:        mtime,
		Version:      m.Version,
		ModuleName:   m.Name,
		Homepage:     m.Homepage,
		Description:  m.Description,
		Rules:        readOptional(filepath.Join(path, rulesFile)),
		HiddenRules:  readOptional(filepath.Join(path, hiddenRulesFile)),
		HiddenValues: ParseValues(readOptional(filepath.Join(path, hiddenValuesFile))),
	}

	if cached, ok := d.cache[path]; ok {
		log.Debug().Msgf("discovery: %s changed %s -> %s", name, cached.Version, plugin.Version)
	}

	d.cache[path] = plugin
	return plugin, nil
}

func readOptional(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msgf("discovery: failed to read %s", path)
		}
		return ""
	}

	return string(data)
}

// ParseValues reads a JSON object of substitution values.
// Non string values are kept in their JSON form, anything but an object yields an empty map.
func ParseValues(text string) map[string]string {
	values := map[string]string{}

	text = strings.TrimSpace(text)
	if text == "" || !gjson.Valid(text) {
		return values
	}

	parsed := gjson.Parse(text)
	if !parsed.IsObject() {
		return values
	}

	parsed.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.String {
			values[key.String()] = value.String()
		} else {
			values[key.String()] = value.Raw
		}
		return true
	})

	return values
}

// CompareVersions orders two manifest versions
func CompareVersions(a, b string) int {
	return semver.Compare("v"+a, "v"+b)
}
