package sources

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks configuration problems that must abort the run.
var ErrInvalidConfig = errors.New("invalid source configuration")

// configFile represents the structure of the sources configuration file.
type configFile struct {
	Sources []Source `json:"sources" yaml:"sources"`
}

// Source is one news portal entry declared in the sources file.
type Source struct {
	ID          string           `json:"id" yaml:"id"`
	Feeds       []string         `json:"feeds" yaml:"feeds"`
	Enabled     *bool            `json:"enabled" yaml:"enabled"`
	Mode        domain.FetchMode `json:"mode" yaml:"mode"`
	HardDomains []string         `json:"hard_domains" yaml:"hard_domains"`
	Language    string           `json:"language" yaml:"language"`
	Country     string           `json:"country" yaml:"country"`
	// Parser names the parser to resolve for this source; empty means the source id.
	Parser string `json:"parser" yaml:"parser"`
	Notes  string `json:"notes" yaml:"notes"`
}

// Registry holds the validated, immutable source definitions.
type Registry struct {
	mu      sync.RWMutex
	sources []Source
	idx     map[string]Source
}

// Load reads and validates the sources file. Any problem is wrapped in ErrInvalidConfig.
func Load(path string) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sources file path is empty", ErrInvalidConfig)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sources file: %v", ErrInvalidConfig, err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("%w: read sources file: %v", ErrInvalidConfig, err)
	}

	expanded := []byte(os.ExpandEnv(string(raw)))

	parsed, err := parseSourcesFile(expanded, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return New(parsed.Sources)
}

// New validates the given sources and builds a registry preserving their order.
func New(list []Source) (*Registry, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no sources configured", ErrInvalidConfig)
	}

	reg := &Registry{
		sources: make([]Source, len(list)),
		idx:     make(map[string]Source, len(list)),
	}

	for i := range list {
		src := sanitizeSource(list[i])
		if err := validateSource(src); err != nil {
			return nil, fmt.Errorf("%w: sources[%d]: %v", ErrInvalidConfig, i, err)
		}
		if _, exists := reg.idx[src.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate source id %q", ErrInvalidConfig, src.ID)
		}
		reg.sources[i] = src
		reg.idx[src.ID] = src
	}

	return reg, nil
}

// parseSourcesFile decodes the file content by extension, trying every format when there is none.
func parseSourcesFile(data []byte, ext string) (configFile, error) {
	ext = strings.ToLower(strings.TrimSpace(ext))
	decoders := []struct {
		name string
		ext  string
		fn   func([]byte, any) error
	}{
		{name: "yaml", ext: ".yaml", fn: yaml.Unmarshal},
		{name: "yaml", ext: ".yml", fn: yaml.Unmarshal},
		{name: "json", ext: ".json", fn: json.Unmarshal},
	}

	var errs []error
	for _, d := range decoders {
		if ext != "" && ext != d.ext {
			continue
		}
		var cfg configFile
		if err := d.fn(data, &cfg); err != nil {
			errs = append(errs, fmt.Errorf("decode %s sources: %w", d.name, err))
			continue
		}
		return cfg, nil
	}

	if len(errs) == 0 {
		return configFile{}, fmt.Errorf("sources file extension %q not recognized (expected YAML or JSON)", ext)
	}
	return configFile{}, errors.Join(errs...)
}

// sanitizeSource trims fields and normalizes domains.
func sanitizeSource(src Source) Source {
	src.ID = strings.ToLower(strings.TrimSpace(src.ID))
	src.Mode = domain.FetchMode(strings.ToLower(strings.TrimSpace(string(src.Mode))))
	src.Parser = strings.ToLower(strings.TrimSpace(src.Parser))
	src.Language = strings.TrimSpace(src.Language)
	src.Country = strings.TrimSpace(src.Country)

	if src.Enabled == nil {
		def := true
		src.Enabled = &def
	}

	if src.Feeds != nil {
		feeds := make([]string, 0, len(src.Feeds))
		for _, f := range src.Feeds {
			if f = strings.TrimSpace(f); f != "" {
				feeds = append(feeds, f)
			}
		}
		src.Feeds = feeds
	}

	hard := make([]string, 0, len(src.HardDomains))
	for _, d := range src.HardDomains {
		if d = NormalizeDomain(d); d != "" {
			hard = append(hard, d)
		}
	}
	src.HardDomains = hard

	return src
}

// validateSource checks that required fields are present.
func validateSource(src Source) error {
	if src.ID == "" {
		return errors.New("id is required")
	}
	if src.Mode == "" {
		return fmt.Errorf("mode is required for source %q", src.ID)
	}
	if !src.Mode.Valid() {
		return fmt.Errorf("mode %q not supported for source %q", src.Mode, src.ID)
	}
	if src.Feeds == nil {
		return fmt.Errorf("feeds must be a list for source %q", src.ID)
	}
	return nil
}

// NormalizeDomain lower-cases a host and strips a leading "www.". It also accepts full URLs.
func NormalizeDomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.TrimPrefix(host, "www.")
}

// Validate re-checks every entry. Sources are immutable after load, so this only fails for
// registries assembled by hand.
func (r *Registry) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: registry is nil", ErrInvalidConfig)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.sources) == 0 {
		return fmt.Errorf("%w: no sources configured", ErrInvalidConfig)
	}
	for i, src := range r.sources {
		if err := validateSource(src); err != nil {
			return fmt.Errorf("%w: sources[%d]: %v", ErrInvalidConfig, i, err)
		}
	}
	return nil
}

// ByID returns the source config by id.
func (r *Registry) ByID(id string) (Source, bool) {
	if r == nil {
		return Source{}, false
	}

	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return Source{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.idx[id]
	return src, ok
}

// All returns all configured sources in file order.
func (r *Registry) All() []Source {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}

// Enabled returns sources that are enabled, in file order.
func (r *Registry) Enabled() []Source {
	all := r.All()
	if len(all) == 0 {
		return nil
	}

	out := make([]Source, 0, len(all))
	for _, src := range all {
		if src.EnabledValue() {
			out = append(out, src)
		}
	}
	return out
}

// EnabledValue returns enabled flag defaulting to true.
func (src Source) EnabledValue() bool {
	if src.Enabled == nil {
		return true
	}
	return *src.Enabled
}

// ParserName returns the parser to resolve for this source.
func (src Source) ParserName() string {
	if src.Parser != "" {
		return src.Parser
	}
	return src.ID
}
