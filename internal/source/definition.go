package source

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/manga-aggregator/internal/catalog"
)

// Definition describes one site for the selector-driven adapter. Selectors
// take the form "css" for element text or "css@attr" for an attribute.
type Definition struct {
	ID           int               `yaml:"id"`
	Name         string            `yaml:"name"`
	BaseURL      string            `yaml:"base_url"`
	Enabled      *bool             `yaml:"enabled"`
	ListingPath  string            `yaml:"listing_path"`
	SearchPath   string            `yaml:"search_path"`
	WaitSelector string            `yaml:"wait_selector"`
	Scroll       bool              `yaml:"scroll"`
	Headers      map[string]string `yaml:"headers"`
	Selectors    ItemSelectors     `yaml:"selectors"`
	Chapters     ChapterSelectors  `yaml:"chapters"`
}

// ItemSelectors locate catalog items on a listing or search page. Fields are
// evaluated relative to each Item match.
type ItemSelectors struct {
	Item        string `yaml:"item"`
	Title       string `yaml:"title"`
	Link        string `yaml:"link"`
	Cover       string `yaml:"cover"`
	AltTitles   string `yaml:"alt_titles"`
	Description string `yaml:"description"`
	Tags        string `yaml:"tags"`
	Rating      string `yaml:"rating"`
}

// ChapterSelectors locate chapters on a title page.
type ChapterSelectors struct {
	Item  string `yaml:"item"`
	Label string `yaml:"label"`
	Link  string `yaml:"link"`
}

type definitionFile struct {
	Sources []Definition `yaml:"sources"`
}

// IsEnabled defaults to true when the field is omitted.
func (d Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Source returns the static catalog row for d.
func (d Definition) Source() catalog.Source {
	return catalog.Source{
		ID:      d.ID,
		Name:    d.Name,
		BaseURL: strings.TrimRight(d.BaseURL, "/"),
		Enabled: d.IsEnabled(),
	}
}

// Validate checks the fields the adapter cannot work without.
func (d Definition) Validate() error {
	if d.ID <= 0 {
		return fmt.Errorf("source %q: id must be positive", d.Name)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("source %d: name is required", d.ID)
	}
	u, err := url.Parse(d.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("source %s: base_url must be absolute", d.Name)
	}
	if d.Selectors.Item == "" || d.Selectors.Title == "" {
		return fmt.Errorf("source %s: selectors.item and selectors.title are required", d.Name)
	}
	if d.SearchPath != "" && !strings.Contains(d.SearchPath, "{query}") {
		return fmt.Errorf("source %s: search_path must contain {query}", d.Name)
	}
	return nil
}

// ParseDefinitions decodes and validates a YAML source catalog. Order is
// preserved; ids and names must be unique.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode source catalog: %w", err)
	}
	if len(file.Sources) == 0 {
		return nil, errors.New("source catalog has no sources")
	}
	ids := make(map[int]struct{}, len(file.Sources))
	names := make(map[string]struct{}, len(file.Sources))
	for _, def := range file.Sources {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := ids[def.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %d", def.ID)
		}
		key := strings.ToLower(def.Name)
		if _, dup := names[key]; dup {
			return nil, fmt.Errorf("duplicate source name %q", def.Name)
		}
		ids[def.ID] = struct{}{}
		names[key] = struct{}{}
	}
	return file.Sources, nil
}

// LoadDefinitions reads a YAML source catalog from path.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source catalog: %w", err)
	}
	return ParseDefinitions(data)
}
