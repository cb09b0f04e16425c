package model

// Source describes one subscription feed.
type Source struct {
	Name     string `json:"name" yaml:"name"`
	URL      string `json:"url" yaml:"url"`
	UseProxy bool   `json:"use_proxy" yaml:"use_proxy"`

	// IsHTML routes the body through URI scraping instead of the JSON
	// manifest reader.
	IsHTML bool `json:"is_html" yaml:"is_html"`
}

// Descriptor is one loosely-typed server entry as found in a JSON manifest
// (or synthesized from a share URI). Every key is optional.
type Descriptor = map[string]any
