package collector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// SourceKind names a collector implementation.
type SourceKind string

// Known collector implementations.
const (
	KindHiringCafe  SourceKind = "hiringcafe"
	KindCareersPage SourceKind = "careerspage"
)

// SourceConfig is the typed shape of a registry config blob. The concrete type
// is selected by the blob's "kind" field.
type SourceConfig interface {
	Kind() SourceKind
	Validate() error
}

// HiringCafeConfig configures the hiring.cafe search collector.
type HiringCafeConfig struct {
	JobTitleQuery        string          `json:"jobTitleQuery,omitempty"`
	SearchTerms          []string        `json:"search_terms,omitempty"`
	Locations            json.RawMessage `json:"locations,omitempty"`
	WorkplaceTypes       json.RawMessage `json:"workplaceTypes,omitempty"`
	CommitmentTypes      json.RawMessage `json:"commitmentTypes,omitempty"`
	DateFetchedPastNDays *int            `json:"dateFetchedPastNDays,omitempty"`
	Departments          json.RawMessage `json:"departments,omitempty"`
	Industries           json.RawMessage `json:"industries,omitempty"`
	MaxPages             int             `json:"max_pages,omitempty"`
	PageDelayMs          int             `json:"page_delay_ms,omitempty"`
}

// Kind implements SourceConfig.
func (HiringCafeConfig) Kind() SourceKind { return KindHiringCafe }

// Query returns the job title query, falling back to the first search term.
func (c HiringCafeConfig) Query() string {
	if q := strings.TrimSpace(c.JobTitleQuery); q != "" {
		return q
	}
	if len(c.SearchTerms) > 0 {
		return strings.TrimSpace(c.SearchTerms[0])
	}
	return ""
}

// Overrides returns the state keys the config sets explicitly.
func (c HiringCafeConfig) Overrides() map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	set := func(key string, v json.RawMessage) {
		if len(v) > 0 && !bytes.Equal(v, []byte("null")) {
			out[key] = v
		}
	}
	set("locations", c.Locations)
	set("workplaceTypes", c.WorkplaceTypes)
	set("commitmentTypes", c.CommitmentTypes)
	set("departments", c.Departments)
	set("industries", c.Industries)
	if c.DateFetchedPastNDays != nil {
		out["dateFetchedPastNDays"] = json.RawMessage(fmt.Sprintf("%d", *c.DateFetchedPastNDays))
	}
	return out
}

// Validate enforces limits on the hiring.cafe config.
func (c HiringCafeConfig) Validate() error {
	if c.MaxPages < 0 {
		return errors.New("max_pages must be >= 0")
	}
	if c.PageDelayMs < 0 {
		return errors.New("page_delay_ms must be >= 0")
	}
	if c.DateFetchedPastNDays != nil && *c.DateFetchedPastNDays <= 0 {
		return errors.New("dateFetchedPastNDays must be > 0")
	}
	for key, raw := range map[string]json.RawMessage{
		"locations":       c.Locations,
		"workplaceTypes":  c.WorkplaceTypes,
		"commitmentTypes": c.CommitmentTypes,
		"departments":     c.Departments,
		"industries":      c.Industries,
	} {
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return fmt.Errorf("%s must be an array", key)
		}
	}
	return nil
}

// CareersPageConfig configures the HTML job board collector.
type CareersPageConfig struct {
	StartURL         string `json:"start_url"`
	Employer         string `json:"employer,omitempty"`
	ItemSelector     string `json:"item_selector"`
	TitleSelector    string `json:"title_selector"`
	LinkSelector     string `json:"link_selector,omitempty"`
	LocationSelector string `json:"location_selector,omitempty"`
	EmployerSelector string `json:"employer_selector,omitempty"`
	IDAttr           string `json:"id_attr,omitempty"`
	NextSelector     string `json:"next_selector,omitempty"`
	MaxPages         int    `json:"max_pages,omitempty"`
}

// Kind implements SourceConfig.
func (CareersPageConfig) Kind() SourceKind { return KindCareersPage }

// Validate enforces the fields the scraper cannot work without.
func (c CareersPageConfig) Validate() error {
	if strings.TrimSpace(c.StartURL) == "" {
		return errors.New("start_url is required")
	}
	u, err := url.Parse(c.StartURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("start_url %q must be an absolute http(s) URL", c.StartURL)
	}
	if strings.TrimSpace(c.ItemSelector) == "" {
		return errors.New("item_selector is required")
	}
	if strings.TrimSpace(c.TitleSelector) == "" {
		return errors.New("title_selector is required")
	}
	if strings.TrimSpace(c.Employer) == "" && strings.TrimSpace(c.EmployerSelector) == "" {
		return errors.New("employer or employer_selector is required")
	}
	if c.MaxPages < 0 {
		return errors.New("max_pages must be >= 0")
	}
	return nil
}

// DecodeSourceConfig resolves a registry config blob into its typed shape.
// Every failure is classified as ConfigInvalid.
func DecodeSourceConfig(source string, raw json.RawMessage) (SourceConfig, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ConfigInvalid(source, errors.New("config is empty"))
	}
	var head struct {
		Kind SourceKind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, ConfigInvalid(source, fmt.Errorf("decode config: %w", err))
	}

	var cfg SourceConfig
	switch head.Kind {
	case KindHiringCafe:
		var c HiringCafeConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, ConfigInvalid(source, fmt.Errorf("decode hiringcafe config: %w", err))
		}
		cfg = c
	case KindCareersPage:
		var c CareersPageConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, ConfigInvalid(source, fmt.Errorf("decode careerspage config: %w", err))
		}
		cfg = c
	case "":
		return nil, ConfigInvalid(source, errors.New("config kind is required"))
	default:
		return nil, ConfigInvalid(source, fmt.Errorf("unknown config kind %q", head.Kind))
	}

	if err := cfg.Validate(); err != nil {
		return nil, ConfigInvalid(source, err)
	}
	return cfg, nil
}
