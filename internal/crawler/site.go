package crawler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownSite is returned when no registered site matches a lookup.
var ErrUnknownSite = errors.New("unknown site")

// Site knows how to walk one publisher's bulletin listings.
type Site interface {
	Name() string
	SupportedDomains() []string
	BaseURL() string
	PaginationLinks(ctx context.Context, src PageSource) ([]string, bool)
	NewsLinks(ctx context.Context, src PageSource, pageURL string) []string
	PDFLinks(ctx context.Context, src PageSource, newsURL string) []string
}

// SiteProfile describes a markup-driven site.
type SiteProfile struct {
	Name             string
	Domain           string
	BaseURL          string
	SupportedDomains []string
	PagerSelector    string
	ArticleSelector  string
	DocumentSelector string
}

// BiwaseProfile is the built-in profile for the Biwase bulletin listing.
func BiwaseProfile(baseURL string) SiteProfile {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return SiteProfile{
		Name:             "biwase",
		Domain:           "https://biwase.com.vn",
		BaseURL:          baseURL,
		SupportedDomains: []string{"biwase.com.vn"},
		PagerSelector:    DefaultPagerSelector,
		ArticleSelector:  DefaultArticleSelector,
		DocumentSelector: DefaultDocumentSelector,
	}
}

// MarkupSite implements Site with CSS selectors.
type MarkupSite struct {
	profile SiteProfile
	logger  *zap.Logger
}

// NewMarkupSite fills unset selectors with the defaults.
func NewMarkupSite(profile SiteProfile, logger *zap.Logger) *MarkupSite {
	if profile.PagerSelector == "" {
		profile.PagerSelector = DefaultPagerSelector
	}
	if profile.ArticleSelector == "" {
		profile.ArticleSelector = DefaultArticleSelector
	}
	if profile.DocumentSelector == "" {
		profile.DocumentSelector = DefaultDocumentSelector
	}
	if profile.Domain == "" {
		profile.Domain = DomainOf(profile.BaseURL)
	}
	if len(profile.SupportedDomains) == 0 && profile.Domain != "" {
		profile.SupportedDomains = []string{HostOf(profile.Domain)}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarkupSite{profile: profile, logger: logger.With(zap.String("site", profile.Name))}
}

// Name implements Site.
func (s *MarkupSite) Name() string { return s.profile.Name }

// SupportedDomains implements Site.
func (s *MarkupSite) SupportedDomains() []string {
	return append([]string(nil), s.profile.SupportedDomains...)
}

// BaseURL implements Site.
func (s *MarkupSite) BaseURL() string { return s.profile.BaseURL }

// PaginationLinks fetches the base URL. The bool is false when the base page
// could not be fetched at all.
func (s *MarkupSite) PaginationLinks(ctx context.Context, src PageSource) ([]string, bool) {
	s.logger.Info("starting crawl", zap.String("base_url", s.profile.BaseURL))
	markup, ok := src.FetchText(ctx, s.profile.BaseURL)
	if !ok {
		s.logger.Error("failed to fetch base URL for pagination", zap.String("base_url", s.profile.BaseURL))
		return nil, false
	}
	pages := ExtractLinks(markup, s.profile.PagerSelector, "href", s.profile.Domain)
	s.logger.Info("found pagination pages", zap.Int("count", len(pages)))
	return pages, true
}

// NewsLinks implements Site.
func (s *MarkupSite) NewsLinks(ctx context.Context, src PageSource, pageURL string) []string {
	markup, ok := src.FetchText(ctx, pageURL)
	if !ok {
		s.logger.Warn("failed to fetch page", zap.String("url", pageURL))
		return nil
	}
	links := ExtractLinks(markup, s.profile.ArticleSelector, "href", s.profile.Domain)
	s.logger.Debug("found news links", zap.String("url", pageURL), zap.Int("count", len(links)))
	return links
}

// PDFLinks implements Site.
func (s *MarkupSite) PDFLinks(ctx context.Context, src PageSource, newsURL string) []string {
	markup, ok := src.FetchText(ctx, newsURL)
	if !ok {
		s.logger.Warn("failed to fetch news article", zap.String("url", newsURL))
		return nil
	}
	links := ExtractLinks(markup, s.profile.DocumentSelector, "src", s.profile.Domain)
	s.logger.Debug("found document links", zap.String("url", newsURL), zap.Int("count", len(links)))
	return links
}

// Registry resolves sites by name or by the host of a URL. It is populated
// at construction and read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Site
	byDomain map[string]Site
}

// NewRegistry registers the given sites. Later sites win on name or domain
// collisions.
func NewRegistry(sites ...Site) *Registry {
	r := &Registry{
		byName:   make(map[string]Site),
		byDomain: make(map[string]Site),
	}
	for _, s := range sites {
		r.register(s)
	}
	return r
}

// DefaultRegistry contains the built-in site profiles.
func DefaultRegistry(cfg CrawlConfig, logger *zap.Logger) *Registry {
	return NewRegistry(NewMarkupSite(BiwaseProfile(cfg.BaseURL), logger))
}

func (r *Registry) register(s Site) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[s.Name()] = s
	for _, d := range s.SupportedDomains() {
		r.byDomain[HostOf("https://"+d)] = s
	}
}

// Get looks a site up by name.
func (r *Registry) Get(name string) (Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSite, name)
	}
	return s, nil
}

// ForURL returns the site that supports raw's host.
func (r *Registry) ForURL(raw string) (Site, error) {
	host := HostOf(raw)
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byDomain[host]
	if !ok {
		return nil, fmt.Errorf("%w: no site for host %q", ErrUnknownSite, host)
	}
	return s, nil
}

// Names lists registered site names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
