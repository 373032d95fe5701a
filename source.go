package imagecache

import (
	"fmt"
	"net/url"
	"strings"
)

// Quality tiers served by the image host.
const (
	QualityLow    = "low"
	QualityMedium = "medium"
	QualityHigh   = "high"

	// DefaultQuality is the tier used for grid thumbnails.
	DefaultQuality = QualityLow
)

// Source identifies an image on the host. The identifier string is
// domain/basePath/quality/key.
type Source struct {
	Domain   string
	BasePath string
	Quality  string
	Key      string
}

// NewSource creates a Source using the default thumbnail quality.
func NewSource(domain, basePath, key string) Source {
	return Source{
		Domain:   domain,
		BasePath: basePath,
		Quality:  DefaultQuality,
		Key:      key,
	}
}

// String returns the source identifier.
func (s Source) String() string {
	return strings.TrimSuffix(s.Domain, "/") + "/" +
		strings.Trim(s.BasePath, "/") + "/" +
		s.Quality + "/" +
		strings.TrimPrefix(s.Key, "/")
}

// CacheKey returns the cache key for the source.
func (s Source) CacheKey() Hash {
	return KeyFor(s.String())
}

// ParseSource splits a source identifier back into its parts. The last three
// path segments are basePath's tail, quality and key; everything before the
// quality segment except the domain is the base path.
func ParseSource(s string) (Source, error) {
	if err := ValidateSource(s); err != nil {
		return Source{}, err
	}
	u, _ := url.Parse(s)

	segments := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	if len(segments) < 3 {
		return Source{}, fmt.Errorf("%w: %q needs base path, quality and key segments", ErrInvalidSource, s)
	}

	n := len(segments)
	return Source{
		Domain:   u.Scheme + "://" + u.Host,
		BasePath: strings.Join(segments[:n-2], "/"),
		Quality:  segments[n-2],
		Key:      segments[n-1],
	}, nil
}

// ValidateSource checks that s is an absolute http or https URL with a host.
func ValidateSource(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSource)
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSource, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSource, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidSource, s)
	}
	return nil
}
