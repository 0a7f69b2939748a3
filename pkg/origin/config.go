package origin

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Defaults for the tunable configuration keys.
const (
	DefaultOriginAccount          = ".origin"
	DefaultNumberHashIDContainers = 100
	DefaultNumberDNSShards        = 100
	DefaultHMACTokenLength        = 30
	DefaultOriginPrefix           = "/origin/"
	DefaultMinTTL                 = 900
	DefaultMaxTTL                 = 3155692600
	DefaultTTL                    = 259200
	DefaultMaxCDNFileSize         = 10 * 1024 * 1024 * 1024
)

const (
	// MetadataCacheTTL bounds the lifetime of positive cache entries.
	MetadataCacheTTL = time.Hour

	// NegativeCacheTTL bounds the window before a newly-created container
	// becomes visible. It is deliberately much shorter than MetadataCacheTTL.
	NegativeCacheTTL = 30 * time.Second

	// BadURLCacheTTL is the cache lifetime, in seconds, advertised on
	// responses to requests that can never succeed.
	BadURLCacheTTL = 86400

	// NotFoundCacheTTL is the cache lifetime, in seconds, advertised on
	// not-found edge responses.
	NotFoundCacheTTL = 30
)

var (
	// ErrInvalidConfiguration is returned when the configuration cannot
	// support the requested operation.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidHash is returned when a container key is not a hex string.
	ErrInvalidHash = errors.New("invalid hash")
)

// IncomingRule is one named regex tried against incoming edge URLs. The
// pattern's named groups "hash" and "object_name" feed the edge handler.
type IncomingRule struct {
	Name   string
	Regexp *regexp.Regexp
}

// Config is the immutable configuration snapshot taken at startup and shared
// by every handler.
type Config struct {
	// HashPathSuffix is the deployment-wide secret folded into every
	// container key. Required.
	HashPathSuffix string

	// OriginAccount is the administrative account holding the hash
	// containers and the per-account listing containers.
	OriginAccount string

	NumberHashIDContainers int
	NumberDNSShards        int

	HMACSignedURLSecret string
	HMACTokenLength     int

	OriginDBHosts         []string
	OriginCDNHostSuffixes []string
	OriginPrefix          string

	MinTTL     int64
	MaxTTL     int64
	DefaultTTL int64

	DeleteEnabled  bool
	MaxCDNFileSize int64

	AllowedOriginRemoteIPs []string

	OriginAdminKey string

	LogAccessRequests bool

	// IncomingURLRegex is tried in order against the full edge request URL.
	IncomingURLRegex []IncomingRule

	// FormatSections maps a section name (outgoing_url_format,
	// outgoing_url_format_get_json, ...) to its key → template mapping.
	// Templates may reference {hash} and {hash_mod}.
	FormatSections map[string]map[string]string
}

// withDefaults returns a copy of c with zero-valued tunables replaced by
// their defaults. Booleans are left alone: their defaults are applied by the
// flag layer.
func (c Config) withDefaults() Config {
	if c.OriginAccount == "" {
		c.OriginAccount = DefaultOriginAccount
	}

	if c.NumberHashIDContainers == 0 {
		c.NumberHashIDContainers = DefaultNumberHashIDContainers
	}

	if c.NumberDNSShards == 0 {
		c.NumberDNSShards = DefaultNumberDNSShards
	}

	if c.HMACTokenLength == 0 {
		c.HMACTokenLength = DefaultHMACTokenLength
	}

	if c.OriginPrefix == "" {
		c.OriginPrefix = DefaultOriginPrefix
	}

	if c.MinTTL == 0 {
		c.MinTTL = DefaultMinTTL
	}

	if c.MaxTTL == 0 {
		c.MaxTTL = DefaultMaxTTL
	}

	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultTTL
	}

	if c.MaxCDNFileSize == 0 {
		c.MaxCDNFileSize = DefaultMaxCDNFileSize
	}

	return c
}

func (c Config) validate() error {
	if c.HashPathSuffix == "" {
		return fmt.Errorf("%w: please provide a hash_path_suffix", ErrInvalidConfiguration)
	}

	if c.HMACSignedURLSecret == "" {
		return nil
	}

	// Signed rewrites keep only scheme and host; a template carrying a path
	// would silently lose it, so reject it up front.
	for section, formats := range c.FormatSections {
		for key, tmpl := range formats {
			rendered := renderTemplate(tmpl, "0", 0)

			u, err := url.Parse(rendered)
			if err != nil {
				return fmt.Errorf("%w: section %s key %s: %w",
					ErrInvalidConfiguration, section, key, err)
			}

			if u.Path != "" && u.Path != "/" {
				return fmt.Errorf(
					"%w: section %s key %s: template %q carries a path, "+
						"which the signed-URL rewrite would drop",
					ErrInvalidConfiguration, section, key, tmpl)
			}
		}
	}

	return nil
}

func renderTemplate(tmpl, hsh string, hashMod int64) string {
	rendered := strings.NewReplacer(
		"{hash}", hsh,
		"{hash_mod}", fmt.Sprintf("%d", hashMod),
	).Replace(tmpl)

	return strings.TrimRight(rendered, "/")
}
