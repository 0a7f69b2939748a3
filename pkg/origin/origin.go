// Package origin implements the origin-database core: deterministic hashing
// and shard placement of per-container metadata, the read-through metadata
// cache with negative caching, and outgoing CDN URL construction with
// HMAC-signed hostnames.
package origin

import (
	"context"
	"crypto/hmac"
	"crypto/md5" //nolint:gosec
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/swiftorigin/sos/pkg/hashdata"
	"github.com/swiftorigin/sos/pkg/metacache"
	"github.com/swiftorigin/sos/pkg/store"
)

// Base ties together the configuration snapshot, the cluster client and the
// metadata cache. Every handler embeds a *Base.
type Base struct {
	cfg   Config
	store *store.Client
	cache metacache.Cache
}

// New returns a new Base. The configuration is validated once here; handlers
// never re-validate.
func New(cfg Config, st *store.Client, mc metacache.Cache) (*Base, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Base{cfg: cfg, store: st, cache: mc}, nil
}

// Config returns the immutable configuration snapshot.
func (b *Base) Config() Config { return b.cfg }

// Store returns the cluster client.
func (b *Base) Store() *store.Client { return b.store }

// HashPath returns the container key for the given unquoted account and
// container: the hex MD5 of "/<account>/<container>/<hash_path_suffix>".
func (b *Base) HashPath(account, container string) string {
	sum := md5.Sum([]byte("/" + account + "/" + container + "/" + b.cfg.HashPathSuffix)) //nolint:gosec

	return hex.EncodeToString(sum[:])
}

// HashObjectPath returns the cluster path of the metadata object for the
// given container key. It fails with ErrInvalidHash on a non-hex key.
func (b *Base) HashObjectPath(hsh string) (string, error) {
	shard, err := hashMod(hsh, b.cfg.NumberHashIDContainers)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("/v1/%s/.hash_%d/%s", b.cfg.OriginAccount, shard, hsh), nil
}

// CacheKey returns the metadata cache key for a hash object path.
func (b *Base) CacheKey(hashObjPath string) string {
	return b.cfg.OriginAccount + "/" + hashObjPath
}

// GetHashData returns the metadata record stored at hashObjPath, going
// through the shared cache. It returns nil when the record is absent; cache
// failures are indistinguishable from misses.
func (b *Base) GetHashData(ctx context.Context, hashObjPath string) *hashdata.HashData {
	key := b.CacheKey(hashObjPath)

	if entry, ok, err := b.cache.Get(ctx, key); err == nil && ok {
		if entry.Negative {
			return nil
		}

		if hd, err := hashdata.Parse(entry.Record); err == nil {
			return &hd
		}

		// unparsable cache content, fall through to the cluster
	}

	resp, err := b.store.Do(ctx, http.MethodGet, hashObjPath, nil, nil)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", hashObjPath).
			Msg("error fetching hash data from the cluster")

		return nil
	}

	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("path", hashObjPath).
				Msg("error reading hash data from the cluster")

			return nil
		}

		hd, err := hashdata.Parse(body)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("path", hashObjPath).
				Str("trans-id", resp.Header.Get("X-Trans-Id")).
				Msg("invalid hash data json")

			return nil
		}

		//nolint:errcheck
		b.cache.Set(ctx, key, metacache.Record(body), MetadataCacheTTL)

		return &hd
	}

	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		// cache the miss only briefly so a container created elsewhere
		// becomes visible without explicit invalidation
		//nolint:errcheck
		b.cache.Set(ctx, key, metacache.Negative(), NegativeCacheTTL)
	}

	return nil
}

// CacheHashData overwrites the cache entry for hashObjPath with the given
// serialized record. Called after a successful cluster write to give
// read-your-writes from this front end.
func (b *Base) CacheHashData(ctx context.Context, hashObjPath string, serialized []byte) {
	//nolint:errcheck
	b.cache.Set(ctx, b.CacheKey(hashObjPath), metacache.Record(serialized), MetadataCacheTTL)
}

// InvalidateHashData removes the cache entry for hashObjPath.
func (b *Base) InvalidateHashData(ctx context.Context, hashObjPath string) {
	//nolint:errcheck
	b.cache.Delete(ctx, b.CacheKey(hashObjPath))
}

// CDNURLs returns the outgoing URL set for a HEAD or GET request against the
// given container key. formatTag selects a per-listing-format section
// ("json", "xml" or empty).
func (b *Base) CDNURLs(hsh, requestType, formatTag string) (map[string]string, error) {
	method := strings.ToLower(requestType)

	sectionNames := make([]string, 0, 3)
	if formatTag != "" {
		sectionNames = append(sectionNames, "outgoing_url_format_"+method+"_"+formatTag)
	}

	sectionNames = append(sectionNames, "outgoing_url_format_"+method, "outgoing_url_format")

	var formats map[string]string

	for _, name := range sectionNames {
		if section, ok := b.cfg.FormatSections[name]; ok && len(section) > 0 {
			formats = section

			break
		}
	}

	if formats == nil {
		return nil, fmt.Errorf("%w: could not find a format for: %s, %s",
			ErrInvalidConfiguration, requestType, formatTag)
	}

	mod, err := hashMod(hsh, b.cfg.NumberDNSShards)
	if err != nil {
		return nil, err
	}

	urls := make(map[string]string, len(formats))
	for key, tmpl := range formats {
		urls[key] = renderTemplate(tmpl, hsh, mod)
	}

	if b.cfg.HMACSignedURLSecret == "" {
		return urls, nil
	}

	for key, rendered := range urls {
		u, err := url.Parse(rendered)
		if err != nil {
			return nil, fmt.Errorf("%w: unparsable rendered URL %q", ErrInvalidConfiguration, rendered)
		}

		urls[key] = fmt.Sprintf("%s://%s-%s", u.Scheme, b.signHost(u.Hostname()), u.Hostname())
	}

	return urls, nil
}

// signHost returns the signed-hostname token: the first HMACTokenLength hex
// characters of HMAC-SHA1(secret, host).
func (b *Base) signHost(host string) string {
	mac := hmac.New(sha1.New, []byte(b.cfg.HMACSignedURLSecret))
	mac.Write([]byte(host)) //nolint:errcheck

	token := hex.EncodeToString(mac.Sum(nil))
	if len(token) > b.cfg.HMACTokenLength {
		token = token[:b.cfg.HMACTokenLength]
	}

	return token
}

// hashMod interprets hsh as a hex number and returns it modulo n.
func hashMod(hsh string, n int) (int64, error) {
	if hsh == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidHash)
	}

	num, ok := new(big.Int).SetString(hsh, 16)
	if !ok || num.Sign() < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHash, hsh)
	}

	return new(big.Int).Mod(num, big.NewInt(int64(n))).Int64(), nil
}

type startTimeKey struct{}

// WithStartTime stamps the request start time into the context.
func WithStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, startTimeKey{}, t)
}

// StartTime returns the request start time stamped by WithStartTime.
func StartTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startTimeKey{}).(time.Time)

	return t, ok
}

// LogInfo writes one structured info line about an origin operation,
// including the elapsed time since the request started.
func LogInfo(ctx context.Context, msg, account, container, hsh string) {
	evt := zerolog.Ctx(ctx).Info().
		Str("account", account).
		Str("container", container).
		Str("hash", hsh)

	if start, ok := StartTime(ctx); ok {
		evt = evt.Dur("elapsed", time.Since(start))
	}

	evt.Msg(msg)
}
