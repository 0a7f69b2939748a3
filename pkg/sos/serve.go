package sos

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/swiftorigin/sos/pkg/helper"
	"github.com/swiftorigin/sos/pkg/maxprocs"
	"github.com/swiftorigin/sos/pkg/metacache"
	"github.com/swiftorigin/sos/pkg/origin"
	"github.com/swiftorigin/sos/pkg/prometheus"
	"github.com/swiftorigin/sos/pkg/server"
	"github.com/swiftorigin/sos/pkg/store"
	"github.com/swiftorigin/sos/pkg/telemetry"
)

var (
	// ErrRedisAddrsRequired is returned when the Redis cache backend is
	// selected but no addresses are provided.
	ErrRedisAddrsRequired = errors.New("--cache-backend=redis requires --cache-redis-addrs to be set")

	// ErrUnknownCacheBackend is returned when an unknown cache backend is specified.
	ErrUnknownCacheBackend = errors.New("unknown cache backend")
)

const (
	cacheBackendMemory = "memory"
	cacheBackendRedis  = "redis"
)

//nolint:maintidx
func serveCommand(flagSources flagSourcesFn, registerShutdown registerShutdownFn) *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "serve the origin db, edge and admin surfaces over http",
		Action:  serveAction(registerShutdown),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-addr",
				Usage:   "The address of the server",
				Sources: flagSources("server.addr", "SERVER_ADDR"),
				Value:   ":8080",
			},
			&cli.StringFlag{
				Name:     "cluster-url",
				Usage:    "The URL of the backing object-storage cluster, with scheme",
				Sources:  flagSources("cluster.url", "CLUSTER_URL"),
				Required: true,
				Validator: func(clusterURL string) error {
					_, err := url.Parse(clusterURL)

					return err
				},
			},
			&cli.StringFlag{
				Name:    "cluster-auth-url",
				Usage:   "The v1.0 auth endpoint of the cluster; omit to use --cluster-auth-token instead",
				Sources: flagSources("cluster.auth.url", "CLUSTER_AUTH_URL"),
			},
			&cli.StringFlag{
				Name:    "cluster-auth-user",
				Usage:   "The administrative user for the cluster auth endpoint",
				Sources: flagSources("cluster.auth.user", "CLUSTER_AUTH_USER"),
			},
			&cli.StringFlag{
				Name:    "cluster-auth-key",
				Usage:   "The key for the cluster auth endpoint",
				Sources: flagSources("cluster.auth.key", "CLUSTER_AUTH_KEY"),
			},
			&cli.StringFlag{
				Name:    "cluster-auth-token",
				Usage:   "A static pre-issued cluster token; ignored when --cluster-auth-url is set",
				Sources: flagSources("cluster.auth.token", "CLUSTER_AUTH_TOKEN"),
			},
			&cli.DurationFlag{
				Name:    "cluster-dialer-timeout",
				Usage:   "The dial timeout for cluster sub-requests",
				Sources: flagSources("cluster.dialer-timeout", "CLUSTER_DIALER_TIMEOUT"),
				Value:   3 * time.Second,
			},
			&cli.DurationFlag{
				Name:    "cluster-response-header-timeout",
				Usage:   "The response header timeout for cluster sub-requests",
				Sources: flagSources("cluster.response-header-timeout", "CLUSTER_RESPONSE_HEADER_TIMEOUT"),
				Value:   3 * time.Second,
			},
			&cli.StringFlag{
				Name:     "hash-path-suffix",
				Usage:    "The deployment-wide secret folded into every container key",
				Sources:  flagSources("origin.hash-path-suffix", "HASH_PATH_SUFFIX"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "origin-account",
				Usage:   "The administrative account holding the hash containers",
				Sources: flagSources("origin.account", "ORIGIN_ACCOUNT"),
				Value:   origin.DefaultOriginAccount,
			},
			&cli.IntFlag{
				Name:    "number-hash-id-containers",
				Usage:   "The number of hash containers metadata records are sharded into",
				Sources: flagSources("origin.number-hash-id-containers", "NUMBER_HASH_ID_CONTAINERS"),
				Value:   origin.DefaultNumberHashIDContainers,
			},
			&cli.IntFlag{
				Name:    "number-dns-shards",
				Usage:   "The modulus for the {hash_mod} template variable in outgoing URLs",
				Sources: flagSources("origin.number-dns-shards", "NUMBER_DNS_SHARDS"),
				Value:   origin.DefaultNumberDNSShards,
			},
			&cli.StringFlag{
				Name:    "hmac-signed-url-secret",
				Usage:   "Enable signed CDN hosts by providing the HMAC secret; omit to disable signing",
				Sources: flagSources("origin.hmac.signed-url-secret", "HMAC_SIGNED_URL_SECRET"),
			},
			&cli.IntFlag{
				Name:    "hmac-token-length",
				Usage:   "The number of hex characters kept from the HMAC signature",
				Sources: flagSources("origin.hmac.token-length", "HMAC_TOKEN_LENGTH"),
				Value:   origin.DefaultHMACTokenLength,
			},
			&cli.StringSliceFlag{
				Name:    "origin-db-hosts",
				Usage:   "The hostnames serving the metadata db surface",
				Sources: flagSources("origin.db-hosts", "ORIGIN_DB_HOSTS"),
			},
			&cli.StringSliceFlag{
				Name:     "origin-cdn-host-suffixes",
				Usage:    "The host suffixes serving the edge surface",
				Sources:  flagSources("origin.cdn-host-suffixes", "ORIGIN_CDN_HOST_SUFFIXES"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "origin-prefix",
				Usage:   "The path prefix of the admin surface",
				Sources: flagSources("origin.prefix", "ORIGIN_PREFIX"),
				Value:   origin.DefaultOriginPrefix,
			},
			&cli.IntFlag{
				Name:    "min-ttl",
				Usage:   "The lowest X-TTL, in seconds, a container may set",
				Sources: flagSources("origin.min-ttl", "MIN_TTL"),
				Value:   origin.DefaultMinTTL,
			},
			&cli.IntFlag{
				Name:    "max-ttl",
				Usage:   "The highest X-TTL, in seconds, a container may set",
				Sources: flagSources("origin.max-ttl", "MAX_TTL"),
				Value:   origin.DefaultMaxTTL,
			},
			&cli.IntFlag{
				Name:    "default-ttl",
				Usage:   "The X-TTL, in seconds, assumed when a container sets none",
				Sources: flagSources("origin.default-ttl", "DEFAULT_TTL"),
				Value:   origin.DefaultTTL,
			},
			&cli.BoolFlag{
				Name:    "delete-enabled",
				Usage:   "Whether to allow the DELETE verb on the metadata db surface",
				Sources: flagSources("origin.delete-enabled", "DELETE_ENABLED"),
				Value:   true,
			},
			&cli.StringFlag{
				Name:    "max-cdn-file-size",
				Usage:   "The largest object the edge surface will stream, e.g. 500M or 10G",
				Sources: flagSources("origin.max-cdn-file-size", "MAX_CDN_FILE_SIZE"),
				Value:   "10G",
				Validator: func(size string) error {
					_, err := helper.ParseSize(size)

					return err
				},
			},
			&cli.StringSliceFlag{
				Name:    "allowed-origin-remote-ips",
				Usage:   "Restrict the edge surface to these client IPs; omit to allow all",
				Sources: flagSources("origin.allowed-remote-ips", "ALLOWED_ORIGIN_REMOTE_IPS"),
			},
			&cli.StringFlag{
				Name:    "origin-admin-key",
				Usage:   "Enable the admin surface by providing its key; omit to disable it",
				Sources: flagSources("origin.admin-key", "ORIGIN_ADMIN_KEY"),
			},
			&cli.BoolFlag{
				Name:    "log-access-requests",
				Usage:   "Whether to log every request served",
				Sources: flagSources("origin.log-access-requests", "LOG_ACCESS_REQUESTS"),
				Value:   true,
			},
			&cli.StringFlag{
				Name:     "url-rules",
				Usage:    "Path to the YAML file holding the incoming URL patterns and outgoing URL formats",
				Sources:  flagSources("origin.url-rules", "URL_RULES"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "cache-backend",
				Usage:   "The metadata cache backend, either memory or redis",
				Sources: flagSources("cache.backend", "CACHE_BACKEND"),
				Value:   cacheBackendMemory,
				Validator: func(backend string) error {
					if backend != cacheBackendMemory && backend != cacheBackendRedis {
						return fmt.Errorf("%w: %q", ErrUnknownCacheBackend, backend)
					}

					return nil
				},
			},
			&cli.StringSliceFlag{
				Name:    "cache-redis-addrs",
				Usage:   "The Redis addresses for the redis cache backend",
				Sources: flagSources("cache.redis.addrs", "CACHE_REDIS_ADDRS"),
			},
			&cli.StringFlag{
				Name:    "cache-redis-username",
				Usage:   "The Redis username",
				Sources: flagSources("cache.redis.username", "CACHE_REDIS_USERNAME"),
			},
			&cli.StringFlag{
				Name:    "cache-redis-password",
				Usage:   "The Redis password",
				Sources: flagSources("cache.redis.password", "CACHE_REDIS_PASSWORD"),
			},
			&cli.IntFlag{
				Name:    "cache-redis-db",
				Usage:   "The Redis database number",
				Sources: flagSources("cache.redis.db", "CACHE_REDIS_DB"),
			},
			&cli.BoolFlag{
				Name:    "cache-redis-use-tls",
				Usage:   "Whether to connect to Redis over TLS",
				Sources: flagSources("cache.redis.use-tls", "CACHE_REDIS_USE_TLS"),
			},
			&cli.IntFlag{
				Name:    "cache-redis-pool-size",
				Usage:   "The Redis connection pool size",
				Sources: flagSources("cache.redis.pool-size", "CACHE_REDIS_POOL_SIZE"),
			},
			&cli.StringFlag{
				Name:    "cache-redis-key-prefix",
				Usage:   "The prefix for every Redis key",
				Sources: flagSources("cache.redis.key-prefix", "CACHE_REDIS_KEY_PREFIX"),
				Value:   "sos:",
			},
			&cli.StringFlag{
				Name:    "proxy-pass-url",
				Usage:   "Proxy requests matching no origin surface to this URL; omit to answer them with 404",
				Sources: flagSources("origin.proxy-pass-url", "PROXY_PASS_URL"),
				Validator: func(proxyURL string) error {
					_, err := url.Parse(proxyURL)

					return err
				},
			},
		},
	}
}

func serveAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()

		ctx = logger.WithContext(ctx)

		ctx, cancel := context.WithCancel(ctx)

		g, ctx := errgroup.WithContext(ctx)

		defer func() {
			if err := g.Wait(); err != nil {
				logger.Error().Err(err).Msg("error returned from g.Wait()")
			}
		}()

		// NOTE: Reminder that defer statements run last to first so the first
		// thing that happens here is the context is canceled which triggers the
		// errgroup 'g' to start exiting.
		defer cancel()

		g.Go(func() error {
			return maxprocs.AutoMaxProcs(ctx, 30*time.Second, logger)
		})

		otelResource, err := telemetry.NewResource(ctx, cmd.Root().Name, Version)
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error creating a new otel resource")

			return err
		}

		otelShutdown, err := setupOTelSDK(
			ctx,
			cmd.Root().Bool("otel-enabled"),
			cmd.Root().String("otel-grpc-url"),
			otelResource,
		)
		if err != nil {
			return err
		}

		registerShutdown("open telemetry", otelShutdown)

		var serverOpts []server.Option

		if cmd.Root().Bool("prometheus-enabled") {
			gatherer, shutdown, err := prometheus.SetupPrometheusMetrics(otelResource)
			if err != nil {
				return fmt.Errorf("error setting up Prometheus metrics: %w", err)
			}

			registerShutdown("prometheus", shutdown)

			serverOpts = append(serverOpts, server.WithPrometheusGatherer(gatherer))

			logger.
				Info().
				Msg("Prometheus metrics enabled at /metrics")
		}

		client, err := store.New(store.Config{
			URL:                   cmd.String("cluster-url"),
			AuthURL:               cmd.String("cluster-auth-url"),
			AuthUser:              cmd.String("cluster-auth-user"),
			AuthKey:               cmd.String("cluster-auth-key"),
			AuthToken:             cmd.String("cluster-auth-token"),
			DialerTimeout:         cmd.Duration("cluster-dialer-timeout"),
			ResponseHeaderTimeout: cmd.Duration("cluster-response-header-timeout"),
		})
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error creating the cluster client")

			return err
		}

		cache, err := createMetaCache(cmd, registerShutdown)
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error creating the metadata cache")

			return err
		}

		incomingRules, formatSections, err := loadURLRules(cmd.String("url-rules"))
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error loading the URL rules")

			return err
		}

		maxCDNFileSize, err := helper.ParseSize(cmd.String("max-cdn-file-size"))
		if err != nil {
			return fmt.Errorf("error parsing the max-cdn-file-size: %w", err)
		}

		base, err := origin.New(origin.Config{
			HashPathSuffix:         cmd.String("hash-path-suffix"),
			OriginAccount:          cmd.String("origin-account"),
			NumberHashIDContainers: cmd.Int("number-hash-id-containers"),
			NumberDNSShards:        cmd.Int("number-dns-shards"),
			HMACSignedURLSecret:    cmd.String("hmac-signed-url-secret"),
			HMACTokenLength:        cmd.Int("hmac-token-length"),
			OriginDBHosts:          cmd.StringSlice("origin-db-hosts"),
			OriginCDNHostSuffixes:  cmd.StringSlice("origin-cdn-host-suffixes"),
			OriginPrefix:           cmd.String("origin-prefix"),
			MinTTL:                 int64(cmd.Int("min-ttl")),
			MaxTTL:                 int64(cmd.Int("max-ttl")),
			DefaultTTL:             int64(cmd.Int("default-ttl")),
			DeleteEnabled:          cmd.Bool("delete-enabled"),
			MaxCDNFileSize:         int64(maxCDNFileSize),
			AllowedOriginRemoteIPs: cmd.StringSlice("allowed-origin-remote-ips"),
			OriginAdminKey:         cmd.String("origin-admin-key"),
			LogAccessRequests:      cmd.Bool("log-access-requests"),
			IncomingURLRegex:       incomingRules,
			FormatSections:         formatSections,
		}, client, cache)
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error creating the origin")

			return err
		}

		if proxyURL := cmd.String("proxy-pass-url"); proxyURL != "" {
			u, err := url.Parse(proxyURL)
			if err != nil {
				return fmt.Errorf("error parsing the proxy-pass-url: %w", err)
			}

			serverOpts = append(serverOpts, server.WithNextHandler(httputil.NewSingleHostReverseProxy(u)))
		}

		srv, err := server.New(base, serverOpts...)
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error creating the server")

			return err
		}

		httpServer := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cmd.String("server-addr"),
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}

		logger.Info().
			Str("server_addr", cmd.String("server-addr")).
			Msg("Server started")

		if err := httpServer.ListenAndServe(); err != nil {
			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		return nil
	}
}

func createMetaCache(cmd *cli.Command, registerShutdown registerShutdownFn) (metacache.Cache, error) {
	switch backend := cmd.String("cache-backend"); backend {
	case cacheBackendMemory:
		return metacache.NewMemory(), nil
	case cacheBackendRedis:
		addrs := cmd.StringSlice("cache-redis-addrs")
		if len(addrs) == 0 {
			return nil, ErrRedisAddrsRequired
		}

		rc, err := metacache.NewRedis(metacache.RedisConfig{
			Addrs:     addrs,
			Username:  cmd.String("cache-redis-username"),
			Password:  cmd.String("cache-redis-password"),
			DB:        cmd.Int("cache-redis-db"),
			UseTLS:    cmd.Bool("cache-redis-use-tls"),
			PoolSize:  cmd.Int("cache-redis-pool-size"),
			KeyPrefix: cmd.String("cache-redis-key-prefix"),
		})
		if err != nil {
			return nil, err
		}

		registerShutdown("redis metadata cache", func(context.Context) error {
			return rc.Close()
		})

		return rc, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCacheBackend, backend)
	}
}
