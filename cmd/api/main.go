package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"prjevent.org/internal/audit"
	"prjevent.org/internal/auth"
	"prjevent.org/internal/captcha"
	"prjevent.org/internal/config"
	"prjevent.org/internal/credential"
	"prjevent.org/internal/httpapi"
	"prjevent.org/internal/obs"
	"prjevent.org/internal/session"
	"prjevent.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// directory is what the service needs from its identity backend.
type directory interface {
	auth.IdentityLookup
	auth.GroupMembership
	auth.GroupAssigner
}

type pinger interface {
	Ping(ctx context.Context) error
}

type backend struct {
	dir   directory
	sink  audit.Sink
	db    *sql.DB
	close func() error
}

func main() {
	cfg, err := config.Load(os.Getenv("PRJEVENT_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.SetLevel(cfg.Log.Level)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, os.Stderr)
	if err != nil {
		log.Fatalf("backend: %v", err)
	}
	defer func() { _ = be.close() }()

	sessions, sessionProbe, closeSessions, err := openSessions(ctx, cfg)
	if err != nil {
		log.Fatalf("sessions: %v", err)
	}
	defer func() { _ = closeSessions() }()

	ring, err := loadKeys(cfg)
	if err != nil {
		log.Fatalf("keys: %v", err)
	}
	go reloadKeysOnHUP(ctx, cfg, ring)

	issuer, err := captcha.NewIssuer(sessions, captcha.WithLength(cfg.Session.ChallengeLength))
	if err != nil {
		log.Fatalf("captcha: %v", err)
	}
	authn, err := auth.NewAuthenticator(be.dir, sessions, ring, auth.WithChallengeIssuer(issuer))
	if err != nil {
		log.Fatalf("authenticator: %v", err)
	}
	guard, err := auth.NewGuard(sessions, be.dir, be.dir)
	if err != nil {
		log.Fatalf("guard: %v", err)
	}
	mode, err := audit.ParseMode(cfg.Audit.Mode)
	if err != nil {
		log.Fatalf("audit: %v", err)
	}
	recorder, err := audit.NewRecorder(be.sink,
		audit.WithMode(mode),
		audit.WithSessions(sessions),
		audit.WithTokenExtractor(httpapi.SessionTokenFunc(cfg.HTTP.CookieName)),
	)
	if err != nil {
		log.Fatalf("audit: %v", err)
	}

	trusted, err := httpapi.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	probe := httpapi.ReadyProbe{DB: be.db, Sessions: sessionProbe}
	api, err := httpapi.New(probe, version, httpapi.Services{
		Authenticator: authn,
		Guard:         guard,
		Recorder:      recorder,
		Assigner:      be.dir,
	},
		httpapi.WithCookie(cfg.HTTP.CookieName, cfg.HTTP.CookieSecure),
		httpapi.WithLoginRateLimit(cfg.RateLimit.LoginRPS, cfg.RateLimit.LoginBurst),
		httpapi.WithTrustedProxies(trusted),
	)
	if err != nil {
		log.Fatalf("http api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	var grpcSrv *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		httpapi.NewGRPCServer(probe).Register(grpcSrv)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	obs.Log(obs.LevelInfo, "starting", map[string]any{
		"version":   version,
		"http_addr": srv.Addr,
		"grpc_addr": cfg.GRPC.Addr,
	})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Log(obs.LevelInfo, "shutting_down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	obs.Log(obs.LevelInfo, "stopped", nil)
}

// openBackend connects PostgreSQL when a DSN is configured. Without one the
// service keeps identities in memory and provisions a bootstrap admin whose
// password is written to console only.
func openBackend(ctx context.Context, cfg *config.Config, console io.Writer) (*backend, error) {
	if cfg.Postgres.DSN != "" {
		store, err := pg.Open(cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		return &backend{
			dir:   store,
			sink:  audit.MultiSink{store, audit.LoggerSink{}},
			db:    store.DB(),
			close: store.Close,
		}, nil
	}

	dir := auth.NewDirectory()
	password, created, err := auth.BootstrapAdmin(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}
	if created {
		fmt.Fprintf(console, "bootstrap admin %s password: %s\n", auth.BootstrapAdminCode, password)
		obs.Log(obs.LevelWarn, "bootstrap_admin_created", map[string]any{
			"login_code": auth.BootstrapAdminCode,
			"note":       "in-memory directory; configure PRJEVENT_PG_DSN for persistence",
		})
	}
	return &backend{
		dir:   dir,
		sink:  audit.LoggerSink{},
		close: func() error { return nil },
	}, nil
}

// openSessions returns the session store, an optional readiness pinger and
// a closer.
func openSessions(ctx context.Context, cfg *config.Config) (session.Store, pinger, func() error, error) {
	opts := []session.Option{
		session.WithSessionTTL(cfg.Session.TTL),
		session.WithIdleTimeout(cfg.Session.IdleTimeout),
		session.WithChallengeTTL(cfg.Session.ChallengeTTL),
	}
	if cfg.Redis.Addr != "" {
		client, err := session.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := session.NewRedis(client, cfg.Redis.Prefix, opts...)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		return store, store, store.Close, nil
	}

	store := session.NewMemory(opts...)
	go store.Run(ctx, cfg.Session.SweepInterval)
	if err := obs.RegisterSessionGauge(func() float64 { return float64(store.Len()) }); err != nil {
		return nil, nil, nil, err
	}
	return store, nil, func() error { return nil }, nil
}

func loadKeys(cfg *config.Config) (*credential.KeyRing, error) {
	if cfg.Keys.PrivateKeyFile != "" {
		pair, err := credential.LoadKeyPairFiles(cfg.Keys.PrivateKeyFile, cfg.Keys.PublicKeyFile)
		if err != nil {
			return nil, err
		}
		return credential.NewKeyRing(pair)
	}
	pair, err := credential.GenerateKeyPair(credential.MinKeyBits)
	if err != nil {
		return nil, err
	}
	obs.Log(obs.LevelWarn, "ephemeral_keys", map[string]any{
		"note": "credential keys regenerate on restart; set PRJEVENT_PRIVATE_KEY_FILE",
	})
	return credential.NewKeyRing(pair)
}

// reloadKeysOnHUP swaps in the key files on SIGHUP. The previous key keeps
// decrypting until the next swap so in-flight clients are not cut off.
func reloadKeysOnHUP(ctx context.Context, cfg *config.Config, ring *credential.KeyRing) {
	if cfg.Keys.PrivateKeyFile == "" {
		return
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			pair, err := credential.LoadKeyPairFiles(cfg.Keys.PrivateKeyFile, cfg.Keys.PublicKeyFile)
			if err == nil {
				err = ring.Swap(pair)
			}
			if err != nil {
				obs.Log(obs.LevelError, "key_reload_failed", map[string]any{"error": err.Error()})
				continue
			}
			obs.Log(obs.LevelInfo, "keys_reloaded", nil)
		}
	}
}
