package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"accessdesk.org/internal/audit"
	"accessdesk.org/internal/config"
	"accessdesk.org/internal/httpapi"
	"accessdesk.org/internal/items"
	"accessdesk.org/internal/migrate"
	"accessdesk.org/internal/oauth"
	"accessdesk.org/internal/obs"
	"accessdesk.org/internal/pam"
	"accessdesk.org/internal/platforms"
	"accessdesk.org/internal/plugin"
	"accessdesk.org/internal/provisioning"
	"accessdesk.org/internal/requests"
	"accessdesk.org/internal/store"
	"accessdesk.org/internal/store/memory"
	"accessdesk.org/internal/store/pg"
	"accessdesk.org/internal/stream"
	"accessdesk.org/internal/vault"
	"accessdesk.org/ops/migrations"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	probe := httpapi.ReadyProbe{}

	var st store.Store
	if cfg.DatabaseURL != "" {
		pgStore, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		if cfg.AutoMigrate {
			migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
			err := migrate.NewManager(pgStore.DB(), migrations.SQL(), migrations.Seeds()).Up(migrateCtx)
			cancel()
			if err != nil {
				log.Fatalf("migrate: %v", err)
			}
		}
		probe.DB = pgStore.DB()
		st = pgStore
	} else {
		obs.Warn("DATABASE_URL not set; using in-memory store", nil)
		st = memory.New()
	}

	if cfg.EphemeralVaultKey {
		obs.Warn("VAULT_MASTER_KEY not set; sealed secrets will not survive a restart", nil)
	}
	sealer, err := vault.NewEnvelope(cfg.VaultKeyID, cfg.VaultMasterKey)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}

	hub := stream.New()
	sinks := []audit.Sink{audit.LogSink{}, audit.StoreSink{Store: st.Audit()}, audit.StreamSink{Stream: hub}}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		probe.Redis = rdb
		sinks = append(sinks, audit.RedisSink{Client: rdb, Stream: cfg.RedisAuditStream})
	}
	em := audit.NewEmitter(sinks...)

	reg := plugin.NewRegistry()
	if err := platforms.RegisterAll(reg, platforms.Options{Env: cfg.Env}); err != nil {
		log.Fatalf("register platforms: %v", err)
	}

	states, err := oauth.NewStateSigner(cfg.OAuthStateSecret, cfg.OAuthStateTTL)
	if err != nil {
		log.Fatalf("oauth state: %v", err)
	}
	oauthSvc := oauth.NewService(oauth.Config{
		Registry:      reg,
		Connections:   st.Connections(),
		Sealer:        sealer,
		States:        states,
		Audit:         em,
		PublicBaseURL: cfg.PublicBaseURL,
		CallTimeout:   cfg.ExternalCallTimeout,
	})
	prov := provisioning.NewService(reg, oauthSvc, st.Requests(), em, cfg.ExternalCallTimeout)

	api := httpapi.New(httpapi.Deps{
		Registry: reg,
		Admin:    items.NewService(st, reg, sealer, em),
		Requests: requests.NewService(requests.Config{
			Store:        st,
			Registry:     reg,
			Sealer:       sealer,
			Audit:        em,
			Verifier:     prov,
			AgencyDomain: cfg.AgencyDomain,
		}),
		PAM:            pam.NewService(st, sealer, em),
		OAuth:          oauthSvc,
		Provisioning:   prov,
		Audit:          st.Audit(),
		Stream:         hub,
		Ready:          probe,
		Version:        version,
		AllowedOrigins: cfg.AllowedOrigins,
		RateBurst:      cfg.RateLimitBurst,
		RatePerSecond:  cfg.RateLimitPerSecond,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE subscribers hold the connection open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	health := httpapi.NewGRPCServer(probe, version)
	health.Register(grpcSrv)
	go health.Watch(ctx, 10*time.Second)

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		obs.Info("grpc listening", map[string]any{"addr": cfg.GRPCAddr})
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	go func() {
		obs.Info("http listening", map[string]any{"addr": srv.Addr, "version": version, "platforms": reg.Keys()})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	obs.Info("stopped", nil)
}
