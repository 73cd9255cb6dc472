package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/goal-eng/api-mutator/internal/abuse"
	"github.com/goal-eng/api-mutator/internal/config"
	"github.com/goal-eng/api-mutator/internal/feed"
	"github.com/goal-eng/api-mutator/internal/mixer"
	"github.com/goal-eng/api-mutator/internal/proxy"
	"github.com/goal-eng/api-mutator/internal/server"
	"github.com/goal-eng/api-mutator/internal/store"
	"github.com/goal-eng/api-mutator/internal/swagger"
	"github.com/goal-eng/api-mutator/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		hclog.Default().Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "apimutator",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	canonical, err := swagger.LoadFile(cfg.SwaggerFile)
	if err != nil {
		log.Error("failed to load swagger document", "path", cfg.SwaggerFile, "error", err)
		os.Exit(1)
	}

	up := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.AppToken, cfg.Upstream.AuthToken,
		log.Named("upstream"))
	lockout := abuse.New(st, cfg.Proxy.MaxFailedBeforeBlock, log.Named("abuse"))

	pipeline := mixer.NewPipeline(mixer.Options{
		PermuteMethods: cfg.Proxy.PermuteMethods,
		PermuteFormats: cfg.Proxy.PermuteFormats,
	}, log.Named("mixer"))

	mixers, err := mixer.NewCache(cfg.Proxy.MixerCacheSize, func(userID int64) (*mixer.Mixer, error) {
		user, err := st.UserByID(userID)
		if err != nil {
			return nil, err
		}
		record, err := up.FindUserByEmail(context.Background(), user.Email)
		if err != nil {
			return nil, err
		}
		return mixer.Build(canonical, userID, pipeline, &mixer.Meta{User: user, UserData: record})
	})
	if err != nil {
		log.Error("failed to create mixer cache", "error", err)
		os.Exit(1)
	}

	hub := feed.NewHub(log.Named("feed"))
	go hub.Run()

	handler := proxy.New(st, lockout, up, mixers, hub, cfg.Proxy.SupportEmail, log.Named("proxy"))
	srv := server.New(cfg, st, handler, hub, log.Named("server"))

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Error("shutdown failed", "error", err)
	}
	hub.Stop()
}
