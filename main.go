package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"videochat/internal/api"
	"videochat/internal/auth"
	"videochat/internal/chat"
	"videochat/internal/config"
	"videochat/internal/ingest"
	"videochat/internal/redis"
	"videochat/internal/service/ai"
	"videochat/internal/service/gemini"
	"videochat/internal/session"
	"videochat/internal/storage"
	"videochat/internal/worker"
)

const outboundTimeout = 10 * time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg, err := config.Load(os.Getenv("VIDEOCHAT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Proxy.ExportEnv()
	httpClient, err := cfg.Proxy.HTTPClient(outboundTimeout)
	if err != nil {
		log.Fatalf("build http client: %v", err)
	}

	store := session.NewRegistry()

	geminiClient, err := gemini.NewClient(ctx, cfg, httpClient)
	if err != nil {
		log.Fatalf("init gemini client: %v", err)
	}
	capabilities := ai.NewCapabilities(ai.ToolsOptions{
		HTTPClient:           httpClient,
		GoogleAPIKey:         cfg.Tools.GoogleSearchAPIKey,
		GoogleSearchEngineID: cfg.Tools.GoogleSearchEngineID,
		WeatherBaseURL:       cfg.Tools.WeatherBaseURL,
		Handles:              store,
		Grounded:             geminiClient,
	})
	aiService, err := ai.NewService(ctx, cfg, geminiClient, geminiClient.Raw())
	if err != nil {
		log.Fatalf("init ai service: %v", err)
	}

	clk := clockwork.NewRealClock()
	pipeline, err := ingest.NewPipeline(geminiClient, store, ingest.Config{
		PollInterval: cfg.BasicConfig.PollInterval.Std(),
		MaxWait:      cfg.BasicConfig.MaxWait.Std(),
		UploadDir:    cfg.BasicConfig.UploadDir,
		Clock:        clk,
	})
	if err != nil {
		log.Fatalf("init ingestion pipeline: %v", err)
	}
	ingest.NewSweeper(cfg.BasicConfig.UploadDir, cfg.BasicConfig.TempFileTTL.Std(), clk).
		Start(ctx, cfg.BasicConfig.TempCleanInterval.Std())

	var mirror *session.Mirror
	if cfg.Redis.Enabled() {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
		mirror = session.NewMirror(rdb, cfg.Redis.TTL.Std())
		defer mirror.Close()
		store.AddObserver(mirror)
		store.SetLoader(mirror)
		// another instance changed the session: drop ours, reload on next access
		err = mirror.Subscribe(ctx, func(ev session.Event) {
			store.Evict(ev.SessionID)
		})
		if err != nil {
			log.Fatalf("subscribe session events: %v", err)
		}
	}

	if dbType := cfg.BasicConfig.Database; dbType != "" {
		log.Printf("dbType: %s", dbType)
		db, err := storage.Open(dbType, cfg)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		defer db.Close()
		if err := storage.Migrate(db, dbType); err != nil {
			log.Fatalf("migrate database: %v", err)
		}
		archive := storage.NewArchive(db, 0)
		defer archive.Close()
		store.AddObserver(archive)
	}

	dispatcher := worker.NewDispatcher(worker.Config{
		MinWorkers: cfg.BasicConfig.MinWorkers,
		MaxWorkers: cfg.BasicConfig.MaxWorkers,
		QueueSize:  cfg.BasicConfig.QueueSize,
	})
	defer dispatcher.Stop()

	opts := api.Options{
		Store:          store,
		Ingester:       pipeline,
		Chat:           chat.NewService(store, aiService, capabilities, dispatcher),
		Sessions:       auth.NewSessions(store, 0),
		Jobs:           dispatcher,
		MaxUploadBytes: cfg.BasicConfig.MaxUploadBytes,
	}
	if mirror != nil {
		opts.Mirror = mirror
	}
	handlers := api.NewHandler(opts)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("videochat listening on %s", srv.Addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
