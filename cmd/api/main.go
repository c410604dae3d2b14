package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notedesk.org/internal/auth"
	"notedesk.org/internal/directory"
	"notedesk.org/internal/httpapi"
	"notedesk.org/internal/moderation"
	"notedesk.org/internal/obs"
	"notedesk.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Выбор хранилища: PostgreSQL при заданном DSN, иначе память.
	var (
		store   directory.Store
		probe   httpapi.ReadyProbe
		cleanup func()
	)
	if dsn := os.Getenv("NOTEDESK_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
		cleanup = func() { _ = pgStore.Close() }
	} else {
		log.Println("NOTEDESK_PG_DSN is empty, using in-memory directory")
		store = directory.NewMemory()
		cleanup = func() {}
	}

	if err := store.SeedInstitutions(ctx, defaultInstitutions()); err != nil {
		log.Fatalf("seed institutions: %v", err)
	}
	if err := bootstrapSuperadmin(ctx, store); err != nil {
		log.Fatalf("bootstrap superadmin: %v", err)
	}

	mod, err := moderation.NewService(store, nil)
	if err != nil {
		log.Fatalf("moderation service: %v", err)
	}
	// Фоновое обновление кэша хэндлов из live-запроса к справочнику.
	go mod.Handles().Run(ctx, store)

	api := httpapi.New(probe, version, store, mod)

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// WriteTimeout не задан: SSE-потоки живут дольше любого лимита.
	}

	log.Printf("Starting notedesk-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	cleanup()
	log.Println("Stopped")
}

func defaultInstitutions() []directory.Institution {
	return []directory.Institution{
		{ID: "inst-alpha", Name: "Alpha University"},
		{ID: "inst-beta", Name: "Beta College"},
		{ID: "inst-gamma", Name: "Gamma Institute"},
	}
}

// bootstrapSuperadmin creates the first superadmin from the environment so a
// fresh deployment has someone able to assign moderators.
func bootstrapSuperadmin(ctx context.Context, store directory.Store) error {
	handle := os.Getenv("NOTEDESK_BOOTSTRAP_HANDLE")
	password := os.Getenv("NOTEDESK_BOOTSTRAP_PASSWORD")
	if handle == "" || password == "" {
		return nil
	}

	if acct, err := store.FindAccountByHandle(ctx, handle); err == nil {
		if acct.Role != directory.RoleSuperadmin {
			acct.Role = directory.RoleSuperadmin
			_, err = store.PutAccount(ctx, acct)
			return err
		}
		return nil
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = store.PutAccount(ctx, directory.Account{
		Handle:       handle,
		Role:         directory.RoleSuperadmin,
		PasswordHash: hash,
	})
	return err
}
