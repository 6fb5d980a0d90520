package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/mbryde/peerchat/internal/api"
	"github.com/mbryde/peerchat/pkg/logger"
	"github.com/mbryde/peerchat/pkg/server"
)

func main() {
	_ = godotenv.Load()

	log := logger.NewDefault()

	serverCtx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	config, err := api.LoadConfig()
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", config.SQLite.File))
	if err != nil {
		log.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	goose.SetBaseFS(os.DirFS(config.SQLite.Migrations))
	if err := goose.SetDialect("sqlite3"); err != nil {
		log.Error("set dialect", "error", err)
		os.Exit(1)
	}
	if err := goose.Up(db, "."); err != nil {
		log.Error("migrate up", "error", err)
		os.Exit(1)
	}

	relay := api.NewApi(serverCtx, db, config, log)

	r := chi.NewRouter()
	r.Mount("/", relay.Mux())

	srv := server.Server{
		Server: &http.Server{
			Handler: r,
			Addr:    fmt.Sprintf("%s:%d", config.Hostname, config.Port),
		},
		Logger: log,
	}

	srv.Start(serverCtx)
}
