package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/ignite/dispatch-worker/internal/config"
	"github.com/ignite/dispatch-worker/internal/repository/postgres"
)

func main() {
	var (
		configPath string
		listOnly   bool
	)
	pflag.StringVarP(&configPath, "config", "c", "", "Path to YAML config file (optional)")
	pflag.BoolVar(&listOnly, "list", false, "List pending migrations without applying them")
	pflag.Parse()

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	if listOnly {
		pending, err := postgres.Pending(ctx, db)
		if err != nil {
			log.Fatalf("list: %v", err)
		}
		if len(pending) == 0 {
			fmt.Println("No pending migrations")
		}
		for _, v := range pending {
			fmt.Println(v)
		}
		return
	}

	applied, err := postgres.Migrate(ctx, db)
	if err != nil {
		log.Printf("Migration failed after %d applied: %v", len(applied), err)
		os.Exit(1)
	}
	log.Printf("Applied %d migration(s)", len(applied))
}
