package main

import (
	"flag"
	"log"

	"OrderWallet/internal/config"
	"OrderWallet/internal/db"
)

func main() {
	down := flag.Int("down", 0, "roll back this many migrations instead of applying")
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if cfg.UseMemoryStore() {
		log.Fatalf("db.dsn is %s; nothing to migrate", config.MemoryDSN)
	}

	if *down > 0 {
		if err := db.MigrateDown(cfg.DB.DSN, *down); err != nil {
			log.Fatalf("migrate down failed: %v", err)
		}
		log.Printf("rolled back %d migration(s)", *down)
		return
	}
	if err := db.Migrate(cfg.DB.DSN); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}
	log.Printf("migrations applied")
}
