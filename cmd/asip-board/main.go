// cmd/asip-board/main.go
package main

import (
	"log"
	"net/http"
	"os"

	"github.com/asip-collective/asip/internal/board"
)

func main() {
	addr := envOr("BOARD_ADDR", "127.0.0.1:9050")
	dbPath := envOr("BOARD_DB", "./board.db")

	store, err := board.NewStore(dbPath)
	if err != nil {
		log.Fatalf("[BOARD] open %s: %v", dbPath, err)
	}
	defer store.Close()

	log.Printf("[BOARD] listening on %s (db %s)", addr, dbPath)
	if err := http.ListenAndServe(addr, board.NewServer(store)); err != nil {
		log.Fatalf("[BOARD] server: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
