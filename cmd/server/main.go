package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/tetherhq/tether/internal/logging"
	"github.com/tetherhq/tether/internal/registry"
	"github.com/tetherhq/tether/internal/server"
	"github.com/tetherhq/tether/internal/signaling"
)

func main() {
	logging.Init()

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	reg := registry.New()
	hub := signaling.NewHub(reg)
	go hub.Run()

	router := server.NewRouter(hub)

	slog.Info("signaling server listening", "addr", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}
