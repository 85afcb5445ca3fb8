// anim5s coordination server
//
// Clients connect over a persistent WebSocket channel at /ws, each draws
// one frame of a shared 60-frame room, and the room seals into playback
// once every frame is committed. Rooms live as JSON files under the data
// directory with atomic writes, an index for random joins, and rolling
// incremental backups.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Nayuta-umeda/anim5s-server/internal/admin"
	"github.com/Nayuta-umeda/anim5s-server/internal/config"
	"github.com/Nayuta-umeda/anim5s-server/internal/metrics"
	"github.com/Nayuta-umeda/anim5s-server/internal/persist"
	"github.com/Nayuta-umeda/anim5s-server/internal/ratelimit"
	"github.com/Nayuta-umeda/anim5s-server/internal/store"
	"github.com/Nayuta-umeda/anim5s-server/internal/ws"
)

func main() {
	cfg := config.FromEnv()
	logrus.SetLevel(cfg.LogLevel)
	logrus.SetOutput(os.Stdout)

	logrus.WithFields(logrus.Fields{
		"event":          "startup",
		"port":           cfg.Port,
		"dataDir":        cfg.DataDir,
		"roomCacheMax":   cfg.RoomCacheMax,
		"roomCacheIdle":  cfg.RoomCacheIdle.String(),
		"reservationTtl": cfg.ReservationTTL.String(),
		"backupInterval": cfg.BackupInterval.String(),
		"backupKeep":     cfg.BackupKeep,
		"adminKeySet":    cfg.AdminKey != "",
	}).Info("starting anim5s server")

	dir := persist.New(cfg.DataDir)
	if err := dir.Bootstrap(); err != nil {
		logrus.WithError(err).Fatal("data directory bootstrap failed")
	}

	m := metrics.New()
	st, err := store.New(dir, store.Options{
		CacheMax:       cfg.RoomCacheMax,
		CacheIdle:      cfg.RoomCacheIdle,
		ReservationTTL: cfg.ReservationTTL,
		BackupInterval: cfg.BackupInterval,
		BackupKeep:     cfg.BackupKeep,
		Metrics:        m,
	})
	if err != nil {
		logrus.WithError(err).Fatal("store initialization failed")
	}
	st.Start()

	limiter := ratelimit.NewLimiter()
	ipLimiter := ratelimit.NewIPLimiter(10, 20) // 10 upgrades/s, burst 20
	hub := ws.NewHub()

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewHandler(st, hub, limiter, ipLimiter, m))
	admin.NewHandler(st, m, hub, cfg.AdminKey).Routes(mux)
	mux.HandleFunc("/", refuseStrayUpgrades)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.WithField("event", "shutdown").Info("shutting down")
		st.Stop()
		limiter.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	logrus.WithFields(logrus.Fields{"event": "listening", "addr": server.Addr}).Info("server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Fatal("server error")
	}
}

// refuseStrayUpgrades closes the transport of upgrade attempts outside
// /ws instead of answering HTTP; plain requests get the usual 404.
func refuseStrayUpgrades(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
	}
	http.NotFound(w, r)
}
