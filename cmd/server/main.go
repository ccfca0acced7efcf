package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/xtrntr/lending/internal/api"
	"github.com/xtrntr/lending/internal/auth"
	"github.com/xtrntr/lending/internal/config"
	"github.com/xtrntr/lending/internal/db"
	"github.com/xtrntr/lending/internal/ledger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// feed pushes ledger events to connected websocket clients. It
// implements ledger.Emitter; Emit never blocks on a slow client
// longer than a single write.
type feed struct {
	log       *slog.Logger
	clientsMu sync.RWMutex
	clients   map[*wsClient]bool
}

func newFeed(log *slog.Logger) *feed {
	return &feed{log: log, clients: make(map[*wsClient]bool)}
}

func (f *feed) Emit(ev ledger.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		f.log.Error("marshal event", "type", ev.Type, "err", err)
		return
	}

	var dead []*wsClient
	f.clientsMu.RLock()
	for client := range f.clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			dead = append(dead, client)
		}
	}
	f.clientsMu.RUnlock()

	if len(dead) > 0 {
		f.clientsMu.Lock()
		for _, client := range dead {
			delete(f.clients, client)
			client.conn.Close()
		}
		f.clientsMu.Unlock()
	}
}

func (f *feed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Error("websocket upgrade", "err", err)
		return
	}

	client := &wsClient{conn: conn}
	f.clientsMu.Lock()
	f.clients[client] = true
	f.clientsMu.Unlock()

	// Drain reads to notice disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.clientsMu.Lock()
			delete(f.clients, client)
			f.clientsMu.Unlock()
			conn.Close()
			return
		}
	}
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("connect to database", "err", err)
		os.Exit(1)
	}
	defer database.Close(ctx)

	eventFeed := newFeed(log)

	engine := ledger.NewEngine(database)
	engine.SetEmitter(eventFeed)
	if cfg.BorrowEvents {
		engine.EnableBorrowEvents()
	}

	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.AdminPrincipals)
	handler := api.NewHandler(engine, authService, log)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Get("/ws", eventFeed.handleWebSocket)
	r.Mount("/", api.NewRouter(handler))

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown", "err", err)
		}
	}()

	log.Info("starting server", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", "err", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
