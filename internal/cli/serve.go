package cli

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/pliu/chainchat/internal/auth"
	"github.com/pliu/chainchat/internal/handlers"
	"github.com/pliu/chainchat/internal/listener"
	"github.com/pliu/chainchat/internal/middleware"
	"github.com/pliu/chainchat/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the websocket hub and the background sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if cfg.Server.SessionSecret == "" {
				return errors.New("server.sessionSecret must be set to serve")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.serve(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "http listen address (overrides server.addr)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	hub := ws.NewHub(a.store)
	go hub.Run(ctx)

	if a.ledger != nil && a.cfg.Listener.Enabled {
		l := listener.New(a.ledger, listener.Options{
			DedupCapacity:    a.cfg.Listener.DedupCapacity,
			PruneInterval:    a.cfg.Listener.PruneInterval,
			ResubscribeDelay: a.cfg.Listener.ResubscribeDelay,
		})
		listener.NewHandlers(a.materializer, a.queue, hub).Register(l)
		go l.Run(ctx)
	}
	if a.cfg.Reconcile.Enabled {
		go a.reconciler.Start(ctx, a.cfg.Reconcile.Interval)
	}

	sessions := auth.NewSessions(a.cfg.Server.SessionSecret, a.cfg.Server.SessionTTL)
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.router(hub, sessions),
	}

	errCh := make(chan error, 1)
	go func() {
		jww.INFO.Println("Starting server on", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	jww.INFO.Println("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

func (a *app) router(hub *ws.Hub, sessions *auth.Sessions) *mux.Router {
	conversationHandler := &handlers.ConversationHandler{Store: a.store, Materializer: a.materializer, Notifier: hub}
	participantHandler := &handlers.ParticipantHandler{Store: a.store}
	adminHandler := &handlers.AdminHandler{Reconciler: a.reconciler, Checker: a.checker}
	wsServer := ws.NewServer(hub, a.store, a.materializer, sessions)

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware)

	r.HandleFunc("/participants/search", participantHandler.SearchParticipants).Methods("GET")
	r.HandleFunc("/participants/{address}", participantHandler.GetParticipant).Methods("GET")
	r.HandleFunc("/health", adminHandler.Health).Methods("GET")
	r.HandleFunc("/ws", wsServer.ServeWs)

	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware(sessions))
	api.HandleFunc("/me", participantHandler.Me).Methods("GET")
	api.HandleFunc("/conversations", conversationHandler.GetConversations).Methods("GET")
	api.HandleFunc("/conversations", conversationHandler.CreateConversation).Methods("POST")
	api.HandleFunc("/conversations/{id}/messages", conversationHandler.GetConversationMessages).Methods("GET")
	api.HandleFunc("/conversations/{id}/messages", conversationHandler.SendMessage).Methods("POST")
	api.HandleFunc("/conversations/{id}/members", conversationHandler.GetConversationMembers).Methods("GET")
	api.HandleFunc("/conversations/{id}/members", conversationHandler.AddMember).Methods("POST")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.AdminToken(a.cfg.Server.AdminToken))
	admin.HandleFunc("/reconcile", adminHandler.Reconcile).Methods("POST")

	if dir := a.cfg.Server.StaticDir; dir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(dir)))
	}
	return r
}
