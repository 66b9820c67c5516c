// Package status exposes the observability surface: JSON stats, the roster
// and catalog, the Prometheus scrape endpoint, and a websocket feed of
// system events for monitor UIs.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/lanmeet/backend/conference"
	"github.com/adwski/lanmeet/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	wsWriteDeadline = 5 * time.Second
	wsPingInterval  = 5 * time.Second
	wsPongWait      = 7 * time.Second
)

var ErrUnexpected = errors.New("unexpected status server error")

// Service is the read-only conference surface plus the event-feed tap.
type Service interface {
	Stats() conference.Stats
	Roster() []model.RosterEntry
	Files() []model.FileEntry
	Subscribe() (<-chan model.Event, func())
}

type Config struct {
	Logger     *zerolog.Logger
	Service    Service
	Metrics    http.Handler
	ListenAddr string
}

type Server struct {
	logger zerolog.Logger
	svc    Service
	ws     *websocket.Upgrader
	*http.Server
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "status-server").Logger(),
		svc:    cfg.Service,
		ws: &websocket.Upgrader{
			HandshakeTimeout: 3 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", srv.stats)
	mux.HandleFunc("/api/roster", srv.roster)
	mux.HandleFunc("/api/files", srv.files)
	mux.HandleFunc("/events", srv.events)
	mux.Handle("/metrics", cfg.Metrics)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, srv.svc.Stats(), &srv.logger)
}

func (srv *Server) roster(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, srv.svc.Roster(), &srv.logger)
}

func (srv *Server) files(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, srv.svc.Files(), &srv.logger)
}

func writeJSON(w http.ResponseWriter, v any, logger *zerolog.Logger) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(http.StatusOK)
	if _, err = w.Write(b); err != nil {
		logger.Error().Err(err).Msg("failed to write response")
	}
}

// events upgrades to a websocket and streams system events until the peer
// goes away or stops answering pings.
func (srv *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	feed, cancel := srv.svc.Subscribe()

	go srv.eventSender(conn, feed, cancel)
	go srv.eventReader(conn)
}

func (srv *Server) eventSender(conn *websocket.Conn, feed <-chan model.Event, cancel func()) {
	pingTicker := time.NewTicker(wsPingInterval)
	defer func() {
		pingTicker.Stop()
		cancel()
		_ = conn.Close()
	}()
SendLoop:
	for {
		select {
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				srv.logger.Debug().Err(err).Msg("event feed ping failed")
				break SendLoop
			}
		case ev, ok := <-feed:
			if !ok {
				break SendLoop
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteJSON(&ev); err != nil {
				srv.logger.Debug().Err(err).Msg("event feed write failed")
				break SendLoop
			}
		}
	}
}

// eventReader drains the peer so pongs and close frames are processed.
func (srv *Server) eventReader(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			_ = conn.Close()
			return
		}
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
