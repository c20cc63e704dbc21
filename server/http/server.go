package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/castlink/castlink/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

const defaultShutdownDeadline = 10 * time.Second

var ErrUnexpected = errors.New("unexpected server error")

// RoomService exposes read-only room state for the REST API.
type RoomService interface {
	Rooms() []model.RoomSnapshot
	Room(roomID string) (model.RoomSnapshot, error)
	AvailableRoom() (roomID string, waitingViewers int, existing bool)
	Stats() (rooms, sessions, connections int)
}

type StatusResponse struct {
	Status      string  `json:"status"`
	Uptime      float64 `json:"uptime"`
	Rooms       int     `json:"rooms"`
	Connections int     `json:"connections"`
	Timestamp   string  `json:"timestamp"`
}

type RoomListResponse struct {
	Rooms []model.RoomSnapshot `json:"rooms"`
}

type AvailableRoomResponse struct {
	Success        bool   `json:"success"`
	RoomID         string `json:"roomId"`
	WaitingViewers int    `json:"waitingViewers"`
	Message        string `json:"message"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger    zerolog.Logger
	svc       RoomService
	startedAt time.Time
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	ListenAddr  string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:    cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:       cfg.RoomService,
		startedAt: time.Now(),
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/status", srv.status)
	r.HandleFunc("GET /api/rooms", srv.listRooms)
	r.HandleFunc("GET /api/rooms/{roomID}", srv.getRoom)
	r.HandleFunc("GET /api/available-room", srv.availableRoom)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) status(w http.ResponseWriter, _ *http.Request) {
	rooms, _, connections := srv.svc.Stats()
	srv.writeJSON(w, http.StatusOK, &StatusResponse{
		Status:      "running",
		Uptime:      time.Since(srv.startedAt).Seconds(),
		Rooms:       rooms,
		Connections: connections,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

func (srv *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := srv.svc.Rooms()
	srv.logger.Trace().Msgf("room state dump: %s", spew.Sdump(rooms))
	srv.writeJSON(w, http.StatusOK, &RoomListResponse{Rooms: rooms})
}

func (srv *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	snap, err := srv.svc.Room(roomID)
	if err != nil {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: "room not found"})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: snap})
}

// availableRoom is the broadcaster auto-start path: prefer a room where
// a viewer is already waiting, otherwise hand out a fresh room ID.
func (srv *Server) availableRoom(w http.ResponseWriter, _ *http.Request) {
	roomID, waiting, existing := srv.svc.AvailableRoom()
	msg := "no waiting viewers, new room id issued"
	if existing {
		msg = "room with waiting viewers found"
	}
	srv.writeJSON(w, http.StatusOK, &AvailableRoomResponse{
		Success:        true,
		RoomID:         roomID,
		WaitingViewers: waiting,
		Message:        msg,
	})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, code, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
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
