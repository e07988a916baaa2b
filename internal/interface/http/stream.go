package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// ChangeMessage is pushed to websocket clients. A "changed" message carries
// no payload; clients re-read the collections they show.
type ChangeMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Seq      uint64 `json:"seq"`
}

// subscriber is the part of the core the stream needs.
type subscriber interface {
	Subscribe(fn func()) (unsubscribe func())
}

// stream fans bus notifications out to websocket clients.
type stream struct {
	core     subscriber
	buffer   int
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]context.CancelFunc
}

func newStream(core subscriber, buffer int, log *slog.Logger) *stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &stream{
		core:   core,
		buffer: buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  log.With(slog.String("stream", "changes")),
		clients: make(map[string]context.CancelFunc),
	}
}

// handle upgrades the request and forwards one message per broadcast. When
// a client falls behind by more than its buffer, extra notifications are
// dropped; the gap shows in Seq.
func (st *stream) handle(c *gin.Context) {
	conn, err := st.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		st.logger.Warn("failed to upgrade websocket", logger.Err(err))
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	log := st.logger.With(slog.String("client_id", id))
	ctx, cancel := context.WithCancel(context.Background())
	st.register(id, cancel)
	defer st.unregister(id)

	notifications := make(chan uint64, st.buffer)
	var (
		seqMu sync.Mutex
		seq   uint64
	)
	unsubscribe := st.core.Subscribe(func() {
		seqMu.Lock()
		seq++
		n := seq
		seqMu.Unlock()
		select {
		case notifications <- n:
		default:
			log.Debug("client is behind, notification dropped", slog.Uint64("seq", n))
		}
	})
	defer unsubscribe()

	// Reader: detects disconnects and answers pongs.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Info("change stream opened")
	if err := st.send(conn, ChangeMessage{Type: "hello", ClientID: id}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case n := <-notifications:
			if err := st.send(conn, ChangeMessage{Type: "changed", ClientID: id, Seq: n}); err != nil {
				log.Info("change stream write failed", logger.Err(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			log.Info("change stream closed")
			return
		}
	}
}

func (st *stream) send(conn *websocket.Conn, msg ChangeMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func (st *stream) register(id string, cancel context.CancelFunc) {
	st.mu.Lock()
	st.clients[id] = cancel
	st.mu.Unlock()
}

func (st *stream) unregister(id string) {
	st.mu.Lock()
	if cancel, ok := st.clients[id]; ok {
		cancel()
		delete(st.clients, id)
	}
	st.mu.Unlock()
}

// closeAll ends every open stream.
func (st *stream) closeAll() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, cancel := range st.clients {
		cancel()
		delete(st.clients, id)
	}
}

// open returns the number of connected clients.
func (st *stream) open() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.clients)
}
