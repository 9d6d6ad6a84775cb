// Package wsbridge exposes the post-commit batch feed over WebSocket for
// browser dashboards. It is a read-only mirror of the gRPC subscriber
// fan-out: each connection registers as a hub session and inherits the
// same token-bucket pacing and drop-don't-block semantics.
package wsbridge

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/decaynet/cloud/internal/core"
	"github.com/decaynet/cloud/internal/identity"
	"github.com/decaynet/cloud/internal/ingest"
	"github.com/decaynet/cloud/pb"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
)

// wireBatch is the JSON shape pushed to browser clients.
type wireBatch struct {
	BatchID       string `json:"batch_id"`
	BatchSequence uint64 `json:"batch_sequence"`
	EventCount    int    `json:"event_count"`
	ReceivedAt    string `json:"received_at"`
}

// Bridge serves the live batch feed.
type Bridge struct {
	hub      *ingest.SubscriberHub
	verifier identity.Verifier
	upgrader websocket.Upgrader
}

func NewBridge(hub *ingest.SubscriberHub, verifier identity.Verifier) *Bridge {
	b := &Bridge{hub: hub, verifier: verifier}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     b.buildCheckOrigin(),
	}
	return b
}

// buildCheckOrigin validates origins against DECAYCLOUD_ALLOWED_ORIGINS
// in production; dev and staging accept all origins.
func (b *Bridge) buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("DECAYCLOUD_ENV")
	allowedRaw := os.Getenv("DECAYCLOUD_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			if allowed[r.Header.Get("Origin")] {
				return true
			}
			slog.Info("Rejected websocket origin", "origin", r.Header.Get("Origin"))
			return false
		}
	}

	if env == "production" {
		slog.Warn("DECAYCLOUD_ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// authorize verifies the caller before the upgrade. The feed mirrors
// the gRPC batch subscription, so it carries the same USER/ADMIN
// requirement. Browsers cannot set headers on WebSocket dials, so a
// `token` query parameter is accepted alongside the bearer header.
func (b *Bridge) authorize(r *http.Request) (core.Principal, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return core.Principal{}, fmt.Errorf("missing bearer token")
	}
	return b.verifier.Verify(r.Context(), token)
}

// HandleLiveFeed upgrades the connection and streams batch summaries
// until the client disconnects.
func (b *Bridge) HandleLiveFeed(w http.ResponseWriter, r *http.Request) {
	principal, err := b.authorize(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !principal.HasRole(core.RoleUser) && !principal.HasRole(core.RoleAdmin) {
		http.Error(w, "USER or ADMIN capability required", http.StatusForbidden)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sessionID := "ws-" + uuid.NewString()
	sub := b.hub.Add(sessionID)

	var once sync.Once
	closeConn := func() {
		once.Do(func() {
			b.hub.Remove(sessionID)
			conn.Close()
		})
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Read pump: drains control frames and detects disconnects.
	go func() {
		defer closeConn()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Write pump: the only goroutine writing to the connection.
	go func() {
		defer closeConn()
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case batch := <-sub.Out():
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(toWire(batch)); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-sub.Done():
				return
			}
		}
	}()
}

func toWire(batch *pb.EventBatch) wireBatch {
	return wireBatch{
		BatchID:       batch.BatchId,
		BatchSequence: batch.BatchSequence,
		EventCount:    len(batch.Events),
		ReceivedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}
}
