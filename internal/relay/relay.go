// Package relay implements the session-authenticated WebSocket connection
// core. Each connection is split into a reader goroutine, which authenticates
// and persists inbound messages before publishing them, and a writer
// goroutine, which drains the connection's broadcast subscription into the
// socket. Authentication is re-checked on every message rather than once at
// the handshake, so revoking a session takes effect on the sender's very
// next frame.
package relay

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-relay/internal/bus"
	"github.com/parley/chat-relay/internal/metrics"
	"github.com/parley/chat-relay/internal/protocol"
	"github.com/parley/chat-relay/internal/ratelimit"
	"github.com/parley/chat-relay/internal/session"
	"github.com/parley/chat-relay/internal/store"
)

// Gateway is the persistence surface the relay consults for every accepted
// message. *store.Store satisfies it; tests inject fakes.
type Gateway interface {
	ResolveSession(ctx context.Context, token string) (*store.User, error)
	SaveMessage(ctx context.Context, userID int64, content string) error
}

// Bridge republishes accepted broadcasts to other relay instances.
// *messaging.NATSClient satisfies it.
type Bridge interface {
	PublishChat(payload []byte) error
}

// Config holds tunable parameters for connection handling.
type Config struct {
	WriteTimeout   time.Duration // deadline for each outbound socket write
	GatewayTimeout time.Duration // deadline for each ResolveSession/SaveMessage call
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		GatewayTimeout: 3 * time.Second,
	}
}

// Handler upgrades HTTP requests to WebSocket connections and runs the
// per-connection reader/writer pair. It implements http.Handler.
type Handler struct {
	config  Config
	cache   *session.Cache
	gateway Gateway
	bus     *bus.Bus
	limiter *ratelimit.Limiter // nil disables rate limiting
	bridge  Bridge             // nil disables cross-instance fanout
}

// NewHandler creates a connection handler sharing the given session cache,
// persistence gateway, and broadcast bus.
func NewHandler(config Config, cache *session.Cache, gateway Gateway, b *bus.Bus) *Handler {
	return &Handler{
		config:  config,
		cache:   cache,
		gateway: gateway,
		bus:     b,
	}
}

// SetLimiter enables Redis-backed rate limiting for connections and messages.
func (h *Handler) SetLimiter(l *ratelimit.Limiter) {
	h.limiter = l
}

// SetBridge enables republishing accepted messages to other instances.
func (h *Handler) SetBridge(b Bridge) {
	h.bridge = b
}

// ServeHTTP upgrades the request and hands the connection to its
// reader/writer pair. The HTTP goroutine is released immediately after the
// upgrade; the connection's lifetime belongs to the relay from here on.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r.RemoteAddr)
	if !h.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("relay: upgrade failed for %s: %v", ip, err)
		return
	}

	go h.handle(conn)
}

// handle runs one connection end to end. It subscribes to the broadcast bus,
// starts the writer goroutine, and then runs the reader loop itself. Either
// side failing closes both the subscription and the socket, which unblocks
// the sibling; neither outlives the connection.
func (h *Handler) handle(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	sub := h.bus.Subscribe()

	metrics.ConnectionsActive.Inc()
	log.Printf("relay: connection open remote=%s subscribers=%d", remote, h.bus.Len())

	var once sync.Once
	teardown := func() {
		once.Do(func() {
			sub.Close()
			conn.Close()
		})
	}

	// Two goroutines write to the socket: the writer sends broadcast
	// frames, and the reader answers control frames (pong, close echo).
	// A frame goes out as separate header and payload writes, so the lock
	// must be held across the whole frame or a pong lands mid-frame and
	// corrupts the stream.
	var writeMu sync.Mutex

	// Writer: drain the subscription into the socket until either the
	// subscription closes (reader exited) or a write fails.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer teardown()
		for payload := range sub.C() {
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			err := wsutil.WriteServerMessage(conn, ws.OpText, payload)
			writeMu.Unlock()
			if err != nil {
				log.Printf("relay: write failed remote=%s: %v", remote, err)
				return
			}
		}
	}()

	control := wsutil.ControlFrameHandler(conn, ws.StateServerSide)
	lockedControl := func(hdr ws.Header, rd io.Reader) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
		return control(hdr, rd)
	}

	reader := wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: lockedControl,
	}

	// Reader: one frame fully processed before the next is read.
	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			log.Printf("relay: connection closing remote=%s: %v", remote, err)
			break
		}
		if hdr.OpCode.IsControl() {
			if err := lockedControl(hdr, &reader); err != nil {
				log.Printf("relay: connection closing remote=%s: %v", remote, err)
				break
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := reader.Discard(); err != nil {
				log.Printf("relay: connection closing remote=%s: %v", remote, err)
				break
			}
			continue
		}
		data, err := io.ReadAll(&reader)
		if err != nil {
			log.Printf("relay: connection closing remote=%s: %v", remote, err)
			break
		}
		h.processFrame(data, remote)
	}

	teardown()
	<-writerDone

	if dropped := sub.Dropped(); dropped > 0 {
		metrics.BroadcastDropped.Add(float64(dropped))
		log.Printf("relay: remote=%s lagged, dropped %d broadcasts", remote, dropped)
	}
	metrics.ConnectionsActive.Dec()
	log.Printf("relay: connection closed remote=%s", remote)
}

// processFrame runs the per-message pipeline: parse, authenticate against
// the session cache, resolve the sender's identity from the store, persist,
// publish. Every failure short of a socket error drops just this frame; the
// connection stays open.
func (h *Handler) processFrame(data []byte, remote string) {
	start := time.Now()

	msg, err := protocol.ParseInbound(data)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("malformed").Inc()
		log.Printf("relay: dropping malformed frame remote=%s: %v", remote, err)
		return
	}

	if msg.SessionID == "" {
		metrics.MessagesTotal.WithLabelValues("unauthorized").Inc()
		log.Printf("relay: dropping frame without session token remote=%s", remote)
		return
	}

	if !h.cache.Contains(msg.SessionID) {
		metrics.MessagesTotal.WithLabelValues("unauthorized").Inc()
		log.Printf("relay: dropping frame with unknown session token remote=%s", remote)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.GatewayTimeout)
	defer cancel()

	if !h.limiter.Allow(ctx, msg.SessionID, ratelimit.RuleMessage) {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		log.Printf("relay: rate limited remote=%s", remote)
		return
	}

	// The token passed the cache but the store is authoritative; a session
	// revoked since the last reconciliation fails here. Identity always
	// comes from this lookup, never from the payload.
	user, err := h.gateway.ResolveSession(ctx, msg.SessionID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("unauthorized").Inc()
		log.Printf("relay: session token did not resolve remote=%s: %v", remote, err)
		return
	}

	if err := h.gateway.SaveMessage(ctx, user.ID, msg.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues("persist_failed").Inc()
		log.Printf("relay: persist failed user=%d: %v", user.ID, err)
		return
	}

	payload, err := protocol.Outbound{Username: user.Username, Content: msg.Content}.Encode()
	if err != nil {
		log.Printf("relay: encode failed user=%d: %v", user.ID, err)
		return
	}

	h.bus.Publish(payload)
	if h.bridge != nil {
		if err := h.bridge.PublishChat(payload); err != nil {
			log.Printf("relay: bridge publish failed: %v", err)
		}
	}

	metrics.MessagesTotal.WithLabelValues("broadcast").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
}

// clientIP extracts the host part of a remote address, falling back to the
// raw string when it has no port.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
