// Package gateway implements the per-connection protocol logic: the status
// responder and login gatekeeper. It is the glue between internal/mcnet
// (wire codec), internal/backend (lifecycle), and internal/splice (handoff
// to the real backend once running).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/corvus-paas/corvus-gate/internal/backend"
	"github.com/corvus-paas/corvus-gate/internal/mcnet"
	"github.com/corvus-paas/corvus-gate/internal/registry"
	"github.com/corvus-paas/corvus-gate/internal/splice"
)

// handshakeTimeout bounds how long a client has to send its handshake (and,
// for logins, its login-start packet) before the connection is dropped. A
// slow or silent handshake is treated the same as a malformed one: no
// response, just close.
const handshakeTimeout = 10 * time.Second

// statusDialTimeout bounds the TCP dial used to relay a status query to a
// live backend.
const statusDialTimeout = 5 * time.Second

// statusPingTimeout bounds the optional ping/pong round trip following a
// status response, on both the synthetic and relayed paths.
const statusPingTimeout = 2 * time.Second

// loginDialTimeout bounds the TCP dial to a just-started backend once it has
// reported ready.
const loginDialTimeout = 10 * time.Second

// Backends resolves a registry.Server to its live lifecycle controller.
type Backends interface {
	Get(server registry.Server) (*backend.Backend, bool)
}

// Handler accepts one raw client connection per call and drives it through
// the handshake, status, or login flow.
type Handler struct {
	registry *registry.Loader
	backends Backends
	logger   *slog.Logger
}

// New builds a Handler.
func New(reg *registry.Loader, backends Backends, logger *slog.Logger) *Handler {
	return &Handler{registry: reg, backends: backends, logger: logger}
}

// Handle processes one accepted connection on localPort. It always closes
// conn before returning, except when a login is handed off to the splice
// goroutine, which closes both conn and the backend connection once
// splice.Relay returns.
func (h *Handler) Handle(conn net.Conn, localPort int) {
	traceID := uuid.NewString()
	logger := h.logger.With("trace_id", traceID, "remote", conn.RemoteAddr().String(), "local_port", localPort)

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	handshake, err := mcnet.ReadHandshake(conn)
	if err != nil {
		logger.Debug("dropping connection: bad handshake", "error", err)
		return
	}

	server, ok := h.registry.Current().ServerByPort(localPort)
	if !ok {
		logger.Warn("no registry entry for accept port, dropping connection")
		return
	}
	logger = logger.With("server", server.Name)

	be, ok := h.backends.Get(*server)
	if !ok {
		logger.Error("no backend controller for registry entry, dropping connection")
		return
	}

	switch handshake.NextState {
	case mcnet.NextStateStatus:
		h.handleStatus(conn, handshake, *server, be, logger)
	case mcnet.NextStateLogin:
		h.handleLogin(conn, handshake, *server, be, logger, &closeConn)
	default:
		logger.Debug("dropping connection: unexpected next_state", "next_state", handshake.NextState)
	}
}

// handleStatus answers a status query, relaying to the live backend when
// running and falling back to a synthesized "sleeping" response whenever the
// backend is asleep or the relay attempt fails at any step.
func (h *Handler) handleStatus(conn net.Conn, handshake mcnet.Handshake, server registry.Server, be *backend.Backend, logger *slog.Logger) {
	if be.Phase() == backend.PhaseRunning {
		if h.relayStatusToLiveBackend(conn, handshake, server, logger) {
			return
		}
		// Fall through to the synthesized response; the backend's status
		// request packet was already consumed or the relay attempt died
		// partway, but either way the client still needs a response.
	}

	h.sendSyntheticStatus(conn, handshake, server, logger)
}

// relayStatusToLiveBackend dials the real backend, replays the raw handshake
// bytes, then forwards one Status Request/Response exchange and an optional
// ping/pong round trip. It reports whether the relay completed far enough
// that the caller must not also attempt the synthetic fallback (i.e. it
// already wrote the client a response).
func (h *Handler) relayStatusToLiveBackend(conn net.Conn, handshake mcnet.Handshake, server registry.Server, logger *slog.Logger) bool {
	backendConn, err := h.dialBackend(server, statusDialTimeout)
	if err != nil {
		logger.Warn("failed to dial live backend for status relay, falling back to synthetic response", "error", err)
		return false
	}
	defer backendConn.Close()

	if _, err := backendConn.Write(handshake.Raw); err != nil {
		logger.Warn("failed to forward handshake to live backend", "error", err)
		return false
	}

	statusReq, err := mcnet.ReadStatusRequest(conn)
	if err != nil {
		// The client's own status request never arrived intact; there is no
		// valid fallback path either, so just drop the connection.
		logger.Debug("dropping connection: bad status request", "error", err)
		return true
	}
	if _, err := backendConn.Write(statusReq.Raw); err != nil {
		logger.Warn("failed to forward status request to live backend", "error", err)
		return false
	}

	statusResp, err := mcnet.ReadStatusResponse(backendConn)
	if err != nil {
		logger.Warn("failed to read status response from live backend", "error", err)
		return false
	}
	if _, err := conn.Write(statusResp.Raw); err != nil {
		return true
	}

	_ = conn.SetReadDeadline(time.Now().Add(statusPingTimeout))
	payload, err := mcnet.ReadPing(conn)
	if err != nil {
		// Not every client pings before disconnecting; that's fine.
		return true
	}
	_ = backendConn.SetDeadline(time.Now().Add(statusPingTimeout))
	// Ping and Pong share packet id 0x01 and an 8-byte opaque payload; only
	// direction distinguishes them, so the same encode/decode helpers serve
	// both sides of this relay.
	if _, err := backendConn.Write(mcnet.EncodePong(payload)); err != nil {
		return true
	}
	pong, err := mcnet.ReadPing(backendConn)
	if err != nil {
		return true
	}
	_, _ = conn.Write(mcnet.EncodePong(pong))
	return true
}

// sendSyntheticStatus answers a status query without waking the backend,
// echoing the client's handshake protocol version and the registry's cached
// display metadata.
func (h *Handler) sendSyntheticStatus(conn net.Conn, handshake mcnet.Handshake, server registry.Server, logger *slog.Logger) {
	if _, err := mcnet.ReadStatusRequest(conn); err != nil {
		logger.Debug("dropping connection: bad status request", "error", err)
		return
	}

	resp := mcnet.StatusResponse{
		Version: mcnet.StatusVersion{Name: "corvus-gate", Protocol: handshake.ProtocolVersion},
		Players: mcnet.StatusPlayers{Max: server.DisplayMetadata.MaxPlayers, Online: 0},
		// The registry's configured MOTD is intentionally not substituted
		// here; a sleeping backend always shows this fixed description.
		Description: mcnet.StatusText{Text: "This server is sleeping. Join to wake it up."},
	}
	packet, err := mcnet.EncodeStatusResponse(resp)
	if err != nil {
		logger.Error("failed to encode synthetic status response", "error", err)
		return
	}
	if _, err := conn.Write(packet); err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(statusPingTimeout))
	payload, err := mcnet.ReadPing(conn)
	if err != nil {
		// Not every client pings before disconnecting; that's fine.
		return
	}
	_, _ = conn.Write(mcnet.EncodePong(payload))
}

// handleLogin reads the Login Start packet, ensures the backend is running
// (cold-starting it if necessary), then hands the connection off to the
// splicer with the consumed handshake and login-start bytes replayed at the
// front of the backend-bound stream. Usage events and notifications for the
// start/join/leave transitions are emitted by internal/backend itself, which
// owns the lifecycle and connection-tracking state those events describe.
func (h *Handler) handleLogin(conn net.Conn, handshake mcnet.Handshake, server registry.Server, be *backend.Backend, logger *slog.Logger, closeConn *bool) {
	loginStart, err := mcnet.ReadLoginStart(conn)
	if err != nil {
		logger.Debug("dropping connection: bad login start", "error", err)
		return
	}
	logger = logger.With("player", loginStart.PlayerName)

	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithTimeout(context.Background(), 130*time.Second)
	defer cancel()

	if err := be.EnsureRunning(ctx); err != nil {
		logger.Warn("backend failed to start, disconnecting client", "error", err)
		_, _ = conn.Write(mcnet.EncodeDisconnect(disconnectReason(err)))
		return
	}

	backendConn, err := h.dialBackend(server, loginDialTimeout)
	if err != nil {
		logger.Error("failed to dial backend after start", "error", err)
		_, _ = conn.Write(mcnet.EncodeDisconnect("Backend unavailable, try again shortly."))
		return
	}

	release := be.AcquireConnection(loginStart.PlayerName)

	*closeConn = false
	go func() {
		defer conn.Close()
		defer backendConn.Close()
		defer release()

		prefixed := splice.Prefix(conn, handshake.Raw, loginStart.Raw)
		splice.Relay(conn, backendConn, prefixed)
	}()
}

func (h *Handler) dialBackend(server registry.Server, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var dialer net.Dialer
	addr := fmt.Sprintf("%s:%d", server.ContainerName, server.InternalPort)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial backend %s: %w", addr, err)
	}
	return conn, nil
}

func disconnectReason(err error) string {
	if errors.Is(err, backend.ErrStartFailed) {
		return "Server failed to start in time. Please try again shortly."
	}
	return "Server is unavailable right now."
}
