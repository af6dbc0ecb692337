package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/corvus-paas/corvus-gate/internal/backend"
	"github.com/corvus-paas/corvus-gate/internal/mcnet"
	"github.com/corvus-paas/corvus-gate/internal/registry"
	"github.com/corvus-paas/corvus-gate/internal/runtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noopMetrics struct{}

func (noopMetrics) SetPhase(string, backend.Phase) {}
func (noopMetrics) IncConnections(string)          {}
func (noopMetrics) DecConnections(string)          {}
func (noopMetrics) IncColdStarts(string)           {}
func (noopMetrics) IncIdleShutdowns(string)        {}

type fakeAdapter struct {
	startErr error
	ready    bool
}

func (f *fakeAdapter) Status(ctx context.Context, name string) (runtime.Phase, error) {
	return runtime.PhaseStopped, nil
}
func (f *fakeAdapter) Start(ctx context.Context, name string) error { return f.startErr }
func (f *fakeAdapter) Stop(ctx context.Context, name string, grace time.Duration) error {
	return nil
}
func (f *fakeAdapter) Ready(ctx context.Context, name string, port int) (bool, error) {
	return f.ready, nil
}

type fakeBackends struct {
	backends map[string]*backend.Backend
}

func (f *fakeBackends) Get(server registry.Server) (*backend.Backend, bool) {
	be, ok := f.backends[server.Name]
	return be, ok
}

func newTestHandler(t *testing.T, server registry.Server, adapter runtime.Adapter) (*Handler, *backend.Backend) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "registry.json")
	raw := struct {
		Timeout int               `json:"timeout"`
		Servers []registry.Server `json:"servers"`
	}{Timeout: 0, Servers: []registry.Server{server}}
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal registry: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	loader, err := registry.NewLoader(path)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	be := backend.New(server, adapter, testLogger(), noopMetrics{}, time.Minute, nil, nil)
	backends := &fakeBackends{backends: map[string]*backend.Backend{server.Name: be}}

	return New(loader, backends, testLogger()), be
}

func encodeHandshake(protocol, nextState int32, port int) []byte {
	payload := mcnet.AppendVarInt(nil, protocol)
	payload = mcnet.AppendString(payload, "play.example.com")
	payload = append(payload, byte(port>>8), byte(port))
	payload = mcnet.AppendVarInt(payload, nextState)
	return mcnet.EncodePacket(0x00, payload)
}

func TestHandleStatusWhileAsleep(t *testing.T) {
	server := registry.Server{
		Name: "survival", ContainerName: "c-survival",
		ExternalPort: 25565, InternalPort: 25565,
		DisplayMetadata: registry.DisplayMetadata{MaxPlayers: 20},
	}
	h, be := newTestHandler(t, server, &fakeAdapter{})
	if be.Phase() != backend.PhaseStopped {
		t.Fatalf("expected fresh backend to be stopped, got %s", be.Phase())
	}

	client, serverConn := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Handle(serverConn, 25565)
		close(done)
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := client.Write(encodeHandshake(765, mcnet.NextStateStatus, 25565)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if _, err := client.Write(mcnet.EncodePacket(0x00, nil)); err != nil {
		t.Fatalf("write status request: %v", err)
	}

	packet, err := mcnet.ReadPacket(client)
	if err != nil {
		t.Fatalf("read status response: %v", err)
	}

	_, idLen, err := mcnet.ReadVarIntBuffered(packet.Payload)
	if err != nil {
		t.Fatalf("read packet id: %v", err)
	}
	jsonStr, _, err := mcnet.ReadStringBuffered(packet.Payload, idLen)
	if err != nil {
		t.Fatalf("read status json string: %v", err)
	}

	var resp mcnet.StatusResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		t.Fatalf("unmarshal status response: %v", err)
	}
	if resp.Description.Text != "This server is sleeping. Join to wake it up." {
		t.Fatalf("Description.Text = %q", resp.Description.Text)
	}
	if resp.Players.Max != 20 {
		t.Fatalf("Players.Max = %d, want 20", resp.Players.Max)
	}
	if resp.Version.Protocol != 765 {
		t.Fatalf("Version.Protocol = %d, want 765 (echoed from handshake)", resp.Version.Protocol)
	}

	client.Close()
	<-done
}

// fakeMinecraftBackend listens on loopback and answers exactly one
// handshake+status-request exchange the way a running Minecraft server
// would, so the live-backend relay path can be exercised without Docker.
func fakeMinecraftBackend(t *testing.T) (port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := mcnet.ReadHandshake(conn); err != nil {
			return
		}
		if _, err := mcnet.ReadStatusRequest(conn); err != nil {
			return
		}
		resp, _ := mcnet.EncodeStatusResponse(mcnet.StatusResponse{
			Version:     mcnet.StatusVersion{Name: "real-backend", Protocol: 765},
			Players:     mcnet.StatusPlayers{Max: 10, Online: 3},
			Description: mcnet.StatusText{Text: "Live backend"},
		})
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func TestHandleStatusRelaysToLiveBackend(t *testing.T) {
	backendPort := fakeMinecraftBackend(t)
	server := registry.Server{
		Name: "survival", ContainerName: "127.0.0.1",
		ExternalPort: 25565, InternalPort: backendPort,
	}
	h, be := newTestHandler(t, server, &fakeAdapter{ready: true})

	if err := be.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if be.Phase() != backend.PhaseRunning {
		t.Fatalf("Phase = %s, want running", be.Phase())
	}

	client, serverConn := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Handle(serverConn, 25565)
		close(done)
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Write(encodeHandshake(765, mcnet.NextStateStatus, 25565)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if _, err := client.Write(mcnet.EncodePacket(0x00, nil)); err != nil {
		t.Fatalf("write status request: %v", err)
	}

	packet, err := mcnet.ReadPacket(client)
	if err != nil {
		t.Fatalf("read status response: %v", err)
	}
	_, idLen, err := mcnet.ReadVarIntBuffered(packet.Payload)
	if err != nil {
		t.Fatalf("read packet id: %v", err)
	}
	jsonStr, _, err := mcnet.ReadStringBuffered(packet.Payload, idLen)
	if err != nil {
		t.Fatalf("read status json string: %v", err)
	}
	var resp mcnet.StatusResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		t.Fatalf("unmarshal status response: %v", err)
	}
	if resp.Description.Text != "Live backend" || resp.Players.Online != 3 {
		t.Fatalf("expected the real backend's response to be relayed unmodified, got %+v", resp)
	}

	client.Close()
	<-done
}

func TestHandleLoginDisconnectsOnStartFailure(t *testing.T) {
	server := registry.Server{
		Name: "creative", ContainerName: "c-creative",
		ExternalPort: 25566, InternalPort: 25565,
	}
	h, _ := newTestHandler(t, server, &fakeAdapter{startErr: io.ErrClosedPipe})

	client, serverConn := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Handle(serverConn, 25566)
		close(done)
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := client.Write(encodeHandshake(765, mcnet.NextStateLogin, 25566)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	loginPayload := mcnet.AppendString(nil, "Notch")
	if _, err := client.Write(mcnet.EncodePacket(0x00, loginPayload)); err != nil {
		t.Fatalf("write login start: %v", err)
	}

	packet, err := mcnet.ReadPacket(client)
	if err != nil {
		t.Fatalf("read disconnect packet: %v", err)
	}
	if packet.ID != 0x00 {
		t.Fatalf("disconnect packet id = %#x", packet.ID)
	}

	<-done
}

func TestHandleDropsConnectionOnBadHandshake(t *testing.T) {
	server := registry.Server{Name: "s1", ContainerName: "c1", ExternalPort: 25567, InternalPort: 25565}
	h, _ := newTestHandler(t, server, &fakeAdapter{})

	client, serverConn := net.Pipe()

	done := make(chan struct{})
	go func() {
		h.Handle(serverConn, 25567)
		close(done)
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	_, _ = client.Write(bytes.Repeat([]byte{0xFF}, 6)) // malformed VarInt length prefix

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return for a malformed handshake")
	}
	client.Close()
}
