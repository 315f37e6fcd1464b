package eventloop

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/demfabris/gistit/internal/gistitpb"
	"github.com/demfabris/gistit/internal/ipc"
	"github.com/demfabris/gistit/internal/overlay"
	"github.com/demfabris/gistit/internal/snippet"
)

// fakeOverlay is a scriptable overlayDriver double: methods push events
// onto the same channel the loop selects on, simulating what the real
// libp2p-backed Overlay would eventually emit asynchronously.
type fakeOverlay struct {
	id      peer.ID
	events  chan overlay.Event
	peers   int
	ranked  func([]peer.AddrInfo) []peer.AddrInfo
	dials   []ma.Multiaddr
	started []string
}

func newFakeOverlay() *fakeOverlay {
	return &fakeOverlay{
		events: make(chan overlay.Event, 16),
		ranked: func(c []peer.AddrInfo) []peer.AddrInfo { return c },
	}
}

func (f *fakeOverlay) ID() peer.ID                    { return f.id }
func (f *fakeOverlay) Events() <-chan overlay.Event   { return f.events }
func (f *fakeOverlay) PeerCount() int                 { return f.peers }
func (f *fakeOverlay) Dial(addr ma.Multiaddr)          { f.dials = append(f.dials, addr) }
func (f *fakeOverlay) StartProviding(hash string) {
	f.started = append(f.started, hash)
	f.events <- overlay.ProviderAnnounced{Hash: hash}
}
func (f *fakeOverlay) FindProviders(hash string, limit int) {}
func (f *fakeOverlay) RequestBytes(info peer.AddrInfo, hash string) {}
func (f *fakeOverlay) RankProviders(c []peer.AddrInfo) []peer.AddrInfo { return f.ranked(c) }

func newTestLoop(t *testing.T) (*Loop, *fakeOverlay, *ipc.Endpoint, string) {
	t.Helper()
	dir := t.TempDir()
	nodePath := filepath.Join(dir, "node.sock")
	clientPath := filepath.Join(dir, "client.sock")

	node, err := ipc.Listen(nodePath)
	if err != nil {
		t.Fatalf("listen node: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	clientEP, err := ipc.Listen(clientPath)
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	t.Cleanup(func() { clientEP.Close() })

	fo := newFakeOverlay()
	hosted := snippet.NewHostedSet()
	metrics := NewMetrics(prometheus.NewRegistry())
	loop := New(node, clientPath, fo, hosted, metrics)
	return loop, fo, clientEP, nodePath
}

func sendInstr(t *testing.T, sender *ipc.Endpoint, dst string, instr *gistitpb.Instruction) {
	t.Helper()
	if err := sender.Send(dst, instr); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestLoopProvideAndFetchFromHostedSet(t *testing.T) {
	loop, fo, clientEP, nodePath := newTestLoop(t)
	_ = fo

	dir := filepath.Dir(nodePath)
	driver, err := ipc.Listen(filepath.Join(dir, "driver.sock"))
	if err != nil {
		t.Fatalf("listen driver: %v", err)
	}
	defer driver.Close()

	p := validLoopPayload()
	provide := gistitpb.NewProvide(*p.ToWire())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()

	sendInstr(t, driver, nodePath, provide)

	clientEP.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := clientEP.Recv()
	if err != nil {
		t.Fatalf("recv provide response: %v", err)
	}
	if !reply.ProvideResponseOK || reply.ProvideResponseHash != p.Hash {
		t.Fatalf("unexpected provide response: %+v", reply)
	}

	fetch := gistitpb.NewFetch(p.Hash)
	sendInstr(t, driver, nodePath, fetch)

	clientEP.SetReadDeadline(time.Now().Add(2 * time.Second))
	fetchReply, err := clientEP.Recv()
	if err != nil {
		t.Fatalf("recv fetch response: %v", err)
	}
	if fetchReply.FetchResponse == nil || fetchReply.FetchResponse.Hash != p.Hash {
		t.Fatalf("unexpected fetch response: %+v", fetchReply)
	}

	cancel()
	<-runDone
}

func TestLoopStatusReportsHostedCount(t *testing.T) {
	loop, _, clientEP, nodePath := newTestLoop(t)
	dir := filepath.Dir(nodePath)
	driver, err := ipc.Listen(filepath.Join(dir, "driver.sock"))
	if err != nil {
		t.Fatalf("listen driver: %v", err)
	}
	defer driver.Close()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()

	sendInstr(t, driver, nodePath, gistitpb.NewStatus())

	clientEP.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := clientEP.Recv()
	if err != nil {
		t.Fatalf("recv status: %v", err)
	}
	if reply.Status == nil || reply.Status.Hosting != 0 {
		t.Fatalf("unexpected status: %+v", reply.Status)
	}

	cancel()
	<-runDone
}

func TestLoopFetchMissingExhaustsProviders(t *testing.T) {
	loop, fo, clientEP, nodePath := newTestLoop(t)
	dir := filepath.Dir(nodePath)
	driver, err := ipc.Listen(filepath.Join(dir, "driver.sock"))
	if err != nil {
		t.Fatalf("listen driver: %v", err)
	}
	defer driver.Close()

	hash := strings.Repeat("e", 64)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()

	sendInstr(t, driver, nodePath, gistitpb.NewFetch(hash))

	// Simulate the DHT lookup draining with zero providers.
	fo.events <- overlay.ProvidersFound{Hash: hash}

	clientEP.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := clientEP.Recv()
	if err != nil {
		t.Fatalf("recv fetch response: %v", err)
	}
	if reply.FetchResponse != nil {
		t.Fatalf("expected none fetch response, got %+v", reply.FetchResponse)
	}

	cancel()
	<-runDone
}

func TestLoopProvideRejectsOutOfRangeSizeThenFetchReturnsNone(t *testing.T) {
	loop, fo, clientEP, nodePath := newTestLoop(t)
	dir := filepath.Dir(nodePath)
	driver, err := ipc.Listen(filepath.Join(dir, "driver.sock"))
	if err != nil {
		t.Fatalf("listen driver: %v", err)
	}
	defer driver.Close()

	p := tooSmallLoopPayload()
	provide := gistitpb.NewProvide(*p.ToWire())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()

	sendInstr(t, driver, nodePath, provide)

	clientEP.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := clientEP.Recv()
	if err != nil {
		t.Fatalf("recv provide response: %v", err)
	}
	if reply.ProvideResponseOK || reply.ProvideResponseHash != "" {
		t.Fatalf("expected provide rejection for out-of-range size, got %+v", reply)
	}

	fetch := gistitpb.NewFetch(p.Hash)
	sendInstr(t, driver, nodePath, fetch)

	// The rejected snippet was never hosted, so the fetch falls through
	// to a DHT lookup; simulate it draining with zero providers, same
	// as a hash nobody on the network hosts.
	fo.events <- overlay.ProvidersFound{Hash: p.Hash}

	clientEP.SetReadDeadline(time.Now().Add(2 * time.Second))
	fetchReply, err := clientEP.Recv()
	if err != nil {
		t.Fatalf("recv fetch response: %v", err)
	}
	if fetchReply.FetchResponse != nil {
		t.Fatalf("expected none fetch response for never-hosted hash, got %+v", fetchReply.FetchResponse)
	}

	cancel()
	<-runDone
}

func TestLoopStatusReportsThreeHostedSnippets(t *testing.T) {
	loop, _, clientEP, nodePath := newTestLoop(t)
	dir := filepath.Dir(nodePath)
	driver, err := ipc.Listen(filepath.Join(dir, "driver.sock"))
	if err != nil {
		t.Fatalf("listen driver: %v", err)
	}
	defer driver.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()

	for _, p := range threeDistinctLoopPayloads() {
		sendInstr(t, driver, nodePath, gistitpb.NewProvide(*p.ToWire()))
		clientEP.SetReadDeadline(time.Now().Add(2 * time.Second))
		reply, err := clientEP.Recv()
		if err != nil {
			t.Fatalf("recv provide response: %v", err)
		}
		if !reply.ProvideResponseOK {
			t.Fatalf("unexpected provide rejection: %+v", reply)
		}
	}

	sendInstr(t, driver, nodePath, gistitpb.NewStatus())

	clientEP.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := clientEP.Recv()
	if err != nil {
		t.Fatalf("recv status: %v", err)
	}
	if reply.Status == nil || reply.Status.Hosting != 3 {
		t.Fatalf("expected hosting=3, got %+v", reply.Status)
	}

	cancel()
	<-runDone
}

func TestLoopShutdownStopsWithNoReplyAndRemovesSocket(t *testing.T) {
	loop, _, clientEP, nodePath := newTestLoop(t)
	dir := filepath.Dir(nodePath)
	driver, err := ipc.Listen(filepath.Join(dir, "driver.sock"))
	if err != nil {
		t.Fatalf("listen driver: %v", err)
	}
	defer driver.Close()

	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(context.Background()) }()

	sendInstr(t, driver, nodePath, gistitpb.NewShutdown())

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("expected clean shutdown, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not exit after a Shutdown instruction")
	}

	clientEP.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := clientEP.Recv(); err == nil {
		t.Fatalf("expected no reply to a Shutdown instruction")
	}

	// Run itself only stops the dispatch loop; the bound node.sock is
	// closed by whatever called Run (cmd/gistit-node/main.go's deferred
	// node.Close()). Do that here and confirm the socket disappears and
	// a subsequent liveness probe reports no listener, matching
	// spec.md §5's "removes them on clean shutdown".
	if err := loop.node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}
	if _, err := os.Stat(nodePath); !os.IsNotExist(err) {
		t.Fatalf("expected node.sock to be removed, stat err: %v", err)
	}
	if ipc.Probe(nodePath) {
		t.Fatalf("expected probe against a closed socket to report no listener")
	}
}

func tooSmallLoopPayload() snippet.Payload {
	p := snippet.Payload{
		Author:    "bob",
		Timestamp: "1700000000000",
		Inner: []snippet.InnerFile{
			{Name: "a.txt", Lang: "text", Size: 5, Data: "hello"},
		},
	}
	p.Hash = snippet.CanonicalHash(p)
	return p
}

func threeDistinctLoopPayloads() []snippet.Payload {
	mk := func(author, letter string) snippet.Payload {
		p := snippet.Payload{
			Author:    author,
			Timestamp: "1700000000000",
			Inner: []snippet.InnerFile{
				{Name: "a.txt", Lang: "text", Size: 21, Data: strings.Repeat(letter, 21)},
			},
		}
		p.Hash = snippet.CanonicalHash(p)
		return p
	}
	return []snippet.Payload{mk("alice", "a"), mk("bob", "b"), mk("carol", "c")}
}

func validLoopPayload() snippet.Payload {
	return snippet.Payload{
		Hash:      computeCanonical(),
		Author:    "bob",
		Timestamp: "1700000000000",
		Inner: []snippet.InnerFile{
			{Name: "a.txt", Lang: "text", Size: 21, Data: "helloworldhelloworldx"},
		},
	}
}

func computeCanonical() string {
	p := snippet.Payload{
		Author:    "bob",
		Timestamp: "1700000000000",
		Inner: []snippet.InnerFile{
			{Name: "a.txt", Lang: "text", Size: 21, Data: "helloworldhelloworldx"},
		},
	}
	return snippet.CanonicalHash(p)
}
