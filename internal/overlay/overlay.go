// Package overlay implements the composite libp2p network behaviour of
// spec.md §4.C: Identify, Kademlia DHT with provider records, the
// custom bytes request/response protocol, Ping, AutoNAT, and Circuit
// Relay, over TCP and WebSocket transports secured with Noise and
// muxed with yamux.
//
// Grounded on the teacher's host-construction call
// (libp2p.New(libp2p.EnableRelay(), libp2p.EnableNATService(),
// libp2p.EnableHolePunching())) and its dht.New/Bootstrap/
// routing-discovery sequence, generalized from a gossipsub topic to
// the provider-record/request-response pair this protocol needs.
// The outbound operations the Event Loop calls (Dial, StartProviding,
// FindProviders, RequestBytes) never block the caller: each starts a
// goroutine and reports its outcome as an Event, per spec.md §4.C
// "never performs blocking I/O directly". Bootstrap, called once at
// startup, runs synchronously.
package overlay

import (
	"context"
	"fmt"
	"sort"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/demfabris/gistit/internal/gistitpb"
)

// Config parameterizes host construction. A zero-value ListenAddrs
// binds ephemeral ports on all interfaces for both transports.
type Config struct {
	PrivKey           crypto.PrivKey
	ListenAddrs       []string
	ConnMgrLow        int
	ConnMgrHigh       int
	ConnMgrGracePeriod time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/tcp/0/ws",
		}
	}
	if c.ConnMgrLow == 0 {
		c.ConnMgrLow = 32
	}
	if c.ConnMgrHigh == 0 {
		c.ConnMgrHigh = 128
	}
	if c.ConnMgrGracePeriod == 0 {
		c.ConnMgrGracePeriod = 30 * time.Second
	}
	return c
}

// Event is the typed union the Event Loop selects over (spec.md §9).
type Event interface{ isOverlayEvent() }

// DialResult reports the outcome of a Dial call.
type DialResult struct {
	Peer peer.ID
	Addr ma.Multiaddr
	Err  error
}

// InboundFetchRequest is an incoming bytes-protocol request. The Event
// Loop owns the Hosted Set exclusively, so the stream handler cannot
// answer it directly — it hands the request to the loop and blocks on
// Reply, which the loop must send to exactly once.
type InboundFetchRequest struct {
	Hash  string
	Reply chan<- *gistitpb.Snippet
}

// ProvidersFound is the terminal event of a FindProviders call.
type ProvidersFound struct {
	Hash      string
	Providers []peer.AddrInfo
}

// BytesReceived is the terminal event of a RequestBytes call.
type BytesReceived struct {
	Hash    string
	Peer    peer.ID
	Snippet *gistitpb.Snippet
	Err     error
}

// ProviderAnnounced is the terminal event of a StartProviding call.
type ProviderAnnounced struct {
	Hash string
	Err  error
}

func (DialResult) isOverlayEvent()          {}
func (InboundFetchRequest) isOverlayEvent() {}
func (ProvidersFound) isOverlayEvent()      {}
func (BytesReceived) isOverlayEvent()       {}
func (ProviderAnnounced) isOverlayEvent()   {}

// Overlay is the composite libp2p behaviour exposed to the Event Loop.
type Overlay struct {
	host   host.Host
	dht    *dht.IpfsDHT
	ping   *ping.PingService
	connMgr *connmgr.BasicConnMgr
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs the host, DHT, connection manager, and ping service,
// and registers the bytes-protocol stream handler. The returned Overlay
// does not dial or bootstrap anything yet — that is Bootstrap's job.
func New(ctx context.Context, cfg Config) (*Overlay, error) {
	cfg = cfg.withDefaults()

	cm, err := connmgr.NewConnManager(cfg.ConnMgrLow, cfg.ConnMgrHigh,
		connmgr.WithGracePeriod(cfg.ConnMgrGracePeriod))
	if err != nil {
		return nil, fmt.Errorf("overlay: connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ConnectionManager(cm),
		libp2p.EnableRelay(),
		libp2p.EnableNATService(),
		libp2p.EnableHolePunching(),
	}
	if cfg.PrivKey != nil {
		opts = append(opts, libp2p.Identity(cfg.PrivKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("overlay: host construction: %w", err)
	}

	store := dssync.MutexWrap(ds.NewMapDatastore())
	kdht, err := dht.New(ctx, h, dht.Mode(dht.ModeAuto), dht.Datastore(store))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("overlay: dht construction: %w", err)
	}

	octx, cancel := context.WithCancel(ctx)
	o := &Overlay{
		host:    h,
		dht:     kdht,
		connMgr: cm,
		events:  make(chan Event, 256),
		ctx:     octx,
		cancel:  cancel,
	}
	o.ping = ping.NewPingService(h)
	h.SetStreamHandler(BytesProtocolID, o.handleBytesRequest)

	return o, nil
}

// ID is this node's peer identity.
func (o *Overlay) ID() peer.ID { return o.host.ID() }

// Addrs is the set of multiaddrs this node is reachable on.
func (o *Overlay) Addrs() []ma.Multiaddr { return o.host.Addrs() }

// Events is the channel the Event Loop selects on.
func (o *Overlay) Events() <-chan Event { return o.events }

// PeerCount backs the StatusResponse peer_count field.
func (o *Overlay) PeerCount() int { return len(o.host.Network().Peers()) }

// Bootstrap connects to the supplied seed addresses and runs the DHT's
// own bootstrap routine, per spec.md §4.E.
func (o *Overlay) Bootstrap(ctx context.Context, seeds []ma.Multiaddr) error {
	for _, addr := range seeds {
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			continue
		}
		_ = o.host.Connect(ctx, *info)
	}
	return o.dht.Bootstrap(ctx)
}

// Dial initiates a connection to addr; the outcome arrives as a
// DialResult event.
func (o *Overlay) Dial(addr ma.Multiaddr) {
	go func() {
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			o.emit(DialResult{Addr: addr, Err: err})
			return
		}
		err = o.host.Connect(o.ctx, *info)
		o.emit(DialResult{Peer: info.ID, Addr: addr, Err: err})
	}()
}

// StartProviding announces this node as a provider of hash; the
// outcome arrives as a ProviderAnnounced event.
func (o *Overlay) StartProviding(hash string) {
	go func() {
		c, err := ContentID(hash)
		if err != nil {
			o.emit(ProviderAnnounced{Hash: hash, Err: err})
			return
		}
		err = o.dht.Provide(o.ctx, c, true)
		o.emit(ProviderAnnounced{Hash: hash, Err: err})
	}()
}

// FindProviders looks up providers of hash; the outcome arrives as a
// ProvidersFound event once the DHT query drains (spec.md §4.D
// "when the first provider set returns" — the Event Loop orders the
// providers with RankProviders, tries the first, and falls back to the
// rest in that order).
func (o *Overlay) FindProviders(hash string, limit int) {
	go func() {
		c, err := ContentID(hash)
		if err != nil {
			o.emit(ProvidersFound{Hash: hash})
			return
		}
		var infos []peer.AddrInfo
		for info := range o.dht.FindProvidersAsync(o.ctx, c, limit) {
			infos = append(infos, info)
		}
		o.emit(ProvidersFound{Hash: hash, Providers: infos})
	}()
}

// RequestBytes opens a bytes-protocol stream to info and requests hash;
// the outcome arrives as a BytesReceived event. info's addresses (if
// any — e.g. those returned by FindProviders) are added to the
// peerstore first, so NewStream can dial even without a prior explicit
// Connect.
func (o *Overlay) RequestBytes(info peer.AddrInfo, hash string) {
	go func() {
		p := info.ID
		if len(info.Addrs) > 0 {
			o.host.Peerstore().AddAddrs(p, info.Addrs, peerstore.TempAddrTTL)
		}
		s, err := o.host.NewStream(o.ctx, p, BytesProtocolID)
		if err != nil {
			o.emit(BytesReceived{Hash: hash, Peer: p, Err: err})
			return
		}
		defer s.Close()

		if err := writeRequest(s, hash); err != nil {
			o.emit(BytesReceived{Hash: hash, Peer: p, Err: err})
			return
		}
		snip, err := readResponse(s)
		o.emit(BytesReceived{Hash: hash, Peer: p, Snippet: snip, Err: err})
	}()
}

// handleBytesRequest serves an inbound request/response stream by
// delegating the actual Hosted Set lookup to the Event Loop and waiting
// for its answer, since the Hosted Set is owned exclusively there.
func (o *Overlay) handleBytesRequest(s network.Stream) {
	defer s.Close()

	hash, err := readRequest(s)
	if err != nil {
		return
	}

	reply := make(chan *gistitpb.Snippet, 1)
	select {
	case o.events <- InboundFetchRequest{Hash: hash, Reply: reply}:
	case <-o.ctx.Done():
		return
	}

	select {
	case snip := <-reply:
		_ = writeResponse(s, snip)
	case <-o.ctx.Done():
	}
}

func (o *Overlay) emit(e Event) {
	select {
	case o.events <- e:
	case <-o.ctx.Done():
	}
}

// RankProviders orders candidates per spec.md §4.D: already-connected
// peers first, then by lowest known round-trip latency, ties broken by
// original discovery order.
func (o *Overlay) RankProviders(candidates []peer.AddrInfo) []peer.AddrInfo {
	ranked := make([]peer.AddrInfo, len(candidates))
	copy(ranked, candidates)

	connected := make(map[peer.ID]bool, len(ranked))
	latency := make(map[peer.ID]time.Duration, len(ranked))
	for _, c := range ranked {
		connected[c.ID] = o.host.Network().Connectedness(c.ID) == network.Connected
		latency[c.ID] = o.host.Peerstore().LatencyEWMA(c.ID)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].ID, ranked[j].ID
		if connected[a] != connected[b] {
			return connected[a]
		}
		la, lb := latency[a], latency[b]
		if la == 0 {
			la = time.Hour
		}
		if lb == 0 {
			lb = time.Hour
		}
		return la < lb
	})
	return ranked
}

// Close tears down the DHT and the host, releasing every bound
// listener (spec.md §4.E shutdown contract).
func (o *Overlay) Close() error {
	o.cancel()
	dhtErr := o.dht.Close()
	hostErr := o.host.Close()
	if dhtErr != nil {
		return dhtErr
	}
	return hostErr
}
