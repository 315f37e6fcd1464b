// Package eventloop implements the single-threaded cooperative driver
// of spec.md §4.D: one goroutine multiplexes IPC-inbound frames,
// overlay events, and an internal timer, handling exactly one ready
// source per iteration in priority order.
//
// Grounded on the teacher's storage.go cleanupLoop/cleanup idiom (a
// time.Ticker driving a sweep-and-delete pass) for the Pending Fetch
// deadline sweep, and on main.go's signal-channel-feeds-cancelable-
// context shutdown idiom, generalized from a single background poller
// to the three-source select this spec's driver needs.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/demfabris/gistit/internal/errs"
	"github.com/demfabris/gistit/internal/gistitpb"
	"github.com/demfabris/gistit/internal/ipc"
	"github.com/demfabris/gistit/internal/overlay"
	"github.com/demfabris/gistit/internal/snippet"
)

var log = logging.Logger("gistit/eventloop")

// sweepInterval is how often the deadline sweep runs.
const sweepInterval = 1 * time.Second

// findProvidersLimit bounds how many provider records a single DHT
// lookup returns.
const findProvidersLimit = 20

// overlayDriver is the subset of *overlay.Overlay the loop depends on
// — spec.md §9's "single Overlay interface emitting a typed Event
// union" realized as a narrow consumer-side interface so tests can
// drive the loop against a fake instead of a real libp2p host.
type overlayDriver interface {
	ID() peer.ID
	Events() <-chan overlay.Event
	PeerCount() int
	Dial(addr ma.Multiaddr)
	StartProviding(hash string)
	FindProviders(hash string, limit int)
	RequestBytes(info peer.AddrInfo, hash string)
	RankProviders(candidates []peer.AddrInfo) []peer.AddrInfo
}

// Loop is the Event Loop of spec.md §4.D.
type Loop struct {
	node    *ipc.Endpoint
	client  string
	overlay overlayDriver
	hosted  *snippet.HostedSet
	metrics *Metrics

	pending map[string]*pendingFetch
}

// New constructs a Loop. node must already be bound to node.sock;
// client is the path replies are sent to (client.sock).
func New(node *ipc.Endpoint, client string, ov overlayDriver, hosted *snippet.HostedSet, metrics *Metrics) *Loop {
	return &Loop{
		node:    node,
		client:  client,
		overlay: ov,
		hosted:  hosted,
		metrics: metrics,
		pending: make(map[string]*pendingFetch),
	}
}

// Run drives the loop until ctx is canceled or a Shutdown instruction
// is handled. It returns nil on either clean path.
func (l *Loop) Run(ctx context.Context) error {
	ipcIn := make(chan *gistitpb.Instruction, 16)
	ipcErrCh := make(chan error, 1)
	go l.pumpIPC(ctx, ipcIn, ipcErrCh)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		// Priority order: IPC, then overlay, then timer — checked
		// non-blocking first so a simultaneously-ready lower-priority
		// source never preempts a higher one, then falls back to a
		// blocking select across all three once none are ready.
		select {
		case instr := <-ipcIn:
			if done := l.dispatchIPC(instr); done {
				return nil
			}
			continue
		default:
		}
		select {
		case ev := <-l.overlay.Events():
			l.dispatchOverlayEvent(ev)
			continue
		default:
		}
		select {
		case <-ticker.C:
			l.sweepDeadlines()
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-ipcErrCh:
			return err
		case instr := <-ipcIn:
			if done := l.dispatchIPC(instr); done {
				return nil
			}
		case ev := <-l.overlay.Events():
			l.dispatchOverlayEvent(ev)
		case <-ticker.C:
			l.sweepDeadlines()
		}
	}
}

func (l *Loop) pumpIPC(ctx context.Context, out chan<- *gistitpb.Instruction, errc chan<- error) {
	for {
		instr, err := l.node.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
			case errc <- err:
			}
			return
		}
		select {
		case out <- instr:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) reply(i *gistitpb.Instruction) {
	err := l.node.Send(l.client, i)
	if errors.Is(err, errs.ErrPayloadTooLarge) && i.Kind == gistitpb.KindFetchResponse && i.FetchResponse != nil {
		// The full snippet does not fit one 64 KiB IPC frame: reply with
		// every inner file's data emptied instead. The full bytes stay
		// available over the node-to-node bytes protocol.
		s := *i.FetchResponse
		s.Inner = make([]*gistitpb.InnerFile, len(i.FetchResponse.Inner))
		for k, f := range i.FetchResponse.Inner {
			c := *f
			c.Data = ""
			s.Inner[k] = &c
		}
		err = l.node.Send(l.client, gistitpb.NewFetchResponse(&s))
	}
	if err != nil {
		log.Warnw("failed to deliver ipc reply", "err", err)
	}
}

// dispatchIPC recovers from any panic raised while handling a
// remote-originated instruction, mapping it to a NetworkError and
// logging it rather than letting it take the process down — a
// malformed or adversarial client message must never crash the node.
func (l *Loop) dispatchIPC(instr *gistitpb.Instruction) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			err := errs.Network("eventloop.handleIPC", fmt.Errorf("panic: %v", r))
			log.Errorw("recovered from panic handling instruction", "kind", instr.Kind, "err", err)
			done = false
		}
	}()
	return l.handleIPC(instr)
}

// dispatchOverlayEvent is dispatchIPC's counterpart for overlay-originated
// events: a panic raised while handling a message from a remote peer
// (e.g. a malformed bytes response) is recovered, mapped to a
// NetworkError, and logged instead of crashing the loop.
func (l *Loop) dispatchOverlayEvent(ev overlay.Event) {
	defer func() {
		if r := recover(); r != nil {
			err := errs.Network("eventloop.handleOverlayEvent", fmt.Errorf("panic: %v", r))
			log.Errorw("recovered from panic handling overlay event", "event", fmt.Sprintf("%T", ev), "err", err)
		}
	}()
	l.handleOverlayEvent(ev)
}

// handleIPC dispatches one inbound command. It returns true once a
// Shutdown instruction has been fully handled.
func (l *Loop) handleIPC(instr *gistitpb.Instruction) bool {
	switch instr.Kind {
	case gistitpb.KindProvide:
		l.handleProvide(instr)
	case gistitpb.KindFetch:
		l.handleFetch(instr.Fetch)
	case gistitpb.KindStatus:
		l.reply(l.statusResponse())
	case gistitpb.KindDial:
		l.handleDial(instr.Dial)
	case gistitpb.KindShutdown:
		return true
	default:
		log.Warnw("ignoring instruction with unrecognised kind", "kind", instr.Kind)
	}
	return false
}

func (l *Loop) handleProvide(instr *gistitpb.Instruction) {
	p := snippet.FromWire(&instr.Provide)

	canonical := snippet.CanonicalHash(p)
	if p.Hash != canonical {
		log.Warnw("provide rejected: hash mismatch", "declared", p.Hash, "computed", canonical)
		l.reply(gistitpb.NewProvideResponse("", false))
		return
	}
	if err := snippet.Validate(p); err != nil {
		log.Warnw("provide rejected: validation failed", "hash", p.Hash, "err", err)
		l.reply(gistitpb.NewProvideResponse("", false))
		return
	}

	l.hosted.Put(p)
	l.metrics.Hosted.Set(float64(l.hosted.Len()))
	log.Infow("hosting snippet", "hash", p.Hash)

	l.overlay.StartProviding(p.Hash)
}

func (l *Loop) handleFetch(hash string) {
	if p, ok := l.hosted.Get(hash); ok {
		l.reply(gistitpb.NewFetchResponse(p.ToWire()))
		return
	}

	pf := newPendingFetch(hash)
	l.pending[hash] = pf
	l.metrics.PendingFetches.Set(float64(len(l.pending)))
	log.Infow("fetch started", "hash", hash, "state", pf.state)

	l.overlay.FindProviders(hash, findProvidersLimit)
}

func (l *Loop) handleDial(addrStr string) {
	addr, err := ma.NewMultiaddr(addrStr)
	if err != nil {
		log.Warnw("dial rejected: invalid multiaddr", "addr", addrStr, "err", err)
		l.reply(gistitpb.NewStatusResponse(gistitpb.StatusResponse{}))
		return
	}
	l.overlay.Dial(addr)
}

func (l *Loop) statusResponse() *gistitpb.Instruction {
	return gistitpb.NewStatusResponse(gistitpb.StatusResponse{
		PeerID:             l.overlay.ID().String(),
		PeerCount:          uint32(l.overlay.PeerCount()),
		PendingConnections: uint32(len(l.pending)),
		Hosting:            uint32(l.hosted.Len()),
	})
}

func (l *Loop) handleOverlayEvent(ev overlay.Event) {
	l.metrics.PeerCount.Set(float64(l.overlay.PeerCount()))
	switch e := ev.(type) {
	case overlay.DialResult:
		if e.Err != nil {
			log.Warnw("dial failed", "addr", e.Addr, "err", e.Err)
		} else {
			log.Infow("dialed peer", "peer", e.Peer)
		}
	case overlay.InboundFetchRequest:
		l.handleInboundFetchRequest(e)
	case overlay.ProvidersFound:
		l.handleProvidersFound(e)
	case overlay.BytesReceived:
		l.handleBytesReceived(e)
	case overlay.ProviderAnnounced:
		l.handleProviderAnnounced(e)
	default:
		log.Warnw("ignoring unrecognised overlay event", "event", fmt.Sprintf("%T", ev))
	}
}

func (l *Loop) handleInboundFetchRequest(e overlay.InboundFetchRequest) {
	p, ok := l.hosted.Get(e.Hash)
	if !ok {
		e.Reply <- nil
		return
	}
	e.Reply <- p.ToWire()
}

func (l *Loop) handleProviderAnnounced(e overlay.ProviderAnnounced) {
	if e.Err != nil {
		log.Warnw("start_providing failed", "hash", e.Hash, "err", e.Err)
		l.reply(gistitpb.NewProvideResponse("", false))
		return
	}
	l.reply(gistitpb.NewProvideResponse(e.Hash, true))
}

func (l *Loop) handleProvidersFound(e overlay.ProvidersFound) {
	pf, ok := l.pending[e.Hash]
	if !ok || pf.state != stateLookingUpProviders {
		return
	}
	if len(e.Providers) == 0 {
		l.failFetch(pf)
		return
	}
	pf.providers = l.overlay.RankProviders(e.Providers)
	pf.tried = 0
	pf.state = stateDialingProvider
	l.requestFromCurrentProvider(pf)
}

func (l *Loop) requestFromCurrentProvider(pf *pendingFetch) {
	info, ok := pf.currentProvider()
	if !ok {
		l.failFetch(pf)
		return
	}
	pf.state = stateAwaitingBytes
	l.overlay.RequestBytes(info, pf.hash)
}

func (l *Loop) handleBytesReceived(e overlay.BytesReceived) {
	pf, ok := l.pending[e.Hash]
	if !ok || pf.state != stateAwaitingBytes {
		return
	}
	if e.Err != nil || e.Snippet == nil {
		if pf.advanceToNextProvider() {
			l.requestFromCurrentProvider(pf)
			return
		}
		l.failFetch(pf)
		return
	}
	if e.Snippet.Hash != pf.hash {
		log.Warnw("fetch response hash mismatch, trying next provider",
			"hash", pf.hash, "got", e.Snippet.Hash)
		if pf.advanceToNextProvider() {
			l.requestFromCurrentProvider(pf)
			return
		}
		l.failFetch(pf)
		return
	}

	pf.state = stateResolved
	l.reply(gistitpb.NewFetchResponse(e.Snippet))
	l.metrics.FetchResolved.Inc()
	l.destroyFetch(pf)
}

func (l *Loop) failFetch(pf *pendingFetch) {
	pf.state = stateFailed
	l.reply(gistitpb.NewFetchResponse(nil))
	l.metrics.FetchFailed.Inc()
	l.destroyFetch(pf)
}

func (l *Loop) destroyFetch(pf *pendingFetch) {
	delete(l.pending, pf.hash)
	l.metrics.PendingFetches.Set(float64(len(l.pending)))
}

func (l *Loop) sweepDeadlines() {
	now := time.Now()
	for hash, pf := range l.pending {
		if pf.expired(now) {
			log.Warnw("fetch deadline exceeded", "hash", hash, "state", pf.state)
			l.failFetch(pf)
		}
	}
}
