// Package pool implements the peer pool/supervisor: a fixed number of worker
// goroutines that drain an address queue, dial and run one peer connection
// at a time, and feed that connection's callbacks into the piece manager and
// on-disk store. There is no choke algorithm or upload-slot logic here — the
// client never seeds.
package pool

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/qsn/leech/internal/bitfield"
	"github.com/qsn/leech/internal/config"
	"github.com/qsn/leech/internal/peer"
	"github.com/qsn/leech/internal/piece"
)

// MaxPeerConnections is the fixed number of worker goroutines the pool
// maintains.
const MaxPeerConnections = 40

type Opts struct {
	Log          *slog.Logger
	InfoHash     [sha1.Size]byte
	PieceManager *piece.Manager
	Store        *piece.Store
}

// Pool owns the set of live peer connections and the address queue that
// feeds them.
type Pool struct {
	log          *slog.Logger
	infoHash     [sha1.Size]byte
	pieceManager *piece.Manager
	store        *piece.Store
	peerMut      sync.RWMutex
	peers        map[netip.AddrPort]*peer.Peer
	addrCh       chan netip.AddrPort
	stats        *Stats
	done         chan struct{}
	doneOnce     sync.Once
}

// Stats holds aggregate pool counters guarded by its own mutex; per-peer
// download rate lives on each peer.Peer and is summed in Metrics instead of
// duplicated here.
type Stats struct {
	mu              sync.Mutex
	TotalPeers      int
	ConnectedPeers  int
	FailedDials     int
	TotalDownloaded uint64
}

// Metrics is a point-in-time snapshot of the pool's aggregate counters, safe
// to copy and hand to a caller.
type Metrics struct {
	ConnectedPeers  int
	FailedDials     int
	TotalDownloaded uint64
	DownloadRate    uint64
	Progress        float64
}

func New(opts *Opts) *Pool {
	return &Pool{
		log:          opts.Log.With("component", "pool"),
		infoHash:     opts.InfoHash,
		pieceManager: opts.PieceManager,
		store:        opts.Store,
		peers:        make(map[netip.AddrPort]*peer.Peer),
		addrCh:       make(chan netip.AddrPort, MaxPeerConnections*4),
		stats:        &Stats{},
		done:         make(chan struct{}),
	}
}

// Run starts MaxPeerConnections dialer workers plus the maintenance and
// completion-watch loops. It returns when ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := 0; i < MaxPeerConnections; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintenanceLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.completionWatchLoop(ctx)
	}()

	wg.Wait()
	return nil
}

// Done returns a channel that is closed once every piece has been verified.
func (p *Pool) Done() <-chan struct{} { return p.done }

// AdmitPeers empties the address queue of whatever stale addresses an
// earlier announce left behind, then refills it with addrs. Already-
// connected peers are re-queued harmlessly (workerLoop's alreadyConnected
// check drops them before dialing); a full queue drops the remainder and logs, since the
// next announce will offer peers again.
func (p *Pool) AdmitPeers(addrs []netip.AddrPort) {
	draining := true
	for draining {
		select {
		case <-p.addrCh:
		default:
			draining = false
		}
	}

	for _, addr := range addrs {
		select {
		case p.addrCh <- addr:
		default:
			p.log.Warn("address queue full; dropping peer", "addr", addr)
		}
	}
}

// Metrics returns a snapshot of the pool's aggregate counters. DownloadRate
// sums each live peer's own smoothed rate (see peer.Peer.Stats).
func (p *Pool) Metrics() Metrics {
	p.stats.mu.Lock()
	connected, failed, downloaded := p.stats.ConnectedPeers, p.stats.FailedDials, p.stats.TotalDownloaded
	p.stats.mu.Unlock()

	var rate uint64
	p.peerMut.RLock()
	for _, pr := range p.peers {
		rate += pr.Stats().DownloadRate
	}
	p.peerMut.RUnlock()

	return Metrics{
		ConnectedPeers:  connected,
		FailedDials:     failed,
		TotalDownloaded: downloaded,
		DownloadRate:    rate,
		Progress:        p.pieceManager.Progress(),
	}
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case addr, ok := <-p.addrCh:
			if !ok {
				return
			}

			if p.alreadyConnected(addr) {
				continue
			}

			pr, err := p.dial(ctx, addr)
			if err != nil {
				p.stats.mu.Lock()
				p.stats.FailedDials++
				p.stats.mu.Unlock()

				p.log.Debug("dial failed", "addr", addr, "error", err.Error())
				continue
			}

			p.addPeer(addr, pr)
			p.stats.mu.Lock()
			p.stats.TotalPeers++
			p.stats.ConnectedPeers = len(p.peers)
			p.stats.mu.Unlock()

			// Run blocks for the lifetime of the connection; the worker is
			// unavailable to dial new addresses until it returns.
			_ = pr.Run(ctx)

			p.removePeer(addr)
			p.stats.mu.Lock()
			p.stats.ConnectedPeers = len(p.peers)
			p.stats.mu.Unlock()
		}
	}
}

func (p *Pool) alreadyConnected(addr netip.AddrPort) bool {
	p.peerMut.RLock()
	defer p.peerMut.RUnlock()

	_, ok := p.peers[addr]
	return ok
}

func (p *Pool) dial(ctx context.Context, addr netip.AddrPort) (*peer.Peer, error) {
	return peer.NewPeer(ctx, addr, &peer.PeerOpts{
		Log:          p.log,
		PieceCount:   int(p.pieceManager.PieceCount()),
		InfoHash:     p.infoHash,
		OnBitfield:   p.onBitfield,
		OnHave:       p.onHave,
		OnDisconnect: p.onDisconnect,
		OnHandshake:  p.onHandshake,
		OnPiece:      p.onPiece,
		RequestWork:  p.requestWork,
	})
}

func (p *Pool) addPeer(addr netip.AddrPort, pr *peer.Peer) {
	p.peerMut.Lock()
	p.peers[addr] = pr
	p.peerMut.Unlock()
}

func (p *Pool) removePeer(addr netip.AddrPort) {
	p.peerMut.Lock()
	delete(p.peers, addr)
	p.peerMut.Unlock()

	p.pieceManager.OnPeerGone(addr)
}

func (p *Pool) onHandshake(addr netip.AddrPort) {
	p.log.Debug("handshake complete", "addr", addr)
}

func (p *Pool) onBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	p.pieceManager.OnPeerBitfield(addr, bf)
}

func (p *Pool) onHave(addr netip.AddrPort, pieceIdx int) {
	p.pieceManager.OnPeerHave(addr, uint32(pieceIdx))
}

func (p *Pool) onDisconnect(addr netip.AddrPort) {
	p.pieceManager.OnPeerGone(addr)
}

func (p *Pool) requestWork(addr netip.AddrPort, peerBF bitfield.Bitfield) (*piece.BlockInfo, bool) {
	return p.pieceManager.NextRequest(addr, peerBF)
}

// onPiece is the commit path: buffer the block, and once its piece is fully
// buffered, verify its hash and either promote it to have (write path) or
// roll it back to missing (corruption path).
func (p *Pool) onPiece(addr netip.AddrPort, pieceIdx, begin int, block []byte) {
	p.stats.mu.Lock()
	p.stats.TotalDownloaded += uint64(len(block))
	p.stats.mu.Unlock()

	p.pieceManager.MarkBlockComplete(addr, uint32(pieceIdx), uint32(begin))

	done, ok, err := p.store.BufferBlock(uint32(pieceIdx), uint32(begin), block)
	if err != nil {
		p.log.Error("failed to buffer block", "piece", pieceIdx, "begin", begin, "error", err.Error())
		return
	}
	if !done {
		return
	}

	p.pieceManager.MarkPieceVerified(uint32(pieceIdx), ok)

	if !ok {
		p.log.Warn("piece hash mismatch; re-downloading", "piece", pieceIdx)
		return
	}

	p.log.Info("piece verified", "piece", pieceIdx, "progress", p.pieceManager.Progress())
}

// maintenanceLoop force-closes peers that have made no progress for
// cfg.PeerInactivityDuration. workerLoop's own post-Run cleanup removes them
// from p.peers and feeds the address back to the dialer on the next
// announce.
func (p *Pool) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			maxIdle := config.Load().PeerInactivityDuration

			var idle []*peer.Peer
			p.peerMut.RLock()
			for _, pr := range p.peers {
				if pr.Idleness() > maxIdle {
					idle = append(idle, pr)
				}
			}
			p.peerMut.RUnlock()

			for _, pr := range idle {
				pr.Close()
			}

			if n := len(idle); n > 0 {
				p.log.Info("closed idle peers", "count", n)
			}
		}
	}
}

func (p *Pool) completionWatchLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.pieceManager.Done() {
				p.doneOnce.Do(func() { close(p.done) })
				return
			}
		}
	}
}
