// Package torrent wires the tracker client, peer pool, and piece manager
// together into a single leech session for one torrent.
package torrent

import (
	"context"
	"crypto/sha1"
	"log/slog"

	"github.com/qsn/leech/internal/config"
	"github.com/qsn/leech/internal/meta"
	"github.com/qsn/leech/internal/piece"
	"github.com/qsn/leech/internal/pool"
	"github.com/qsn/leech/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Torrent orchestrates a single leech session: one tracker, one peer pool,
// one piece manager, one on-disk store.
type Torrent struct {
	log          *slog.Logger
	meta         *meta.Metainfo
	clientID     [sha1.Size]byte
	pieceManager *piece.Manager
	store        *piece.Store
	pool         *pool.Pool
	tracker      *tracker.Tracker
}

// New builds a Torrent ready to Run. downloadDir is the directory the
// single output file is written into.
func New(m *meta.Metainfo, downloadDir string, log *slog.Logger) (*Torrent, error) {
	if len(m.Info.Files) > 0 {
		return nil, meta.ErrMultiFileUnsupported
	}

	cfg := config.Load()
	log = log.With("torrent", m.Info.Name)

	pieceManager, err := piece.NewManager(m.Info.Pieces, uint32(m.Info.PieceLength), uint64(m.Size()))
	if err != nil {
		return nil, err
	}

	store, err := piece.NewStore(m, downloadDir)
	if err != nil {
		return nil, err
	}

	t := &Torrent{
		log:          log,
		meta:         m,
		clientID:     cfg.ClientID,
		pieceManager: pieceManager,
		store:        store,
	}

	t.pool = pool.New(&pool.Opts{
		Log:          log,
		InfoHash:     m.InfoHash,
		PieceManager: pieceManager,
		Store:        store,
	})

	tr, err := tracker.NewTracker(m.Announce, m.AnnounceList, &tracker.TrackerOpts{
		Log:               log,
		OnAnnounceStart:   t.buildAnnounceParams,
		OnAnnounceSuccess: t.pool.AdmitPeers,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	t.tracker = tr

	return t, nil
}

// Run blocks until ctx is cancelled or every piece has been verified, in
// which case it announces a completed event to the tracker before
// returning.
func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return t.tracker.Run(gctx) })
	g.Go(func() error { return t.pool.Run(gctx) })

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-t.pool.Done():
			t.log.Info("download complete")

			params := t.buildAnnounceParams()
			params.Event = tracker.EventCompleted
			if _, err := t.tracker.Announce(context.Background(), params); err != nil {
				t.log.Warn("completed announce failed", "error", err.Error())
			}

			cancel()
			return nil
		}
	})

	err := g.Wait()
	t.store.Close()
	return err
}

// Progress returns the fraction of pieces verified, in [0,1].
func (t *Torrent) Progress() float64 { return t.pieceManager.Progress() }

// Metrics returns a snapshot of the underlying pool's counters.
func (t *Torrent) Metrics() pool.Metrics { return t.pool.Metrics() }

func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	cfg := config.Load()

	done := t.pieceManager.BytesDone()
	total := uint64(t.meta.Size())
	left := uint64(0)
	if total > done {
		left = total - done
	}

	event := tracker.EventNone
	if done == 0 {
		event = tracker.EventStarted
	}

	return &tracker.AnnounceParams{
		InfoHash:   t.meta.InfoHash,
		PeerID:     t.clientID,
		Uploaded:   0,
		Downloaded: done,
		Left:       left,
		Event:      event,
		NumWant:    cfg.NumWant,
		Port:       cfg.Port,
	}
}
