package piece

import (
	"crypto/sha1"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/qsn/leech/internal/bitfield"
)

const MaxBlockLength = 16 * 1024 // 16KB

type BlockInfo struct {
	PieceIdx uint32
	Begin    uint32
	Length   uint32
}

type Status uint8

const (
	StatusWant Status = iota
	StatusInflight
	StatusDone
)

type blockOwner struct {
	peer        netip.AddrPort
	requestedAt time.Time
}

type block struct {
	requests uint32
	status   Status
	owners   []*blockOwner
}

type piece struct {
	index         uint32
	status        Status
	length        uint32
	blockCount    uint32
	lastBlockSize uint32
	doneBlocks    uint32
	verified      bool
	touched       bool // entered ongoing at least once; survives hash-mismatch rollback
	blocks        []*block
	hash          [sha1.Size]byte
}

type Manager struct {
	logger          *slog.Logger
	mut             sync.RWMutex
	pieces          []*piece
	pieceCount      uint32
	nextPiece       uint32
	nextBlock       uint32
	remainingBlocks uint32
	lastPieceLength uint32
	blockCount      uint32
	availability    *availabilityBucket
	haveBF          bitfield.Bitfield
	peerBitfields   map[netip.AddrPort]bitfield.Bitfield
	ongoingOrder    []uint32 // pieces with at least one requested block, insertion order
}

// MaxPendingRequestAge is the maximum time a block may sit assigned to a peer
// before NextRequest is willing to hand the same block to another peer that
// also claims the piece.
const MaxPendingRequestAge = 300 * time.Second

func NewManager(
	pieceHashes [][sha1.Size]byte,
	pieceLen uint32,
	size uint64,
) (*Manager, error) {
	lastPieceLen, ok := LastPieceLength(size, pieceLen)
	if !ok {
		return nil, errors.New("out of bounds")
	}

	n := len(pieceHashes)
	pieces := make([]*piece, n)
	totalBlocks := uint32(0)

	for i := 0; i < n; i++ {
		currPieceLen, _ := PieceLengthAt(uint32(i), size, pieceLen)
		blockCount, _ := BlocksInPiece(currPieceLen)
		blocks := make([]*block, blockCount)
		totalBlocks += blockCount

		for j := 0; j < int(blockCount); j++ {
			blocks[j] = &block{
				status: StatusWant,
				owners: make([]*blockOwner, 0, 2),
			}
		}

		lastBlockLen, _ := LastBlockInPiece(currPieceLen)

		pieces[i] = &piece{
			index:         uint32(i),
			doneBlocks:    0,
			status:        StatusWant,
			length:        currPieceLen,
			verified:      false,
			blocks:        blocks,
			blockCount:    blockCount,
			hash:          pieceHashes[i],
			lastBlockSize: lastBlockLen,
		}
	}

	const maxAvailability = 256 // generous upper bound on simultaneous seeders tracked per piece

	return &Manager{
		logger:          slog.Default().With("component", "piece manager"),
		pieces:          pieces,
		nextPiece:       0,
		nextBlock:       0,
		pieceCount:      uint32(n),
		remainingBlocks: totalBlocks,
		lastPieceLength: lastPieceLen,
		availability:    newAvailabilityBucket(n, maxAvailability),
		haveBF:          bitfield.New(n),
		peerBitfields:   make(map[netip.AddrPort]bitfield.Bitfield),
	}, nil
}

// OnPeerBitfield records a peer's initial bitfield and folds it into piece
// availability accounting, used to drive rarest-first ordering.
func (m *Manager) OnPeerBitfield(peer netip.AddrPort, bf bitfield.Bitfield) {
	m.mut.Lock()
	m.peerBitfields[peer] = bf
	have := m.haveBF
	m.mut.Unlock()

	for i := 0; i < int(m.pieceCount); i++ {
		if bf.Has(i) && !have.Has(i) {
			m.availability.Move(i, 1)
		}
	}
}

// OnPeerHave folds a single Have announcement into availability accounting.
func (m *Manager) OnPeerHave(peer netip.AddrPort, pieceIdx uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if pieceIdx >= m.pieceCount {
		return
	}

	bf, ok := m.peerBitfields[peer]
	if !ok {
		bf = bitfield.New(int(m.pieceCount))
		m.peerBitfields[peer] = bf
	}
	if bf.Has(int(pieceIdx)) {
		return
	}
	bf.Set(int(pieceIdx))

	if !m.haveBF.Has(int(pieceIdx)) {
		m.availability.Move(int(pieceIdx), 1)
	}
}

// OnPeerGone removes a disconnected peer's contribution to availability
// accounting.
func (m *Manager) OnPeerGone(peer netip.AddrPort) {
	m.mut.Lock()
	bf, ok := m.peerBitfields[peer]
	delete(m.peerBitfields, peer)
	have := m.haveBF
	m.mut.Unlock()

	if !ok {
		return
	}
	for i := 0; i < int(m.pieceCount); i++ {
		if bf.Has(i) && !have.Has(i) {
			m.availability.Move(i, -1)
		}
	}
}

// RarestPieceOrder returns up to limit piece indices that peerBF claims to
// have, ordered from rarest to most common availability. Used to seed
// rarest-first selection once sequential and in-progress assignment have
// been exhausted.
func (m *Manager) RarestPieceOrder(peerBF bitfield.Bitfield, limit int) []uint32 {
	var order []uint32

	for a, ok := m.availability.FirstNonEmpty(); ok && len(order) < limit; a++ {
		bucket := m.availability.Bucket(a)
		for _, idx := range bucket {
			if len(order) >= limit {
				break
			}
			if peerBF.Has(idx) {
				order = append(order, uint32(idx))
			}
		}
		if a >= m.availability.maxAvail {
			break
		}
	}

	return order
}

func (m *Manager) PieceCount() uint32 {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return m.pieceCount
}

// Have returns a copy of the bitfield of pieces verified so far, suitable
// for sending to a newly-connected peer.
func (m *Manager) Have() bitfield.Bitfield {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return append(bitfield.Bitfield(nil), m.haveBF...)
}

// Done reports whether every piece has been verified.
func (m *Manager) Done() bool {
	m.mut.RLock()
	defer m.mut.RUnlock()

	for i := uint32(0); i < m.pieceCount; i++ {
		if !m.pieces[i].verified {
			return false
		}
	}
	return true
}

// Progress returns the fraction of pieces verified, in [0,1].
func (m *Manager) Progress() float64 {
	m.mut.RLock()
	defer m.mut.RUnlock()

	if m.pieceCount == 0 {
		return 1
	}

	done := 0
	for i := uint32(0); i < m.pieceCount; i++ {
		if m.pieces[i].verified {
			done++
		}
	}
	return float64(done) / float64(m.pieceCount)
}

// BytesDone returns the total byte length of every verified piece, suitable
// for reporting `downloaded`/`left` to a tracker.
func (m *Manager) BytesDone() uint64 {
	m.mut.RLock()
	defer m.mut.RUnlock()

	var total uint64
	for i := uint32(0); i < m.pieceCount; i++ {
		if m.pieces[i].verified {
			total += uint64(m.pieces[i].length)
		}
	}
	return total
}

func (m *Manager) ResetSequentialState() {
	m.mut.Lock()
	defer m.mut.Unlock()

	m.nextPiece = 0
	m.nextBlock = 0

	for m.nextPiece < m.pieceCount && m.pieces[m.nextPiece].verified {
		m.nextPiece++
	}
}

func (m *Manager) PieceLength(pieceIdx uint32) uint32 {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return m.pieces[pieceIdx].length
}

func (m *Manager) PieceHash(pieceIdx uint32) [sha1.Size]byte {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return m.pieces[pieceIdx].hash
}

func (m *Manager) PieceComplete(pieceIdx uint32) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	piece := m.pieces[pieceIdx]
	return piece.doneBlocks == piece.blockCount
}

func (m *Manager) PieceStatus() []Status {
	m.mut.RLock()
	defer m.mut.RUnlock()

	states := make([]Status, m.pieceCount)
	for i, piece := range m.pieces {
		states[i] = piece.status
	}

	return states
}

func (m *Manager) MarkBlockComplete(peer netip.AddrPort, pieceIdx, begin uint32) []netip.AddrPort {
	m.mut.Lock()
	defer m.mut.Unlock()

	piece := m.pieces[pieceIdx]
	blockIdx, _ := BlockIndexForBegin(begin, piece.length)
	block := piece.blocks[blockIdx]
	if block.status == StatusDone {
		return nil
	}
	block.status = StatusDone
	piece.doneBlocks++

	var redundantPeers []netip.AddrPort
	for i := range block.owners {
		if block.owners[i].peer != peer {
			redundantPeers = append(redundantPeers, block.owners[i].peer)
		}
	}
	block.owners = nil

	return redundantPeers
}

func (m *Manager) MarkPieceVerified(pieceIdx uint32, ok bool) {
	m.logger.Debug("mark piece verified called", "piece", pieceIdx)

	m.mut.Lock()
	defer m.mut.Unlock()

	piece := m.pieces[pieceIdx]
	if piece.verified {
		return
	}

	if ok {
		piece.verified = true
		piece.status = StatusDone
		m.haveBF.Set(int(pieceIdx))

		if m.nextPiece == pieceIdx {
			m.nextPiece++
			m.nextBlock = 0
		}

		return
	}

	for b := 0; b < int(piece.blockCount); b++ {
		if piece.blocks[b].status == StatusDone {
			m.remainingBlocks++
		}

		piece.blocks[b].status = StatusWant
		piece.blocks[b].owners = nil
	}

	piece.doneBlocks = 0
	piece.status = StatusWant
}

func (m *Manager) AssignBlock(peer netip.AddrPort, pieceIdx, blockIdx uint32) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	_, ok := m.safeAssignBlock(peer, pieceIdx, blockIdx, 1)
	return ok
}

func (m *Manager) UnassignBlock(peer netip.AddrPort, pieceIdx, begin uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if pieceIdx >= m.pieceCount {
		return
	}

	piece := m.pieces[pieceIdx]
	blockIdx, ok := BlockIndexForBegin(begin, piece.length)
	if !ok {
		return
	}
	block := piece.blocks[blockIdx]
	n := len(block.owners)

	for i := 0; i < n; i++ {
		if block.owners[i].peer == peer {
			block.owners[i] = block.owners[n-1]
			block.owners = block.owners[:n-1]

			m.remainingBlocks++
			break
		}
	}

	if len(block.owners) == 0 && block.status != StatusDone {
		block.status = StatusWant
	}
}

func (m *Manager) AssignInProgressBlocks(
	peer netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for i := uint32(0); i < m.pieceCount && capacity > 0; i++ {
		piece := m.pieces[i]
		if piece.verified || piece.doneBlocks == 0 || !peerBF.Has(int(piece.index)) {
			continue
		}

		for j := uint32(0); j < piece.blockCount && capacity > 0; j++ {
			if piece.blocks[j].status != StatusWant {
				continue
			}

			if block, ok := m.safeAssignBlock(peer, i, j, 1); ok {
				assigned = append(assigned, block)
				capacity--
			}

			break
		}
	}

	return assigned, capacity
}

func (m *Manager) AssignEndgameBlocks(
	peer netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity, duplicateLimit uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for i := 0; i < int(m.pieceCount) && capacity > 0; i++ {
		piece := m.pieces[i]
		if piece.verified || !peerBF.Has(i) {
			continue
		}

		for j := 0; j < int(piece.blockCount) && capacity > 0; j++ {
			if piece.blocks[j].status == StatusDone {
				continue
			}

			if block, ok := m.safeAssignBlock(peer, uint32(i), uint32(j), duplicateLimit); ok {
				assigned = append(assigned, block)
				capacity--
			}
		}
	}

	return assigned, capacity
}

func (m *Manager) AssignSequentialBlocks(
	peer netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for m.nextPiece < m.pieceCount && capacity > 0 {
		// Skip verified pieces
		for m.nextPiece < m.pieceCount && m.pieces[m.nextPiece].verified {
			m.nextPiece++
			m.nextBlock = 0
		}

		if m.nextPiece >= m.pieceCount {
			break
		}

		if !peerBF.Has(int(m.nextPiece)) {
			m.nextPiece++
			m.nextBlock = 0
			continue
		}

		piece := m.pieces[m.nextPiece]
		for bi := m.nextBlock; bi < piece.blockCount && capacity > 0; bi++ {
			block, ok := m.safeAssignBlock(peer, piece.index, bi, 1)
			if ok {
				assigned = append(assigned, block)
				capacity--
				m.nextBlock = bi + 1
			}
		}

		if m.nextBlock >= piece.blockCount {
			m.nextPiece++
			m.nextBlock = 0
		}

		break
	}

	return assigned, capacity
}

func (m *Manager) AssignBlocksFromList(
	peer netip.AddrPort,
	pieceIndices []uint32,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for _, pieceIdx := range pieceIndices {
		if capacity < 1 {
			break
		}

		if pieceIdx >= m.pieceCount || m.pieces[pieceIdx].verified {
			continue
		}

		piece := m.pieces[pieceIdx]

		for blockIdx := uint32(0); blockIdx < piece.blockCount; blockIdx++ {
			block, ok := m.safeAssignBlock(peer, piece.index, blockIdx, 1)
			if ok {
				assigned = append(assigned, block)
				capacity--
				break
			}
		}
	}

	return assigned, capacity
}

func (m *Manager) safeAssignBlock(
	peer netip.AddrPort,
	pieceIdx, blockIdx uint32,
	duplicateLimit uint32,
) (*BlockInfo, bool) {
	piece := m.pieces[pieceIdx]
	block := piece.blocks[blockIdx]

	begin, length, ok := BlockBounds(piece.length, blockIdx)
	if !ok {
		return nil, false
	}

	if len(block.owners) >= int(duplicateLimit) {
		return nil, false
	}

	piece.status = StatusInflight
	block.status = StatusInflight
	block.owners = append(block.owners, &blockOwner{
		peer:        peer,
		requestedAt: time.Now(),
	})
	m.remainingBlocks--

	if !piece.touched {
		piece.touched = true
		m.ongoingOrder = append(m.ongoingOrder, pieceIdx)
	}

	return &BlockInfo{
		PieceIdx: pieceIdx,
		Begin:    begin,
		Length:   length,
	}, true
}

// NextRequest implements the single-outstanding-request-per-peer selection
// policy, in order: expired retry, continue an ongoing piece, start the
// rarest still-missing piece the peer claims to have. Returns ok=false if
// none of the three branches yields a block.
func (m *Manager) NextRequest(peerAddr netip.AddrPort, peerBF bitfield.Bitfield) (*BlockInfo, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()

	now := time.Now()

	// 1. Expired retry: re-issue a block that has been pending too long.
	for _, pi := range m.ongoingOrder {
		p := m.pieces[pi]
		if p.verified || !peerBF.Has(int(pi)) {
			continue
		}

		for bi := uint32(0); bi < p.blockCount; bi++ {
			b := p.blocks[bi]
			if b.status != StatusInflight || len(b.owners) == 0 {
				continue
			}

			owner := b.owners[0]
			if now.Sub(owner.requestedAt) <= MaxPendingRequestAge {
				continue
			}

			begin, length, ok := BlockBounds(p.length, bi)
			if !ok {
				continue
			}

			owner.requestedAt = now
			owner.peer = peerAddr

			return &BlockInfo{PieceIdx: pi, Begin: begin, Length: length}, true
		}
	}

	// 2. Continue an ongoing piece the peer can help with.
	for _, pi := range m.ongoingOrder {
		p := m.pieces[pi]
		if p.verified || !peerBF.Has(int(pi)) {
			continue
		}

		for bi := uint32(0); bi < p.blockCount; bi++ {
			if p.blocks[bi].status != StatusWant {
				continue
			}
			if blk, ok := m.safeAssignBlock(peerAddr, pi, bi, 1); ok {
				return blk, true
			}
		}
	}

	// 3. Start the rarest missing piece the peer claims to have.
	var (
		bestIdx    uint32
		bestRarity int
		found      bool
	)
	for i := uint32(0); i < m.pieceCount; i++ {
		p := m.pieces[i]
		if p.verified || p.touched || !peerBF.Has(int(i)) {
			continue
		}

		rarity := m.availability.Availability(int(i))
		if !found || rarity < bestRarity || (rarity == bestRarity && i < bestIdx) {
			found = true
			bestRarity = rarity
			bestIdx = i
		}
	}
	if !found {
		return nil, false
	}

	return m.safeAssignBlock(peerAddr, bestIdx, 0, 1)
}
