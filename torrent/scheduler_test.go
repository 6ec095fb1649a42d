package torrent

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/anacrolix/missinggo/bitmap"
	"github.com/stavrakis/seabit/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//an info dict whose piece hashes match the given flat content
func infoForData(name string, pieceLen int, data []byte) *metainfo.InfoDict {
	var hashes []byte
	for off := 0; off < len(data); off += pieceLen {
		end := off + pieceLen
		if end > len(data) {
			end = len(data)
		}
		sum := sha1.Sum(data[off:end])
		hashes = append(hashes, sum[:]...)
	}
	return &metainfo.InfoDict{
		Name:     name,
		PieceLen: pieceLen,
		Len:      int64(len(data)),
		Pieces:   hashes,
	}
}

func flatData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func connWithPieces(pieces ...int) *conn {
	c := &conn{}
	for _, i := range pieces {
		c.peerBf.Set(i, true)
	}
	return c
}

func fullBitmap(n int) bitmap.Bitmap {
	var bm bitmap.Bitmap
	for i := 0; i < n; i++ {
		bm.Set(i, true)
	}
	return bm
}

func TestPickNeverSelectsUnavailableOrVerified(t *testing.T) {
	data := flatData(4 * blockSz)
	s := newScheduler(infoForData("x", blockSz, data))
	cn := connWithPieces(1, 3)
	s.markVerified(3, nil)
	blocks := s.pickRequests(cn, 100)
	require.Len(t, blocks, 1)
	assert.Equal(t, 1, blocks[0].pc)
	//everything handed out is now requested; a second pick returns nothing
	assert.Empty(t, s.pickRequests(cn, 100))
}

func TestPickPrefersStartedPieces(t *testing.T) {
	data := flatData(3 * 2 * blockSz) //three pieces, two blocks each
	s := newScheduler(infoForData("x", 2*blockSz, data))
	first := connWithPieces(2)
	got := s.pickRequests(first, 1)
	require.Len(t, got, 1)
	require.Equal(t, 2, got[0].pc)
	//a second peer with every piece must finish piece 2 before fresh ones
	second := connWithPieces(0, 1, 2)
	got = s.pickRequests(second, 1)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].pc)
}

func TestPickRarestFirst(t *testing.T) {
	data := flatData(3 * blockSz)
	s := newScheduler(infoForData("x", blockSz, data))
	//pieces 0 and 2 are announced by one peer more than piece 1
	for _, bm := range []bitmap.Bitmap{fullBitmap(3), fullBitmap(3)} {
		s.addAvail(bm)
	}
	s.addHave(0)
	s.addHave(2)
	cn := connWithPieces(0, 1, 2)
	got := s.pickRequests(cn, 1)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].pc)
}

func TestNoDuplicateInflightAcrossPeers(t *testing.T) {
	data := flatData(2 * blockSz)
	s := newScheduler(infoForData("x", blockSz, data))
	a := connWithPieces(0, 1)
	b := connWithPieces(0, 1)
	got := s.pickRequests(a, 100)
	require.Len(t, got, 2)
	//nothing idle remains for the second peer
	assert.Empty(t, s.pickRequests(b, 100))
	seen := map[block]struct{}{}
	for _, bl := range got {
		_, dup := seen[bl]
		require.False(t, dup)
		seen[bl] = struct{}{}
	}
}

func TestRecordBlockAssemblesAndVerifies(t *testing.T) {
	data := flatData(blockSz + 100)
	s := newScheduler(infoForData("x", blockSz+100, data))
	cn := connWithPieces(0)
	blocks := s.pickRequests(cn, 10)
	require.Len(t, blocks, 2)
	res := s.recordBlock(cn, 0, 0, data[:blockSz])
	assert.True(t, res.accepted)
	assert.False(t, res.completed)
	res = s.recordBlock(cn, 0, blockSz, data[blockSz:])
	require.True(t, res.completed)
	require.True(t, res.ok)
	assert.Equal(t, data, res.pieceData)
	s.markVerified(0, cn)
	verified, fraction, complete := s.progress()
	assert.EqualValues(t, len(data), verified)
	assert.Equal(t, 1.0, fraction)
	assert.True(t, complete)
	assert.EqualValues(t, 0, s.inflight[cn])
}

func TestRecordBlockDropsMismatched(t *testing.T) {
	data := flatData(2 * blockSz)
	s := newScheduler(infoForData("x", blockSz, data))
	cn := connWithPieces(0, 1)
	//never requested but well-formed: accepted
	res := s.recordBlock(cn, 0, 0, data[:blockSz])
	assert.True(t, res.accepted)
	//bad length, unaligned offset, bad piece: dropped
	assert.False(t, s.recordBlock(cn, 1, 0, data[:100]).accepted)
	assert.False(t, s.recordBlock(cn, 1, 5, data[:blockSz]).accepted)
	assert.False(t, s.recordBlock(cn, 9, 0, data[:blockSz]).accepted)
	//duplicate of a received block: dropped
	assert.False(t, s.recordBlock(cn, 0, 0, data[:blockSz]).accepted)
}

func TestHashFailureResetsAndEscalates(t *testing.T) {
	data := flatData(blockSz)
	s := newScheduler(infoForData("x", blockSz, data))
	cn := connWithPieces(0)
	bad := make([]byte, blockSz)
	for round := 1; round <= maxPeerHashFails; round++ {
		s.pickRequests(cn, 1)
		res := s.recordBlock(cn, 0, 0, bad)
		require.True(t, res.completed)
		require.False(t, res.ok)
		assert.Equal(t, round, s.consecutiveFails)
		assert.Equal(t, round >= maxPeerHashFails, res.dropPeer, "round %d", round)
		//all blocks are immediately idle again for re-download
		assert.True(t, s.pieces[0].hasIdleBlocks())
	}
	//demoted peers get a shortened pipeline
	assert.Equal(t, 1, s.maxInflightFor(cn))
	//an honest peer still completes the piece
	honest := connWithPieces(0)
	s.pickRequests(honest, 1)
	res := s.recordBlock(honest, 0, 0, data)
	require.True(t, res.ok)
	s.markVerified(0, honest)
	assert.Equal(t, 0, s.consecutiveFails)
	assert.True(t, s.isComplete())
}

func TestReannounceThresholdFiresOnce(t *testing.T) {
	s := newScheduler(infoForData("x", blockSz, flatData(blockSz)))
	s.consecutiveFails = failReannounceThreshold
	assert.True(t, s.needReannounce())
	assert.False(t, s.needReannounce())
	s.consecutiveFails = failCeiling
	assert.True(t, s.failed())
}

func TestConnDroppedRecyclesRequests(t *testing.T) {
	data := flatData(2 * blockSz)
	s := newScheduler(infoForData("x", blockSz, data))
	cn := connWithPieces(0, 1)
	require.Len(t, s.pickRequests(cn, 2), 2)
	s.onConnDropped(cn)
	//mid-piece loss escalates once
	assert.Equal(t, 1, s.consecutiveFails)
	other := connWithPieces(0, 1)
	assert.Len(t, s.pickRequests(other, 2), 2)
}

func TestChokeRecyclesWithoutEscalation(t *testing.T) {
	data := flatData(blockSz)
	s := newScheduler(infoForData("x", blockSz, data))
	cn := connWithPieces(0)
	require.Len(t, s.pickRequests(cn, 1), 1)
	s.onConnChoked(cn)
	assert.Equal(t, 0, s.consecutiveFails)
	assert.Equal(t, 0, s.inflight[cn])
	//the same peer can re-request after an unchoke
	assert.Len(t, s.pickRequests(cn, 1), 1)
}

func TestReapTimeouts(t *testing.T) {
	data := flatData(blockSz)
	s := newScheduler(infoForData("x", blockSz, data))
	cn := connWithPieces(0)
	require.Len(t, s.pickRequests(cn, 1), 1)
	assert.Equal(t, 0, s.reapTimeouts(time.Now()))
	assert.Equal(t, 1, s.reapTimeouts(time.Now().Add(requestTimeout+time.Second)))
	assert.Equal(t, 0, s.inflight[cn])
	assert.True(t, s.pieces[0].hasIdleBlocks())
}

func TestPeerInteresting(t *testing.T) {
	data := flatData(2 * blockSz)
	s := newScheduler(infoForData("x", blockSz, data))
	var bm bitmap.Bitmap
	bm.Set(0, true)
	assert.True(t, s.peerInteresting(bm))
	s.markVerified(0, nil)
	assert.False(t, s.peerInteresting(bm))
	bm.Set(1, true)
	assert.True(t, s.peerInteresting(bm))
}
