package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

const (
	// ChunkPrefix starts every transfer chunk and names its layout version.
	ChunkPrefix = "GV1:"

	// DefaultMaxChunkLen keeps one chunk within a single mid-size QR code.
	DefaultMaxChunkLen = 1024

	// frameOverhead bounds the CBOR framing around the data of one chunk:
	// map header, five keys, the 16-byte id, two uint16 counters, the 32-byte
	// digest and the byte-string headers.
	frameOverhead = 72

	minChunkData = 16
	maxChunks    = 1<<16 - 1
)

// frame is the CBOR body of one chunk. Integer keys keep it small.
type frame struct {
	EnvelopeID []byte `cbor:"1,keyasint"`
	Index      uint16 `cbor:"2,keyasint"`
	Count      uint16 `cbor:"3,keyasint"`
	Digest     []byte `cbor:"4,keyasint"`
	Data       []byte `cbor:"5,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(err)
	}
}

// ChunkInfo describes one decoded chunk.
type ChunkInfo struct {
	EnvelopeID string
	Index      int
	Count      int
}

// Capacity returns how many envelope bytes fit into one chunk of maxLen
// characters.
func Capacity(maxLen int) int {
	raw := base64.RawURLEncoding.DecodedLen(maxLen - len(ChunkPrefix))
	return raw - frameOverhead
}

// Chunk splits data, the serialized envelope identified by envelopeID, into
// ordered self-describing strings of at most maxLen characters each.
func Chunk(envelopeID string, data []byte, maxLen int) ([]string, error) {
	id, err := uuid.Parse(envelopeID)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope id: %v", common.ErrParameter, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: nothing to chunk", common.ErrParameter)
	}
	capacity := Capacity(maxLen)
	if capacity < minChunkData {
		return nil, fmt.Errorf("%w: chunk length %d too small", common.ErrParameter, maxLen)
	}
	count := (len(data) + capacity - 1) / capacity
	if count > maxChunks {
		return nil, fmt.Errorf("%w: %d chunks exceed the limit of %d", common.ErrParameter, count, maxChunks)
	}

	digest := sha256.Sum256(data)
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		end := min((i+1)*capacity, len(data))
		body, err := encMode.Marshal(frame{
			EnvelopeID: id[:],
			Index:      uint16(i),
			Count:      uint16(count),
			Digest:     digest[:],
			Data:       data[i*capacity : end],
		})
		if err != nil {
			return nil, err
		}
		s := ChunkPrefix + base64.RawURLEncoding.EncodeToString(body)
		if len(s) > maxLen {
			return nil, fmt.Errorf("chunk %d is %d characters, limit %d", i, len(s), maxLen)
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeChunk(s string) (*frame, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(s), ChunkPrefix)
	if !ok {
		return nil, malformed("chunk without %s prefix", ChunkPrefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, malformed("chunk encoding: %v", err)
	}
	var f frame
	if err := decMode.Unmarshal(raw, &f); err != nil {
		return nil, malformed("chunk frame: %v", err)
	}
	switch {
	case len(f.EnvelopeID) != 16:
		return nil, malformed("chunk envelope id length %d", len(f.EnvelopeID))
	case f.Count == 0 || f.Index >= f.Count:
		return nil, malformed("chunk %d of %d", f.Index, f.Count)
	case len(f.Digest) != sha256.Size:
		return nil, malformed("chunk digest length %d", len(f.Digest))
	}
	return &f, nil
}

func (f *frame) info() ChunkInfo {
	id, _ := uuid.FromBytes(f.EnvelopeID)
	return ChunkInfo{EnvelopeID: id.String(), Index: int(f.Index), Count: int(f.Count)}
}

// Inspect decodes a single chunk so a scanner can report progress.
func Inspect(s string) (ChunkInfo, error) {
	f, err := decodeChunk(s)
	if err != nil {
		return ChunkInfo{}, err
	}
	return f.info(), nil
}

// Reassemble joins chunks produced by Chunk. The set must be complete, in
// order, free of duplicates and all from one envelope; otherwise it fails
// with common.ErrMalformedBackup.
func Reassemble(chunks []string) (envelopeID string, data []byte, err error) {
	if len(chunks) == 0 {
		return "", nil, malformed("no chunks")
	}

	frames := make([]*frame, len(chunks))
	for i, s := range chunks {
		if frames[i], err = decodeChunk(s); err != nil {
			return "", nil, err
		}
	}

	first := frames[0]
	for i, f := range frames {
		switch {
		case !bytes.Equal(f.EnvelopeID, first.EnvelopeID):
			return "", nil, malformed("chunk %d belongs to another envelope", i)
		case f.Count != first.Count || !bytes.Equal(f.Digest, first.Digest):
			return "", nil, malformed("chunk %d disagrees on the chunk set", i)
		case int(f.Index) != i:
			return "", nil, malformed("chunk %d found at position %d", f.Index, i)
		}
	}
	if len(frames) != int(first.Count) {
		return "", nil, malformed("have %d of %d chunks", len(frames), first.Count)
	}

	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f.Data)
	}
	data = buf.Bytes()

	sum := sha256.Sum256(data)
	if !bytes.Equal(sum[:], first.Digest) {
		return "", nil, malformed("reassembled digest mismatch")
	}
	return first.info().EnvelopeID, data, nil
}
