package record

import (
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pjanec/fastdataplane/ecs"
	"github.com/pjanec/fastdataplane/internal/logging"
)

// FrameInfo is one entry of the in-memory frame index built at open.
type FrameInfo struct {
	Offset    int64
	CompLen   uint32
	UncompLen uint32
	Tick      uint64
	Kind      FrameKind
}

// Playback replays a recording into a repository: step forward and
// backward, random-access seek by frame index or by tick. The repository
// must have registered the same component and event types in the same
// order as the recording one.
type Playback struct {
	src    io.ReaderAt
	closer io.Closer
	size   int64
	log    *slog.Logger

	header FileHeader
	frames []FrameInfo
	meta   *Meta

	cur int

	// owned tracks the entity indices this playback materialized, so a
	// keyframe replaces exactly the recorded population and leaves local
	// entities alone.
	owned map[uint32]struct{}

	// chunkBase maps an archetype mask to the repository chunk index that
	// corresponds to the recording's chunk 0, rebuilt at each keyframe.
	chunkBase map[ecs.Mask]int

	buf  []byte
	comp []byte
}

// Open scans a recording (or a seekable-zstd archive of one) and builds the
// frame index. Files with wrong magic or format version are rejected.
func Open(path string, logger *slog.Logger) (*Playback, error) {
	src, closer, size, err := OpenRaw(path)
	if err != nil {
		return nil, fmt.Errorf("playback: %w", err)
	}

	p := &Playback{
		src:       src,
		closer:    closer,
		size:      size,
		log:       logging.Default(logger).With("component", "playback"),
		cur:       -1,
		owned:     make(map[uint32]struct{}),
		chunkBase: make(map[ecs.Mask]int),
	}
	if err := p.scan(); err != nil {
		closer.Close()
		return nil, err
	}
	if m, err := LoadMeta(path); err == nil {
		p.meta = &m
	}
	return p, nil
}

func (p *Playback) scan() error {
	hdr := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(io.NewSectionReader(p.src, 0, p.size), hdr); err != nil {
		return ErrTruncated
	}
	h, err := decodeFileHeader(hdr)
	if err != nil {
		return err
	}
	p.header = h

	off := int64(fileHeaderSize)
	var fh [frameHeaderSize]byte
	for off < p.size {
		if _, err := p.src.ReadAt(fh[:], off); err != nil {
			return ErrTruncated
		}
		h, err := decodeFrameHeader(fh[:])
		if err != nil {
			return err
		}
		if off+int64(frameHeaderSize)+int64(h.CompLen) > p.size {
			return ErrTruncated
		}
		p.frames = append(p.frames, FrameInfo{
			Offset:    off,
			CompLen:   h.CompLen,
			UncompLen: h.UncompLen,
			Tick:      h.Tick,
			Kind:      h.Kind,
		})
		off += int64(frameHeaderSize) + int64(h.CompLen)
	}
	return nil
}

// Close releases the underlying file or archive reader.
func (p *Playback) Close() error {
	return p.closer.Close()
}

// Header returns the validated global file header.
func (p *Playback) Header() FileHeader { return p.header }

// Meta returns the advisory sidecar, nil when absent.
func (p *Playback) Meta() *Meta { return p.meta }

// TotalFrames returns the number of frames in the recording.
func (p *Playback) TotalFrames() int { return len(p.frames) }

// CurrentFrame returns the applied frame index, -1 before the first apply.
func (p *Playback) CurrentFrame() int { return p.cur }

// IsAtEnd reports whether the last frame has been applied.
func (p *Playback) IsAtEnd() bool { return p.cur == len(p.frames)-1 }

// Frames returns a copy of the frame index.
func (p *Playback) Frames() []FrameInfo {
	out := make([]FrameInfo, len(p.frames))
	copy(out, p.frames)
	return out
}

// readPayload reads and decompresses frame i, validating the duplicated
// in-payload header against the frame index.
func (p *Playback) readPayload(i int) (*payloadReader, error) {
	fi := p.frames[i]
	if cap(p.comp) < int(fi.CompLen) {
		p.comp = make([]byte, fi.CompLen)
	}
	comp := p.comp[:fi.CompLen]
	if _, err := p.src.ReadAt(comp, fi.Offset+frameHeaderSize); err != nil {
		return nil, fmt.Errorf("playback: read frame %d: %w", i, err)
	}
	var payload []byte
	if fi.CompLen == fi.UncompLen {
		payload = comp
	} else {
		if cap(p.buf) < int(fi.UncompLen) {
			p.buf = make([]byte, fi.UncompLen)
		}
		n, err := lz4.UncompressBlock(comp, p.buf[:fi.UncompLen])
		if err != nil {
			return nil, fmt.Errorf("playback: frame %d: %w", i, err)
		}
		if n != int(fi.UncompLen) {
			return nil, ErrCorruptFrame
		}
		payload = p.buf[:n]
	}

	r := &payloadReader{buf: payload}
	tick, err := r.u64()
	if err != nil {
		return nil, err
	}
	kind, err := r.u8()
	if err != nil {
		return nil, err
	}
	if tick != fi.Tick || FrameKind(kind) != fi.Kind {
		return nil, ErrCorruptFrame
	}
	return r, nil
}

// VerifyFrames decompresses and validates every frame without applying it.
func (p *Playback) VerifyFrames() error {
	for i := range p.frames {
		if _, err := p.readPayload(i); err != nil {
			return err
		}
	}
	return nil
}

// StepForward applies the next frame.
func (p *Playback) StepForward(repo *ecs.Repo) error {
	if p.IsAtEnd() {
		return ErrOutOfRange
	}
	next := p.cur + 1
	fi := p.frames[next]
	if fi.Kind == FrameDelta && p.cur < 0 {
		return ErrNoKeyframe
	}
	if err := p.apply(repo, next); err != nil {
		return err
	}
	p.cur = next
	return nil
}

// StepBackward re-winds one frame: it finds the previous keyframe, applies
// it and re-applies the deltas up to the preceding frame.
func (p *Playback) StepBackward(repo *ecs.Repo) error {
	if p.cur <= 0 {
		return ErrOutOfRange
	}
	return p.SeekToFrame(repo, p.cur-1)
}

// SeekToFrame brings the repository to the state after frame n: the latest
// keyframe at or before n, then each delta in order. Seeking to the current
// frame is a no-op, which makes SeekToFrame idempotent.
func (p *Playback) SeekToFrame(repo *ecs.Repo, n int) error {
	if n < 0 || n >= len(p.frames) {
		return ErrOutOfRange
	}
	if n == p.cur {
		return nil
	}
	k := -1
	for i := n; i >= 0; i-- {
		if p.frames[i].Kind == FrameKeyframe {
			k = i
			break
		}
	}
	if k < 0 {
		return ErrNoKeyframe
	}
	for i := k; i <= n; i++ {
		if err := p.apply(repo, i); err != nil {
			return err
		}
	}
	p.cur = n
	return nil
}

// SeekToTick seeks to the smallest frame whose tick is >= tick, or to the
// last frame when every recorded tick is smaller.
func (p *Playback) SeekToTick(repo *ecs.Repo, tick uint64) error {
	if len(p.frames) == 0 {
		return ErrOutOfRange
	}
	n := sort.Search(len(p.frames), func(i int) bool {
		return p.frames[i].Tick >= tick
	})
	if n == len(p.frames) {
		n = len(p.frames) - 1
	}
	return p.SeekToFrame(repo, n)
}

// PlayToEnd applies every remaining frame.
func (p *Playback) PlayToEnd(repo *ecs.Repo) error {
	for !p.IsAtEnd() {
		if err := p.StepForward(repo); err != nil {
			return err
		}
	}
	return nil
}

func (p *Playback) apply(repo *ecs.Repo, i int) error {
	r, err := p.readPayload(i)
	if err != nil {
		return err
	}
	fi := p.frames[i]
	if err := repo.BeginRestore(); err != nil {
		return err
	}
	defer repo.EndRestore(fi.Tick)
	if fi.Kind == FrameKeyframe {
		return p.applyKeyframe(repo, r)
	}
	return p.applyDelta(repo, r)
}

// applyKeyframe replaces the recorded population: every entity this
// playback materialized earlier is destroyed, then the frame's entities and
// chunks are rebuilt.
func (p *Playback) applyKeyframe(repo *ecs.Repo, r *payloadReader) error {
	for idx := range p.owned {
		repo.RestoreDestroy(idx)
	}
	repo.RestoreCompact()
	clear(p.owned)
	clear(p.chunkBase)

	entityCount, err := r.u32()
	if err != nil {
		return err
	}
	maxIdx := uint32(0)
	type entityRec struct {
		idx   uint32
		gen   uint16
		state ecs.Lifecycle
	}
	recs := make([]entityRec, 0, entityCount)
	for n := uint32(0); n < entityCount; n++ {
		raw, err := r.take(entityTableBytes)
		if err != nil {
			return err
		}
		rec := entityRec{
			idx:   uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24,
			gen:   uint16(raw[4]) | uint16(raw[5])<<8,
			state: ecs.Lifecycle(raw[entityTableBytes-1]),
		}
		recs = append(recs, rec)
		if rec.idx > maxIdx {
			maxIdx = rec.idx
		}
	}
	repo.ReserveIDRange(maxIdx + 1)
	for _, rec := range recs {
		if err := repo.RestoreEntity(rec.idx, rec.gen, rec.state); err != nil {
			return fmt.Errorf("playback: entity %d: %w", rec.idx, err)
		}
		p.owned[rec.idx] = struct{}{}
	}

	archCount, err := r.u32()
	if err != nil {
		return err
	}
	for a := uint32(0); a < archCount; a++ {
		mask, err := r.mask()
		if err != nil {
			return err
		}
		chunkCount, err := r.u32()
		if err != nil {
			return err
		}
		p.chunkBase[mask] = repo.ChunkCount(mask)
		for c := uint32(0); c < chunkCount; c++ {
			if _, err := r.u32(); err != nil { // row_count, implied by columns
				return err
			}
			colCount, err := r.u16()
			if err != nil {
				return err
			}
			var entities []ecs.Entity
			var cols []ecs.RestoreColumn
			for col := uint16(0); col < colCount; col++ {
				typeID, err := r.u16()
				if err != nil {
					return err
				}
				byteLen, err := r.u32()
				if err != nil {
					return err
				}
				data, err := r.take(int(byteLen))
				if err != nil {
					return err
				}
				if typeID == entityColumnID {
					if entities, err = decodeEntityColumn(data); err != nil {
						return err
					}
					continue
				}
				cols = append(cols, ecs.RestoreColumn{Type: ecs.TypeID(typeID), Data: data})
			}
			if entities == nil && colCount > 0 {
				return ErrCorruptFrame
			}
			if _, err := repo.RestoreChunk(mask, entities, cols); err != nil {
				return fmt.Errorf("playback: chunk: %w", err)
			}
		}
	}
	return nil
}

// applyDelta overwrites the carried columns and processes destructions and
// recorded events.
func (p *Playback) applyDelta(repo *ecs.Repo, r *payloadReader) error {
	destroyedCount, err := r.u32()
	if err != nil {
		return err
	}
	for n := uint32(0); n < destroyedCount; n++ {
		idx, err := r.u32()
		if err != nil {
			return err
		}
		repo.RestoreMarkDead(idx)
		delete(p.owned, idx)
	}

	entryCount, err := r.u32()
	if err != nil {
		return err
	}
	for n := uint32(0); n < entryCount; n++ {
		mask, err := r.mask()
		if err != nil {
			return err
		}
		chunkID, err := r.u32()
		if err != nil {
			return err
		}
		typeID, err := r.u16()
		if err != nil {
			return err
		}
		if _, err := r.u32(); err != nil { // row_count, implied by byte_len
			return err
		}
		byteLen, err := r.u32()
		if err != nil {
			return err
		}
		data, err := r.take(int(byteLen))
		if err != nil {
			return err
		}

		base, ok := p.chunkBase[mask]
		if !ok {
			base = repo.ChunkCount(mask)
			p.chunkBase[mask] = base
		}
		ci := base + int(chunkID)

		if typeID == entityColumnID {
			entities, err := decodeEntityColumn(data)
			if err != nil {
				return err
			}
			if err := repo.RestoreChunkEntities(mask, ci, entities); err != nil {
				return fmt.Errorf("playback: chunk entities: %w", err)
			}
			for _, e := range entities {
				p.owned[e.Index] = struct{}{}
			}
			continue
		}
		if err := repo.RestoreChunkColumn(mask, ci, ecs.TypeID(typeID), data); err != nil {
			return fmt.Errorf("playback: column: %w", err)
		}
	}

	if r.remaining() > 0 {
		return p.applyEvents(repo, r)
	}
	return nil
}

// applyEvents republishes recorded events into the repository's bus.
func (p *Playback) applyEvents(repo *ecs.Repo, r *payloadReader) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	bus := repo.Events()
	for n := uint32(0); n < count; n++ {
		id, err := r.u16()
		if err != nil {
			return err
		}
		managed, err := r.u8()
		if err != nil {
			return err
		}
		byteLen, err := r.u32()
		if err != nil {
			return err
		}
		data, err := r.take(int(byteLen))
		if err != nil {
			return err
		}
		if managed == 0 {
			bus.AppendRecorded(ecs.EventID(id), data)
			continue
		}
		typ, isManaged, ok := bus.EventType(ecs.EventID(id))
		if !ok || !isManaged {
			return ErrCorruptFrame
		}
		er := &payloadReader{buf: data}
		elems, err := er.u32()
		if err != nil {
			return err
		}
		for e := uint32(0); e < elems; e++ {
			elemLen, err := er.u32()
			if err != nil {
				return err
			}
			elem, err := er.take(int(elemLen))
			if err != nil {
				return err
			}
			ptr := reflect.New(typ)
			if err := msgpack.Unmarshal(elem, ptr.Interface()); err != nil {
				return fmt.Errorf("playback: managed event: %w", err)
			}
			bus.AppendRecordedObj(ecs.EventID(id), ptr.Elem().Interface())
		}
	}
	return nil
}
