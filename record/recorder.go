package record

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"time"

	"github.com/cespare/xxhash/v2"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pjanec/fastdataplane/ecs"
	"github.com/pjanec/fastdataplane/internal/logging"
)

// DefaultBufferSize is the capture buffer size: two of these are held for
// the duration of the recording.
const DefaultBufferSize = 32 << 20

// Options configures a recorder.
type Options struct {
	// Name labels the recording in the meta sidecar. Empty picks a
	// generated name.
	Name string

	// Blocking makes CaptureFrame wait for the in-flight frame instead of
	// dropping the new one.
	Blocking bool

	// KeyframeInterval emits a keyframe every Nth captured frame. 0 emits
	// keyframes only when forced (first frame, after a drop).
	KeyframeInterval int

	// MinRecordableID excludes entities with a lower index from every
	// frame.
	MinRecordableID uint32

	// BufferSize overrides DefaultBufferSize.
	BufferSize int

	// RecordEvents appends the tick's pending events to delta frames.
	RecordEvents bool

	Logger *slog.Logger
}

type job struct {
	payload []byte
	tick    uint64
	kind    FrameKind
}

// Recorder captures repository state into a framed LZ4-compressed file.
// Serialization runs on the tick thread into the front buffer; a single
// background worker compresses and writes the back buffer. When the worker
// is still busy and the recorder is non-blocking, the frame is dropped and
// the next capture is forced to be a keyframe.
type Recorder struct {
	repo *ecs.Repo
	opts Options
	log  *slog.Logger

	f    *os.File
	path string

	front []byte
	spare []byte

	jobs       chan job
	done       chan error
	workerExit chan struct{}
	pending    bool

	// worker-owned state
	comp       []byte
	compressor lz4.Compressor
	hash       *xxhash.Digest
	written    int64

	recorded  uint64
	keyframes uint64
	dropped   uint64
	lastErr   error

	forceKeyframe    bool
	sinceKeyframe    int
	prevTick         uint64
	lastTick         uint64
	maxEntity        uint32
	pendingDestroyed []uint32

	// chunkCounts remembers each archetype's chunk count as of the last
	// captured frame, so deltas can emit explicit zero-row entries for
	// chunks retired since then.
	chunkCounts map[ecs.Mask]int

	sessionID uuid.UUID
	createdAt time.Time
	closed    bool
}

// New opens path for writing, emits the global file header and starts the
// compression worker. The caller must Close the recorder to flush and to
// write the meta sidecar.
func New(repo *ecs.Repo, path string, opts Options) (*Recorder, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Name == "" {
		opts.Name = petname.Generate(2, "-")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	r := &Recorder{
		repo:       repo,
		opts:       opts,
		log:        logging.Default(opts.Logger).With("component", "recorder"),
		f:          f,
		path:       path,
		front:      make([]byte, 0, opts.BufferSize),
		spare:      make([]byte, 0, opts.BufferSize),
		jobs:       make(chan job, 1),
		done:       make(chan error, 1),
		workerExit: make(chan struct{}),
		chunkCounts: make(map[ecs.Mask]int),
		hash:       xxhash.New(),
		sessionID:  uuid.New(),
		createdAt:  time.Now().UTC(),
	}
	hdr := encodeFileHeader(FileHeader{Version: FormatVersion, Timestamp: r.createdAt.Unix()})
	if err := r.write(hdr); err != nil {
		f.Close()
		return nil, err
	}
	repo.AttachRecorder()
	go r.worker()
	r.log.Info("recording started", "path", path, "name", opts.Name, "session", r.sessionID)
	return r, nil
}

// RecordedFrames returns the number of frames handed to the worker.
func (r *Recorder) RecordedFrames() uint64 { return r.recorded }

// DroppedFrames returns the number of captures skipped because the worker
// was busy or the capture buffer overflowed.
func (r *Recorder) DroppedFrames() uint64 { return r.dropped }

// LastError returns the stored worker failure, if any.
func (r *Recorder) LastError() error { return r.lastErr }

// CaptureKeyframe captures a full snapshot of every recordable column.
func (r *Recorder) CaptureKeyframe() error {
	return r.capture(FrameKeyframe)
}

// CaptureFrame captures a delta frame: the columns modified since the
// previous captured tick plus the destructions since then. The keyframe
// policy may upgrade the frame to a keyframe.
func (r *Recorder) CaptureFrame() error {
	kind := FrameDelta
	if r.recorded == 0 || r.forceKeyframe {
		kind = FrameKeyframe
	} else if r.opts.KeyframeInterval > 0 && r.sinceKeyframe >= r.opts.KeyframeInterval {
		kind = FrameKeyframe
	}
	return r.capture(kind)
}

func (r *Recorder) capture(kind FrameKind) error {
	if r.closed {
		return ErrClosed
	}
	if r.lastErr != nil {
		return r.lastErr
	}
	if r.pending {
		if r.opts.Blocking {
			r.collect(<-r.done)
		} else {
			select {
			case err := <-r.done:
				r.collect(err)
			default:
				r.dropped++
				r.forceKeyframe = true
				return nil
			}
		}
		if r.lastErr != nil {
			return r.lastErr
		}
	}

	tick := r.repo.Version()
	r.pendingDestroyed = append(r.pendingDestroyed, r.repo.DrainDestroyed(r.opts.MinRecordableID)...)

	w := &payloadWriter{buf: r.front[:0], max: r.opts.BufferSize}
	w.u64(tick)
	w.u8(byte(kind))
	if kind == FrameKeyframe {
		r.writeKeyframe(w)
	} else {
		r.writeDelta(w, r.prevTick)
	}
	if w.overflow {
		r.dropped++
		r.forceKeyframe = true
		r.log.Warn("capture buffer full, frame dropped", "tick", tick)
		return nil
	}

	payload := w.buf
	r.front = r.spare
	r.spare = payload[:0]
	r.jobs <- job{payload: payload, tick: tick, kind: kind}
	r.pending = true

	r.recorded++
	if kind == FrameKeyframe {
		r.keyframes++
		r.sinceKeyframe = 1
		r.forceKeyframe = false
		r.pendingDestroyed = r.pendingDestroyed[:0]
	} else {
		r.sinceKeyframe++
		r.pendingDestroyed = r.pendingDestroyed[:0]
	}
	r.prevTick = tick
	r.lastTick = tick
	return nil
}

func (r *Recorder) collect(err error) {
	r.pending = false
	if err != nil && r.lastErr == nil {
		r.lastErr = err
		r.log.Error("recording worker failed", "error", err)
	}
}

// recordableRows lists the chunk rows whose entity index clears the
// recordable floor. A nil result with full=true means every row qualifies.
func (r *Recorder) recordableRows(cv ecs.ChunkView) ([]int, bool) {
	min := r.opts.MinRecordableID
	if min == 0 {
		return nil, true
	}
	ents := cv.Entities()
	rows := make([]int, 0, len(ents))
	for i, e := range ents {
		if e.Index >= min {
			rows = append(rows, i)
		}
	}
	return rows, false
}

// writeEntityColumn emits the byte_len and handle bytes of the entity
// pseudo-column for the filtered rows of a chunk. The caller writes the
// column's type id.
func writeEntityColumn(w *payloadWriter, cv ecs.ChunkView, rows []int, full bool) {
	ents := cv.Entities()
	if full {
		w.u32(uint32(len(ents) * entityRecBytes))
		for _, e := range ents {
			w.entity(e)
		}
		return
	}
	w.u32(uint32(len(rows) * entityRecBytes))
	for _, i := range rows {
		w.entity(ents[i])
	}
}

// writeColumn emits one component column for the filtered rows of a chunk.
func writeColumn(w *payloadWriter, cv ecs.ChunkView, slot int, size int, rows []int, full bool) {
	data := cv.ColumnBytes(slot)
	if full {
		w.u32(uint32(len(data)))
		w.bytes(data)
		return
	}
	w.u32(uint32(len(rows) * size))
	for _, i := range rows {
		w.bytes(data[i*size : (i+1)*size])
	}
}

func (r *Recorder) writeKeyframe(w *payloadWriter) {
	min := r.opts.MinRecordableID

	countOff := w.reserveU32()
	entityCount := uint32(0)
	r.repo.EachLiveEntity(func(idx uint32, gen uint16, mask ecs.Mask, state ecs.Lifecycle) {
		if idx < min {
			return
		}
		if idx > r.maxEntity {
			r.maxEntity = idx
		}
		w.u32(idx)
		w.u16(gen)
		mb := mask.Bytes()
		w.bytes(mb[:])
		w.u8(byte(state))
		entityCount++
	})
	w.patchU32(countOff, entityCount)

	archOff := w.reserveU32()
	archCount := uint32(0)
	for _, av := range r.repo.Archetypes() {
		if av.ChunkCount() == 0 {
			continue
		}
		mb := av.Mask().Bytes()
		w.bytes(mb[:])
		w.u32(uint32(av.ChunkCount()))
		for ci := 0; ci < av.ChunkCount(); ci++ {
			cv := av.Chunk(ci)
			rows, full := r.recordableRows(cv)
			rowCount := len(rows)
			if full {
				rowCount = cv.Rows()
			}
			w.u32(uint32(rowCount))

			cols := uint16(1)
			for slot := 0; slot < cv.ColumnCount(); slot++ {
				if r.repo.Lookup(cv.ColumnType(slot)).Policy&ecs.Recordable != 0 {
					cols++
				}
			}
			w.u16(cols)
			w.u16(entityColumnID)
			writeEntityColumn(w, cv, rows, full)
			for slot := 0; slot < cv.ColumnCount(); slot++ {
				d := r.repo.Lookup(cv.ColumnType(slot))
				if d.Policy&ecs.Recordable == 0 {
					continue
				}
				w.u16(uint16(d.ID))
				writeColumn(w, cv, slot, int(d.Size), rows, full)
			}
		}
		archCount++
	}
	w.patchU32(archOff, archCount)

	clear(r.chunkCounts)
	for _, av := range r.repo.Archetypes() {
		if av.ChunkCount() > 0 {
			r.chunkCounts[av.Mask()] = av.ChunkCount()
		}
	}
}

func (r *Recorder) writeDelta(w *payloadWriter, prevTick uint64) {
	w.u32(uint32(len(r.pendingDestroyed)))
	for _, idx := range r.pendingDestroyed {
		w.u32(idx)
	}

	entryOff := w.reserveU32()
	entries := uint32(0)
	for _, av := range r.repo.Archetypes() {
		mb := av.Mask().Bytes()

		// Chunks retired since the previous frame leave the chunk list
		// silently; emit explicit zero-row entries so playback empties its
		// copies.
		cc := av.ChunkCount()
		if last := r.chunkCounts[av.Mask()]; last > cc {
			for ci := cc; ci < last; ci++ {
				w.bytes(mb[:])
				w.u32(uint32(ci))
				w.u16(entityColumnID)
				w.u32(0)
				w.u32(0)
				entries++
			}
		}
		if cc > 0 {
			r.chunkCounts[av.Mask()] = cc
		} else {
			delete(r.chunkCounts, av.Mask())
		}

		for ci := 0; ci < av.ChunkCount(); ci++ {
			cv := av.Chunk(ci)
			if cv.WriteVersion() <= prevTick {
				continue
			}
			rows, full := r.recordableRows(cv)
			rowCount := len(rows)
			if full {
				rowCount = cv.Rows()
			}
			for _, e := range cv.Entities() {
				if e.Index >= r.opts.MinRecordableID && e.Index > r.maxEntity {
					r.maxEntity = e.Index
				}
			}

			// The handle pseudo-column goes first so playback resizes the
			// chunk before column overlays land.
			w.bytes(mb[:])
			w.u32(uint32(ci))
			w.u16(entityColumnID)
			w.u32(uint32(rowCount))
			writeEntityColumn(w, cv, rows, full)
			entries++

			for slot := 0; slot < cv.ColumnCount(); slot++ {
				d := r.repo.Lookup(cv.ColumnType(slot))
				if d.Policy&ecs.Recordable == 0 || cv.ColumnVersion(slot) <= prevTick {
					continue
				}
				w.bytes(mb[:])
				w.u32(uint32(ci))
				w.u16(uint16(d.ID))
				w.u32(uint32(rowCount))
				writeColumn(w, cv, slot, int(d.Size), rows, full)
				entries++
			}
		}
	}
	w.patchU32(entryOff, entries)

	if r.opts.RecordEvents {
		r.writeEvents(w)
	}
}

// writeEvents appends the tick's pending events: raw bytes for unmanaged
// types, per-element msgpack for managed ones.
func (r *Recorder) writeEvents(w *payloadWriter) {
	countOff := w.reserveU32()
	count := uint32(0)
	var encodeErr error
	r.repo.Events().EachPending(func(id ecs.EventID, managed bool, size uintptr, typ reflect.Type, raw []byte, objs []any) {
		if encodeErr != nil {
			return
		}
		w.u16(uint16(id))
		if !managed {
			w.u8(0)
			w.u32(uint32(len(raw)))
			w.bytes(raw)
			count++
			return
		}
		w.u8(1)
		lenOff := w.reserveU32()
		start := len(w.buf)
		w.u32(uint32(len(objs)))
		for _, obj := range objs {
			data, err := msgpack.Marshal(obj)
			if err != nil {
				encodeErr = err
				return
			}
			w.u32(uint32(len(data)))
			w.bytes(data)
		}
		w.patchU32(lenOff, uint32(len(w.buf)-start))
		count++
	})
	if encodeErr != nil {
		r.log.Warn("managed event encoding failed, frame dropped", "error", encodeErr)
		w.overflow = true
		return
	}
	w.patchU32(countOff, count)
}

// worker compresses queued payloads and appends framed output to the file.
func (r *Recorder) worker() {
	defer close(r.workerExit)
	for j := range r.jobs {
		r.done <- r.writeFrame(j)
	}
}

func (r *Recorder) writeFrame(j job) error {
	bound := lz4.CompressBlockBound(len(j.payload))
	if cap(r.comp) < bound {
		r.comp = make([]byte, bound)
	}
	n, err := r.compressor.CompressBlock(j.payload, r.comp[:bound])
	if err != nil {
		return fmt.Errorf("lz4: %w", err)
	}
	data := r.comp[:n]
	if n == 0 || n >= len(j.payload) {
		// Incompressible payloads are stored raw; playback detects this by
		// comp_len == uncomp_len.
		data = j.payload
	}
	hdr := encodeFrameHeader(FrameHeader{
		CompLen:   uint32(len(data)),
		UncompLen: uint32(len(j.payload)),
		Tick:      j.tick,
		Kind:      j.kind,
	})
	if err := r.write(hdr[:]); err != nil {
		return err
	}
	return r.write(data)
}

func (r *Recorder) write(b []byte) error {
	if _, err := r.f.Write(b); err != nil {
		return err
	}
	r.hash.Write(b)
	r.written += int64(len(b))
	return nil
}

// Close waits for the in-flight frame, stops the worker, flushes and closes
// the file, writes the meta sidecar and returns the stored worker error if
// any.
func (r *Recorder) Close() error {
	if r.closed {
		return r.lastErr
	}
	r.closed = true
	if r.pending {
		r.collect(<-r.done)
	}
	close(r.jobs)
	<-r.workerExit
	r.repo.DetachRecorder()

	if err := r.f.Sync(); err != nil && r.lastErr == nil {
		r.lastErr = err
	}
	if err := r.f.Close(); err != nil && r.lastErr == nil {
		r.lastErr = err
	}

	meta := Meta{
		SessionID:      r.sessionID.String(),
		Name:           r.opts.Name,
		FormatVersion:  FormatVersion,
		CreatedAt:      r.createdAt,
		ClosedAt:       time.Now().UTC(),
		Frames:         r.recorded,
		Keyframes:      r.keyframes,
		DroppedFrames:  r.dropped,
		LastTick:       r.lastTick,
		MaxEntityIndex: r.maxEntity,
		Checksum:       fmt.Sprintf("%016x", r.hash.Sum64()),
	}
	if host, err := os.Hostname(); err == nil {
		meta.Hostname = host
	}
	if err := writeMeta(r.path, meta); err != nil {
		r.log.Warn("meta sidecar write failed", "error", err)
	}

	r.log.Info("recording closed",
		"frames", r.recorded, "keyframes", r.keyframes,
		"dropped", r.dropped, "bytes", r.written)
	return r.lastErr
}
