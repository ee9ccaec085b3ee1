package record

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pjanec/fastdataplane/ecs"
)

func TestBusyWorkerDropsFrameAndForcesKeyframe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.fdprec")
	r, sched := newSimRepo(t)
	e, _ := r.CreateEntity()
	ecs.Set(r, e, recPosition{X: 1})

	rec, err := New(r, path, Options{})
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	sched.Tick(0.016)
	if err := rec.CaptureFrame(); err != nil {
		t.Fatalf("capture: %v", err)
	}
	rec.collect(<-rec.done) // join the first frame's worker pass

	// Simulate a worker that is still busy when the next capture lands.
	rec.pending = true
	sched.Tick(0.016)
	ecs.Set(r, e, recPosition{X: 2})
	if err := rec.CaptureFrame(); err != nil {
		t.Fatalf("capture while busy: %v", err)
	}
	if rec.DroppedFrames() != 1 {
		t.Fatalf("dropped %d, want 1", rec.DroppedFrames())
	}
	rec.pending = false

	// The next capture must be upgraded to a keyframe.
	sched.Tick(0.016)
	ecs.Set(r, e, recPosition{X: 3})
	if err := rec.CaptureFrame(); err != nil {
		t.Fatalf("capture after drop: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()
	frames := p.Frames()
	if len(frames) != 2 {
		t.Fatalf("expected 2 written frames, got %d", len(frames))
	}
	if frames[1].Kind != FrameKeyframe {
		t.Fatal("frame after a drop must be a keyframe")
	}
}

func TestCaptureBufferOverflowDropsFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.fdprec")
	r, sched := newSimRepo(t)
	e, _ := r.CreateEntity()
	ecs.Set(r, e, recPosition{X: 1})

	rec, err := New(r, path, Options{BufferSize: 32})
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	sched.Tick(0.016)
	if err := rec.CaptureFrame(); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if rec.DroppedFrames() != 1 {
		t.Fatalf("dropped %d, want 1", rec.DroppedFrames())
	}
	if rec.RecordedFrames() != 0 {
		t.Fatalf("recorded %d, want 0", rec.RecordedFrames())
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()
	if p.TotalFrames() != 0 {
		t.Fatalf("no frame should have been written, got %d", p.TotalFrames())
	}
}

func TestCaptureAfterCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.fdprec")
	r, _ := newSimRepo(t)
	rec, err := New(r, path, Options{})
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rec.CaptureFrame(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRecordedEventsReplay(t *testing.T) {
	type impact struct{ Force float32 }
	type chatter struct{ Text string }

	build := func(t *testing.T) (*ecs.Repo, *ecs.Scheduler) {
		r := ecs.New(ecs.Options{})
		ecs.RegisterUnmanaged[recPosition](r, ecs.Recordable)
		ecs.RegisterEvent[impact](r)
		ecs.RegisterManagedEvent[chatter](r)
		s := ecs.NewScheduler(r, nil)
		if err := s.Init(); err != nil {
			t.Fatalf("init: %v", err)
		}
		return r, s
	}

	path := filepath.Join(t.TempDir(), "run.fdprec")
	r, sched := build(t)
	e, _ := r.CreateEntity()
	ecs.Set(r, e, recPosition{X: 1})

	rec, err := New(r, path, Options{Blocking: true, RecordEvents: true})
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	sched.Tick(0.016)
	rec.CaptureFrame() // keyframe; no event section

	sched.Tick(0.016)
	ecs.PublishEvent(r, impact{Force: 9.5})
	ecs.PublishManagedEvent(r, chatter{Text: "contact"})
	rec.CaptureFrame() // delta with events
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()
	repo, repoSched := build(t)
	if err := p.PlayToEnd(repo); err != nil {
		t.Fatalf("play: %v", err)
	}
	// Replayed events sit in the next buffer; one tick swaps them in.
	if err := repoSched.Tick(0.016); err != nil {
		t.Fatalf("tick: %v", err)
	}
	impacts := ecs.ConsumeEvents[impact](repo)
	if len(impacts) != 1 || impacts[0].Force != 9.5 {
		t.Fatalf("unmanaged event wrong: %v", impacts)
	}
	chatters := ecs.ConsumeManagedEvents[chatter](repo)
	if len(chatters) != 1 || chatters[0].Text != "contact" {
		t.Fatalf("managed event wrong: %v", chatters)
	}
}

func TestMetaSidecarWrittenOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.fdprec")
	recordTwentyFrames(t, path)

	m, err := LoadMeta(path)
	if err != nil {
		t.Fatalf("load meta: %v", err)
	}
	if m.Frames != 20 {
		t.Fatalf("meta frames %d, want 20", m.Frames)
	}
	if m.Keyframes != 4 {
		t.Fatalf("meta keyframes %d, want 4", m.Keyframes)
	}
	if m.DroppedFrames != 0 {
		t.Fatalf("meta dropped %d, want 0", m.DroppedFrames)
	}
	if m.LastTick != 20 {
		t.Fatalf("meta last tick %d, want 20", m.LastTick)
	}
	if m.FormatVersion != FormatVersion {
		t.Fatalf("meta format version %d", m.FormatVersion)
	}
	if m.SessionID == "" || m.Name == "" || m.Checksum == "" {
		t.Fatalf("meta identity fields missing: %+v", m)
	}

	// Playback surfaces the sidecar but never requires it.
	p, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()
	if p.Meta() == nil || p.Meta().SessionID != m.SessionID {
		t.Fatal("playback should expose the sidecar")
	}
}

func TestPlaybackRejectsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "junk.fdprec")
	if err := os.WriteFile(path, []byte("this is not a recording at all"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path, nil); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}

	short := filepath.Join(dir, "short.fdprec")
	if err := os.WriteFile(short, []byte("FD"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(short, nil); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}
