package logging

import (
	"log/slog"
	"testing"
)

func TestDiscardSwallowsEverything(t *testing.T) {
	l := Discard()
	// Must not panic and must report disabled at every level.
	l.Info("ignored", "k", "v")
	if l.Enabled(nil, slog.LevelError) {
		t.Fatal("discard logger should be disabled at all levels")
	}
}

func TestDefaultPassesThroughNonNil(t *testing.T) {
	l := slog.New(slog.DiscardHandler)
	if Default(l) != l {
		t.Fatal("non-nil logger must be returned unchanged")
	}
	if Default(nil) == nil {
		t.Fatal("nil logger must yield a discard logger")
	}
}
