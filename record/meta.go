package record

import (
	"encoding/json"
	"os"
	"strings"
	"time"
)

// Meta is the advisory .meta.json sidecar written next to a recording on
// close. Playback works without it; it exists for tooling and for humans.
type Meta struct {
	SessionID      string    `json:"session_id"`
	Name           string    `json:"name"`
	FormatVersion  uint32    `json:"format_version"`
	CreatedAt      time.Time `json:"created_at"`
	ClosedAt       time.Time `json:"closed_at"`
	Frames         uint64    `json:"frames"`
	Keyframes      uint64    `json:"keyframes"`
	DroppedFrames  uint64    `json:"dropped_frames"`
	LastTick       uint64    `json:"last_tick"`
	MaxEntityIndex uint32    `json:"max_entity_index"`
	Checksum       string    `json:"checksum_xxh64"`
	Hostname       string    `json:"hostname,omitempty"`
}

// MetaPath returns the sidecar path for a recording, archived or not.
func MetaPath(recording string) string {
	return strings.TrimSuffix(recording, archiveSuffix) + ".meta.json"
}

func writeMeta(recording string, m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(MetaPath(recording), append(data, '\n'), 0o644)
}

// LoadMeta reads the sidecar of a recording. A missing sidecar is not an
// error condition for playback; callers decide.
func LoadMeta(recording string) (Meta, error) {
	data, err := os.ReadFile(MetaPath(recording))
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, err
	}
	return m, nil
}
