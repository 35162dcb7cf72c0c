package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cwsl/groundstation/internal/config"
	"github.com/cwsl/groundstation/internal/eventrouter"
)

// RecordingEntry is one on-disk recording in the file-browser-state
// payload.
type RecordingEntry struct {
	Name     string    `json:"name"`
	Kind     string    `json:"kind"` // "iq" | "audio"
	Size     int64     `json:"size_bytes"`
	Modified time.Time `json:"modified"`
}

// FileBrowserState is the file-browser-state payload: the recordings the
// server currently has on disk.
type FileBrowserState struct {
	Recordings []RecordingEntry `json:"recordings"`
}

func listRecordings(dir, kind string) []RecordingEntry {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []RecordingEntry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".sigmf-data", ".wav":
		default:
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, RecordingEntry{
			Name:     e.Name(),
			Kind:     kind,
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
		})
	}
	return out
}

func fileBrowserState(cfg *config.Config) (FileBrowserState, error) {
	state := FileBrowserState{}
	state.Recordings = append(state.Recordings, listRecordings(cfg.Recording.IQDir, "iq")...)
	state.Recordings = append(state.Recordings, listRecordings(cfg.Recording.AudioDir, "audio")...)
	return state, nil
}

func emitFileBrowserState(router *eventrouter.Router, cfg *config.Config, sessionID string) {
	state, _ := fileBrowserState(cfg)
	router.Emit(sessionID, eventrouter.EventFileBrowserState, state)
}
