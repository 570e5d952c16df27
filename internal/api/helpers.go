package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/tibellium/vidcdm/internal/channels"
	"github.com/tibellium/vidcdm/internal/fsutil"
	"github.com/tibellium/vidcdm/internal/pipeline"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func playlistFor(p *pipeline.ChannelPipeline) ([]byte, error) {
	return p.Segments().Playlist()
}

func segmentPath(store *pipeline.Store, id channels.ChannelID, segment string) (string, error) {
	dir := store.OutputDir(id)
	path, err := fsutil.ConfineRelPath(dir, filepath.Clean(segment))
	if err != nil {
		return "", fmt.Errorf("invalid segment name: %w", err)
	}
	return path, nil
}
