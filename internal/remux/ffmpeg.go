// Package remux drives an external ffmpeg process that pulls a manifest,
// segments it into fragmented-MP4 pieces on disk, and (when the stream
// carries content keys) hands each finished segment to an external
// decryption binary before it is appended to the channel's segment ring.
package remux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/tibellium/vidcdm/internal/channels"
	"github.com/tibellium/vidcdm/internal/drm/types"
	"github.com/tibellium/vidcdm/internal/log"
	"github.com/tibellium/vidcdm/internal/pipeline"
	"github.com/tibellium/vidcdm/internal/pipeline/segments"
)

const (
	pollInterval  = 250 * time.Millisecond
	segmentTime   = "4"
	processExitCap = 5 * time.Second
)

// Driver implements pipeline.RemuxDriver over a local ffmpeg binary plus an
// optional external CENC decryptor (e.g. Bento4's mp4decrypt).
type Driver struct {
	FFmpegPath  string
	DecryptPath string // empty disables decryption; segments are appended as ffmpeg wrote them
}

var _ pipeline.RemuxDriver = (*Driver)(nil)

// Run pulls manifestURL via ffmpeg into a scratch directory next to sm's
// output, polling for completed segment files, decrypting them (if keys
// were supplied), and appending each to sm in order. It blocks until
// shutdown fires or ffmpeg exits; either a non-zero ffmpeg exit or a
// decrypt failure returns an error that the caller classifies as auth or
// not via pipeline.IsAuthError. A decrypt failure stops ingestion, and its
// error is returned once ffmpeg exits; a shutdown returns nil.
func (d *Driver) Run(ctx context.Context, manifestURL string, headers []channels.Header, keys []types.ContentKey, sm *segments.Manager, shutdown <-chan struct{}) error {
	scratchDir, err := os.MkdirTemp(sm.Dir(), ".scratch-*")
	if err != nil {
		return fmt.Errorf("remux: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, d.FFmpegPath, d.buildArgs(manifestURL, headers, scratchDir)...) // #nosec G204
	logger := log.WithComponent("remux")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("remux: start ffmpeg: %w", err)
	}

	// cmdDone carries the exit status to Run; exited is closed right after so
	// the ingest loop observes the exit without consuming the status.
	cmdDone := make(chan error, 1)
	exited := make(chan error)
	go func() {
		cmdDone <- cmd.Wait()
		close(exited)
	}()

	ingestDone := make(chan struct{})
	var ingestErr error
	go func() {
		defer close(ingestDone)
		ingestErr = d.ingestLoop(scratchDir, keys, sm, shutdown, exited)
	}()

	select {
	case <-shutdown:
		cancel()
		select {
		case <-cmdDone:
		case <-time.After(processExitCap):
			_ = cmd.Process.Kill()
		}
		<-ingestDone
		return nil
	case err := <-cmdDone:
		<-ingestDone
		if ingestErr != nil {
			return ingestErr
		}
		if err != nil {
			logger.Warn().Err(err).Str("manifest", manifestURL).Msg("ffmpeg exited")
			return fmt.Errorf("remux: ffmpeg: %w", err)
		}
		return nil
	}
}

func (d *Driver) buildArgs(manifestURL string, headers []channels.Header, scratchDir string) []string {
	args := []string{"-loglevel", "error"}
	if len(headers) > 0 {
		var h string
		for _, header := range headers {
			h += header.Name + ": " + header.Value + "\r\n"
		}
		args = append(args, "-headers", h)
	}
	args = append(args,
		"-i", manifestURL,
		"-c", "copy",
		"-f", "segment",
		"-segment_time", segmentTime,
		"-segment_format", "mp4",
		"-reset_timestamps", "1",
		filepath.Join(scratchDir, "seg_%08d.m4s"),
	)
	return args
}

// ingestLoop polls scratchDir for segment files ffmpeg has finished writing
// (stable size across two polls), decrypts and appends each in sequence
// order, then removes it. It returns when shutdown or cmdDone fires, after
// draining whatever segments are already stable.
func (d *Driver) ingestLoop(scratchDir string, keys []types.ContentKey, sm *segments.Manager, shutdown <-chan struct{}, cmdDone <-chan error) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	sizes := make(map[string]int64)
	for {
		select {
		case <-shutdown:
			d.drain(scratchDir, keys, sm, sizes)
			return nil
		case <-cmdDone:
			d.drain(scratchDir, keys, sm, sizes)
			return nil
		case <-ticker.C:
			if err := d.pollOnce(scratchDir, keys, sm, sizes); err != nil {
				return err
			}
		}
	}
}

func (d *Driver) drain(scratchDir string, keys []types.ContentKey, sm *segments.Manager, sizes map[string]int64) {
	_ = d.pollOnce(scratchDir, keys, sm, sizes)
	_ = d.pollOnce(scratchDir, keys, sm, sizes)
}

func (d *Driver) pollOnce(scratchDir string, keys []types.ContentKey, sm *segments.Manager, sizes map[string]int64) error {
	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		return fmt.Errorf("remux: poll scratch dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(scratchDir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue // removed between ReadDir and Stat
		}
		prevSize, seen := sizes[name]
		sizes[name] = info.Size()
		if !seen || prevSize != info.Size() {
			continue // still growing
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("remux: read segment %s: %w", name, err)
		}
		if len(keys) > 0 && d.DecryptPath != "" {
			data, err = d.decrypt(path, keys)
			if err != nil {
				return err
			}
		}

		if err := sm.Append(data, 4*time.Second); err != nil {
			return fmt.Errorf("remux: append segment %s: %w", name, err)
		}
		_ = os.Remove(path)
		delete(sizes, name)
	}
	return nil
}

// decrypt shells out to an external CENC decryptor (e.g. mp4decrypt) with
// one --key kid:key argument per content key, and returns the decrypted
// output bytes.
func (d *Driver) decrypt(inputPath string, keys []types.ContentKey) ([]byte, error) {
	outputPath := inputPath + ".dec"
	defer os.Remove(outputPath)

	args := make([]string, 0, len(keys)*2+2)
	for _, k := range keys {
		kid := k.Kid()
		args = append(args, "--key", fmt.Sprintf("%x:%x", kid[:], k.Key()))
	}
	args = append(args, inputPath, outputPath)

	cmd := exec.Command(d.DecryptPath, args...) // #nosec G204
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("remux: decrypt %s: %w: %s", filepath.Base(inputPath), err, string(out))
	}

	return os.ReadFile(outputPath)
}
