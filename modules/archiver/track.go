package archiver

import (
	"context"
	"log/slog"
	"os"
	"path"
)

// minWriteBufSize and maxWriteBufSize clamp the configured write buffer to avoid
// tiny writes (no benefit) or very large buffers (memory and latency).
const (
	minWriteBufSize = 32 * 1024       // 32 KiB
	maxWriteBufSize = 4 * 1024 * 1024 // 4 MiB
)

// trackWriter manages the lifecycle of the file currently being recorded:
// one goroutine drains the data channel into the active file, and start
// rotates to a new file, waiting for the previous writer to exit so only
// one goroutine reads from the channel at a time.
type trackWriter struct {
	cfg      *Config
	logger   *slog.Logger
	dataChan chan []byte

	current string
	cancel  context.CancelFunc
	done    chan struct{} // closed when the current writer goroutine exits
}

func newTrackWriter(cfg *Config, logger *slog.Logger, dataChan chan []byte) *trackWriter {
	return &trackWriter{cfg: cfg, logger: logger, dataChan: dataChan}
}

// start rotates recording to destPath. A repeated destPath is a no-op so
// metadata callbacks firing with an unchanged title don't split the file.
func (t *trackWriter) start(ctx context.Context, destPath string) {
	if destPath == t.current {
		return
	}
	t.current = destPath

	t.stop()

	dir := path.Dir(destPath)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		t.logger.Error("error creating recording directory", "err", err, "dir", dir)
		return
	}
	f, err := os.CreateTemp(dir, "*.mp3.tmp")
	if err != nil {
		t.logger.Error("error creating temp file", "err", err)
		return
	}

	wCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.logger.Debug("starting new track writer", "path", destPath)
	go func() {
		defer close(done)
		t.write(wCtx, f, destPath)
	}()
}

// stop cancels the active writer and waits for it to finish committing.
func (t *trackWriter) stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		<-t.done
	}
	t.cancel = nil
	t.done = nil
}

// write drains the data channel into f until cancelled or the channel
// closes, then commits the temp file. The first bytes are held back until
// an MP3 frame sync is found so every recording starts on a frame
// boundary.
func (t *trackWriter) write(ctx context.Context, f *os.File, destPath string) {
	writeBufSize := t.cfg.WriteBufferSize
	if writeBufSize < minWriteBufSize {
		writeBufSize = minWriteBufSize
	}
	if writeBufSize > maxWriteBufSize {
		writeBufSize = maxWriteBufSize
	}

	firstWrite := true
	syncBuf := make([]byte, 0, 4096)          // accumulates data until we find frame sync
	writeBuf := make([]byte, 0, writeBufSize) // batches writes to reduce disk I/O

	flush := func() bool {
		if len(writeBuf) == 0 {
			return true
		}
		if _, err := f.Write(writeBuf); err != nil {
			t.logger.Error("error writing to file", "err", err)
			return false
		}
		writeBuf = writeBuf[:0]
		return true
	}

	commit := func() {
		tempPath := f.Name()
		if len(syncBuf) > 0 {
			_, _ = f.Write(syncBuf)
		}
		flush()
		if err := f.Sync(); err != nil {
			t.logger.Error("error syncing file", "err", err)
		}
		if err := f.Close(); err != nil {
			t.logger.Error("error closing file", "err", err)
		}
		t.commitTempFile(tempPath, destPath)
	}

	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("track writer cancelled, closing file")
			commit()
			return
		case b, ok := <-t.dataChan:
			if !ok {
				commit()
				return
			}
			if len(b) == 0 {
				continue
			}

			if firstWrite {
				syncBuf = append(syncBuf, b...)
				framePos := findMP3FrameSync(syncBuf)
				if framePos < 0 && len(syncBuf) <= 8192 {
					continue
				}
				if framePos < 0 {
					// might be valid audio without a sync word in the
					// first 8KB, record it anyway
					t.logger.Warn("no MP3 frame sync found in first 8KB, writing anyway")
					framePos = 0
				}
				if _, err := f.Write(syncBuf[framePos:]); err != nil {
					t.logger.Error("error writing to file", "err", err)
					return
				}
				syncBuf = syncBuf[:0]
				firstWrite = false
				continue
			}

			writeBuf = append(writeBuf, b...)
			if len(writeBuf) >= writeBufSize {
				if !flush() {
					return
				}
			}
		}
	}
}

// commitTempFile renames tempPath to destPath only if dest doesn't exist or
// the temp file is larger (so a previous crash doesn't overwrite a good recording).
func (t *trackWriter) commitTempFile(tempPath, destPath string) {
	tempInfo, err := os.Stat(tempPath)
	if err != nil {
		t.logger.Error("error stating temp file", "err", err, "path", tempPath)
		_ = os.Remove(tempPath)
		return
	}
	destInfo, err := os.Stat(destPath)
	if os.IsNotExist(err) {
		if err := os.Rename(tempPath, destPath); err != nil {
			t.logger.Error("error renaming temp to dest", "err", err, "temp", tempPath, "dest", destPath)
			_ = os.Remove(tempPath)
			return
		}
		t.logger.Debug("saved new recording", "path", destPath)
		return
	}
	if err != nil {
		t.logger.Error("error stating dest file", "err", err, "path", destPath)
		_ = os.Remove(tempPath)
		return
	}
	if tempInfo.Size() > destInfo.Size() {
		if err := os.Rename(tempPath, destPath); err != nil {
			t.logger.Error("error renaming temp to dest", "err", err, "temp", tempPath, "dest", destPath)
			_ = os.Remove(tempPath)
			return
		}
		t.logger.Debug("overwrote with longer recording", "path", destPath, "size", tempInfo.Size())
		return
	}
	_ = os.Remove(tempPath)
	t.logger.Debug("discarded shorter recording", "path", destPath, "temp_size", tempInfo.Size(), "existing_size", destInfo.Size())
}
