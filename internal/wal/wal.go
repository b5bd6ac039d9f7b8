package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quiverdb/quiver/config"
	"github.com/quiverdb/quiver/model"
)

const (
	walMagic      = "QUIVRWAL" // 8 bytes
	walVersion    = 1          // 4 bytes
	walHeaderSize = 12

	filePrefix = "wal-"
	fileSuffix = ".log"
)

var (
	ErrIncompatibleVersion = errors.New("incompatible WAL version")
	ErrInvalidHeader       = errors.New("invalid WAL header")
)

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() error {
	return cw.w.Flush()
}

// WAL is the write-ahead log and the engine's epoch authority. Append
// assigns the next strictly monotone epoch and returns once the record is
// durable. With a non-zero sync interval, durability uses group commit: a
// background syncer fsyncs once per window and wakes all waiting appenders.
type WAL struct {
	cfg    config.WALConfig
	logger *slog.Logger

	mu        sync.Mutex
	file      *os.File
	cw        *countingWriter
	fileBytes int64 // bytes in the active file, drives rotation
	nextEpoch model.Epoch

	// Group commit state. written and syncedOffset are logical offsets that
	// span file rotations; rotation syncs the outgoing file, so a synced
	// logical offset always implies durable bytes.
	written      int64
	syncedOffset int64
	syncCond     *sync.Cond
	doneCond     *sync.Cond
	closed       bool
	lastErr      error
	wg           sync.WaitGroup
}

func fileName(firstEpoch model.Epoch) string {
	return fmt.Sprintf("%s%020d%s", filePrefix, uint64(firstEpoch), fileSuffix)
}

func parseFileName(name string) (model.Epoch, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return model.Epoch(v), true
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if _, ok := parseFileName(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	// Zero-padded first-epoch names sort chronologically.
	sort.Strings(names)
	return names, nil
}

func writeHeader(f *os.File) error {
	header := make([]byte, walHeaderSize)
	copy(header[:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:], walVersion)
	if _, err := f.Write(header); err != nil {
		return err
	}
	return f.Sync()
}

func checkHeader(r io.Reader) error {
	header := make([]byte, walHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if string(header[:8]) != walMagic {
		return fmt.Errorf("%w: magic %q", ErrInvalidHeader, header[:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:]); ver != walVersion {
		return fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, walVersion)
	}
	return nil
}

// Open opens or creates the log under cfg.Dir. An existing log is scanned to
// restore the epoch counter; a torn tail from a crash is truncated away.
func Open(cfg config.WALConfig, logger *slog.Logger) (*WAL, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	names, err := listFiles(cfg.Dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		cfg:       cfg,
		logger:    logger,
		nextEpoch: 1,
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	if len(names) == 0 {
		if err := w.createFile(w.nextEpoch); err != nil {
			return nil, err
		}
	} else {
		// Epochs are monotone across files, so the highest epoch lives in
		// the last file.
		last := filepath.Join(cfg.Dir, names[len(names)-1])
		maxEpoch, validSize, err := scanFile(last)
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(last, os.O_RDWR, 0o644)
		if err != nil {
			return nil, err
		}
		if stat, err := f.Stat(); err == nil && stat.Size() > validSize {
			logger.Warn("truncating torn WAL tail",
				slog.String("file", names[len(names)-1]),
				slog.Int64("from", stat.Size()),
				slog.Int64("to", validSize))
			if err := f.Truncate(validSize); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.Sync(); err != nil {
				f.Close()
				return nil, err
			}
		}
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, err
		}
		if maxEpoch == 0 {
			// Empty last file; its name carries the epoch it was opened for.
			first, _ := parseFileName(names[len(names)-1])
			w.nextEpoch = first
		} else {
			w.nextEpoch = maxEpoch + 1
		}
		w.file = f
		w.fileBytes = validSize
		w.cw = &countingWriter{w: bufio.NewWriter(f)}
	}

	if cfg.SyncInterval > 0 {
		w.wg.Add(1)
		go w.runSyncer()
	}
	return w, nil
}

// scanFile validates a log file and returns its highest epoch and the byte
// offset up to which records are intact.
func scanFile(path string) (model.Epoch, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if err := checkHeader(r); err != nil {
		return 0, 0, err
	}
	var maxEpoch model.Epoch
	offset := int64(walHeaderSize)
	for {
		_, epoch, n, err := readRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return maxEpoch, offset, nil
			}
			// Torn or corrupt tail; everything before it is valid.
			return maxEpoch, offset, nil
		}
		offset += n
		if epoch > maxEpoch {
			maxEpoch = epoch
		}
	}
}

func (w *WAL) createFile(firstEpoch model.Epoch) error {
	path := filepath.Join(w.cfg.Dir, fileName(firstEpoch))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := writeHeader(f); err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.fileBytes = walHeaderSize
	w.cw = &countingWriter{w: bufio.NewWriter(f)}
	return nil
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for w.written <= w.syncedOffset && !w.closed {
			w.syncCond.Wait()
		}
		if w.closed && w.written <= w.syncedOffset {
			return
		}

		// Let the group-commit window fill before paying for the fsync.
		interval := w.cfg.SyncInterval
		w.mu.Unlock()
		time.Sleep(interval)
		w.mu.Lock()

		if err := w.cw.Flush(); err != nil {
			w.lastErr = fmt.Errorf("wal flush failed: %w", err)
			w.doneCond.Broadcast()
			return
		}
		target := w.written
		file := w.file

		w.mu.Unlock()
		err := file.Sync()
		w.mu.Lock()

		if err != nil {
			w.lastErr = fmt.Errorf("wal sync failed: %w", err)
			w.doneCond.Broadcast()
			return
		}
		if target > w.syncedOffset {
			w.syncedOffset = target
		}
		w.doneCond.Broadcast()
	}
}

// Append assigns the next epoch to msg, writes the record and blocks until
// it is durable. The committed epoch is returned; the caller must carry it
// on the message it hands to the engine.
func (w *WAL) Append(msg model.Message) (model.Epoch, error) {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		return 0, os.ErrClosed
	}
	if w.lastErr != nil {
		err := w.lastErr
		w.mu.Unlock()
		return 0, err
	}

	epoch := w.nextEpoch
	n, err := writeRecord(w.cw, &msg, epoch, w.cfg.Compression == config.CompressionLZ4)
	if err != nil {
		w.mu.Unlock()
		return 0, err
	}
	w.nextEpoch++
	w.written += n
	w.fileBytes += n
	offset := w.written

	if w.fileBytes >= w.cfg.RotateSizeBytes {
		if err := w.rotateLocked(); err != nil {
			w.mu.Unlock()
			return 0, err
		}
	}

	if w.cfg.SyncInterval <= 0 {
		err := w.syncNowLocked()
		w.mu.Unlock()
		return epoch, err
	}

	w.syncCond.Signal()
	err = w.waitForLocked(offset)
	w.mu.Unlock()
	return epoch, err
}

// syncNowLocked flushes and fsyncs inline. Caller holds mu.
func (w *WAL) syncNowLocked() error {
	if err := w.cw.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if w.written > w.syncedOffset {
		w.syncedOffset = w.written
	}
	return nil
}

// waitForLocked blocks until the log is durable up to offset. Caller holds mu.
func (w *WAL) waitForLocked(offset int64) error {
	for w.syncedOffset < offset && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if w.closed && w.syncedOffset < offset {
		return os.ErrClosed
	}
	return nil
}

// rotateLocked makes the active file durable and switches appends to a new
// file named after the next epoch. Caller holds mu.
func (w *WAL) rotateLocked() error {
	if err := w.cw.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if w.written > w.syncedOffset {
		w.syncedOffset = w.written
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.logger.Debug("rotating WAL file",
		slog.Uint64("next_epoch", uint64(w.nextEpoch)),
		slog.Int64("file_bytes", w.fileBytes))
	return w.createFile(w.nextEpoch)
}

// Sync forces all buffered records to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	return w.syncNowLocked()
}

// LastEpoch returns the highest epoch issued so far.
func (w *WAL) LastEpoch() model.Epoch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextEpoch - 1
}

// Size returns the logical byte count written across all files.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Prune removes log files made fully obsolete by a manifest commit: a file
// can go once its successor starts at or below durableEpoch+1. The active
// file is never removed.
func (w *WAL) Prune(durableEpoch model.Epoch) error {
	names, err := listFiles(w.cfg.Dir)
	if err != nil {
		return err
	}
	for i := 0; i+1 < len(names); i++ {
		nextFirst, ok := parseFileName(names[i+1])
		if !ok || nextFirst > durableEpoch+1 {
			break
		}
		path := filepath.Join(w.cfg.Dir, names[i])
		if err := os.Remove(path); err != nil {
			return err
		}
		w.logger.Info("pruned WAL file",
			slog.String("file", names[i]),
			slog.Uint64("durable_epoch", uint64(durableEpoch)))
	}
	return nil
}

// Close flushes, syncs and closes the log.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}
	if err := w.cw.Flush(); err != nil {
		w.closed = true
		w.syncCond.Signal()
		w.mu.Unlock()
		w.wg.Wait()
		w.file.Close()
		return err
	}
	syncErr := w.file.Sync()
	if w.written > w.syncedOffset && syncErr == nil {
		w.syncedOffset = w.written
	}
	w.closed = true
	w.syncCond.Signal()
	w.doneCond.Broadcast()
	w.mu.Unlock()

	w.wg.Wait()
	closeErr := w.file.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// Replay streams every intact record with epoch greater than afterEpoch to
// fn, in commit order. Replay stops cleanly at a torn tail.
func Replay(dir string, afterEpoch model.Epoch, fn func(model.Message) error) error {
	names, err := listFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, name := range names {
		stop, err := replayFile(filepath.Join(dir, name), afterEpoch, fn)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

func replayFile(path string, afterEpoch model.Epoch, fn func(model.Message) error) (stop bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if err := checkHeader(r); err != nil {
		return false, err
	}
	for {
		msg, epoch, _, err := readRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			// A torn or corrupt record ends the replayable log.
			return true, nil
		}
		if epoch <= afterEpoch {
			continue
		}
		if err := fn(msg); err != nil {
			return true, err
		}
	}
}
