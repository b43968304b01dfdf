package patharchive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/paulschiretz/pgl-snapshot/pkg/metafile"
	"github.com/paulschiretz/pgl-snapshot/pkg/patharchivemetrics"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathwalk"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
)

// Writer is one open container. It is not safe for concurrent use: the tar
// format permits a single writer, and member order is part of the chain's
// restore contract.
type Writer struct {
	archiver *Archiver
	store    *metafile.Store
	metrics  patharchivemetrics.Metrics

	name      string
	finalPath string
	tempPath  string

	f          *os.File
	mw         *meteredWriter
	bufWriter  *bufio.Writer
	compressor io.WriteCloser
	tw         *tar.Writer

	copyBufPtr *[]byte
	mr         *meteredReader

	dryRun    bool
	failFast  bool
	finalized bool
}

// Open creates the temp container file in the destination directory and
// assembles the write stack (buffered file -> compressor -> tar). The
// archive only appears under its final chain name when Finalize renames it.
func (a *Archiver) Open(plan Plan) (*Writer, error) {
	if plan.Store == nil {
		return nil, errors.New("archive plan requires a metadata store")
	}

	ts := plan.TimestampUTC
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	name := BuildName(plan.Prefix, plan.RootName, plan.Kind, ts, plan.Format)

	w := &Writer{
		archiver:  a,
		store:     plan.Store,
		name:      name,
		finalPath: filepath.Join(plan.AbsBasePath, name),
		dryRun:    plan.DryRun,
		failFast:  plan.FailFast,
	}

	if plan.Metrics {
		w.metrics = &patharchivemetrics.ArchiveMetrics{}
	} else {
		w.metrics = &patharchivemetrics.NoopMetrics{}
	}

	if w.dryRun {
		plog.Notice("[DRY RUN] ARCHIVE", "file", name)
		return w, nil
	}

	plog.Notice("ARCHIVE", "file", name, "format", plan.Format, "level", plan.Level)

	// Sanity check: never silently replace an existing chain member.
	if _, err := os.Stat(w.finalPath); err == nil {
		return nil, fmt.Errorf("archive %s already exists", w.finalPath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not check archive destination %s: %w", w.finalPath, err)
	}

	f, err := os.CreateTemp(plan.AbsBasePath, plan.Prefix+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp archive in %s: %w", plan.AbsBasePath, err)
	}
	w.f = f
	w.tempPath = f.Name()

	w.mw = &meteredWriter{w: f, metrics: w.metrics}
	w.bufWriter = bufio.NewWriterSize(w.mw, int(a.ioBufferSize))

	switch plan.Format {
	case TarZst:
		zstdWriter, err := zstd.NewWriter(w.bufWriter, zstd.WithEncoderLevel(plan.Level.zstdLevel()))
		if err != nil {
			f.Close()
			os.Remove(w.tempPath)
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		w.compressor = zstdWriter
	default:
		pgzipWriter, err := pgzip.NewWriterLevel(w.bufWriter, plan.Level.gzipLevel())
		if err != nil {
			f.Close()
			os.Remove(w.tempPath)
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		w.compressor = pgzipWriter
	}

	w.tw = tar.NewWriter(w.compressor)
	w.copyBufPtr = a.ioBufferPool.Get()
	w.mr = &meteredReader{metrics: w.metrics}

	w.metrics.StartProgress("Archive progress", 10*time.Second)
	return w, nil
}

// Name returns the archive's chain filename.
func (w *Writer) Name() string {
	return w.name
}

// Add appends one file to the container and, on success, marks it Present
// in the metadata store with the basis observed at enumeration time.
//
// Failures before the member header is written (open, stat, TOCTOU
// mismatch, read-ahead read) affect only that entry: logged, counted,
// skipped, metadata untouched so the next run re-evaluates the path. With
// FailFast they abort the run instead. A failure after the header is
// written has corrupted the member stream and is always fatal; the caller
// should Discard.
func (w *Writer) Add(ctx context.Context, record pathwalk.Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if w.dryRun {
		plog.Notice("[DRY RUN] ADD", "file", record.RelPathKey)
		w.metrics.AddEntriesAdded(1)
		return nil
	}

	f, info, err := openForArchive(record)
	if err != nil {
		return w.skipEntry(record, err)
	}
	defer f.Close()

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return w.skipEntry(record, fmt.Errorf("failed to create tar header: %w", err))
	}
	header.Name = record.RelPathKey

	w.mr.Reset(f)
	fSize := info.Size()

	// Read-ahead path: pull small files into memory first. The source
	// handle closes before any container bytes are written, so a read
	// failure here stays skippable.
	if fSize <= w.archiver.largeFileThreshold && w.archiver.readAheadLimiter.TryAcquire(fSize) {
		readAheadPtr := w.archiver.readAheadPool.Get(fSize)

		if _, err := io.ReadFull(w.mr, *readAheadPtr); err != nil {
			w.archiver.readAheadPool.Put(readAheadPtr)
			w.archiver.readAheadLimiter.Release(fSize)
			return w.skipEntry(record, fmt.Errorf("failed to read file: %w", err))
		}
		f.Close() // free the FD early; the deferred close is a no-op

		err := w.writeMember(header, bytes.NewReader(*readAheadPtr))
		w.archiver.readAheadPool.Put(readAheadPtr)
		w.archiver.readAheadLimiter.Release(fSize)
		if err != nil {
			return err
		}
	} else {
		// Streamed path: bounded-memory chunked copy straight from the
		// source, used for everything above the threshold and whenever
		// the read-ahead budget is exhausted.
		if fSize <= w.archiver.largeFileThreshold {
			plog.Debug("Read-ahead budget exhausted, streaming instead",
				"file", record.RelPathKey,
				"size", fSize,
				"available", w.archiver.readAheadLimiter.Available())
		}
		if err := w.writeMember(header, w.mr); err != nil {
			return err
		}
	}

	w.store.SetPresent(record.RelPathKey, record.Mtime, basisFor(record))
	w.metrics.AddEntriesAdded(1)
	plog.Notice("ADD", "file", record.RelPathKey)
	return nil
}

// Finalize closes the container and renames it to its final chain name.
// It renames even when canceled: the members appended before cancellation
// form a valid, readable archive, and the engine not persisting the
// metadata store on a canceled run keeps the next run honest.
func (w *Writer) Finalize(canceled bool) (retPath string, retErr error) {
	if w.finalized {
		return w.finalPath, nil
	}
	w.finalized = true

	defer func() {
		w.metrics.StopProgress()
		w.metrics.LogSummary("Archive finished")
	}()

	if w.dryRun {
		plog.Notice("[DRY RUN] ARCHIVED", "file", w.name)
		return w.finalPath, nil
	}

	w.returnCopyBuffer()

	// Close the stack inside-out. The first failure wins, but every layer
	// still gets its close call.
	if err := w.tw.Close(); err != nil && retErr == nil {
		retErr = fmt.Errorf("tar writer close failed: %w", err)
	}
	if err := w.compressor.Close(); err != nil && retErr == nil {
		retErr = fmt.Errorf("compressed writer close failed: %w", err)
	}
	if err := w.bufWriter.Flush(); err != nil && retErr == nil {
		retErr = fmt.Errorf("buffer flush failed: %w", err)
	}
	if err := w.f.Close(); err != nil && retErr == nil {
		retErr = fmt.Errorf("failed to close temp file: %w", err)
	}

	if retErr != nil {
		os.Remove(w.tempPath)
		return "", retErr
	}

	if err := os.Rename(w.tempPath, w.finalPath); err != nil {
		os.Remove(w.tempPath)
		return "", fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}

	if canceled {
		plog.Notice("ARCHIVED", "file", w.name, "partial", true)
	} else {
		plog.Notice("ARCHIVED", "file", w.name)
	}
	return w.finalPath, nil
}

// Discard abandons the container after an unrecoverable write error.
// Nothing reaches the chain; the temp file is removed.
func (w *Writer) Discard() {
	if w.finalized {
		return
	}
	w.finalized = true
	w.metrics.StopProgress()

	if w.dryRun {
		return
	}

	w.returnCopyBuffer()
	w.tw.Close()
	w.compressor.Close()
	w.f.Close()
	os.Remove(w.tempPath)
}

// writeMember writes one complete tar member. Any error here means the
// container stream can no longer be trusted and the run must abort.
func (w *Writer) writeMember(header *tar.Header, payload io.Reader) error {
	if err := w.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", header.Name, err)
	}
	if _, err := io.CopyBuffer(w.tw, payload, *w.copyBufPtr); err != nil {
		return fmt.Errorf("archive stream corrupted while writing %s: %w", header.Name, err)
	}
	return nil
}

func (w *Writer) skipEntry(record pathwalk.Record, err error) error {
	if w.failFast {
		return fmt.Errorf("could not add %s to archive: %w", record.AbsPath, err)
	}
	plog.Warn("Could not add file to archive; it will be re-evaluated next run", "file", record.AbsPath, "error", err)
	w.metrics.AddEntriesFailed(1)
	return nil
}

func (w *Writer) returnCopyBuffer() {
	if w.copyBufPtr != nil {
		w.archiver.ioBufferPool.Put(w.copyBufPtr)
		w.copyBufPtr = nil
	}
}

// openForArchive opens the file and verifies the handle still refers to
// the regular file observed at enumeration time. This catches symlink
// swaps between the walk and the read (TOCTOU) as well as size drift that
// would corrupt the tar header.
func openForArchive(record pathwalk.Record) (*os.File, os.FileInfo, error) {
	info, err := os.Lstat(record.AbsPath)
	if err != nil {
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nil, fmt.Errorf("no longer a regular file: %s", record.AbsPath)
	}

	f, err := os.Open(record.AbsPath)
	if err != nil {
		return nil, nil, err
	}

	openedInfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat opened file: %w", err)
	}

	// 1. Check if it's the same physical file (Inode check)
	if !os.SameFile(info, openedInfo) {
		f.Close()
		return nil, nil, fmt.Errorf("file changed during backup (TOCTOU): %s", record.AbsPath)
	}

	// 2. Check the size against enumeration; the change-detection basis
	// recorded for this entry describes the walked state, not a moving
	// target.
	if openedInfo.Size() != record.Size {
		f.Close()
		return nil, nil, fmt.Errorf("file size changed since enumeration: %s", record.AbsPath)
	}

	return f, openedInfo, nil
}

// basisFor derives the comparison basis recorded for a successfully
// archived file: the fingerprint when enumeration hashed the content,
// otherwise the observed size.
func basisFor(record pathwalk.Record) metafile.Basis {
	if record.Fingerprint != "" {
		return metafile.ThoroughBasis{Fingerprint: record.Fingerprint}
	}
	return metafile.FastBasis{Size: record.Size}
}

// meteredWriter counts compressed bytes reaching the container file.
type meteredWriter struct {
	w       io.Writer
	metrics patharchivemetrics.Metrics
}

func (mw *meteredWriter) Write(p []byte) (n int, err error) {
	n, err = mw.w.Write(p)
	if n > 0 {
		mw.metrics.AddBytesWritten(int64(n))
	}
	return
}

// meteredReader counts uncompressed payload bytes entering the archive.
type meteredReader struct {
	r       io.Reader
	metrics patharchivemetrics.Metrics
}

func (mr *meteredReader) Read(p []byte) (n int, err error) {
	n, err = mr.r.Read(p)
	if n > 0 {
		mr.metrics.AddBytesRead(int64(n))
	}
	return
}

func (mr *meteredReader) Reset(r io.Reader) {
	mr.r = r
}
