// Package blobstore keeps content-addressed blobs on a local filesystem and
// lets a segmented LRU index decide which of them stay.
//
// Blobs live at <root>/<first two digest chars>/<digest>. The index maps each
// digest to its size in bytes, which is also its weight, so MaxBytes bounds
// the disk footprint. When the index evicts a digest the file is deleted.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/IvanBrykalov/blobcache/cache"
	"github.com/IvanBrykalov/blobcache/internal/singleflight"
)

// FetchFunc retrieves a blob from its origin on a cache miss. The returned
// reader is closed by the Store.
type FetchFunc func(ctx context.Context, digest string) (io.ReadCloser, error)

// Store is a size-bounded local blob cache. Safe for concurrent use.
type Store struct {
	fs           billy.Filesystem
	root         string
	verify       bool
	fetchTimeout time.Duration
	index        *cache.Segmented[string, int64]
	fetches      singleflight.Group[string, int64]
	log          *slog.Logger

	// mu orders file deletions against commits of the same digest.
	mu      sync.Mutex
	writing map[string]int    // commits in flight per digest
	spills  map[string]*spill // by digest
}

// spill tracks fetched blobs too large to stay cached. Their files live
// under the temp directory until the last Fetch caller waiting on the digest
// has had the chance to open one.
type spill struct {
	refs  int
	paths []string
}

// New creates the root directory if needed and returns an empty Store.
// Call Rebuild to index blobs left by a previous process.
func New(fsys billy.Filesystem, opts Options) (*Store, error) {
	if fsys == nil {
		return nil, errors.New("blobstore: nil filesystem")
	}
	opts = opts.withDefaults()

	s := &Store{
		fs:           fsys,
		root:         opts.Root,
		verify:       opts.Verify,
		fetchTimeout: opts.FetchTimeout,
		log:          opts.Logger,
		writing:      make(map[string]int),
		spills:       make(map[string]*spill),
	}

	copt := cache.Options[string, int64]{
		Capacity:  opts.Capacity,
		MaxWeight: opts.MaxBytes,
		Weigher:   func(_ string, size int64) int64 { return size },
		Admission: opts.Admission,
		Metrics:   opts.Metrics,
		Logger:    opts.Logger,
	}
	// The file goes first so extra listeners observe a deleted blob.
	copt.Listeners = append([]cache.EldestRemovedListener[string, int64]{
		cache.ListenerFunc[string, int64](s.onEvicted),
	}, opts.Listeners...)
	if err := copt.ValidateSegmented(); err != nil {
		return nil, err
	}
	s.index = cache.NewSegmented(copt)

	if err := fsys.MkdirAll(path.Join(s.root, tmpDir), 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return s, nil
}

// Put stores the content of r under digest and indexes its size. An existing
// copy is replaced. It returns the number of bytes written.
func (s *Store) Put(ctx context.Context, digest string, r io.Reader) (int64, error) {
	n, _, err := s.put(ctx, digest, r, false)
	return n, err
}

// put writes r to a temp file and commits it. With keep set, a blob that
// cannot stay resident is moved back under the temp directory and its path
// returned along with ErrTooLarge.
func (s *Store) put(ctx context.Context, digest string, r io.Reader, keep bool) (int64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	if err := validDigest(digest); err != nil {
		return 0, "", err
	}

	tmp, err := util.TempFile(s.fs, path.Join(s.root, tmpDir), "put-")
	if err != nil {
		return 0, "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	var h hash.Hash
	var w io.Writer = tmp
	if s.verify {
		h = sha256.New()
		w = io.MultiWriter(tmp, h)
	}
	n, err := io.Copy(w, contextReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return 0, "", fmt.Errorf("write blob %s: %w", digest, err)
	}
	if h != nil {
		if sum := hex.EncodeToString(h.Sum(nil)); sum != digest {
			_ = s.fs.Remove(tmpName)
			return 0, "", fmt.Errorf("%w: got sha256 %s", ErrDigestMismatch, sum)
		}
	}

	s.beginWrite(digest)
	if err := s.commit(digest, tmpName); err != nil {
		_ = s.fs.Remove(tmpName)
		s.endWrite(digest, "")
		return 0, "", err
	}
	resident := s.index.PutResident(digest, n)
	spillPath := ""
	if !resident && keep {
		spillPath = tmpName
	}
	spillPath = s.endWrite(digest, spillPath)
	if !resident {
		return n, spillPath, fmt.Errorf("%w: %s (%d bytes)", ErrTooLarge, digest, n)
	}
	s.log.Debug("blob stored", slog.String("digest", digest), slog.Int64("size", n))
	return n, "", nil
}

// commit renames a finished temp file to the blob path of digest.
func (s *Store) commit(digest, tmpName string) error {
	final := s.blobPath(digest)
	if err := s.fs.MkdirAll(path.Dir(final), 0o755); err != nil {
		return fmt.Errorf("create fan-out directory: %w", err)
	}
	if err := s.fs.Remove(final); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace blob %s: %w", digest, err)
	}
	if err := s.fs.Rename(tmpName, final); err != nil {
		return fmt.Errorf("commit blob %s: %w", digest, err)
	}
	return nil
}

// Open returns the cached blob for reading and counts it as a hit, which may
// promote it. The caller must close the file.
func (s *Store) Open(ctx context.Context, digest string) (billy.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validDigest(digest); err != nil {
		return nil, err
	}
	if _, ok := s.index.Get(digest); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, digest)
	}
	return s.openFile(digest)
}

// openFile opens the file of an indexed blob without touching its recency.
func (s *Store) openFile(digest string) (billy.File, error) {
	f, err := s.fs.Open(s.blobPath(digest))
	if errors.Is(err, fs.ErrNotExist) {
		// File vanished behind our back; forget the stale entry.
		s.index.Remove(digest)
		s.log.Warn("indexed blob missing on disk", slog.String("digest", digest))
		return nil, fmt.Errorf("%w: %s", ErrNotCached, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", digest, err)
	}
	return f, nil
}

// Fetch opens the cached blob, or on a miss downloads it through fetch,
// stores it and then opens it. Concurrent misses for the same digest share
// one download, which runs detached from the callers: each caller stops
// waiting when its own ctx is done. A freshly downloaded blob is not counted
// as a hit, so it starts out where the admission policy put it. A blob too
// large to stay cached is still returned.
func (s *Store) Fetch(ctx context.Context, digest string, fetch FetchFunc) (billy.File, error) {
	f, err := s.Open(ctx, digest)
	if err == nil || !errors.Is(err, ErrNotCached) {
		return f, err
	}

	s.acquireSpill(digest)
	defer s.releaseSpill(digest)

	dctx := context.WithoutCancel(ctx)
	_, shared, err := s.fetches.DoDetached(ctx, digest, func() (int64, error) {
		return s.download(dctx, digest, fetch)
	})
	switch {
	case err == nil:
		f, err = s.openFile(digest)
	case errors.Is(err, ErrTooLarge):
		if sf, ok := s.openSpill(digest); ok {
			s.log.Debug("serving blob too large to cache", slog.String("digest", digest))
			return sf, nil
		}
	}
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("blob fetch failed",
				slog.String("digest", digest),
				slog.Bool("shared", shared),
				slog.Any("err", err),
			)
		}
		return nil, fmt.Errorf("fetch blob %s: %w", digest, err)
	}
	return f, nil
}

func (s *Store) download(ctx context.Context, digest string, fetch FetchFunc) (int64, error) {
	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}
	rc, err := fetch(ctx, digest)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	n, spillPath, err := s.put(ctx, digest, rc, true)
	if spillPath != "" {
		s.addSpill(digest, spillPath)
	}
	return n, err
}

// Contains reports whether digest is indexed, without affecting recency.
func (s *Store) Contains(digest string) bool { return s.index.Contains(digest) }

// Remove deletes a blob and its index entry. It is not an eviction:
// listeners are not notified.
func (s *Store) Remove(ctx context.Context, digest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validDigest(digest); err != nil {
		return err
	}
	_, indexed := s.index.Remove(digest)
	err := s.fs.Remove(s.blobPath(digest))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if !indexed {
			return fmt.Errorf("%w: %s", ErrNotCached, digest)
		}
		return nil
	case err != nil:
		return fmt.Errorf("remove blob %s: %w", digest, err)
	}
	return nil
}

// Rebuild walks the root directory and indexes every blob file found, e.g.
// after a restart. Leftover temp files are deleted and files whose names are
// not digests are skipped. It returns the number of blobs indexed; blobs
// beyond the bounds are evicted as usual.
func (s *Store) Rebuild(ctx context.Context) (int, error) {
	indexed := 0
	err := util.Walk(s.fs, s.root, func(p string, info os.FileInfo, err error) error {
		if errors.Is(err, fs.ErrNotExist) {
			return nil // evicted while walking
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		dir, name := path.Split(p)
		dir = path.Clean(dir)
		switch {
		case path.Base(dir) == tmpDir:
			if err := s.fs.Remove(p); err != nil {
				s.log.Warn("remove stale temp file", slog.String("path", p), slog.Any("err", err))
			}
			return nil
		case validDigest(name) != nil || path.Base(dir) != name[:2]:
			s.log.Debug("skip foreign file", slog.String("path", p))
			return nil
		}
		s.index.Put(name, info.Size())
		indexed++
		return nil
	})
	if err != nil {
		return indexed, fmt.Errorf("rebuild index: %w", err)
	}
	s.log.Info("blob index rebuilt",
		slog.Int("indexed", indexed),
		slog.Int("resident", s.index.Count()),
		slog.Int64("bytes", s.index.Weight()),
	)
	return indexed, nil
}

// SetMaxBytes changes the size bound. Blobs are evicted on the next Put.
func (s *Store) SetMaxBytes(n int64) error { return s.index.SetMaxWeight(n) }

// AddEldestRemovedListener registers l for future evictions.
func (s *Store) AddEldestRemovedListener(l cache.EldestRemovedListener[string, int64]) {
	s.index.AddEldestRemovedListener(l)
}

// Sync checkpoints the index.
func (s *Store) Sync() error { return s.index.Sync() }

// Stats returns index counters; Weight is the number of cached bytes.
func (s *Store) Stats() cache.SegmentedStats { return s.index.Stats() }

// onEvicted deletes the file of a blob that left the index. A digest that is
// indexed again, or is being committed, keeps its file: the commit settles it
// in endWrite.
func (s *Store) onEvicted(digest string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writing[digest] > 0 || s.index.Contains(digest) {
		return
	}
	if s.removeFileLocked(digest) {
		s.log.Debug("blob evicted", slog.String("digest", digest), slog.Int64("size", size))
	}
}

func (s *Store) beginWrite(digest string) {
	s.mu.Lock()
	s.writing[digest]++
	s.mu.Unlock()
}

// endWrite finishes a commit of digest. When the last commit is over and the
// digest is not indexed, the file is moved to spillPath if one is given, or
// deleted. It returns the spill path actually used.
func (s *Store) endWrite(digest, spillPath string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writing[digest]--
	if s.writing[digest] > 0 {
		return ""
	}
	delete(s.writing, digest)
	if s.index.Contains(digest) {
		return ""
	}
	if spillPath != "" {
		err := s.fs.Rename(s.blobPath(digest), spillPath)
		if err == nil {
			return spillPath
		}
		s.log.Warn("keep oversized blob", slog.String("digest", digest), slog.Any("err", err))
	}
	s.removeFileLocked(digest)
	return ""
}

func (s *Store) removeFileLocked(digest string) bool {
	err := s.fs.Remove(s.blobPath(digest))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("delete evicted blob",
			slog.String("digest", digest),
			slog.Any("err", err),
		)
		return false
	}
	return true
}

func (s *Store) acquireSpill(digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.spills[digest]
	if sp == nil {
		sp = &spill{}
		s.spills[digest] = sp
	}
	sp.refs++
}

// addSpill hands a spilled file to the callers waiting on digest, or
// deletes it if none is left.
func (s *Store) addSpill(digest, p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp := s.spills[digest]; sp != nil {
		sp.paths = append(sp.paths, p)
		return
	}
	s.removeSpillLocked(p)
}

func (s *Store) openSpill(digest string) (billy.File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.spills[digest]
	if sp == nil {
		return nil, false
	}
	for i := len(sp.paths) - 1; i >= 0; i-- {
		if f, err := s.fs.Open(sp.paths[i]); err == nil {
			return f, true
		}
	}
	return nil, false
}

// releaseSpill drops a caller; the last one deletes the spilled files.
// Handles opened on them stay readable.
func (s *Store) releaseSpill(digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.spills[digest]
	if sp == nil {
		return
	}
	sp.refs--
	if sp.refs > 0 {
		return
	}
	delete(s.spills, digest)
	for _, p := range sp.paths {
		s.removeSpillLocked(p)
	}
}

func (s *Store) removeSpillLocked(p string) {
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("delete spilled blob", slog.String("path", p), slog.Any("err", err))
	}
}

func (s *Store) blobPath(digest string) string {
	return path.Join(s.root, digest[:2], digest)
}

// validDigest accepts lowercase hex strings of at least four characters.
func validDigest(d string) error {
	if len(d) < 4 {
		return fmt.Errorf("%w: %q", ErrInvalidDigest, d)
	}
	for i := 0; i < len(d); i++ {
		c := d[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: %q", ErrInvalidDigest, d)
		}
	}
	return nil
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
