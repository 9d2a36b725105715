package blobstore_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/blobcache/blobstore"
	"github.com/IvanBrykalov/blobcache/cache"
	"github.com/IvanBrykalov/blobcache/policy/slru"
)

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func blobPath(d string) string { return "blobs/" + d[:2] + "/" + d }

func readAll(t *testing.T, f billy.File) []byte {
	t.Helper()
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return data
}

type evictions struct {
	mu   sync.Mutex
	keys []string
}

func (e *evictions) OnEldestRemoved(k string, _ int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys = append(e.keys, k)
}

func (e *evictions) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.keys...)
}

// syncFS serializes namespace operations of a filesystem that is not safe
// for concurrent use, such as memfs.
type syncFS struct {
	billy.Filesystem
	mu sync.Mutex
}

func (f *syncFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Filesystem.OpenFile(name, flag, perm)
}

func (f *syncFS) Open(name string) (billy.File, error) {
	return f.OpenFile(name, os.O_RDONLY, 0)
}

func (f *syncFS) Stat(name string) (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Filesystem.Stat(name)
}

func (f *syncFS) Lstat(name string) (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Filesystem.Lstat(name)
}

func (f *syncFS) ReadDir(name string) ([]os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Filesystem.ReadDir(name)
}

func (f *syncFS) Rename(from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Filesystem.Rename(from, to)
}

func (f *syncFS) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Filesystem.Remove(name)
}

func (f *syncFS) MkdirAll(name string, perm os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Filesystem.MkdirAll(name, perm)
}

// stallFS blocks the first Remove of target once armed, until release is
// closed.
type stallFS struct {
	*syncFS
	target   string
	armed    atomic.Bool
	once     sync.Once
	removing chan struct{}
	release  chan struct{}
}

func (f *stallFS) Remove(name string) error {
	if name == f.target && f.armed.Load() {
		f.once.Do(func() {
			close(f.removing)
			<-f.release
		})
	}
	return f.syncFS.Remove(name)
}

func newStore(t *testing.T, fs billy.Filesystem, opts blobstore.Options) *blobstore.Store {
	t.Helper()
	s, err := blobstore.New(fs, opts)
	require.NoError(t, err)
	return s
}

func TestStore_PutOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs := memfs.New()
	s := newStore(t, fs, blobstore.Options{Verify: true})

	content := []byte("hello blob")
	d := digestOf(content)

	n, err := s.Put(ctx, d, bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)

	f, err := s.Open(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, content, readAll(t, f))

	_, err = fs.Stat(blobPath(d))
	require.NoError(t, err, "blob must live in the fan-out directory")

	st := s.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(len(content)), st.Weight)
	assert.Equal(t, int64(1), st.Hits)
}

func TestStore_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newStore(t, memfs.New(), blobstore.Options{Verify: true})

	_, err := s.Open(ctx, digestOf([]byte("nope")))
	assert.ErrorIs(t, err, blobstore.ErrNotCached)

	for _, bad := range []string{"", "abc", "ABCDEF", "../../etc/passwd", "sha256:abcd"} {
		_, err := s.Put(ctx, bad, strings.NewReader("x"))
		assert.ErrorIs(t, err, blobstore.ErrInvalidDigest, bad)
	}

	_, err = s.Put(ctx, digestOf([]byte("other")), strings.NewReader("content"))
	assert.ErrorIs(t, err, blobstore.ErrDigestMismatch)
	assert.Equal(t, 0, s.Stats().Entries)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Put(cancelled, digestOf([]byte("x")), strings.NewReader("x"))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = blobstore.New(memfs.New(), blobstore.Options{Capacity: 1})
	assert.ErrorIs(t, err, cache.ErrInvalidCapacity)
	_, err = blobstore.New(memfs.New(), blobstore.Options{MaxBytes: -1})
	assert.ErrorIs(t, err, cache.ErrInvalidWeight)
}

// Evicted blobs are deleted before extra listeners hear about them.
func TestStore_EvictionDeletesFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs := memfs.New()
	ev := &evictions{}
	var sawFile atomic.Bool
	s := newStore(t, fs, blobstore.Options{
		Capacity: 5, // probation 1, protected 4
		Listeners: []cache.EldestRemovedListener[string, int64]{
			ev,
			cache.ListenerFunc[string, int64](func(d string, _ int64) {
				if _, err := fs.Stat(blobPath(d)); err == nil {
					sawFile.Store(true)
				}
			}),
		},
	})

	var digests []string
	for _, c := range []string{"a", "b", "c", "d", "e", "f"} {
		content := []byte("blob-" + c)
		d := digestOf(content)
		digests = append(digests, d)
		_, err := s.Put(ctx, d, bytes.NewReader(content))
		require.NoError(t, err)
	}

	// a sat alone in probation and was pushed out by f.
	assert.Equal(t, []string{digests[0]}, ev.list())
	assert.False(t, sawFile.Load(), "file must be gone before listeners run")
	_, err := fs.Stat(blobPath(digests[0]))
	assert.Error(t, err)
	assert.False(t, s.Contains(digests[0]))

	for _, d := range digests[1:] {
		_, err := fs.Stat(blobPath(d))
		assert.NoError(t, err)
	}
}

func TestStore_MaxBytes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs := memfs.New()
	s := newStore(t, fs, blobstore.Options{MaxBytes: 100}) // probation 20, protected 80

	big := bytes.Repeat([]byte("x"), 200)
	d := digestOf(big)
	_, err := s.Put(ctx, d, bytes.NewReader(big))
	assert.ErrorIs(t, err, blobstore.ErrTooLarge)
	_, err = fs.Stat(blobPath(d))
	assert.Error(t, err, "oversized blob must not stay on disk")

	for i := 0; i < 20; i++ {
		content := bytes.Repeat([]byte{byte('a' + i)}, 15)
		_, err := s.Put(ctx, digestOf(content), bytes.NewReader(content))
		require.NoError(t, err)
		assert.LessOrEqual(t, s.Stats().Weight, int64(100))
	}

	require.NoError(t, s.SetMaxBytes(40))
	content := []byte("trigger")
	_, err = s.Put(ctx, digestOf(content), bytes.NewReader(content))
	require.NoError(t, err)
	assert.LessOrEqual(t, s.Stats().Weight, int64(40))
}

func TestStore_Fetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newStore(t, &syncFS{Filesystem: memfs.New()}, blobstore.Options{Verify: true})
	content := []byte("remote artifact")
	d := digestOf(content)

	var calls atomic.Int64
	fetch := func(ctx context.Context, digest string) (io.ReadCloser, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return io.NopCloser(bytes.NewReader(content)), nil
	}

	start := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			<-start
			f, err := s.Fetch(gctx, d, fetch)
			if err != nil {
				return err
			}
			defer f.Close()
			got, err := io.ReadAll(f)
			if err != nil {
				return err
			}
			if !bytes.Equal(got, content) {
				return errors.New("content mismatch")
			}
			return nil
		})
	}
	close(start)
	require.NoError(t, g.Wait())

	assert.GreaterOrEqual(t, calls.Load(), int64(1))
	assert.LessOrEqual(t, calls.Load(), int64(2), "concurrent misses must share a download")

	before := calls.Load()
	f, err := s.Fetch(ctx, d, fetch)
	require.NoError(t, err)
	assert.Equal(t, content, readAll(t, f))
	assert.Equal(t, before, calls.Load(), "a cached blob must not be fetched again")
}

func TestStore_FetchError(t *testing.T) {
	t.Parallel()

	s := newStore(t, memfs.New(), blobstore.Options{})
	boom := errors.New("origin down")
	_, err := s.Fetch(context.Background(), "abcd", func(context.Context, string) (io.ReadCloser, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.Contains("abcd"))
}

func TestStore_Remove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs := memfs.New()
	ev := &evictions{}
	s := newStore(t, fs, blobstore.Options{Listeners: []cache.EldestRemovedListener[string, int64]{ev}})

	content := []byte("to be removed")
	d := digestOf(content)
	_, err := s.Put(ctx, d, bytes.NewReader(content))
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, d))
	assert.False(t, s.Contains(d))
	_, err = fs.Stat(blobPath(d))
	assert.Error(t, err)
	assert.Empty(t, ev.list(), "Remove is not an eviction")

	assert.ErrorIs(t, s.Remove(ctx, d), blobstore.ErrNotCached)
}

// A file deleted behind the store's back turns into a miss.
func TestStore_OpenMissingFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs := memfs.New()
	s := newStore(t, fs, blobstore.Options{})
	content := []byte("ephemeral")
	d := digestOf(content)
	_, err := s.Put(ctx, d, bytes.NewReader(content))
	require.NoError(t, err)

	require.NoError(t, fs.Remove(blobPath(d)))
	_, err = s.Open(ctx, d)
	assert.ErrorIs(t, err, blobstore.ErrNotCached)
	assert.False(t, s.Contains(d), "stale index entry must be dropped")
}

// A second store over the same directory picks up existing blobs.
func TestStore_Rebuild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs := memfs.New()
	first := newStore(t, fs, blobstore.Options{})
	var digests []string
	for _, c := range []string{"one", "two", "three"} {
		content := []byte(c)
		d := digestOf(content)
		digests = append(digests, d)
		_, err := first.Put(ctx, d, bytes.NewReader(content))
		require.NoError(t, err)
	}
	require.NoError(t, util.WriteFile(fs, "blobs/README", []byte("not a blob"), 0o644))
	require.NoError(t, util.WriteFile(fs, "blobs/.tmp/put-123", []byte("partial"), 0o644))

	second := newStore(t, fs, blobstore.Options{})
	n, err := second.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(len("one")+len("two")+len("three")), second.Stats().Weight)

	for _, d := range digests {
		f, err := second.Open(ctx, d)
		require.NoError(t, err)
		_ = f.Close()
	}
	_, err = fs.Stat("blobs/.tmp/put-123")
	assert.Error(t, err, "stale temp files must be cleaned")
	_, err = fs.Stat("blobs/README")
	assert.NoError(t, err, "foreign files are left alone")
}

// A single download is not a reuse: the blob stays in probation until it is
// read again.
func TestStore_FetchAdmitsToProbation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newStore(t, memfs.New(), blobstore.Options{
		MaxBytes:  1000,
		Admission: slru.Classic[string](),
	})
	content := []byte("fetched once")
	d := digestOf(content)

	f, err := s.Fetch(ctx, d, func(context.Context, string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	})
	require.NoError(t, err)
	assert.Equal(t, content, readAll(t, f))

	st := s.Stats()
	assert.Equal(t, 1, st.ProbationEntries)
	assert.Equal(t, 0, st.ProtectedEntries)
	assert.Equal(t, int64(0), st.Hits)

	f, err = s.Open(ctx, d)
	require.NoError(t, err)
	_ = f.Close()
	st = s.Stats()
	assert.Equal(t, 0, st.ProbationEntries)
	assert.Equal(t, 1, st.ProtectedEntries, "the second read promotes")
}

// A blob larger than probation's share is served but not kept.
func TestStore_FetchServesOversizedBlob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs := memfs.New()
	s := newStore(t, fs, blobstore.Options{MaxBytes: 100, Verify: true}) // probation 20
	content := bytes.Repeat([]byte("z"), 50)
	d := digestOf(content)

	var calls atomic.Int64
	fetch := func(context.Context, string) (io.ReadCloser, error) {
		calls.Add(1)
		return io.NopCloser(bytes.NewReader(content)), nil
	}

	f, err := s.Fetch(ctx, d, fetch)
	require.NoError(t, err)
	assert.Equal(t, content, readAll(t, f))

	assert.False(t, s.Contains(d))
	assert.Equal(t, int64(0), s.Stats().Weight)
	_, err = fs.Stat(blobPath(d))
	assert.Error(t, err)
	left, err := fs.ReadDir("blobs/.tmp")
	require.NoError(t, err)
	assert.Empty(t, left, "spilled copies must be cleaned up")

	f, err = s.Fetch(ctx, d, fetch)
	require.NoError(t, err)
	assert.Equal(t, content, readAll(t, f))
	assert.Equal(t, int64(2), calls.Load())
}

// Cancelling the caller that started a download does not fail the others.
func TestStore_FetchStarterCancel(t *testing.T) {
	t.Parallel()

	s := newStore(t, &syncFS{Filesystem: memfs.New()}, blobstore.Options{Verify: true})
	content := []byte("slow origin")
	d := digestOf(content)

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context, _ string) (io.ReadCloser, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return io.NopCloser(bytes.NewReader(content)), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	starterCtx, cancel := context.WithCancel(context.Background())
	starterErr := make(chan error, 1)
	go func() {
		_, err := s.Fetch(starterCtx, d, fetch)
		starterErr <- err
	}()
	<-started

	type result struct {
		data []byte
		err  error
	}
	follower := make(chan result, 1)
	go func() {
		f, err := s.Fetch(context.Background(), d, fetch)
		if err != nil {
			follower <- result{err: err}
			return
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		follower <- result{data, err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-starterErr, context.Canceled)

	close(release)
	r := <-follower
	require.NoError(t, r.err)
	assert.Equal(t, content, r.data)
	assert.Equal(t, int64(1), calls.Load())
	assert.True(t, s.Contains(d), "the download completes and is cached")
}

// An eviction whose file delete is still running must not take the file
// of a concurrent rewrite of the same digest.
func TestStore_EvictionDuringRewrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d := digestOf([]byte("d"))
	fs := &stallFS{
		syncFS:   &syncFS{Filesystem: memfs.New()},
		target:   blobPath(d),
		removing: make(chan struct{}),
		release:  make(chan struct{}),
	}
	s := newStore(t, fs, blobstore.Options{
		Capacity:  2, // probation 1, protected 1
		Admission: slru.Classic[string](),
	})

	_, err := s.Put(ctx, d, strings.NewReader("old"))
	require.NoError(t, err)
	fs.armed.Store(true)

	var g errgroup.Group
	g.Go(func() error { // evicts d out of probation
		e := []byte("e")
		_, err := s.Put(ctx, digestOf(e), bytes.NewReader(e))
		return err
	})
	<-fs.removing

	g.Go(func() error {
		_, err := s.Put(ctx, d, strings.NewReader("new"))
		return err
	})
	time.Sleep(20 * time.Millisecond)
	close(fs.release)
	require.NoError(t, g.Wait())

	require.True(t, s.Contains(d))
	f, err := s.Open(ctx, d)
	require.NoError(t, err, "the rewritten blob must be on disk")
	assert.Equal(t, []byte("new"), readAll(t, f))
}

// Under churn every Put of a blob that fits succeeds, and the index and the
// directory agree afterwards.
func TestStore_ConcurrentChurn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs := &syncFS{Filesystem: memfs.New()}
	s := newStore(t, fs, blobstore.Options{MaxBytes: 100}) // probation 20, protected 80

	var digests sync.Map
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				content := bytes.Repeat([]byte{byte('a' + w), byte(i)}, 7) // 14 bytes
				d := digestOf(content)
				digests.Store(d, struct{}{})
				if _, err := s.Put(ctx, d, bytes.NewReader(content)); err != nil {
					return err
				}
				if i%3 == 0 {
					if f, err := s.Open(ctx, d); err == nil {
						_ = f.Close()
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st := s.Stats()
	assert.LessOrEqual(t, st.Weight, int64(100))
	onDisk := 0
	digests.Range(func(k, _ any) bool {
		d := k.(string)
		_, err := fs.Stat(blobPath(d))
		if s.Contains(d) {
			assert.NoError(t, err, "indexed blob %s has no file", d)
		}
		if err == nil {
			onDisk++
		}
		return true
	})
	assert.Equal(t, st.Entries, onDisk)
}
