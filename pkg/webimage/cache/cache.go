// Package cache implements the tiered image cache: a cost-bounded in-memory
// LRU tier in front of an asynchronous disk tier. All disk mutations are
// serialized on one private I/O goroutine per Cache instance, so writes to
// the same or different files never interleave. The disk tier carries no
// separate index; it is rediscovered by directory listing.
package cache

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"github.com/Terence-eng/SDWebImage/log"
	"github.com/Terence-eng/SDWebImage/pkg/webimage/codec"
)

// ErrClosed is returned if an operation is attempted on a closed cache.
var ErrClosed = errors.New("image cache is closed")

// CacheType reports which tier satisfied a query.
type CacheType int

const (
	// CacheTypeNone means the entry was not cached (or came from the network).
	CacheTypeNone CacheType = iota
	// CacheTypeMemory means the memory tier satisfied the query.
	CacheTypeMemory
	// CacheTypeDisk means the disk tier satisfied the query.
	CacheTypeDisk
)

func (t CacheType) String() string {
	switch t {
	case CacheTypeMemory:
		return "memory"
	case CacheTypeDisk:
		return "disk"
	default:
		return "none"
	}
}

// Logger captures structured log output for cache operations.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// BackupExcluder marks a file as excluded from host cloud backup. The core
// never implements this; hosts that have such a facility inject one.
type BackupExcluder interface {
	ExcludeFromBackup(path string) error
}

// Option customises cache construction.
type Option func(*Cache)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithCodec overrides the decoder used for disk hits.
func WithCodec(cd codec.Codec) Option {
	return func(c *Cache) {
		c.codec = cd
	}
}

// WithBackupExcluder sets the host backup-exclusion hook.
func WithBackupExcluder(ex BackupExcluder) Option {
	return func(c *Cache) {
		c.excluder = ex
	}
}

// QueryOperation is a cancelable handle for an asynchronous cache query.
type QueryOperation struct {
	cancelled atomic.Bool
}

// Cancel prevents the query's completion callback from firing. The disk
// read itself may still run to completion.
func (op *QueryOperation) Cancel() {
	op.cancelled.Store(true)
}

// Cache owns the memory and disk tiers for one namespace.
type Cache struct {
	cfg      Config
	logger   Logger
	codec    codec.Codec
	excluder BackupExcluder

	mem      *memoryCache
	diskRoot string

	mu            sync.Mutex
	readOnlyPaths []string

	io *ioQueue
}

// ioQueue is the cache's private serialized I/O execution context: a single
// goroutine drains jobs in submission order, so disk mutations never
// interleave. Producers never block.
type ioQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	closed bool
	done   chan struct{}
}

func newIOQueue() *ioQueue {
	q := &ioQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *ioQueue) loop() {
	defer close(q.done)
	q.mu.Lock()
	for {
		for len(q.jobs) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.cond.Wait()
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		job()
		q.mu.Lock()
	}
}

// submit enqueues a job; reports false when the queue is closed.
func (q *ioQueue) submit(job func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, job)
	q.cond.Signal()
	return true
}

// close drains the queued jobs, then stops the goroutine.
func (q *ioQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

// New constructs a Cache, creating the disk directory and starting the
// private I/O goroutine.
func New(cfg Config, opts ...Option) (*Cache, error) {
	cfg.applyDefaults()
	if vErr := cfg.validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}

	c := &Cache{
		cfg:      cfg,
		logger:   defaultLogger(),
		codec:    codec.StdCodec{},
		mem:      newMemoryCache(cfg.MaxMemoryCost, cfg.MaxMemoryCount),
		diskRoot: filepath.Join(cfg.Directory, cfg.Namespace),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = defaultLogger()
	}
	if c.codec == nil {
		c.codec = codec.StdCodec{}
	}

	if err := os.MkdirAll(c.diskRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	c.io = newIOQueue()

	return c, nil
}

// Close stops the I/O goroutine after the queued jobs drain.
func (c *Cache) Close() {
	c.io.close()
}

// dispatch hands a job to the I/O goroutine. Returns false when closed.
func (c *Cache) dispatch(job func()) bool {
	return c.io.submit(job)
}

// AddReadOnlyPath registers an extra directory consulted after the primary
// disk tier on query misses. Files there are never written or evicted.
func (c *Cache) AddReadOnlyPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readOnlyPaths = append(c.readOnlyPaths, path)
}

// DefaultPathForKey returns the primary tier file path for key.
func (c *Cache) DefaultPathForKey(key string) string {
	return filepath.Join(c.diskRoot, filenameForKey(key))
}

// CachePathForKey returns the file path for key under an arbitrary root.
func (c *Cache) CachePathForKey(key, root string) string {
	return filepath.Join(root, filenameForKey(key))
}

// filenameForKey derives a stable name from the key. Identical keys always
// map to identical paths within one configured root.
func filenameForKey(key string) string {
	sum := xxh3.Hash128([]byte(key))
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo)
}

// Store upserts the memory tier synchronously and, unless toDisk is false,
// the disk tier asynchronously. done (optional) fires after the disk write
// resolves, success or failure; with toDisk false it fires immediately.
func (c *Cache) Store(key string, img image.Image, data []byte, toDisk bool, done func(error)) {
	if key == "" {
		if done != nil {
			done(errors.New("cache: empty key"))
		}
		return
	}

	if c.cfg.memoryEnabled() {
		c.storeToMemory(key, img, data)
	}

	if !toDisk {
		if done != nil {
			done(nil)
		}
		return
	}

	ok := c.dispatch(func() {
		payload := data
		if payload == nil && img != nil {
			var buf bytes.Buffer
			if err := png.Encode(&buf, img); err != nil {
				c.logger.Errorf("cache: encode %s for disk: %v", key, err)
				if done != nil {
					done(err)
				}
				return
			}
			payload = buf.Bytes()
		}
		err := c.storeBytesToDisk(payload, key)
		if err != nil {
			c.logger.Errorf("cache: disk store %s: %v", key, err)
		}
		if done != nil {
			done(err)
		}
	})
	if !ok && done != nil {
		done(ErrClosed)
	}
}

func (c *Cache) storeToMemory(key string, img image.Image, data []byte) {
	if !c.cfg.decompressed() {
		img = nil
	}
	cost := codec.Pixels(img)
	if cost == 0 {
		cost = int64(len(data))
	}
	c.mem.set(key, img, data, cost)
}

// storeBytesToDisk writes the payload atomically. It must only run on the
// cache's I/O goroutine.
func (c *Cache) storeBytesToDisk(data []byte, key string) error {
	if data == nil {
		return errors.New("cache: no bytes to store")
	}
	path := c.DefaultPathForKey(key)
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}
	if c.cfg.DisableCloudBackup && c.excluder != nil {
		if err := c.excluder.ExcludeFromBackup(path); err != nil {
			c.logger.Warnf("cache: exclude %s from backup: %v", path, err)
		}
	}
	return nil
}

// Query checks the memory tier synchronously; on a miss it checks the disk
// tier off the caller's goroutine. A disk hit decodes and, unless memory
// caching or promotion is disabled, promotes the entry into memory. done
// always fires exactly once unless the returned operation is cancelled.
func (c *Cache) Query(key string, done func(img image.Image, data []byte, cacheType CacheType)) *QueryOperation {
	if done == nil {
		return nil
	}
	if key == "" {
		done(nil, nil, CacheTypeNone)
		return nil
	}

	if c.cfg.memoryEnabled() {
		if img, data, ok := c.mem.get(key); ok {
			done(img, data, CacheTypeMemory)
			return nil
		}
	}

	op := &QueryOperation{}
	ok := c.dispatch(func() {
		if op.cancelled.Load() {
			return
		}
		img, data := c.readFromDisk(key)
		if data == nil {
			done(nil, nil, CacheTypeNone)
			return
		}
		if c.cfg.memoryEnabled() && c.cfg.promoteOnHit() {
			c.storeToMemory(key, img, data)
		}
		done(img, data, CacheTypeDisk)
	})
	if !ok {
		done(nil, nil, CacheTypeNone)
		return nil
	}
	return op
}

// ImageFromMemory returns the memory tier entry for key, if any.
func (c *Cache) ImageFromMemory(key string) (image.Image, []byte, bool) {
	if !c.cfg.memoryEnabled() {
		return nil, nil, false
	}
	return c.mem.get(key)
}

// ImageFromDisk reads and decodes the disk tier entry for key, consulting
// read-only search paths after the primary tier. It never promotes.
func (c *Cache) ImageFromDisk(key string) (image.Image, []byte, bool) {
	img, data := c.readFromDisk(key)
	if data == nil {
		return nil, nil, false
	}
	return img, data, true
}

// ImageFromCache checks memory, then disk; a disk hit is promoted into the
// memory tier unless disabled.
func (c *Cache) ImageFromCache(key string) (image.Image, []byte, CacheType) {
	if img, data, ok := c.ImageFromMemory(key); ok {
		return img, data, CacheTypeMemory
	}
	img, data, ok := c.ImageFromDisk(key)
	if !ok {
		return nil, nil, CacheTypeNone
	}
	if c.cfg.memoryEnabled() && c.cfg.promoteOnHit() {
		c.storeToMemory(key, img, data)
	}
	return img, data, CacheTypeDisk
}

func (c *Cache) readFromDisk(key string) (image.Image, []byte) {
	paths := []string{c.DefaultPathForKey(key)}
	c.mu.Lock()
	for _, root := range c.readOnlyPaths {
		paths = append(paths, c.CachePathForKey(key, root))
	}
	c.mu.Unlock()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				c.logger.Warnf("cache: read %s: %v", path, err)
			}
			continue
		}
		img, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Warnf("cache: decode %s: %v", path, err)
			return nil, data
		}
		return img, data
	}
	return nil, nil
}

// DiskImageExists reports through done, off the caller's goroutine, whether
// the disk tier (including read-only search paths) holds key.
func (c *Cache) DiskImageExists(key string, done func(bool)) {
	if done == nil {
		return
	}
	ok := c.dispatch(func() {
		done(c.diskFileExists(key))
	})
	if !ok {
		done(false)
	}
}

func (c *Cache) diskFileExists(key string) bool {
	paths := []string{c.DefaultPathForKey(key)}
	c.mu.Lock()
	for _, root := range c.readOnlyPaths {
		paths = append(paths, c.CachePathForKey(key, root))
	}
	c.mu.Unlock()

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// Remove deletes key from the memory tier synchronously and, when fromDisk
// is set, from the disk tier asynchronously.
func (c *Cache) Remove(key string, fromDisk bool, done func()) {
	c.mem.remove(key)

	if !fromDisk {
		if done != nil {
			done()
		}
		return
	}

	ok := c.dispatch(func() {
		if err := os.Remove(c.DefaultPathForKey(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warnf("cache: remove %s: %v", key, err)
		}
		if done != nil {
			done()
		}
	})
	if !ok && done != nil {
		done()
	}
}

// ClearMemory drops every memory tier entry immediately.
func (c *Cache) ClearMemory() {
	c.mem.clear()
}

// HandleMemoryPressure is the host memory-pressure entry point; it clears
// the memory tier independent of the configured bounds.
func (c *Cache) HandleMemoryPressure() {
	c.logger.Infof("cache: memory pressure, clearing memory tier")
	c.mem.clear()
}

// ClearDisk removes every file in the primary disk tier.
func (c *Cache) ClearDisk(done func()) {
	ok := c.dispatch(func() {
		if err := os.RemoveAll(c.diskRoot); err != nil {
			c.logger.Errorf("cache: clear disk: %v", err)
		}
		if err := os.MkdirAll(c.diskRoot, 0o755); err != nil {
			c.logger.Errorf("cache: recreate disk root: %v", err)
		}
		if done != nil {
			done()
		}
	})
	if !ok && done != nil {
		done()
	}
}

// MemoryCount returns the number of memory tier entries.
func (c *Cache) MemoryCount() int {
	return c.mem.len()
}

// MemoryCost returns the aggregate cost of the memory tier.
func (c *Cache) MemoryCost() int64 {
	return c.mem.cost()
}

// Size returns the aggregate byte size of the primary disk tier with a
// synchronous directory scan.
func (c *Cache) Size() int64 {
	size, _ := c.scanDisk()
	return size
}

// DiskCount returns the number of files in the primary disk tier.
func (c *Cache) DiskCount() int {
	_, count := c.scanDisk()
	return count
}

// CalculateSize performs the Size/DiskCount scan off the caller's goroutine.
func (c *Cache) CalculateSize(done func(fileCount int, totalSize int64)) {
	if done == nil {
		return
	}
	if ok := c.dispatch(func() {
		size, count := c.scanDisk()
		done(count, size)
	}); !ok {
		done(0, 0)
	}
}

func (c *Cache) scanDisk() (int64, int) {
	var size int64
	var count int
	err := filepath.WalkDir(c.diskRoot, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			return infoErr
		}
		size += info.Size()
		count++
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warnf("cache: disk scan: %v", err)
	}
	return size, count
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("image-cache")}
}

type logHandleAdapter struct {
	handle *log.LogHandle
}

func (l logHandleAdapter) Debugf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Debug().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Infof(format string, args ...any) {
	if l.handle != nil {
		l.handle.Info().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Warnf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Warn().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Errorf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Error().Msgf(format, args...)
	}
}
