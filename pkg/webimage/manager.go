// Package webimage ties the asynchronous download executor to the tiered
// image cache. Manager is the top-level entry point: it derives cache keys,
// sequences cache lookup, blacklist checks and network fetches, and delivers
// each caller exactly one terminal completion.
package webimage

import (
	"context"
	"errors"
	"image"
	"net/url"
	"sync"

	"github.com/Terence-eng/SDWebImage/log"
	"github.com/Terence-eng/SDWebImage/pkg/webimage/cache"
	"github.com/Terence-eng/SDWebImage/pkg/webimage/downloader"
)

// CacheType re-exports the cache tier indicator.
type CacheType = cache.CacheType

const (
	CacheTypeNone   = cache.CacheTypeNone
	CacheTypeMemory = cache.CacheTypeMemory
	CacheTypeDisk   = cache.CacheTypeDisk
)

// ProgressFunc reports download progress on a background goroutine.
type ProgressFunc = downloader.ProgressFunc

// CompletedFunc delivers load results. finished is false only for
// progressive partial images; every load ends with exactly one
// finished=true delivery.
type CompletedFunc func(img image.Image, data []byte, err error, cacheType CacheType, finished bool, url string)

// CacheKeyFilter converts a URL into a cache key, e.g. to strip volatile
// query parameters. Nil means the identity transform.
type CacheKeyFilter func(url string) string

// Transformer mutates a downloaded image before it is cached and delivered.
type Transformer interface {
	Transform(img image.Image, url string) image.Image
}

// Logger captures structured log output for the manager.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Option customises manager construction.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithCacheKeyFilter installs the URL-to-key filter.
func WithCacheKeyFilter(filter CacheKeyFilter) Option {
	return func(m *Manager) {
		m.keyFilter = filter
	}
}

// WithTransformer installs the post-download image transform.
func WithTransformer(t Transformer) Option {
	return func(m *Manager) {
		m.transformer = t
	}
}

// WithShouldDownload installs a hook that can veto the network fetch on a
// cache miss.
func WithShouldDownload(hook func(url string) bool) Option {
	return func(m *Manager) {
		m.shouldDownload = hook
	}
}

// Manager is the request coordinator.
type Manager struct {
	cache      *cache.Cache
	downloader *downloader.Downloader
	logger     Logger

	keyFilter      CacheKeyFilter
	transformer    Transformer
	shouldDownload func(url string) bool

	failedMu sync.RWMutex
	failed   map[string]struct{}

	runMu   sync.Mutex
	running map[*LoadOperation]struct{}

	ownsCache       bool
	stopMaintenance context.CancelFunc
}

// New constructs a Manager over an existing cache and downloader.
func New(c *cache.Cache, d *downloader.Downloader, opts ...Option) (*Manager, error) {
	if c == nil {
		return nil, errors.New("webimage: cache is required")
	}
	if d == nil {
		return nil, errors.New("webimage: downloader is required")
	}

	m := &Manager{
		cache:      c,
		downloader: d,
		logger:     defaultLogger(),
		failed:     make(map[string]struct{}),
		running:    make(map[*LoadOperation]struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = defaultLogger()
	}

	return m, nil
}

// NewFromConfig builds the cache, downloader and manager from one config.
// The manager owns the cache: it runs the periodic disk sweep and closes
// the cache on Close.
func NewFromConfig(cfg *Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("webimage: config is required")
	}

	c, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, err
	}
	d, err := downloader.New(cfg.Downloader)
	if err != nil {
		c.Close()
		return nil, err
	}

	m, err := New(c, d, opts...)
	if err != nil {
		c.Close()
		return nil, err
	}
	m.ownsCache = true

	ctx, cancel := context.WithCancel(context.Background())
	m.stopMaintenance = cancel
	c.StartMaintenance(ctx, 0)

	return m, nil
}

// Cache exposes the tiered cache for direct addressing.
func (m *Manager) Cache() *cache.Cache {
	return m.cache
}

// Downloader exposes the download executor.
func (m *Manager) Downloader() *downloader.Downloader {
	return m.downloader
}

// Close cancels outstanding loads and, if the manager built its own cache,
// stops its maintenance loop and drains it.
func (m *Manager) Close() {
	m.CancelAll()
	if m.stopMaintenance != nil {
		m.stopMaintenance()
	}
	if m.ownsCache {
		m.cache.Close()
	}
}

// LoadOperation is the cancelable handle for one LoadImage call.
type LoadOperation struct {
	m *Manager

	mu        sync.Mutex
	cancelled bool
	cacheOp   *cache.QueryOperation
	token     *downloader.Token
	finished  bool
}

// Cancel stops this load: the cache query callback is suppressed and this
// caller's download registration is detached. Other callers coalesced onto
// the same fetch are unaffected. No completion is delivered after Cancel.
func (o *LoadOperation) Cancel() {
	o.mu.Lock()
	if o.cancelled {
		o.mu.Unlock()
		return
	}
	o.cancelled = true
	cacheOp := o.cacheOp
	token := o.token
	o.mu.Unlock()

	if cacheOp != nil {
		cacheOp.Cancel()
	}
	if token != nil {
		o.m.downloader.Cancel(token)
	}
	o.m.untrack(o)
}

func (o *LoadOperation) isCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

func (o *LoadOperation) setCacheOp(op *cache.QueryOperation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cacheOp = op
}

func (o *LoadOperation) setToken(t *downloader.Token) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.token = t
}

// LoadImage resolves url into a decoded image: memory tier, then disk tier,
// then network, honoring the blacklist and the option flags. completed is
// required; progress is optional. The returned handle cancels only this
// caller's interest.
func (m *Manager) LoadImage(url string, opts Options, progress ProgressFunc, completed CompletedFunc) *LoadOperation {
	if completed == nil {
		completed = func(image.Image, []byte, error, CacheType, bool, string) {}
	}

	if !validURL(url) {
		completed(nil, nil, ErrInvalidURL, CacheTypeNone, true, url)
		return nil
	}

	op := &LoadOperation{m: m}
	m.track(op)

	key := m.CacheKeyForURL(url)

	cacheOp := m.cache.Query(key, func(img image.Image, data []byte, cacheType CacheType) {
		m.onCacheQueried(op, url, key, opts, img, data, cacheType, progress, completed)
	})
	op.setCacheOp(cacheOp)

	return op
}

func (m *Manager) onCacheQueried(op *LoadOperation, url, key string, opts Options,
	img image.Image, data []byte, cacheType CacheType,
	progress ProgressFunc, completed CompletedFunc) {

	if op.isCancelled() {
		m.untrack(op)
		return
	}

	refresh := opts&OptionRefreshCached != 0

	if img != nil {
		completed(img, data, nil, cacheType, true, url)
		if !refresh {
			m.untrack(op)
			return
		}
	}

	if img == nil && m.isBlacklisted(url) && opts&OptionRetryFailed == 0 {
		completed(nil, nil, ErrPreviouslyFailed, CacheTypeNone, true, url)
		m.untrack(op)
		return
	}

	if m.shouldDownload != nil && !m.shouldDownload(url) {
		if img == nil {
			completed(nil, nil, nil, CacheTypeNone, true, url)
		}
		m.untrack(op)
		return
	}

	cachedImg := img
	token, err := m.downloader.DownloadImage(url, opts.downloaderOptions(), progress,
		func(dimg image.Image, ddata []byte, derr error, finished bool) {
			m.onDownloaded(op, url, key, opts, cachedImg, dimg, ddata, derr, finished, completed)
		})
	if err != nil {
		completed(nil, nil, err, CacheTypeNone, true, url)
		m.untrack(op)
		return
	}
	op.setToken(token)
}

func (m *Manager) onDownloaded(op *LoadOperation, url, key string, opts Options,
	cachedImg image.Image, img image.Image, data []byte, err error, finished bool,
	completed CompletedFunc) {

	if !finished {
		// Progressive partial result; never cached.
		completed(img, nil, nil, CacheTypeNone, false, url)
		return
	}

	defer m.untrack(op)

	if op.isCancelled() {
		return
	}

	if err != nil {
		completed(nil, nil, err, CacheTypeNone, true, url)
		if downloader.IsPermanentFailure(err) && opts&OptionRetryFailed == 0 {
			m.blacklist(url)
		}
		return
	}

	if opts&OptionRetryFailed != 0 {
		m.unblacklist(url)
	}

	if img == nil {
		// HTTP 304: the resource did not change. The cached delivery stands
		// when one was made; otherwise fall back to whatever the cache holds.
		if cachedImg != nil {
			return
		}
		fimg, fdata, ctype := m.cache.ImageFromCache(key)
		completed(fimg, fdata, nil, ctype, true, url)
		return
	}

	if m.transformer != nil {
		if transformed := m.transformer.Transform(img, url); transformed != nil && transformed != img {
			img = transformed
			// Re-derived pixels no longer match the wire bytes.
			data = nil
		}
	}

	m.cache.Store(key, img, data, opts&OptionCacheMemoryOnly == 0, nil)
	completed(img, data, nil, CacheTypeNone, true, url)
}

// SaveToCache stores an image under the key derived from url.
func (m *Manager) SaveToCache(img image.Image, data []byte, url string) {
	if img == nil || url == "" {
		return
	}
	m.cache.Store(m.CacheKeyForURL(url), img, data, true, nil)
}

// CancelAll cancels every outstanding load issued by this manager.
func (m *Manager) CancelAll() {
	m.runMu.Lock()
	ops := make([]*LoadOperation, 0, len(m.running))
	for op := range m.running {
		ops = append(ops, op)
	}
	m.runMu.Unlock()

	for _, op := range ops {
		op.Cancel()
	}
}

// IsRunning reports whether any load handle is outstanding.
func (m *Manager) IsRunning() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return len(m.running) > 0
}

// CacheKeyForURL derives the cache key for url via the configured filter.
func (m *Manager) CacheKeyForURL(url string) string {
	if m.keyFilter != nil {
		return m.keyFilter(url)
	}
	return url
}

// CachedImageExists reports through done whether url is cached in any tier.
func (m *Manager) CachedImageExists(url string, done func(bool)) {
	if done == nil {
		return
	}
	key := m.CacheKeyForURL(url)
	if _, _, ok := m.cache.ImageFromMemory(key); ok {
		done(true)
		return
	}
	m.cache.DiskImageExists(key, done)
}

// DiskImageExists reports through done whether url is cached on disk.
func (m *Manager) DiskImageExists(url string, done func(bool)) {
	if done == nil {
		return
	}
	m.cache.DiskImageExists(m.CacheKeyForURL(url), done)
}

func (m *Manager) track(op *LoadOperation) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.running[op] = struct{}{}
}

func (m *Manager) untrack(op *LoadOperation) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	delete(m.running, op)
}

func (m *Manager) isBlacklisted(url string) bool {
	m.failedMu.RLock()
	defer m.failedMu.RUnlock()
	_, ok := m.failed[url]
	return ok
}

func (m *Manager) blacklist(url string) {
	m.failedMu.Lock()
	defer m.failedMu.Unlock()
	m.failed[url] = struct{}{}
	m.logger.Debugf("blacklisted %s", url)
}

func (m *Manager) unblacklist(url string) {
	m.failedMu.Lock()
	defer m.failedMu.Unlock()
	delete(m.failed, url)
}

func validURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("image-manager")}
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
