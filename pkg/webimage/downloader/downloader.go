// Package downloader implements the bounded-concurrency download executor.
// Concurrent requests for the same URL coalesce onto one underlying fetch;
// each caller holds its own cancellation token and receives its own callback
// deliveries. At most one non-terminal operation exists per URL at any time.
package downloader

import (
	"errors"
	"image"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Terence-eng/SDWebImage/log"
	"github.com/Terence-eng/SDWebImage/pkg/webimage/codec"
)

// Options is a per-request flag set translated from coordinator options.
type Options uint32

const (
	// OptLowPriority marks the request as deferrable (advisory).
	OptLowPriority Options = 1 << iota
	// OptProgressiveDownload offers partial decodes to handlers as bytes arrive.
	OptProgressiveDownload
	// OptContinueInBackground asks the host for a best-effort extension so the
	// fetch can finish after the app is backgrounded.
	OptContinueInBackground
	// OptHandleCookies stores and sends cookies through the shared jar.
	OptHandleCookies
	// OptAllowInvalidSSLCertificates accepts untrusted server certificates
	// for this fetch only.
	OptAllowInvalidSSLCertificates
	// OptHighPriority moves the request to the front of the queue regardless
	// of the configured execution order.
	OptHighPriority
)

// ExecutionOrder controls how queued operations are dequeued.
type ExecutionOrder int

const (
	// FIFOExecutionOrder executes operations in the order they were queued.
	FIFOExecutionOrder ExecutionOrder = iota
	// LIFOExecutionOrder executes the most recently queued operation first.
	LIFOExecutionOrder
)

// ProgressFunc reports received versus expected bytes. It runs on the fetch
// goroutine.
type ProgressFunc func(receivedSize, expectedSize int64, url string)

// CompletedFunc delivers a progressive (finished=false) or terminal
// (finished=true) result. Every registered handler receives exactly one
// terminal delivery, preceded by zero or more progressive ones.
type CompletedFunc func(img image.Image, data []byte, err error, finished bool)

// Token identifies exactly one handler registration for targeted
// cancellation.
type Token struct {
	URL       string
	opID      uuid.UUID
	handlerID uint64
}

// Observer receives advisory fetch lifecycle notifications. Deliveries are
// best-effort and never load-bearing.
type Observer interface {
	DownloadStarted(url string)
	ResponseReceived(url string, statusCode int)
	DownloadStopped(url string)
	DownloadFinished(url string)
}

type noopObserver struct{}

func (noopObserver) DownloadStarted(string)       {}
func (noopObserver) ResponseReceived(string, int) {}
func (noopObserver) DownloadStopped(string)       {}
func (noopObserver) DownloadFinished(string)      {}

// BackgroundTask is the host hook for background-execution extensions.
// Begin requests an extension and returns the matching end function; the
// host calls onExpire when the extension runs out.
type BackgroundTask interface {
	Begin(onExpire func()) (end func())
}

// Logger captures structured log output for downloader operations.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// HeadersFilter can rewrite the outgoing header set per request URL.
type HeadersFilter func(url string, headers http.Header) http.Header

// Config controls downloader runtime behaviour.
type Config struct {
	MaxConcurrentDownloads int    `yaml:"max_concurrent_downloads"`
	DownloadTimeoutSec     int    `yaml:"download_timeout_sec"`
	ExecutionOrder         string `yaml:"execution_order"`
}

const (
	defaultMaxConcurrentDownloads = 6
	defaultDownloadTimeoutSec     = 15
)

func applyDefaults(cfg Config) Config {
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = defaultMaxConcurrentDownloads
	}
	if cfg.DownloadTimeoutSec <= 0 {
		cfg.DownloadTimeoutSec = defaultDownloadTimeoutSec
	}
	if cfg.ExecutionOrder == "" {
		cfg.ExecutionOrder = "fifo"
	}
	return cfg
}

func parseExecutionOrder(s string) (ExecutionOrder, error) {
	switch s {
	case "fifo":
		return FIFOExecutionOrder, nil
	case "lifo":
		return LIFOExecutionOrder, nil
	default:
		return FIFOExecutionOrder, errors.New("downloader: execution_order must be fifo or lifo")
	}
}

// Option customises downloader construction.
type Option func(*Downloader)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithCodec overrides the image decoder.
func WithCodec(cd codec.Codec) Option {
	return func(d *Downloader) {
		d.codec = cd
	}
}

// WithObserver sets the advisory notification sink.
func WithObserver(o Observer) Option {
	return func(d *Downloader) {
		d.observer = o
	}
}

// WithBackgroundTask sets the host background-extension hook.
func WithBackgroundTask(bt BackgroundTask) Option {
	return func(d *Downloader) {
		d.background = bt
	}
}

// WithTransport swaps the base HTTP transport (primarily for tests). A
// transport other than *http.Transport cannot have its TLS verification
// relaxed, so OptAllowInvalidSSLCertificates is ignored for it.
func WithTransport(rt http.RoundTripper) Option {
	return func(d *Downloader) {
		d.transport = rt
	}
}

// Downloader owns the fetch queue and the URL-keyed in-flight operation map.
type Downloader struct {
	timeout    time.Duration
	logger     Logger
	codec      codec.Codec
	observer   Observer
	background BackgroundTask
	transport  http.RoundTripper
	jar        http.CookieJar

	headersMu     sync.RWMutex
	headers       http.Header
	headersFilter HeadersFilter

	credMu   sync.RWMutex
	username string
	password string

	mu            sync.Mutex
	maxConcurrent int
	order         ExecutionOrder
	operations    map[string]*operation
	pending       []*operation
	running       int
	suspended     bool
}

// New constructs a Downloader with the provided configuration.
func New(cfg Config, opts ...Option) (*Downloader, error) {
	cfg = applyDefaults(cfg)
	order, err := parseExecutionOrder(cfg.ExecutionOrder)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	d := &Downloader{
		timeout:       time.Duration(cfg.DownloadTimeoutSec) * time.Second,
		logger:        defaultLogger(),
		codec:         codec.StdCodec{},
		observer:      noopObserver{},
		jar:           jar,
		headers:       make(http.Header),
		maxConcurrent: cfg.MaxConcurrentDownloads,
		order:         order,
		operations:    make(map[string]*operation),
	}
	d.headers.Set("Accept", "image/*;q=0.8")

	for _, opt := range opts {
		opt(d)
	}

	if d.logger == nil {
		d.logger = defaultLogger()
	}
	if d.codec == nil {
		d.codec = codec.StdCodec{}
	}
	if d.observer == nil {
		d.observer = noopObserver{}
	}

	return d, nil
}

// SetHTTPHeader sets a header sent with every download request. A nil or
// empty value removes the field.
func (d *Downloader) SetHTTPHeader(value, field string) {
	if field == "" {
		return
	}
	d.headersMu.Lock()
	defer d.headersMu.Unlock()
	if value == "" {
		d.headers.Del(field)
		return
	}
	d.headers.Set(field, value)
}

// HTTPHeader returns the currently configured value for field.
func (d *Downloader) HTTPHeader(field string) string {
	d.headersMu.RLock()
	defer d.headersMu.RUnlock()
	return d.headers.Get(field)
}

// SetHeadersFilter installs a per-request header rewrite hook.
func (d *Downloader) SetHeadersFilter(filter HeadersFilter) {
	d.headersMu.Lock()
	defer d.headersMu.Unlock()
	d.headersFilter = filter
}

// SetCredential sets the username/password pair offered on an auth
// challenge. The credential is used at most once per fetch.
func (d *Downloader) SetCredential(username, password string) {
	d.credMu.Lock()
	defer d.credMu.Unlock()
	d.username = username
	d.password = password
}

func (d *Downloader) credential() (string, string, bool) {
	d.credMu.RLock()
	defer d.credMu.RUnlock()
	return d.username, d.password, d.username != ""
}

// SetMaxConcurrentDownloads changes the concurrency bound. Lowering it does
// not abort running fetches.
func (d *Downloader) SetMaxConcurrentDownloads(n int) {
	if n <= 0 {
		n = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxConcurrent = n
	d.scheduleLocked()
}

// SetExecutionOrder switches FIFO/LIFO for subsequently queued operations.
func (d *Downloader) SetExecutionOrder(order ExecutionOrder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order = order
}

// CurrentDownloadCount reports the number of non-terminal operations.
func (d *Downloader) CurrentDownloadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.operations)
}

// DownloadImage registers a handler for url. If a non-terminal operation
// already exists for the URL the handler attaches to it and no second fetch
// is started; otherwise a new operation is created and queued. The returned
// token cancels only this registration.
func (d *Downloader) DownloadImage(url string, opts Options, progress ProgressFunc, completed CompletedFunc) (*Token, error) {
	if url == "" {
		return nil, ErrInvalidURL
	}

	d.mu.Lock()
	op, exists := d.operations[url]
	if exists && op.isTerminal() {
		// The mapped operation already delivered (or is delivering) its
		// callbacks; a handler attached now would never fire. Replace it.
		exists = false
	}
	if !exists {
		op = newOperation(url, opts)
		d.operations[url] = op
		d.enqueueLocked(op)
	} else if opts&OptHighPriority != 0 {
		d.raisePriorityLocked(op)
	}
	handlerID := op.addHandler(progress, completed)
	if !exists {
		d.scheduleLocked()
	}
	d.mu.Unlock()

	return &Token{URL: url, opID: op.id, handlerID: handlerID}, nil
}

// detach removes op from the operation map so a later request for the same
// URL starts fresh. Must run before op's terminal callbacks are delivered:
// registration happens under d.mu, so any handler added before the detach is
// included in the delivery snapshot, and any added after sees no mapping.
func (d *Downloader) detach(op *operation) {
	d.mu.Lock()
	if current, ok := d.operations[op.url]; ok && current == op {
		delete(d.operations, op.url)
	}
	d.mu.Unlock()
}

// enqueueLocked places op in the pending queue per the execution order;
// high priority always goes to the front.
func (d *Downloader) enqueueLocked(op *operation) {
	front := op.opts&OptHighPriority != 0 || d.order == LIFOExecutionOrder
	if front {
		d.pending = append([]*operation{op}, d.pending...)
		return
	}
	d.pending = append(d.pending, op)
}

// raisePriorityLocked marks an already-queued operation high priority and
// moves it to the front of the pending queue. No effect once the operation
// has left the queue.
func (d *Downloader) raisePriorityLocked(op *operation) {
	for i, queued := range d.pending {
		if queued != op {
			continue
		}
		// Still pending, so no fetch goroutine reads op.opts yet.
		op.opts |= OptHighPriority
		if i > 0 {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			d.pending = append([]*operation{op}, d.pending...)
		}
		return
	}
}

// scheduleLocked starts pending operations while capacity allows.
func (d *Downloader) scheduleLocked() {
	for !d.suspended && d.running < d.maxConcurrent && len(d.pending) > 0 {
		op := d.pending[0]
		d.pending = d.pending[1:]
		d.running++
		go d.run(op)
	}
}

func (d *Downloader) run(op *operation) {
	d.execute(op)

	d.mu.Lock()
	d.running--
	if current, ok := d.operations[op.url]; ok && current == op {
		delete(d.operations, op.url)
	}
	d.scheduleLocked()
	d.mu.Unlock()
}

// Cancel detaches the handler identified by token. When the owning
// operation's handler set becomes empty the operation is cancelled, its
// fetch aborted and it is removed from the queue; otherwise the fetch
// continues for the remaining handlers. Cancelled handlers receive no
// further callbacks.
func (d *Downloader) Cancel(token *Token) {
	if token == nil {
		return
	}

	d.mu.Lock()
	op, ok := d.operations[token.URL]
	if !ok || op.id != token.opID {
		d.mu.Unlock()
		return
	}
	if !op.removeHandler(token.handlerID) {
		d.mu.Unlock()
		return
	}

	// Last handler detached: tear the operation down exactly once.
	delete(d.operations, token.URL)
	d.removePendingLocked(op)
	d.mu.Unlock()

	if op.transition(stateCancelled) {
		op.abort()
		d.observer.DownloadStopped(op.url)
	}
}

// CancelAllDownloads cancels every queued and executing operation.
func (d *Downloader) CancelAllDownloads() {
	d.mu.Lock()
	ops := make([]*operation, 0, len(d.operations))
	for _, op := range d.operations {
		ops = append(ops, op)
	}
	d.operations = make(map[string]*operation)
	d.pending = nil
	d.mu.Unlock()

	for _, op := range ops {
		if op.transition(stateCancelled) {
			op.abort()
			d.observer.DownloadStopped(op.url)
		}
	}
}

// SetSuspended pauses or resumes dequeuing. Running operations are not
// interrupted.
func (d *Downloader) SetSuspended(suspended bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suspended = suspended
	if !suspended {
		d.scheduleLocked()
	}
}

func (d *Downloader) removePendingLocked(op *operation) {
	for i, queued := range d.pending {
		if queued == op {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return
		}
	}
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("image-downloader")}
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
