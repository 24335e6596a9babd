package downloader

import (
	"context"
	"crypto/tls"
	"errors"
	"image"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type operationState int32

const (
	stateIdle operationState = iota
	stateExecuting
	stateCompleted
	stateFailed
	stateCancelled
)

// handler is one caller's registration on an operation. It is owned
// exclusively by the operation's registry and removed exactly once.
type handler struct {
	progress  ProgressFunc
	completed CompletedFunc
}

// operation is the per-URL fetch state machine:
// Idle -> Executing -> {Completed, Failed, Cancelled}, terminal entered
// exactly once. The handler registry serializes through hmu: writers
// (register/remove) exclude delivery snapshots, snapshots never observe a
// partially mutated set.
type operation struct {
	id   uuid.UUID
	url  string
	opts Options

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	hmu         sync.RWMutex
	handlers    map[uint64]*handler
	nextHandler uint64
}

func newOperation(url string, opts Options) *operation {
	ctx, cancel := context.WithCancel(context.Background())
	return &operation{
		id:       uuid.New(),
		url:      url,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[uint64]*handler),
	}
}

// transition moves the state machine forward; terminal states are entered
// at most once. Reports whether the transition was taken.
func (op *operation) transition(to operationState) bool {
	for {
		cur := operationState(op.state.Load())
		switch cur {
		case stateCompleted, stateFailed, stateCancelled:
			return false
		}
		if to == stateExecuting && cur != stateIdle {
			return false
		}
		if op.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

func (op *operation) currentState() operationState {
	return operationState(op.state.Load())
}

func (op *operation) isTerminal() bool {
	switch op.currentState() {
	case stateCompleted, stateFailed, stateCancelled:
		return true
	}
	return false
}

// abort tears down the network fetch. Safe to call more than once; the
// underlying context is released exactly once by context semantics.
func (op *operation) abort() {
	op.cancel()
}

func (op *operation) addHandler(progress ProgressFunc, completed CompletedFunc) uint64 {
	op.hmu.Lock()
	defer op.hmu.Unlock()
	id := op.nextHandler
	op.nextHandler++
	op.handlers[id] = &handler{progress: progress, completed: completed}
	return id
}

// removeHandler detaches one registration and reports whether the set is
// now empty.
func (op *operation) removeHandler(id uint64) bool {
	op.hmu.Lock()
	defer op.hmu.Unlock()
	delete(op.handlers, id)
	return len(op.handlers) == 0
}

// snapshot returns a consistent copy of the handler set for delivery.
func (op *operation) snapshot() []*handler {
	op.hmu.RLock()
	defer op.hmu.RUnlock()
	out := make([]*handler, 0, len(op.handlers))
	for _, h := range op.handlers {
		out = append(out, h)
	}
	return out
}

func (op *operation) deliverProgress(received, expected int64) {
	for _, h := range op.snapshot() {
		if h.progress != nil {
			h.progress(received, expected, op.url)
		}
	}
}

func (op *operation) deliverCompletion(img image.Image, data []byte, err error, finished bool) {
	for _, h := range op.snapshot() {
		if h.completed != nil {
			h.completed(img, data, err, finished)
		}
	}
}

// execute drives one operation to a terminal state and delivers callbacks.
func (d *Downloader) execute(op *operation) {
	if !op.transition(stateExecuting) {
		// Cancelled while pending.
		return
	}

	d.observer.DownloadStarted(op.url)

	endBackground := func() {}
	if op.opts&OptContinueInBackground != 0 && d.background != nil {
		endBackground = d.background.Begin(func() {
			if op.transition(stateCancelled) {
				d.detach(op)
				op.abort()
				d.observer.DownloadStopped(op.url)
			}
		})
	}
	defer endBackground()

	img, data, err := d.fetch(op)

	switch {
	case op.currentState() == stateCancelled:
		// Caller-initiated cancellation is never surfaced through completions.
		return
	case errors.Is(err, errNotModified):
		// HTTP 304: terminal Cancelled, no error surfaced; one completion
		// with no payload tells the coordinator to fall back to its cache.
		if op.transition(stateCancelled) {
			d.detach(op)
			op.deliverCompletion(nil, nil, nil, true)
			d.observer.DownloadStopped(op.url)
		}
	case err != nil:
		if op.transition(stateFailed) {
			d.detach(op)
			d.logger.Warnf("download %s failed: %v", op.url, err)
			op.deliverCompletion(nil, nil, err, true)
			d.observer.DownloadStopped(op.url)
		}
	default:
		if op.transition(stateCompleted) {
			d.detach(op)
			op.deliverCompletion(img, data, nil, true)
			d.observer.DownloadStopped(op.url)
			d.observer.DownloadFinished(op.url)
		}
	}
}

// errNotModified is the internal 304 signal between fetch and execute.
var errNotModified = errors.New("downloader: not modified")

func (d *Downloader) fetch(op *operation) (image.Image, []byte, error) {
	ctx, cancel := context.WithTimeout(op.ctx, d.timeout)
	defer cancel()

	client := d.clientFor(op.opts)

	resp, err := d.doRequest(ctx, client, op)
	if err != nil {
		if op.ctx.Err() != nil {
			return nil, nil, ErrCancelled
		}
		return nil, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	d.observer.ResponseReceived(op.url, resp.StatusCode)

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil, errNotModified
	}
	if resp.StatusCode >= 400 {
		return nil, nil, HTTPStatusError{Code: resp.StatusCode}
	}

	data, err := d.readBody(op, resp)
	if err != nil {
		if op.ctx.Err() != nil {
			return nil, nil, ErrCancelled
		}
		return nil, nil, err
	}

	if len(data) == 0 {
		return nil, nil, ErrUndecodableImage
	}
	img, err := d.codec.Decode(data)
	if err != nil {
		return nil, nil, ErrUndecodableImage
	}
	return img, data, nil
}

// doRequest performs the GET, offering the configured credential at most
// once: a second auth challenge after a failed attempt is not retried.
func (d *Downloader) doRequest(ctx context.Context, client *http.Client, op *operation) (*http.Response, error) {
	req, err := d.newRequest(ctx, op)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, connectionError(err)
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	username, password, ok := d.credential()
	if !ok {
		return resp, nil
	}
	_ = resp.Body.Close()

	retry, err := d.newRequest(ctx, op)
	if err != nil {
		return nil, err
	}
	retry.SetBasicAuth(username, password)

	resp, err = client.Do(retry)
	if err != nil {
		return nil, connectionError(err)
	}
	return resp, nil
}

func (d *Downloader) newRequest(ctx context.Context, op *operation) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, op.url, nil)
	if err != nil {
		return nil, ErrInvalidURL
	}

	d.headersMu.RLock()
	headers := d.headers.Clone()
	filter := d.headersFilter
	d.headersMu.RUnlock()

	if filter != nil {
		headers = filter(op.url, headers)
	}
	for field, values := range headers {
		for _, v := range values {
			req.Header.Add(field, v)
		}
	}
	return req, nil
}

func connectionError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.Join(ErrConnectionInitFailed, err)
}

// readBody streams the payload, reporting progress per chunk and, when
// progressive delivery is enabled and the total length is known, offering
// each prefix to the partial decoder. Failed partial decodes are skipped
// silently; partial results are never treated as terminal.
func (d *Downloader) readBody(op *operation, resp *http.Response) ([]byte, error) {
	expected := resp.ContentLength
	progressive := op.opts&OptProgressiveDownload != 0 && expected > 0

	var buf []byte
	if expected > 0 {
		buf = make([]byte, 0, expected)
	}
	chunk := make([]byte, 16*1024)

	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			op.deliverProgress(int64(len(buf)), expected)

			if progressive && int64(len(buf)) < expected {
				if partial, ok := d.codec.DecodePartial(buf); ok {
					op.deliverCompletion(partial, nil, nil, false)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return nil, err
		}
	}
}

// clientFor builds the HTTP client for one fetch: the shared cookie jar when
// cookie handling is requested, and a trust-all TLS transport only when the
// invalid-certificates flag is set for that fetch.
func (d *Downloader) clientFor(opts Options) *http.Client {
	client := &http.Client{}

	if opts&OptHandleCookies != 0 {
		client.Jar = d.jar
	}

	transport := d.transport
	if opts&OptAllowInvalidSSLCertificates != 0 {
		if base, ok := transport.(*http.Transport); ok {
			insecure := base.Clone()
			insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			transport = insecure
		} else if transport == nil {
			base := http.DefaultTransport.(*http.Transport).Clone()
			base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			transport = base
		} else {
			d.logger.Warnf("downloader: cannot relax TLS verification on a custom transport, flag ignored")
		}
	}
	client.Transport = transport

	return client
}
