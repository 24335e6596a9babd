package cache

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Namespace: "test",
		Directory: t.TempDir(),
	}
}

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New cache failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func testImage(t *testing.T, w, h int) (image.Image, []byte) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return img, buf.Bytes()
}

func storeAndWait(t *testing.T, c *Cache, key string, img image.Image, data []byte, toDisk bool) {
	t.Helper()
	done := make(chan error, 1)
	c.Store(key, img, data, toDisk, func(err error) {
		done <- err
	})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("store %s failed: %v", key, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("store %s timed out", key)
	}
}

func TestStoreAndQueryMemoryHit(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, testConfig(t))
	img, data := testImage(t, 3, 3)
	storeAndWait(t, c, "k1", img, data, true)

	var gotType CacheType
	var gotData []byte
	op := c.Query("k1", func(qimg image.Image, qdata []byte, ct CacheType) {
		gotType = ct
		gotData = qdata
	})
	if op != nil {
		t.Fatalf("memory hit must resolve synchronously")
	}
	if gotType != CacheTypeMemory {
		t.Fatalf("expected memory hit, got %s", gotType)
	}
	if !bytes.Equal(gotData, data) {
		t.Fatalf("payload mismatch")
	}
}

func TestStoreIdempotence(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, testConfig(t))
	img1, data1 := testImage(t, 2, 2)
	img2, data2 := testImage(t, 5, 5)

	storeAndWait(t, c, "k", img1, data1, true)
	storeAndWait(t, c, "k", img2, data2, true)

	if got := c.MemoryCount(); got != 1 {
		t.Fatalf("expected 1 memory entry, got %d", got)
	}
	if got := c.DiskCount(); got != 1 {
		t.Fatalf("expected 1 disk file, got %d", got)
	}

	_, qdata, ok := c.ImageFromMemory("k")
	if !ok || !bytes.Equal(qdata, data2) {
		t.Fatalf("memory content does not equal last write")
	}
	onDisk, err := os.ReadFile(c.DefaultPathForKey("k"))
	if err != nil {
		t.Fatalf("read disk entry: %v", err)
	}
	if !bytes.Equal(onDisk, data2) {
		t.Fatalf("disk content does not equal last write")
	}
}

func TestTierConsistencyAfterClearMemory(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, testConfig(t))
	img, data := testImage(t, 4, 4)
	storeAndWait(t, c, "k", img, data, true)

	c.ClearMemory()

	if _, _, ok := c.ImageFromMemory("k"); ok {
		t.Fatalf("memory tier should be empty after ClearMemory")
	}
	if _, _, ok := c.ImageFromDisk("k"); !ok {
		t.Fatalf("disk tier should still hold the entry")
	}

	_, _, ct := c.ImageFromCache("k")
	if ct != CacheTypeDisk {
		t.Fatalf("expected disk hit, got %s", ct)
	}
	if _, _, ok := c.ImageFromMemory("k"); !ok {
		t.Fatalf("disk hit should promote back into memory")
	}
}

func TestQueryPromotesDiskHit(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, testConfig(t))
	img, data := testImage(t, 4, 4)
	storeAndWait(t, c, "k", img, data, true)
	c.ClearMemory()

	results := make(chan CacheType, 1)
	c.Query("k", func(qimg image.Image, qdata []byte, ct CacheType) {
		if qimg == nil {
			t.Errorf("disk hit must decode the image")
		}
		results <- ct
	})

	select {
	case ct := <-results:
		if ct != CacheTypeDisk {
			t.Fatalf("expected disk hit, got %s", ct)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("query timed out")
	}

	if _, _, ok := c.ImageFromMemory("k"); !ok {
		t.Fatalf("entry not promoted into memory")
	}
}

func TestQueryPromotionDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.PromoteOnDiskHit = boolPtr(false)
	c := newTestCache(t, cfg)

	img, data := testImage(t, 4, 4)
	storeAndWait(t, c, "k", img, data, true)
	c.ClearMemory()

	results := make(chan CacheType, 1)
	c.Query("k", func(_ image.Image, _ []byte, ct CacheType) {
		results <- ct
	})
	<-results

	if _, _, ok := c.ImageFromMemory("k"); ok {
		t.Fatalf("promotion should be disabled")
	}
}

func TestQueryMissReportsNone(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, testConfig(t))
	results := make(chan CacheType, 1)
	c.Query("absent", func(img image.Image, data []byte, ct CacheType) {
		if img != nil || data != nil {
			t.Errorf("miss must carry no payload")
		}
		results <- ct
	})

	select {
	case ct := <-results:
		if ct != CacheTypeNone {
			t.Fatalf("expected none, got %s", ct)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("query timed out")
	}
}

func TestCancelledQueryDeliversNothing(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, testConfig(t))
	img, data := testImage(t, 4, 4)
	storeAndWait(t, c, "k", img, data, true)
	c.ClearMemory()

	// Hold the I/O goroutine so the query cannot run before it is cancelled.
	gate := make(chan struct{})
	c.dispatch(func() { <-gate })

	delivered := make(chan struct{}, 1)
	op := c.Query("k", func(image.Image, []byte, CacheType) {
		delivered <- struct{}{}
	})
	if op == nil {
		t.Fatalf("disk query should return an operation")
	}
	op.Cancel()
	close(gate)

	select {
	case <-delivered:
		t.Fatalf("cancelled query delivered its callback")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryOnlyStoreSkipsDisk(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, testConfig(t))
	img, data := testImage(t, 2, 2)
	storeAndWait(t, c, "k", img, data, false)

	if _, _, ok := c.ImageFromMemory("k"); !ok {
		t.Fatalf("memory tier should hold the entry")
	}
	if got := c.DiskCount(); got != 0 {
		t.Fatalf("expected empty disk tier, got %d files", got)
	}
}

func TestStoreEncodesWhenBytesAbsent(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, testConfig(t))
	img, _ := testImage(t, 6, 6)
	storeAndWait(t, c, "k", img, nil, true)

	qimg, _, ok := c.ImageFromDisk("k")
	if !ok || qimg == nil {
		t.Fatalf("disk entry missing or undecodable")
	}
	if b := qimg.Bounds(); b.Dx() != 6 || b.Dy() != 6 {
		t.Fatalf("unexpected bounds %v", b)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, testConfig(t))
	img, data := testImage(t, 2, 2)
	storeAndWait(t, c, "k", img, data, true)

	done := make(chan struct{}, 1)
	c.Remove("k", true, func() {
		done <- struct{}{}
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("remove timed out")
	}

	if _, _, ok := c.ImageFromMemory("k"); ok {
		t.Fatalf("memory entry should be gone")
	}
	if _, _, ok := c.ImageFromDisk("k"); ok {
		t.Fatalf("disk entry should be gone")
	}
}

func TestClearDisk(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, testConfig(t))
	img, data := testImage(t, 2, 2)
	storeAndWait(t, c, "a", img, data, true)
	storeAndWait(t, c, "b", img, data, true)

	done := make(chan struct{})
	c.ClearDisk(func() { close(done) })
	<-done

	if got := c.DiskCount(); got != 0 {
		t.Fatalf("expected empty disk tier, got %d files", got)
	}
	if got := c.Size(); got != 0 {
		t.Fatalf("expected zero usage, got %d", got)
	}
}

func TestCalculateSizeMatchesSynchronousScan(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, testConfig(t))
	img, data := testImage(t, 2, 2)
	storeAndWait(t, c, "a", img, data, true)
	storeAndWait(t, c, "b", img, data, true)

	type sizeResult struct {
		count int
		size  int64
	}
	results := make(chan sizeResult, 1)
	c.CalculateSize(func(fileCount int, totalSize int64) {
		results <- sizeResult{count: fileCount, size: totalSize}
	})

	select {
	case r := <-results:
		if r.count != c.DiskCount() || r.size != c.Size() {
			t.Fatalf("async scan %+v disagrees with sync scan (%d, %d)", r, c.DiskCount(), c.Size())
		}
		if r.count != 2 {
			t.Fatalf("expected 2 files, got %d", r.count)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("CalculateSize timed out")
	}
}

func TestPathDerivationIsStable(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, testConfig(t))

	p1 := c.DefaultPathForKey("http://example.com/image.png")
	p2 := c.DefaultPathForKey("http://example.com/image.png")
	p3 := c.DefaultPathForKey("http://example.com/other.png")

	if p1 != p2 {
		t.Fatalf("identical keys must map to identical paths: %s vs %s", p1, p2)
	}
	if p1 == p3 {
		t.Fatalf("distinct keys mapped to the same path")
	}
	if filepath.Dir(p1) != filepath.Join(c.cfg.Directory, "test") {
		t.Fatalf("path %s not under namespace root", p1)
	}
}

func TestReadOnlySearchPathConsultedOnMiss(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, testConfig(t))
	_, data := testImage(t, 3, 3)

	extra := t.TempDir()
	if err := os.WriteFile(c.CachePathForKey("k", extra), data, 0o644); err != nil {
		t.Fatalf("seed read-only path: %v", err)
	}
	c.AddReadOnlyPath(extra)

	qimg, qdata, ok := c.ImageFromDisk("k")
	if !ok || qimg == nil {
		t.Fatalf("read-only path entry not found")
	}
	if !bytes.Equal(qdata, data) {
		t.Fatalf("payload mismatch")
	}
}

func TestDiskImageExists(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, testConfig(t))
	img, data := testImage(t, 2, 2)
	storeAndWait(t, c, "k", img, data, true)

	check := func(key string, want bool) {
		t.Helper()
		results := make(chan bool, 1)
		c.DiskImageExists(key, func(ok bool) { results <- ok })
		select {
		case got := <-results:
			if got != want {
				t.Fatalf("DiskImageExists(%s) = %v, want %v", key, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("DiskImageExists timed out")
		}
	}
	check("k", true)
	check("absent", false)
}

func TestMemoryPressureClearsMemoryTier(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, testConfig(t))
	img, data := testImage(t, 2, 2)
	storeAndWait(t, c, "k", img, data, true)

	c.HandleMemoryPressure()

	if got := c.MemoryCount(); got != 0 {
		t.Fatalf("memory tier should be empty, got %d entries", got)
	}
	if _, _, ok := c.ImageFromDisk("k"); !ok {
		t.Fatalf("disk tier must survive memory pressure")
	}
}

func TestMemoryCacheDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.MemoryCacheEnabled = boolPtr(false)
	c := newTestCache(t, cfg)

	img, data := testImage(t, 2, 2)
	storeAndWait(t, c, "k", img, data, true)

	if _, _, ok := c.ImageFromMemory("k"); ok {
		t.Fatalf("memory tier is disabled")
	}
	if _, _, ok := c.ImageFromDisk("k"); !ok {
		t.Fatalf("disk tier should hold the entry")
	}
}

func TestNamespaceValidation(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Namespace = "a/b"
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected validation error for nested namespace")
	}
}
