package asyncio

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

func newTestFs(t *testing.T, files map[string][]byte) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, data := range files {
		if err := afero.WriteFile(fs, name, data, 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}
	return fs
}

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestLoader_ReadRange(t *testing.T) {
	data := sequence(1000)
	fs := newTestFs(t, map[string][]byte{"sound/a.wav": data})
	loader := NewLoader(Config{Workers: 0}, WithMount("GAME", fs))
	defer loader.Close()

	var got []byte
	var gotStatus Status
	c, err := loader.AsyncRead(Request{
		Path:   "sound/a.wav",
		PathID: "GAME",
		Offset: 100,
		Bytes:  50,
		Callback: func(req *Request, n int, status Status) {
			got = req.Data[:n]
			gotStatus = status
		},
	})
	if err != nil {
		t.Fatalf("AsyncRead failed: %v", err)
	}

	if st := loader.AsyncStatus(c); st != StatusInProgress {
		t.Errorf("status before finish = %v, want in-progress", st)
	}
	if st := loader.AsyncFinish(c, false); st != StatusInProgress {
		t.Errorf("non-blocking finish = %v, want in-progress", st)
	}

	if st := loader.AsyncFinish(c, true); st != StatusOK {
		t.Fatalf("finish = %v, want ok", st)
	}
	if gotStatus != StatusOK {
		t.Errorf("callback status = %v, want ok", gotStatus)
	}
	if diff := cmp.Diff(data[100:150], got); diff != "" {
		t.Errorf("read mismatch (-want +got):\n%s", diff)
	}

	if st := loader.AsyncRelease(c); st != StatusOK {
		t.Errorf("release = %v, want ok", st)
	}
	if st := loader.AsyncStatus(c); st != StatusErrUnknownID {
		t.Errorf("status after release = %v, want unknown id", st)
	}
}

func TestLoader_ShortReadAtEOF(t *testing.T) {
	fs := newTestFs(t, map[string][]byte{"a.wav": sequence(250)})
	loader := NewLoader(Config{}, WithMount("", fs))
	defer loader.Close()

	buf := make([]byte, 100)
	var n int
	c, _ := loader.AsyncRead(Request{
		Path:     "a.wav",
		Offset:   200,
		Bytes:    100,
		Data:     buf,
		Callback: func(_ *Request, read int, _ Status) { n = read },
	})
	if st := loader.AsyncFinish(c, true); st != StatusOK {
		t.Fatalf("finish = %v, want ok", st)
	}
	if n != 50 {
		t.Errorf("read %d bytes, want 50", n)
	}
}

func TestLoader_MissingFile(t *testing.T) {
	loader := NewLoader(Config{}, WithMount("", afero.NewMemMapFs()))
	defer loader.Close()

	var status Status
	c, _ := loader.AsyncRead(Request{
		Path:     "nope.wav",
		Bytes:    10,
		Callback: func(_ *Request, _ int, st Status) { status = st },
	})
	if st := loader.AsyncFinish(c, true); st != StatusErrFileOpen {
		t.Errorf("finish = %v, want err-file-open", st)
	}
	if status != StatusErrFileOpen {
		t.Errorf("callback status = %v, want err-file-open", status)
	}
	if loader.FileExists("nope.wav", "") {
		t.Error("FileExists reported a missing file")
	}
}

func TestLoader_CompressedFile(t *testing.T) {
	data := sequence(5000)
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	packed := enc.EncodeAll(data, nil)
	_ = enc.Close()

	fs := newTestFs(t, map[string][]byte{"sound/a.wav" + CompressedExt: packed})
	loader := NewLoader(Config{Workers: 0}, WithMount("GAME", fs))
	defer loader.Close()

	if !loader.FileExists("sound/a.wav", "GAME") {
		t.Error("FileExists missed the compressed file")
	}

	buf := make([]byte, 100)
	var got []byte
	c, _ := loader.AsyncRead(Request{
		Path:   "sound/a.wav",
		PathID: "GAME",
		Offset: 4950,
		Bytes:  100,
		Data:   buf,
		Callback: func(req *Request, n int, _ Status) {
			got = req.Data[:n]
		},
	})
	if st := loader.AsyncFinish(c, true); st != StatusOK {
		t.Fatalf("finish = %v, want ok", st)
	}
	if diff := cmp.Diff(data[4950:], got); diff != "" {
		t.Errorf("decompressed bytes mismatch (-want +got):\n%s", diff)
	}

	// Corrupt data is a read error, not an open error
	if err := afero.WriteFile(fs, "sound/b.wav"+CompressedExt, []byte("not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, _ = loader.AsyncRead(Request{Path: "sound/b.wav", PathID: "GAME", Bytes: 10})
	if st := loader.AsyncFinish(c, true); st != StatusErrReading {
		t.Errorf("corrupt file status = %v, want err-reading", st)
	}
}

func TestLoader_AbortQueued(t *testing.T) {
	fs := newTestFs(t, map[string][]byte{"a.wav": sequence(10)})
	loader := NewLoader(Config{Workers: 0}, WithMount("", fs))
	defer loader.Close()

	called := false
	c, _ := loader.AsyncRead(Request{
		Path:     "a.wav",
		Bytes:    10,
		Callback: func(*Request, int, Status) { called = true },
	})

	if st := loader.AsyncAbort(c); st != StatusAborted {
		t.Fatalf("abort = %v, want aborted", st)
	}
	if st := loader.AsyncFinish(c, true); st != StatusAborted {
		t.Errorf("finish after abort = %v, want aborted", st)
	}
	if loader.Pump(0) != 0 {
		t.Error("aborted read still ran")
	}
	if called {
		t.Error("callback ran for an aborted read")
	}
	if loader.Stats().Aborted != 1 {
		t.Errorf("Aborted = %d, want 1", loader.Stats().Aborted)
	}
}

func TestLoader_PumpHonoursPriority(t *testing.T) {
	fs := newTestFs(t, map[string][]byte{"a.wav": sequence(10)})
	loader := NewLoader(Config{Workers: 0}, WithMount("", fs))
	defer loader.Close()

	var order []string
	submit := func(name string, priority int) Control {
		c, err := loader.AsyncRead(Request{
			Path:     "a.wav",
			Bytes:    1,
			Priority: priority,
			Callback: func(*Request, int, Status) { order = append(order, name) },
		})
		if err != nil {
			t.Fatalf("AsyncRead failed: %v", err)
		}
		return c
	}

	submit("prefetch-1", 0)
	low := submit("prefetch-2", 0)
	submit("urgent", 1)
	loader.AsyncSetPriority(low, 2)

	if n := loader.Pump(0); n != 3 {
		t.Fatalf("Pump ran %d reads, want 3", n)
	}
	want := []string{"prefetch-2", "urgent", "prefetch-1"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("completion order (-want +got):\n%s", diff)
	}
}

func TestLoader_WorkersComplete(t *testing.T) {
	fs := newTestFs(t, map[string][]byte{"a.wav": sequence(4096)})
	loader := NewLoader(Config{Workers: 4}, WithMount("", fs))
	defer loader.Close()

	var wg sync.WaitGroup
	var total atomic.Int64
	for i := 0; i < 32; i++ {
		wg.Add(1)
		_, err := loader.AsyncRead(Request{
			Path:   "a.wav",
			Offset: int64(i * 128),
			Bytes:  128,
			Callback: func(_ *Request, n int, _ Status) {
				total.Add(int64(n))
				wg.Done()
			},
		})
		if err != nil {
			t.Fatalf("AsyncRead failed: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reads did not complete")
	}
	if total.Load() != 4096 {
		t.Errorf("read %d bytes, want 4096", total.Load())
	}
}

func TestLoader_Closed(t *testing.T) {
	loader := NewLoader(Config{Workers: 1})
	if err := loader.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := loader.AsyncRead(Request{Path: "a.wav"}); !errors.Is(err, ErrLoaderClosed) {
		t.Errorf("got %v, want ErrLoaderClosed", err)
	}
	if err := loader.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestLoader_Throttle(t *testing.T) {
	fs := newTestFs(t, map[string][]byte{"a.wav": sequence(300)})
	loader := NewLoader(Config{ReadBytesPerSecond: 1000, ReadBurstBytes: 100}, WithMount("", fs))
	defer loader.Close()

	start := time.Now()
	c, _ := loader.AsyncRead(Request{Path: "a.wav", Bytes: 300})
	if st := loader.AsyncFinish(c, true); st != StatusOK {
		t.Fatalf("finish = %v, want ok", st)
	}
	// The first 100 bytes are free (burst), the other 200 take ~200ms.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("throttled read took %v, want at least 150ms", elapsed)
	}
}

func TestJobQueue_Order(t *testing.T) {
	q := &jobQueue{}
	heap.Init(q)
	for i, p := range []int{0, 1, 0, 2} {
		heap.Push(q, &job{seq: uint64(i), req: Request{Priority: p}})
	}

	var got []uint64
	for q.Len() > 0 {
		got = append(got, heap.Pop(q).(*job).seq)
	}
	if diff := cmp.Diff([]uint64{3, 1, 0, 2}, got); diff != "" {
		t.Errorf("pop order (-want +got):\n%s", diff)
	}
}

func TestPreloader_Run(t *testing.T) {
	data := sequence(512)
	fs := newTestFs(t, map[string][]byte{"a.wav": data})
	loader := NewLoader(Config{Workers: 0}, WithMount("", fs))
	defer loader.Close()

	pre := NewPreloader(loader, 2)
	var mu sync.Mutex
	results := map[string]error{}
	var got []byte

	pre.AddJob(Job{
		Path:  "a.wav",
		Bytes: 512,
		Complete: func(d []byte, n int, err error) {
			mu.Lock()
			defer mu.Unlock()
			results["a"] = err
			got = d[:n]
		},
	})
	pre.AddJob(Job{
		Path:  "missing.wav",
		Bytes: 8,
		Complete: func(_ []byte, _ int, err error) {
			mu.Lock()
			defer mu.Unlock()
			results["missing"] = err
		},
	})
	if pre.Len() != 2 {
		t.Fatalf("Len = %d, want 2", pre.Len())
	}

	if err := pre.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if results["a"] != nil {
		t.Errorf("a.wav error = %v", results["a"])
	}
	if !errors.Is(results["missing"], ErrOpen) {
		t.Errorf("missing.wav error = %v, want ErrOpen", results["missing"])
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("preloaded bytes (-want +got):\n%s", diff)
	}
	if pre.Len() != 0 {
		t.Errorf("Len after Run = %d, want 0", pre.Len())
	}
}

func TestPreloader_Cancel(t *testing.T) {
	fs := newTestFs(t, map[string][]byte{"a.wav": sequence(64)})
	loader := NewLoader(Config{Workers: 0}, WithMount("", fs))
	defer loader.Close()

	pre := NewPreloader(loader, 1)

	withdrawn := NewJobState()
	pre.AddJob(Job{
		Path:     "a.wav",
		Bytes:    64,
		Priority: 1,
		State:    withdrawn,
		Complete: func([]byte, int, error) { t.Error("withdrawn job completed") },
	})

	// The running job cancels the second one and waits for it to finish
	started := make(chan struct{})
	release := make(chan struct{})
	running := NewJobState()
	finished := false
	pre.AddJob(Job{
		Path:     "a.wav",
		Bytes:    64,
		Priority: 2,
		State:    running,
		Complete: func([]byte, int, error) {
			close(started)
			<-release
			finished = true
		},
	})

	if !withdrawn.Cancel() {
		t.Fatal("Cancel of a pending job did not withdraw it")
	}
	if withdrawn.Cancel() {
		t.Error("second Cancel withdrew the job again")
	}

	done := make(chan error)
	go func() { done <- pre.Run(context.Background()) }()

	<-started
	cancelled := make(chan bool)
	go func() { cancelled <- running.Cancel() }()
	close(release)
	if <-cancelled {
		t.Error("Cancel withdrew a job that was already running")
	}
	if !finished {
		t.Error("Cancel returned before the running job finished")
	}
	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestNameTable(t *testing.T) {
	names := NewNameTable()

	a := names.FindOrAdd(`music\theme.wav`)
	b := names.FindOrAdd("music/theme.wav")
	if a != b {
		t.Errorf("slash variants interned as %d and %d", a, b)
	}
	if a == 0 {
		t.Error("FindOrAdd returned the zero name")
	}
	if names.FindOrAdd("") != 0 {
		t.Error("empty name was interned")
	}
	if got := names.String(a); got != "music/theme.wav" {
		t.Errorf("String = %q", got)
	}
	if _, ok := names.Find("other.wav"); ok {
		t.Error("Find reported an unknown name")
	}
	if names.Len() != 1 {
		t.Errorf("Len = %d, want 1", names.Len())
	}
}
