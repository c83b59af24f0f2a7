package refslots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake")

type recorder struct {
	mu    sync.Mutex
	views []SlotView
}

func (r *recorder) RenderSlot(v SlotView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func (r *recorder) last(index int) (SlotView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.views) - 1; i >= 0; i-- {
		if r.views[i].Index == index {
			return r.views[i], true
		}
	}
	return SlotView{}, false
}

func states(m *Manager) []State {
	var out []State
	for _, v := range m.Slots() {
		out = append(out, v.State)
	}
	return out
}

func upload(name string) File {
	return NewFile(name, "image/png", pngBytes)
}

// imageServer serves pngBytes for any path and records request URLs.
func imageServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.String())
		mu.Unlock()
		if strings.Contains(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func newManager(t *testing.T, srv *httptest.Server, opts ...Option) *Manager {
	t.Helper()
	if srv != nil {
		origin, err := url.Parse(srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		opts = append([]Option{WithOrigin(origin), WithFetcher(srv.Client())}, opts...)
	}
	return New(opts...)
}

func TestInitialize_Empty(t *testing.T) {
	rec := &recorder{}
	m := New(WithRenderer(rec))
	m.Initialize(nil)

	if m.Len() != InitialSlots {
		t.Fatalf("len = %d, want %d", m.Len(), InitialSlots)
	}
	for _, v := range m.Slots() {
		if v.State != StateEmpty {
			t.Errorf("slot %d state = %v, want empty", v.Index, v.State)
		}
	}
	if len(rec.views) != InitialSlots {
		t.Errorf("renders = %d, want %d", len(rec.views), InitialSlots)
	}
}

func TestInitialize_FromCache(t *testing.T) {
	cached := make([]CachedImage, 6)
	for i := range cached {
		cached[i] = CachedImage{Name: "c.png", Type: "image/png", DataURL: EncodeDataURL("image/png", pngBytes)}
	}
	cached[2].DataURL = ""

	m := New()
	m.Initialize(cached)

	// max(4, 6+1) = 7 slots; slot 2 stays empty so no growth.
	if m.Len() != 7 {
		t.Fatalf("len = %d, want 7", m.Len())
	}
	want := []State{StateFilled, StateFilled, StateEmpty, StateFilled, StateFilled, StateFilled, StateEmpty}
	if diff := cmp.Diff(want, states(m)); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if v := m.Slots()[0]; v.Origin != OriginCached {
		t.Errorf("origin = %v, want cached", v.Origin)
	}
}

func TestInitialize_CapsAtMax(t *testing.T) {
	cached := make([]CachedImage, 20)
	for i := range cached {
		cached[i] = CachedImage{DataURL: EncodeDataURL("image/png", pngBytes)}
	}
	m := New()
	m.Initialize(cached)
	if m.Len() != MaxSlots {
		t.Fatalf("len = %d, want %d", m.Len(), MaxSlots)
	}
	for _, v := range m.Slots() {
		if v.State != StateFilled {
			t.Errorf("slot %d empty, want filled", v.Index)
		}
	}
}

func TestHandleSlotFile_GrowsToCap(t *testing.T) {
	var changes atomic.Int32
	m := New(WithOnChange(func() { changes.Add(1) }))
	m.Initialize(nil)

	for i := 0; i < InitialSlots; i++ {
		m.HandleSlotFile(i, upload("a.png"), "")
	}
	if m.Len() != InitialSlots+1 {
		t.Fatalf("len = %d, want %d", m.Len(), InitialSlots+1)
	}
	if v := m.Slots()[InitialSlots]; v.State != StateEmpty {
		t.Errorf("trailing slot should be empty")
	}

	for i := InitialSlots; i < MaxSlots+3; i++ {
		m.HandleSlotFile(i, upload("a.png"), "")
	}
	if m.Len() != MaxSlots {
		t.Fatalf("len = %d, want %d", m.Len(), MaxSlots)
	}
	if changes.Load() != MaxSlots {
		t.Errorf("changes = %d, want %d", changes.Load(), MaxSlots)
	}
}

func TestHandleSlotFile_RejectsNonImage(t *testing.T) {
	var changes atomic.Int32
	m := New(WithOnChange(func() { changes.Add(1) }))
	m.Initialize(nil)

	m.HandleSlotFile(0, NewFile("notes.txt", "text/plain", []byte("hi")), "")
	m.HandleSlotFile(1, nil, "")

	if states(m)[0] != StateEmpty || changes.Load() != 0 {
		t.Errorf("non-image file should be ignored")
	}
}

func TestHandleSlotFile_PreviewAndOrigin(t *testing.T) {
	rec := &recorder{}
	m := New(WithRenderer(rec))
	m.Initialize(nil)
	m.HandleSlotFile(1, upload("up.png"), "")
	m.HandleSlotFile(2, upload("imp.png"), "/static/generated/imp.png")

	v, ok := rec.last(1)
	if !ok || v.State != StateFilled || v.Origin != OriginUploaded {
		t.Fatalf("slot 1 view = %+v", v)
	}
	if v.Preview != EncodeDataURL("image/png", pngBytes) {
		t.Errorf("preview = %q", v.Preview)
	}
	if v, _ := rec.last(2); v.Origin != OriginImported {
		t.Errorf("slot 2 origin = %v, want imported", v.Origin)
	}
}

func TestHandleSlotFile_OutOfRangeDropped(t *testing.T) {
	m := New()
	m.Initialize(nil)
	m.HandleSlotFile(10, upload("a.png"), "")
	if m.Len() != InitialSlots {
		t.Errorf("len = %d", m.Len())
	}
}

func TestHandleSlotFile_ConcurrentSlots(t *testing.T) {
	m := New()
	m.Initialize(nil)

	var wg sync.WaitGroup
	for i := 0; i < MaxSlots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.HandleSlotFile(i%InitialSlots, upload("a.png"), "")
		}()
	}
	wg.Wait()

	got := states(m)
	for i := 0; i < InitialSlots; i++ {
		if got[i] != StateFilled {
			t.Errorf("slot %d = %v, want filled", i, got[i])
		}
	}
	if got[len(got)-1] != StateEmpty {
		t.Errorf("expected trailing empty slot, got %v", got)
	}
}

func TestHandleSlotDropFromHistory(t *testing.T) {
	srv, seen := imageServer(t)
	fixed := time.UnixMilli(1700000000000)
	m := newManager(t, srv, WithClock(func() time.Time { return fixed }))
	m.Initialize(nil)

	m.HandleSlotDropFromHistory(context.Background(), 0, srv.URL+"/static/generated/abc.png?v=2")

	if (*seen)[0] != "/static/generated/abc.png?v=2&t=1700000000000" {
		t.Errorf("request URL = %q", (*seen)[0])
	}
	v := m.Slots()[0]
	if v.State != StateFilled || v.Name != "abc.png" {
		t.Fatalf("view = %+v", v)
	}
	if diff := cmp.Diff([]string{"/static/generated/abc.png", "", "", ""}, m.ReferencePaths()); diff != "" {
		t.Errorf("paths (-want +got):\n%s", diff)
	}
}

func TestHandleSlotDropFromHistory_KeepsEscapedPath(t *testing.T) {
	srv, _ := imageServer(t)
	m := newManager(t, srv)
	m.Initialize(nil)

	m.HandleSlotDropFromHistory(context.Background(), 0, srv.URL+"/static/generated/a%20b.png")

	v := m.Slots()[0]
	if v.State != StateFilled {
		t.Fatalf("view = %+v", v)
	}
	if v.SourceURL != "/static/generated/a%20b.png" {
		t.Errorf("source URL = %q", v.SourceURL)
	}
}

func TestHandleSlotDropFromHistory_RelativeURL(t *testing.T) {
	srv, _ := imageServer(t)
	m := newManager(t, srv)
	m.Initialize(nil)

	m.HandleSlotDropFromHistory(context.Background(), 1, "/static/generated/")
	v := m.Slots()[1]
	if v.Name != "history-2.png" || v.SourceURL != "/static/generated/" {
		t.Errorf("view = %+v", v)
	}
}

func TestHandleSlotDropFromHistory_CrossOriginKeepsFullURL(t *testing.T) {
	srv, _ := imageServer(t)
	other, _ := url.Parse("http://example.invalid")
	m := New(WithOrigin(other), WithFetcher(srv.Client()))
	m.Initialize(nil)

	full := srv.URL + "/img/x.png"
	m.HandleSlotDropFromHistory(context.Background(), 0, full)
	if got := m.ReferencePaths()[0]; got != full {
		t.Errorf("path = %q, want %q", got, full)
	}
}

func TestHandleSlotDropFromHistory_FailureLeavesSlot(t *testing.T) {
	srv, _ := imageServer(t)
	m := newManager(t, srv)
	m.Initialize(nil)
	m.HandleSlotFile(0, upload("keep.png"), "")

	m.HandleSlotDropFromHistory(context.Background(), 0, "/missing.png")
	if v := m.Slots()[0]; v.Name != "keep.png" {
		t.Errorf("slot changed on failed fetch: %+v", v)
	}

	m.HandleSlotDropFromHistory(context.Background(), 1, "http://127.0.0.1:1/none.png")
	if v := m.Slots()[1]; v.State != StateEmpty {
		t.Errorf("slot filled on network error")
	}
}

func TestClearSlot(t *testing.T) {
	var changes atomic.Int32
	rec := &recorder{}
	m := New(WithRenderer(rec), WithOnChange(func() { changes.Add(1) }))
	m.Initialize(nil)
	m.HandleSlotFile(0, upload("a.png"), "")

	m.ClearSlot(0)
	if states(m)[0] != StateEmpty {
		t.Fatal("slot 0 should be empty")
	}
	before := m.Slots()
	m.ClearSlot(0)
	if diff := cmp.Diff(before, m.Slots()); diff != "" {
		t.Errorf("second clear changed state:\n%s", diff)
	}
	if changes.Load() != 3 {
		t.Errorf("changes = %d, want 3", changes.Load())
	}
	m.ClearSlot(99)
	m.ClearSlot(-1)
	if changes.Load() != 3 {
		t.Errorf("out-of-range clear fired onChange")
	}
}

func TestSetReferenceImages(t *testing.T) {
	srv, seen := imageServer(t)
	m := newManager(t, srv)
	m.Initialize(nil)
	for i := 0; i < 5; i++ {
		m.HandleSlotFile(i, upload("old.png"), "")
	}
	if m.Len() != 6 {
		t.Fatalf("len = %d, want 6", m.Len())
	}

	m.SetReferenceImages(context.Background(), []string{"/static/a.png", "", "local.png"})

	if len(*seen) != 1 || !strings.HasPrefix((*seen)[0], "/static/a.png?t=") {
		t.Errorf("requests = %v", *seen)
	}
	want := []State{StateFilled, StateEmpty, StateEmpty, StateEmpty, StateEmpty, StateEmpty}
	if diff := cmp.Diff(want, states(m)); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/static/a.png", "", "", "", "", ""}, m.ReferencePaths()); diff != "" {
		t.Errorf("paths (-want +got):\n%s", diff)
	}
}

func TestSetReferenceImages_GrowsAndOrders(t *testing.T) {
	srv, seen := imageServer(t)
	m := newManager(t, srv)
	m.Initialize(nil)

	paths := make([]string, 6)
	for i := range paths {
		paths[i] = "/g/" + string(rune('a'+i)) + ".png"
	}
	m.SetReferenceImages(context.Background(), paths)

	if m.Len() != 7 {
		t.Fatalf("len = %d, want 7", m.Len())
	}
	for i, u := range *seen {
		if !strings.HasPrefix(u, paths[i]+"?t=") {
			t.Errorf("request %d = %q, want %s first", i, u, paths[i])
		}
	}
}

func TestReferenceFiles_ExcludesSourceURL(t *testing.T) {
	m := New()
	m.Initialize([]CachedImage{
		{Name: "cached.png", Type: "image/png", DataURL: EncodeDataURL("image/png", pngBytes)},
		{Name: "remote.png", Type: "image/png", DataURL: EncodeDataURL("image/png", pngBytes), SourceURL: "/static/generated/remote.png"},
	})
	m.HandleSlotFile(2, upload("up.png"), "")
	m.HandleSlotFile(3, upload("imp.png"), "http://cdn.example/imp.png")

	files := m.ReferenceFiles()
	var names []string
	for _, f := range files {
		names = append(names, f.Name())
	}
	if diff := cmp.Diff([]string{"cached.png", "up.png"}, names); diff != "" {
		t.Errorf("files (-want +got):\n%s", diff)
	}
	data, err := ReadAll(files[0])
	if err != nil || string(data) != string(pngBytes) {
		t.Errorf("materialized bytes = %q, %v", data, err)
	}
}

func TestReferenceFiles_CachedDefaults(t *testing.T) {
	m := New()
	m.Initialize([]CachedImage{{DataURL: "data:;base64," + "aGk="}})
	files := m.ReferenceFiles()
	if len(files) != 1 || files[0].Name() != "reference.png" || files[0].Type() != "image/png" {
		t.Fatalf("files = %v", files)
	}
}

func TestReferencePaths(t *testing.T) {
	m := New()
	m.Initialize([]CachedImage{{Name: "cached.png", DataURL: EncodeDataURL("image/png", pngBytes)}})
	m.HandleSlotFile(1, upload("up.png"), "")
	m.HandleSlotFile(2, upload("imp.png"), "/static/generated/imp.png")

	// Cached entries have no live file and no source URL.
	want := []string{"", "up.png", "/static/generated/imp.png", ""}
	if diff := cmp.Diff(want, m.ReferencePaths()); diff != "" {
		t.Errorf("paths (-want +got):\n%s", diff)
	}
}

func TestSerializeReferenceImages(t *testing.T) {
	m := New()
	m.Initialize(nil)
	m.HandleSlotFile(1, upload("up.png"), "")
	m.HandleSlotFile(3, NewFile("", "image/jpeg", []byte("jpg")), "/static/x.jpg")

	got := m.SerializeReferenceImages()
	want := []CachedImage{
		{Name: "up.png", Type: "image/png", DataURL: EncodeDataURL("image/png", pngBytes)},
		{Name: "reference-4.png", Type: "image/jpeg", DataURL: EncodeDataURL("image/jpeg", []byte("jpg")), SourceURL: "/static/x.jpg"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("serialized (-want +got):\n%s", diff)
	}

	restored := New()
	restored.Initialize(got)
	if diff := cmp.Diff([]State{StateFilled, StateFilled, StateEmpty, StateEmpty}, states(restored)); diff != "" {
		t.Errorf("restored states (-want +got):\n%s", diff)
	}
}

func TestOnChangeMayReadManager(t *testing.T) {
	var m *Manager
	var snapshots [][]CachedImage
	m = New(WithOnChange(func() {
		snapshots = append(snapshots, m.SerializeReferenceImages())
	}))
	m.Initialize(nil)
	m.HandleSlotFile(0, upload("a.png"), "")
	m.ClearSlot(0)

	if len(snapshots) != 2 || len(snapshots[0]) != 1 || len(snapshots[1]) != 0 {
		t.Errorf("snapshots = %v", snapshots)
	}
}

func TestOnChangeMayMutateManager(t *testing.T) {
	rec := &recorder{}
	var m *Manager
	var calls atomic.Int32
	m = New(WithRenderer(rec), WithOnChange(func() {
		if calls.Add(1) == 1 {
			m.ClearSlot(0)
		}
	}))
	m.Initialize(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.HandleSlotFile(0, upload("a.png"), "")
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("re-entrant mutation from onChange did not return")
	}

	if got := m.Slots()[0].State; got != StateEmpty {
		t.Errorf("slot 0 = %v, want empty", got)
	}
	if v, _ := rec.last(0); v.State != StateEmpty {
		t.Errorf("last render of slot 0 = %+v, want empty", v)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("onChange calls = %d, want 2", n)
	}
}

func TestRendererMayMutateManager(t *testing.T) {
	var m *Manager
	var once sync.Once
	var order []string
	m = New(WithRenderer(RendererFunc(func(v SlotView) {
		order = append(order, v.State.String())
		if v.Index == 1 && v.State == StateFilled {
			once.Do(func() { m.ClearSlot(1) })
		}
	})))
	m.Initialize(nil)
	order = nil

	m.HandleSlotFile(1, upload("b.png"), "")

	if got := m.Slots()[1].State; got != StateEmpty {
		t.Errorf("slot 1 = %v, want empty", got)
	}
	if len(order) == 0 || order[len(order)-1] != "empty" {
		t.Errorf("render order = %v", order)
	}
}
