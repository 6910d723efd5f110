package locator

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	http3 "github.com/quic-go/quic-go/http3"

	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/resolver"
	"github.com/zelig-tools/mdimport/internal/testimage"
	"github.com/zelig-tools/mdimport/internal/version"
)

func image(name, ver string) []byte {
	b := testimage.New(name)
	b.Module(name + ".dll")
	b.Assembly(name, version.MustParse(ver), nil)
	b.TypeDef(0x00100001, name, "Thing", 0)
	return b.Build()
}

func consumerImage() []byte {
	b := testimage.New("App")
	b.Module("App.exe")
	b.Assembly("App", version.MustParse("1.0.0.0"), nil)
	lib := b.AssemblyRef("Lib", version.MustParse("1.0.0.0"))
	b.TypeDef(0x00100001, "App", "Holder", 0)
	b.Field(0x0001, "thing", testimage.FieldSig(testimage.Class(b.TypeRef(lib, "Lib", "Thing"))))
	return b.Build()
}

func ref(name, ver string) metadata.AssemblyReference {
	return metadata.AssemblyReference{Name: name, Version: version.MustParse(ver)}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDirectoryResolverSearchOrder(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(first, "Lib.exe"), image("Lib", "1.2.0.0"))
	writeFile(t, filepath.Join(second, "Lib.dll"), image("Lib", "1.0.0.0"))
	writeFile(t, filepath.Join(second, "Junk.dll"), []byte("MZ"))

	d, err := NewDirectoryResolver([]string{first, "", second}, DirectoryOptions{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.Close()

	if len(d.Paths()) != 2 {
		t.Fatalf("paths = %v", d.Paths())
	}

	tests := []struct {
		name   string
		policy version.Policy
		want   string
	}{
		{"exact skips newer", version.Exact, "1.0.0.0"},
		{"forward takes first", version.ForwardCompatible, "1.2.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := d.ResolveReference(ref("Lib", "1.0.0.0"), tt.policy)
			if err != nil || g == nil {
				t.Fatalf("resolve: %v %v", g, err)
			}
			if got := g.Identity.Version.String(); got != tt.want {
				t.Fatalf("version = %s, want %s", got, tt.want)
			}
		})
	}

	g, err := d.ResolveReference(ref("Missing", "1.0.0.0"), version.Exact)
	if g != nil || err != nil {
		t.Fatalf("missing = %v, %v", g, err)
	}
	g, err = d.ResolveReference(ref("Junk", "1.0.0.0"), version.Exact)
	if g != nil || err == nil {
		t.Fatalf("junk = %v, %v; want load error", g, err)
	}
}

func TestDirectoryResolverCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Lib.dll")
	writeFile(t, path, image("Lib", "1.0.0.0"))

	d, err := NewDirectoryResolver([]string{dir}, DirectoryOptions{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.Close()

	a, err := d.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, _ := d.Load(path)
	if a != b {
		t.Fatalf("second load was not cached")
	}
	if !d.Invalidate(path) || d.Invalidate(path) {
		t.Fatalf("invalidate should succeed once")
	}
	c, _ := d.Load(path)
	if c == a {
		t.Fatalf("invalidated entry was reused")
	}
}

func TestLoadedGraphOutlivesFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Lib.dll")
	orig := image("Lib", "1.0.0.0")
	writeFile(t, path, orig)

	d, err := NewDirectoryResolver([]string{dir}, DirectoryOptions{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.Close()

	g, err := d.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if name := g.Str(g.TypeDef(1).Name); name != "Thing" {
		t.Fatalf("name = %q", name)
	}

	// Rewrite in place, then shrink to nothing.
	writeFile(t, path, make([]byte, len(orig)))
	if name := g.Str(g.TypeDef(1).Name); name != "Thing" {
		t.Fatalf("after rewrite name = %q", name)
	}
	if err := os.Truncate(path, 0); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if name := g.Str(g.TypeDef(1).Name); name != "Thing" {
		t.Fatalf("after truncate name = %q", name)
	}

	data, err := ReadImage(path)
	if err != nil || len(data) != 0 {
		t.Fatalf("empty file = %d bytes, %v", len(data), err)
	}
}

func TestDirectoryResolverWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Lib.dll")
	writeFile(t, path, image("Lib", "1.0.0.0"))

	changed := make(chan string, 16)
	d, err := NewDirectoryResolver([]string{dir}, DirectoryOptions{OnChange: func(p string) { changed <- p }})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.Close()

	if _, err := d.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	// Replace by rename, the way build tools publish outputs.
	tmp := filepath.Join(dir, "Lib.tmp")
	writeFile(t, tmp, image("Lib", "2.0.0.0"))
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-changed:
			if p != path {
				continue
			}
		case <-deadline:
			t.Fatalf("no change event for %s", path)
		}
		break
	}

	g, err := d.ResolveReference(ref("Lib", "2.0.0.0"), version.Exact)
	if err != nil || g == nil {
		t.Fatalf("after change: %v %v", g, err)
	}
}

func TestSiblingSymbols(t *testing.T) {
	dir, extra := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(dir, "Lib.pdb"), []byte("lib symbols"))
	writeFile(t, filepath.Join(extra, "Other.pdb"), []byte("other symbols"))

	s := SiblingSymbols{Dirs: []string{extra}}
	tests := []struct {
		name  string
		image string
		id    string
		want  string
	}{
		{"sibling", filepath.Join(dir, "Lib.dll"), "Lib", "lib symbols"},
		{"by identity", filepath.Join(dir, "renamed.dll"), "Lib", "lib symbols"},
		{"extra dir", filepath.Join(dir, "Other.exe"), "Other", "other symbols"},
		{"missing", filepath.Join(dir, "None.dll"), "None", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, ok := s.LocateSymbols(tt.image, metadata.Identity{Name: tt.id})
			if ok != (tt.want != "") || string(data) != tt.want {
				t.Fatalf("got %q %v, want %q", data, ok, tt.want)
			}
		})
	}
}

type fakeResolver struct {
	g     *metadata.Graph
	err   error
	calls int
}

func (f *fakeResolver) ResolveReference(metadata.AssemblyReference, version.Policy) (*metadata.Graph, error) {
	f.calls++
	return f.g, f.err
}

func TestChain(t *testing.T) {
	boom := errors.New("boom")
	found := &metadata.Graph{}
	empty, failing, hit, after := &fakeResolver{}, &fakeResolver{err: boom}, &fakeResolver{g: found}, &fakeResolver{}

	g, err := Chain{empty, nil, failing, hit, after}.ResolveReference(ref("X", "1.0.0.0"), version.Exact)
	if err != nil || g != found {
		t.Fatalf("chain = %v, %v", g, err)
	}
	if after.calls != 0 {
		t.Fatalf("chain kept going after a hit")
	}

	g, err = Chain{empty, failing}.ResolveReference(ref("X", "1.0.0.0"), version.Exact)
	if g != nil || !errors.Is(err, boom) {
		t.Fatalf("chain = %v, %v; want boom", g, err)
	}

	g, err = Chain{}.ResolveReference(ref("X", "1.0.0.0"), version.Exact)
	if g != nil || err != nil {
		t.Fatalf("empty chain = %v, %v", g, err)
	}
}

func registryServer(t *testing.T, hits *int64) *httptest.Server {
	t.Helper()
	lib := image("Lib", "1.0.0.0")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(hits, 1)
		switch req.URL.Path {
		case "/assemblies/Lib/1.0.0.0":
			if req.Header.Get("Authorization") != "Bearer secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			time.Sleep(20 * time.Millisecond)
			_, _ = w.Write(lib)
		case "/assemblies/Boom/1.0.0.0":
			http.Error(w, "exploded", http.StatusInternalServerError)
		default:
			http.NotFound(w, req)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRegistryResolver(t *testing.T) {
	var hits int64
	srv := registryServer(t, &hits)
	r := NewRegistryResolver(srv.URL+"/", RegistryOptions{Token: " secret "})
	defer r.Close()

	var wg sync.WaitGroup
	graphs := make([]*metadata.Graph, 8)
	errs := make([]error, 8)
	for i := range graphs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			graphs[i], errs[i] = r.Fetch(context.Background(), ref("Lib", "1.0.0.0"), version.Exact)
		}(i)
	}
	wg.Wait()
	for i := range graphs {
		if errs[i] != nil || graphs[i] == nil || graphs[i] != graphs[0] {
			t.Fatalf("fetch %d = %v, %v", i, graphs[i], errs[i])
		}
	}
	if n := atomic.LoadInt64(&hits); n != 1 {
		t.Fatalf("registry hit %d times, want 1", n)
	}
	if graphs[0].Identity.Name != "Lib" {
		t.Fatalf("identity = %s", graphs[0].Identity)
	}

	if g, err := r.ResolveReference(ref("Nope", "1.0.0.0"), version.Exact); g != nil || err != nil {
		t.Fatalf("unknown = %v, %v", g, err)
	}
	if _, err := r.ResolveReference(ref("Boom", "1.0.0.0"), version.Exact); err == nil {
		t.Fatalf("server error was swallowed")
	}
}

func TestRegistryRejectsIncompatible(t *testing.T) {
	lib := image("Lib", "2.0.0.0")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write(lib)
	}))
	defer srv.Close()

	r := NewRegistryResolver(srv.URL, RegistryOptions{})
	defer r.Close()

	g, err := r.ResolveReference(ref("Lib", "1.0.0.0"), version.Exact)
	if g != nil || err != nil {
		t.Fatalf("incompatible = %v, %v", g, err)
	}
	g, err = r.ResolveReference(ref("Lib", "1.0.0.0"), version.Any)
	if err != nil || g == nil || g.Identity.Version.String() != "2.0.0.0" {
		t.Fatalf("cached download not offered under a looser policy: %v, %v", g, err)
	}
}

func TestRegistryHTTP3Transport(t *testing.T) {
	r := NewRegistryResolver("https://registry.invalid", RegistryOptions{HTTP3: true})
	if _, ok := r.client.Transport.(*http3.Transport); !ok {
		t.Fatalf("transport = %T", r.client.Transport)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestResolverUsesDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Lib.dll"), image("Lib", "1.0.0.0"))

	d, err := NewDirectoryResolver([]string{dir}, DirectoryOptions{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.Close()

	app := filepath.Join(t.TempDir(), "App.exe")
	writeFile(t, app, consumerImage())
	data, err := ReadImage(app)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("MZ")) {
		t.Fatalf("image does not start with MZ")
	}

	appGraph, err := d.Load(app)
	if err != nil {
		t.Fatalf("load app: %v", err)
	}
	res := resolver.New(resolver.Options{Resolve: Chain{d}})
	if err := res.Add(appGraph); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := res.ResolveAll(); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	out, err := res.NormalizedAssemblies()
	if err != nil || len(out) != 2 || out[0].Name() != "Lib" || out[1].Name() != "App" {
		t.Fatalf("order = %v, %v", out, err)
	}
}
