package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"gopkg.in/yaml.v3"
)

const seed = `
唇膏:
  heighlights: [持久, 滋润]
  images: ./img/lip.png
  instruction: ./ins/lip.md
  id: 1
  departure_place: 广州
  delivery_company_name: 顺丰
面霜:
  heighlights: [保湿]
  images: ./img/cream.png
  instruction: ./ins/cream.md
  id: 4
  departure_place: 上海
  delivery_company_name: 圆通
`

type countingIndexer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingIndexer) Rebuild(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func newStore(t *testing.T, indexer Indexer) (*Store, string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "product_info.yaml")
	backup := filepath.Join(dir, "product_info.yaml.bak")
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(path, backup, indexer, log), path, backup
}

func TestUploadExistingNameKeepsID(t *testing.T) {
	idx := &countingIndexer{}
	s, _, backup := newStore(t, idx)

	p, err := s.Upload(context.Background(), Upload{
		Name:            "唇膏",
		Highlights:      "显色、不脱妆、便携",
		ImagePath:       "./img/lip2.png",
		DeparturePlace:  "杭州",
		DeliveryCompany: "中通",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if p.ID != 1 {
		t.Fatalf("expected id preserved as 1, got %d", p.ID)
	}

	products, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	got := products["唇膏"]
	if got.ID != 1 || got.DeparturePlace != "杭州" || len(got.Highlights) != 3 || got.Highlights[1] != "不脱妆" {
		t.Fatalf("unexpected stored product %+v", got)
	}
	if products["面霜"].ID != 4 {
		t.Fatal("other products must be untouched")
	}

	old, err := os.ReadFile(backup)
	if err != nil {
		t.Fatalf("expected backup: %v", err)
	}
	if !strings.Contains(string(old), "广州") {
		t.Fatal("backup should hold the previous catalog")
	}
	if idx.calls != 1 {
		t.Fatalf("expected one index rebuild, got %d", idx.calls)
	}
}

func TestUploadNewNameGetsNextID(t *testing.T) {
	s, path, _ := newStore(t, nil)
	p, err := s.Upload(context.Background(), Upload{Name: "精华", Highlights: "提亮"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if p.ID != 5 {
		t.Fatalf("expected max id + 1 = 5, got %d", p.ID)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !(strings.Index(text, "唇膏") < strings.Index(text, "面霜") && strings.Index(text, "面霜") < strings.Index(text, "精华")) {
		t.Fatalf("expected entries ordered by id:\n%s", text)
	}
}

func TestUploadIntoEmptyCatalog(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "new.yaml"), filepath.Join(dir, "new.yaml.bak"), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p, err := s.Upload(context.Background(), Upload{Name: "first"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if p.ID != 1 {
		t.Fatalf("expected id 1, got %d", p.ID)
	}
}

func TestUploadRejectsEmptyName(t *testing.T) {
	s, _, _ := newStore(t, nil)
	if _, err := s.Upload(context.Background(), Upload{Name: "  "}); !errors.Is(err, ErrInvalidProduct) {
		t.Fatalf("expected ErrInvalidProduct, got %v", err)
	}
}

func TestConcurrentUploadsAreSerialised(t *testing.T) {
	s, _, _ := newStore(t, nil)
	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := s.Upload(context.Background(), Upload{Name: name}); err != nil {
				t.Errorf("upload %s: %v", name, err)
			}
		}(name)
	}
	wg.Wait()

	products, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 6 {
		t.Fatalf("expected 6 products, got %d", len(products))
	}
	seen := map[int]bool{}
	for _, p := range products {
		if seen[p.ID] {
			t.Fatalf("duplicate id %d", p.ID)
		}
		seen[p.ID] = true
	}
}

func TestRebuildFailureDoesNotFailUpload(t *testing.T) {
	s, _, _ := newStore(t, &countingIndexer{err: errors.New("index offline")})
	if _, err := s.Upload(context.Background(), Upload{Name: "x"}); err != nil {
		t.Fatalf("upload should succeed: %v", err)
	}
}

func TestUploadKeepsFieldsItDoesNotModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "product_info.yaml")
	const extra = `
面霜:
  id: 1
  heighlights: [保湿]
  sales_doc: 精选好物
`
	if err := os.WriteFile(path, []byte(extra), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path, "", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := s.Upload(context.Background(), Upload{Name: "新品", Highlights: "清爽"}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := s.Upload(context.Background(), Upload{Name: "面霜", Highlights: "保湿、修护"}); err != nil {
		t.Fatalf("re-upload: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("parse written catalog: %v", err)
	}
	if raw["面霜"]["sales_doc"] != "精选好物" {
		t.Fatalf("unknown field lost:\n%s", data)
	}
	if raw["面霜"]["id"] != 1 || raw["新品"]["id"] != 2 {
		t.Fatalf("unexpected ids:\n%s", data)
	}
	if hl, _ := raw["面霜"]["heighlights"].([]any); len(hl) != 2 {
		t.Fatalf("known fields should be replaced:\n%s", data)
	}
	if _, ok := raw["新品"]["sales_doc"]; ok {
		t.Fatal("new products get only the uploaded fields")
	}
}
