// Package catalog maintains the product catalog YAML file that the
// retrieval index and the chat prompts are built from.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// HighlightSeparator splits the highlight string of an upload.
const HighlightSeparator = "、"

var ErrInvalidProduct = errors.New("catalog: product name must not be empty")

// Product is one catalog entry, keyed by name in the file.
type Product struct {
	ID                  int      `yaml:"id"`
	Highlights          []string `yaml:"heighlights"`
	Images              string   `yaml:"images"`
	Instruction         string   `yaml:"instruction"`
	DeparturePlace      string   `yaml:"departure_place"`
	DeliveryCompanyName string   `yaml:"delivery_company_name"`
}

// Upload is the payload accepted by Store.Upload.
type Upload struct {
	Name            string
	Highlights      string
	ImagePath       string
	InstructionPath string
	DeparturePlace  string
	DeliveryCompany string
}

// Indexer is told to rebuild whenever the catalog changes.
type Indexer interface {
	Rebuild(ctx context.Context) error
}

// Store serialises writers of one catalog file.
type Store struct {
	path       string
	backupPath string
	indexer    Indexer
	log        *slog.Logger

	mu sync.Mutex
}

func NewStore(path, backupPath string, indexer Indexer, log *slog.Logger) *Store {
	return &Store{
		path:       path,
		backupPath: backupPath,
		indexer:    indexer,
		log:        log.With(slog.String("component", "catalog")),
	}
}

// Load reads the catalog. A missing file is an empty catalog.
func (s *Store) Load() (map[string]Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes, err := s.load()
	if err != nil {
		return nil, err
	}
	products := make(map[string]Product, len(nodes))
	for name, node := range nodes {
		var p Product
		if err := node.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode product %s: %w", name, err)
		}
		products[name] = p
	}
	return products, nil
}

// entries maps product names to their YAML values. Keys Product does not
// model are kept in the node and written back untouched.
type entries map[string]*yaml.Node

func (s *Store) load() (entries, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return entries{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	out := entries{}
	if len(doc.Content) == 0 {
		return out, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("parse catalog: top level must map product names to entries")
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		out[root.Content[i].Value] = root.Content[i+1]
	}
	return out, nil
}

// ids decodes only the id of every entry.
func (e entries) ids() (map[string]int, error) {
	out := make(map[string]int, len(e))
	for name, node := range e {
		var v struct {
			ID int `yaml:"id"`
		}
		if err := node.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode id of product %s: %w", name, err)
		}
		out[name] = v.ID
	}
	return out, nil
}

// set replaces the known keys of name's entry with p, leaving the rest.
func (e entries) set(name string, p Product) error {
	var fields yaml.Node
	if err := fields.Encode(p); err != nil {
		return fmt.Errorf("encode product %s: %w", name, err)
	}
	node := e[name]
	if node == nil || node.Kind != yaml.MappingNode {
		node = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		e[name] = node
	}
next:
	for i := 0; i+1 < len(fields.Content); i += 2 {
		key, value := fields.Content[i], fields.Content[i+1]
		for j := 0; j+1 < len(node.Content); j += 2 {
			if node.Content[j].Value == key.Value {
				node.Content[j+1] = value
				continue next
			}
		}
		node.Content = append(node.Content, key, value)
	}
	return nil
}

// Upload inserts or replaces the product called u.Name. An existing name
// keeps its id and any fields the upload does not carry; a new name gets
// the highest id plus one. The previous file is kept as the single backup.
func (s *Store) Upload(ctx context.Context, u Upload) (Product, error) {
	name := strings.TrimSpace(u.Name)
	if name == "" {
		return Product{}, ErrInvalidProduct
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	products, err := s.load()
	if err != nil {
		return Product{}, err
	}
	ids, err := products.ids()
	if err != nil {
		return Product{}, err
	}

	p := Product{
		Highlights:          splitHighlights(u.Highlights),
		Images:              u.ImagePath,
		Instruction:         u.InstructionPath,
		DeparturePlace:      u.DeparturePlace,
		DeliveryCompanyName: u.DeliveryCompany,
	}
	if id, ok := ids[name]; ok {
		p.ID = id
	} else {
		p.ID = maxID(ids) + 1
	}
	if err := products.set(name, p); err != nil {
		return Product{}, err
	}
	ids[name] = p.ID

	if err := s.backup(); err != nil {
		return Product{}, err
	}
	if err := s.write(products, ids); err != nil {
		return Product{}, err
	}
	s.log.Info("product uploaded", slog.String("name", name), slog.Int("id", p.ID))

	if s.indexer != nil {
		if err := s.indexer.Rebuild(ctx); err != nil {
			s.log.Warn("retrieval index rebuild failed", slog.String("error", err.Error()))
		}
	}
	return p, nil
}

func splitHighlights(raw string) []string {
	var out []string
	for _, h := range strings.Split(raw, HighlightSeparator) {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

func maxID(ids map[string]int) int {
	best := 0
	for _, id := range ids {
		if id > best {
			best = id
		}
	}
	return best
}

func (s *Store) backup() error {
	if s.backupPath == "" {
		return nil
	}
	src, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open catalog for backup: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(s.backupPath), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(s.backupPath)
	if err != nil {
		return fmt.Errorf("create catalog backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy catalog backup: %w", err)
	}
	return dst.Close()
}

// write stores products ordered by id.
func (s *Store) write(products entries, ids map[string]int) error {
	names := make([]string, 0, len(products))
	for name := range products {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := ids[names[i]], ids[names[j]]
		if a != b {
			return a < b
		}
		return names[i] < names[j]
	})

	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range names {
		doc.Content = append(doc.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name}, products[name])
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	return os.Rename(tmp, s.path)
}
