package graph

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hupe1980/kgeflow/model"
)

// Format selects how triple tokens are interpreted.
type Format int

const (
	// FormatNames treats tokens as names and assigns ids on first sight.
	FormatNames Format = iota
	// FormatIDs treats tokens as numeric ids.
	FormatIDs
)

// ParseFormat parses "names" or "ids".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "names", "raw", "":
		return FormatNames, nil
	case "ids":
		return FormatIDs, nil
	default:
		return 0, fmt.Errorf("unknown triple format %q", s)
	}
}

// Split file names.
const (
	TrainFile     = "train.txt"
	ValidFile     = "valid.txt"
	TestFile      = "test.txt"
	EntitiesFile  = "entities.dict"
	RelationsFile = "relations.dict"
)

type loadOptions struct {
	format Format
}

// LoadOption configures LoadDir.
type LoadOption func(*loadOptions)

// WithFormat sets the token format. Default is FormatNames.
func WithFormat(f Format) LoadOption {
	return func(o *loadOptions) {
		o.format = f
	}
}

// LoadDir loads train/valid/test splits from dir.
// Missing valid or test files yield empty splits; a missing train file is an error.
func LoadDir(dir string, opts ...LoadOption) (*Graph, error) {
	o := loadOptions{format: FormatNames}
	for _, fn := range opts {
		fn(&o)
	}

	d := &dictionary{
		entities:  make(map[string]uint32),
		relations: make(map[string]uint32),
	}

	var numEntities, numRelations uint32
	if o.format == FormatIDs {
		ents, err := readDict(filepath.Join(dir, EntitiesFile))
		if err != nil {
			return nil, err
		}
		rels, err := readDict(filepath.Join(dir, RelationsFile))
		if err != nil {
			return nil, err
		}
		d.entityNames, d.relationNames = ents, rels
		numEntities, numRelations = uint32(len(ents)), uint32(len(rels))
	}

	splits := make([][]model.Triple, 3)
	for i, name := range []string{TrainFile, ValidFile, TestFile} {
		path := filepath.Join(dir, name)
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				if name == TrainFile {
					return nil, fmt.Errorf("%w: %s", ErrMissingSplit, path)
				}
				continue
			}
			return nil, err
		}
		triples, err := readTriples(f, o.format, d)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		splits[i] = triples
	}

	if o.format == FormatNames {
		numEntities, numRelations = uint32(len(d.entityNames)), uint32(len(d.relationNames))
	}

	g, err := New(numEntities, numRelations, splits[0], splits[1], splits[2])
	if err != nil {
		return nil, err
	}
	g.entityNames = d.entityNames
	g.relationNames = d.relationNames
	return g, nil
}

type dictionary struct {
	entities      map[string]uint32
	relations     map[string]uint32
	entityNames   []string
	relationNames []string
}

func (d *dictionary) entity(name string) uint32 {
	if id, ok := d.entities[name]; ok {
		return id
	}
	id := uint32(len(d.entityNames))
	d.entities[name] = id
	d.entityNames = append(d.entityNames, name)
	return id
}

func (d *dictionary) relation(name string) uint32 {
	if id, ok := d.relations[name]; ok {
		return id
	}
	id := uint32(len(d.relationNames))
	d.relations[name] = id
	d.relationNames = append(d.relationNames, name)
	return id
}

// ReadTriples parses "head relation tail" lines from r.
func ReadTriples(r io.Reader, format Format) ([]model.Triple, error) {
	return readTriples(r, format, &dictionary{
		entities:  make(map[string]uint32),
		relations: make(map[string]uint32),
	})
}

func readTriples(r io.Reader, format Format, d *dictionary) ([]model.Triple, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var triples []model.Triple
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.Fields(text)
		if len(parts) < 3 {
			return nil, fmt.Errorf("%w: line %d has %d fields", ErrMalformed, line, len(parts))
		}

		var t model.Triple
		if format == FormatIDs {
			ids := [3]uint32{}
			for i := 0; i < 3; i++ {
				v, err := strconv.ParseUint(parts[i], 10, 32)
				if err != nil {
					return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
				}
				ids[i] = uint32(v)
			}
			t = model.Triple{Head: ids[0], Relation: ids[1], Tail: ids[2]}
		} else {
			t = model.Triple{
				Head:     d.entity(parts[0]),
				Relation: d.relation(parts[1]),
				Tail:     d.entity(parts[2]),
			}
		}
		triples = append(triples, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading triples: %w", err)
	}
	return triples, nil
}

func readDict(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingSplit, path)
		}
		return nil, err
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		parts := strings.Fields(text)
		id, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil || int(id) != len(names) {
			return nil, fmt.Errorf("%w: %s line %d: ids must be dense and ordered", ErrMalformed, path, line)
		}
		name := parts[0]
		if len(parts) > 1 {
			name = parts[1]
		}
		names = append(names, name)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return names, nil
}
