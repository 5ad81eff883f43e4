// Package ocr loads pre-OCR'd documents from their JSON interchange form.
// The engine never runs OCR itself; upstream tooling produces one JSON file
// per scanned document with the block → paragraph → word hierarchy and
// per-word bounding boxes the coordinate resolver depends on.
package ocr

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chartparse/internal/model"
)

// Load reads one OCR JSON file into a Document. Page numbers are validated
// to be a contiguous 1-indexed sequence; missing numbers are assigned from
// file order when the source omits them entirely.
func Load(path string) (*model.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ocr: read %s", path)
	}

	var doc model.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrapf(err, "ocr: parse %s", path)
	}
	if doc.Name == "" {
		doc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if len(doc.Pages) == 0 {
		return nil, eris.Errorf("ocr: %s has no pages", path)
	}

	if err := normalizePageNumbers(&doc); err != nil {
		return nil, eris.Wrapf(err, "ocr: %s", path)
	}
	return &doc, nil
}

// LoadDir loads every .json file directly under dir, sorted by name.
func LoadDir(dir string) ([]*model.Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "ocr: read dir %s", dir)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, eris.Errorf("ocr: no .json documents in %s", dir)
	}

	docs := make([]*model.Document, 0, len(paths))
	for _, p := range paths {
		doc, err := Load(p)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func normalizePageNumbers(doc *model.Document) error {
	numbered := 0
	for _, p := range doc.Pages {
		if p.Number != 0 {
			numbered++
		}
	}

	switch numbered {
	case 0:
		for i := range doc.Pages {
			doc.Pages[i].Number = i + 1
		}
		return nil
	case len(doc.Pages):
		sort.Slice(doc.Pages, func(i, j int) bool {
			return doc.Pages[i].Number < doc.Pages[j].Number
		})
		for i, p := range doc.Pages {
			if p.Number != i+1 {
				return eris.Errorf("pages are not a contiguous 1-indexed sequence (saw %d at position %d)", p.Number, i+1)
			}
		}
		return nil
	default:
		return eris.New("some pages carry numbers and some do not")
	}
}
