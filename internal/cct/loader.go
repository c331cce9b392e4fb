package cct

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Decode parses an annotation document from raw JSON.
func Decode(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "cct: decode annotation document")
	}
	return &doc, nil
}

// ReadDocument opens and decodes the annotation file at path.
func ReadDocument(path string) (*Document, error) {
	f, err := os.Open(path) //nolint:gosec // Path comes from the variant table.
	if err != nil {
		return nil, errors.Wrap(err, "cct: open annotation file")
	}
	defer func() {
		_ = f.Close()
	}()

	var doc Document
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, errors.Wrapf(err, "cct: decode %s", path)
	}
	return &doc, nil
}

// Load reads the annotation file at path and builds its Index.
//
// Records whose category is in excluded are dropped; every other record is
// mapped through classIndices in file order.
func Load(path string, classIndices map[int]int32, excluded []int) (*Index, error) {
	doc, err := ReadDocument(path)
	if err != nil {
		return nil, err
	}
	ix, _, err := Build(doc.Annotations, classIndices, excluded)
	if err != nil {
		return nil, errors.Wrapf(err, "cct: load %s", path)
	}
	return ix, nil
}
