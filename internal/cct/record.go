// Package cct loads the Caltech Camera Traps (CCT-20) benchmark annotations.
//
// A CCT annotation document is a JSON object with an "annotations" array
// (one entry per labelled image) and a "categories" table:
//
//	{
//	  "annotations": [{"image_id": "5968c0f9-...", "category_id": 1}, ...],
//	  "categories":  [{"id": 1, "name": "opossum"}, ...]
//	}
//
// The loader turns such a document into an Index of (image id, class label)
// pairs, dropping nuisance categories and remapping category ids to dense
// class indices supplied by the caller.
package cct

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Record is one entry of the "annotations" array.
type Record struct {
	ImageID    string
	CategoryID int
}

// Category is one entry of the "categories" table.
type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Document is the decoded annotation file.
type Document struct {
	Annotations []Record   `json:"annotations"`
	Categories  []Category `json:"categories"`
}

// ErrMalformedRecord is returned for annotation entries missing a required field.
var ErrMalformedRecord = errors.New("cct: malformed annotation record")

// ErrMalformedDocument is returned when the top-level "annotations" array is
// absent or null.
var ErrMalformedDocument = errors.New("cct: malformed annotation document")

// UnmarshalJSON requires the "annotations" field. An empty array is valid.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw struct {
		Annotations *[]Record  `json:"annotations"`
		Categories  []Category `json:"categories"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Annotations == nil {
		return errors.Wrap(ErrMalformedDocument, "missing annotations array")
	}
	d.Annotations = *raw.Annotations
	d.Categories = raw.Categories
	return nil
}

// UnmarshalJSON accepts image ids encoded either as strings or as integers.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		ImageID    json.RawMessage `json:"image_id"`
		CategoryID *int            `json:"category_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.ImageID) == 0 || bytes.Equal(raw.ImageID, []byte("null")) {
		return errors.Wrap(ErrMalformedRecord, "missing image_id")
	}
	if raw.CategoryID == nil {
		return errors.Wrap(ErrMalformedRecord, "missing category_id")
	}

	id, err := decodeImageID(raw.ImageID)
	if err != nil {
		return err
	}
	r.ImageID = id
	r.CategoryID = *raw.CategoryID
	return nil
}

func decodeImageID(raw json.RawMessage) (string, error) {
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", errors.Wrap(err, "decode image_id")
		}
		return s, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return "", errors.Wrapf(ErrMalformedRecord, "image_id %s is neither string nor integer", raw)
	}
	if _, err := n.Int64(); err != nil {
		return "", errors.Wrapf(ErrMalformedRecord, "image_id %s is not an integer", raw)
	}
	return n.String(), nil
}
