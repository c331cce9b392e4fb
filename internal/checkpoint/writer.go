// Package checkpoint reads and writes parameter sets as SafeTensors files and
// downloads remote checkpoints into a local cache.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/camtrap/internal/reconcile"
)

// tensorHeader is one entry of the SafeTensors JSON header.
type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Write stores set at path in SafeTensors format:
//
//	[8 bytes: header size, uint64 LE][JSON header][tensor data]
//
// Tensors are laid out in name order. The file is written next to path and
// renamed into place, so a reader never sees a partial checkpoint.
func Write(path string, set reconcile.ParameterSet, metadata map[string]string) error {
	names := set.Keys()

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var offset int64
	for _, name := range names {
		raw := set[name]
		dtype, err := safeTensorsDType(raw.DType())
		if err != nil {
			return errors.Wrapf(err, "checkpoint: %s", name)
		}
		shape := make([]int64, len(raw.Shape()))
		for i, d := range raw.Shape() {
			shape[i] = int64(d)
		}
		size := int64(raw.ByteSize())
		header[name] = tensorHeader{DType: dtype, Shape: shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "checkpoint: marshal header")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.Wrap(err, "checkpoint: create directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "checkpoint: create temp file")
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if err := binary.Write(tmp, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return errors.Wrap(err, "checkpoint: write header size")
	}
	if _, err := tmp.Write(headerJSON); err != nil {
		return errors.Wrap(err, "checkpoint: write header")
	}
	for _, name := range names {
		if _, err := tmp.Write(set[name].Data()); err != nil {
			return errors.Wrapf(err, "checkpoint: write tensor %s", name)
		}
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "checkpoint: sync")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "checkpoint: close")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "checkpoint: rename")
}

func safeTensorsDType(dt tensor.DataType) (string, error) {
	switch dt {
	case tensor.Float32:
		return "F32", nil
	case tensor.Float64:
		return "F64", nil
	case tensor.Int32:
		return "I32", nil
	case tensor.Int64:
		return "I64", nil
	case tensor.Uint8:
		return "U8", nil
	case tensor.Bool:
		return "BOOL", nil
	default:
		return "", errors.Errorf("unsupported dtype %s", dt)
	}
}
