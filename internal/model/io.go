package model

import (
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/pingcap/errors"

	ferrors "github.com/dreamware/fedround/internal/errors"
)

// ReadParamsFile loads cbor-encoded params, e.g. a pretrained model.
func ReadParamsFile(path string) (Params, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.ErrCheckpointNotFound.GenWithStackByArgs(path)
		}
		return nil, errors.Annotatef(err, "read params %s", path)
	}
	var p Params
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return nil, ferrors.ErrDataFormat.GenWithStackByArgs(path, err.Error())
	}
	if len(p) == 0 {
		return nil, ferrors.ErrDataFormat.GenWithStackByArgs(path, "no parameters")
	}
	return p, nil
}

// WriteParamsFile stores p cbor-encoded at path.
func WriteParamsFile(path string, p Params) error {
	raw, err := cbor.Marshal(p)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.WriteFile(path, raw, 0o644))
}
