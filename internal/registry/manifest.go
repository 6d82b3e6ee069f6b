package registry

import (
	"encoding/json"
	"os"

	"github.com/pingcap/errors"

	ferrors "github.com/dreamware/fedround/internal/errors"
)

// Manifest is the on-disk description of a federated dataset.
//
//	{
//	  "users":       ["alice", "bob"],
//	  "num_samples": [12, 30],
//	  "user_data":   {"alice": {"x": [[0.1], [0.2]], "y": [1.0, 2.0]}}
//	}
//
// UserData is optional for the registry; it is only read by partition
// loaders.
type Manifest struct {
	Users      []string            `json:"users"`
	NumSamples []int               `json:"num_samples"`
	UserData   map[string]UserData `json:"user_data,omitempty"`
}

// UserData holds the examples of one client.
type UserData struct {
	X [][]float64 `json:"x"`
	Y []float64   `json:"y"`
}

// ReadManifest reads and decodes the manifest at path without validating
// its records.
func ReadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read manifest %s", path)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, ferrors.ErrDataFormat.GenWithStackByArgs(path, err.Error())
	}
	return &m, nil
}

// WriteManifest encodes m as JSON at path.
func WriteManifest(path string, m *Manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.WriteFile(path, raw, 0o644))
}
