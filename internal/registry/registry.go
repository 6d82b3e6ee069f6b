// Package registry holds the fixed set of federated clients of a run and
// draws the per-round samples from it.
package registry

import (
	"fmt"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/dreamware/fedround/internal/config"
	ferrors "github.com/dreamware/fedround/internal/errors"
)

// ClientRecord is one federated client. It is read-only after load.
type ClientRecord struct {
	ID          string `json:"id" msgpack:"id"`
	SampleCount int    `json:"sample_count" msgpack:"sample_count"`
}

// Load reads the manifest at path and returns its client records in manifest
// order. Loading the same file twice yields the same records.
func Load(path string) ([]ClientRecord, error) {
	m, err := ReadManifest(path)
	if err != nil {
		return nil, err
	}
	return Records(path, m)
}

// Records validates the users of m and turns them into client records.
// source only labels errors.
func Records(source string, m *Manifest) ([]ClientRecord, error) {
	if len(m.Users) != len(m.NumSamples) {
		return nil, ferrors.ErrDataFormat.GenWithStackByArgs(source,
			fmt.Sprintf("%d users but %d sample counts", len(m.Users), len(m.NumSamples)))
	}
	seen := make(map[string]struct{}, len(m.Users))
	records := make([]ClientRecord, 0, len(m.Users))
	for i, id := range m.Users {
		if id == "" {
			return nil, ferrors.ErrDataFormat.GenWithStackByArgs(source, fmt.Sprintf("empty client id at %d", i))
		}
		if _, dup := seen[id]; dup {
			return nil, ferrors.ErrDataFormat.GenWithStackByArgs(source, fmt.Sprintf("duplicate client id %q", id))
		}
		if m.NumSamples[i] <= 0 {
			return nil, ferrors.ErrDataFormat.GenWithStackByArgs(source,
				fmt.Sprintf("client %q has %d samples", id, m.NumSamples[i]))
		}
		seen[id] = struct{}{}
		records = append(records, ClientRecord{ID: id, SampleCount: m.NumSamples[i]})
	}
	return records, nil
}

// Registry is the immutable client set of a run. It is safe for concurrent
// use because nothing mutates it after New.
type Registry struct {
	clients []ClientRecord
	index   map[string]int
}

// New builds a registry over records. Records must be unique and have a
// positive sample count, as produced by Load.
func New(records []ClientRecord) (*Registry, error) {
	r := &Registry{
		clients: make([]ClientRecord, len(records)),
		index:   make(map[string]int, len(records)),
	}
	copy(r.clients, records)
	for i, c := range r.clients {
		if _, dup := r.index[c.ID]; dup {
			return nil, ferrors.ErrDataFormat.GenWithStackByArgs("registry", fmt.Sprintf("duplicate client id %q", c.ID))
		}
		if c.SampleCount <= 0 {
			return nil, ferrors.ErrDataFormat.GenWithStackByArgs("registry",
				fmt.Sprintf("client %q has %d samples", c.ID, c.SampleCount))
		}
		r.index[c.ID] = i
	}
	log.Info("client registry built", zap.Int("clients", len(r.clients)))
	return r, nil
}

// NumClients returns the number of registered clients.
func (r *Registry) NumClients() int {
	return len(r.clients)
}

// Get returns the record of client id.
func (r *Registry) Get(id string) (ClientRecord, bool) {
	i, ok := r.index[id]
	if !ok {
		return ClientRecord{}, false
	}
	return r.clients[i], true
}

// Clients returns a copy of every record in registry order.
func (r *Registry) Clients() []ClientRecord {
	out := make([]ClientRecord, len(r.clients))
	copy(out, r.clients)
	return out
}

// TotalSamples returns the sum of the sample counts of all clients.
func (r *Registry) TotalSamples() int {
	total := 0
	for _, c := range r.clients {
		total += c.SampleCount
	}
	return total
}

// Sample draws k distinct clients. k <= 0 or k >= NumClients selects every
// client in registry order. SamplingUniform draws uniformly without
// replacement; SamplingWeighted draws without replacement with probability
// proportional to the sample count.
func (r *Registry) Sample(k int, policy config.SamplingPolicy, src rand.Source) []ClientRecord {
	n := len(r.clients)
	if k <= 0 || k >= n {
		return r.Clients()
	}
	out := make([]ClientRecord, 0, k)
	switch policy {
	case config.SamplingWeighted:
		w := make([]float64, n)
		for i, c := range r.clients {
			w[i] = float64(c.SampleCount)
		}
		s := sampleuv.NewWeighted(w, src)
		for len(out) < k {
			idx, ok := s.Take()
			if !ok {
				break
			}
			out = append(out, r.clients[idx])
		}
	default:
		idxs := make([]int, k)
		sampleuv.WithoutReplacement(idxs, n, src)
		for _, idx := range idxs {
			out = append(out, r.clients[idx])
		}
	}
	return out
}
