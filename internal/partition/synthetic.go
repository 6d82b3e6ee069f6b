package partition

import (
	"fmt"
	"hash/fnv"

	"golang.org/x/exp/rand"

	"github.com/dreamware/fedround/internal/registry"
)

// SyntheticSpec describes a generated linear-regression dataset.
type SyntheticSpec struct {
	Clients    int
	Features   int
	MinSamples int
	MaxSamples int
	// Weights and Bias define the ground truth y = w.x + b.
	Weights []float64
	Bias    float64
	// Noise is the standard deviation of the target noise.
	Noise float64
	Seed  uint64
}

// ClientSeed derives a per-client seed from the run seed and the client id,
// so a client's data does not depend on the order clients are generated in.
func ClientSeed(seed uint64, clientID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(clientID))
	return seed ^ h.Sum64()
}

// Synthesize generates a manifest with user data for spec.
func Synthesize(spec SyntheticSpec) *registry.Manifest {
	if spec.MinSamples <= 0 {
		spec.MinSamples = 1
	}
	if spec.MaxSamples < spec.MinSamples {
		spec.MaxSamples = spec.MinSamples
	}
	m := &registry.Manifest{
		Users:      make([]string, 0, spec.Clients),
		NumSamples: make([]int, 0, spec.Clients),
		UserData:   make(map[string]registry.UserData, spec.Clients),
	}
	for i := 0; i < spec.Clients; i++ {
		id := fmt.Sprintf("client-%04d", i)
		rng := rand.New(rand.NewSource(ClientSeed(spec.Seed, id)))
		n := spec.MinSamples + rng.Intn(spec.MaxSamples-spec.MinSamples+1)
		data := registry.UserData{X: make([][]float64, n), Y: make([]float64, n)}
		for j := 0; j < n; j++ {
			x := make([]float64, spec.Features)
			y := spec.Bias
			for k := range x {
				x[k] = rng.Float64()*2 - 1
				if k < len(spec.Weights) {
					y += spec.Weights[k] * x[k]
				}
			}
			data.X[j] = x
			data.Y[j] = y + spec.Noise*rng.NormFloat64()
		}
		m.Users = append(m.Users, id)
		m.NumSamples = append(m.NumSamples, n)
		m.UserData[id] = data
	}
	return m
}
