package model

// GlobalModel is the coordinator-owned model of a run. Iteration identifies
// the round whose aggregate produced Params; workers only ever see copies.
type GlobalModel struct {
	Params    Params
	Iteration int
}

// RoundState is the progress of a run as persisted in recovery checkpoints.
type RoundState struct {
	// Iteration is the last completed round.
	Iteration int `cbor:"1,keyasint" json:"iteration"`
	// BestMetric is the best validation value seen, valid when HasBest.
	BestMetric float64 `cbor:"2,keyasint" json:"best_metric"`
	HasBest    bool    `cbor:"3,keyasint" json:"has_best"`
	// BestSnapshot is the model that produced BestMetric.
	BestSnapshot Params `cbor:"4,keyasint,omitempty" json:"-"`
	// SchedulePosition and SampledClients restore the learning-rate schedule.
	SchedulePosition int `cbor:"5,keyasint" json:"schedule_position"`
	SampledClients   int `cbor:"6,keyasint" json:"sampled_clients"`
	// EmptyRounds counts consecutive rounds without any client update.
	EmptyRounds int `cbor:"7,keyasint" json:"empty_rounds"`
	// LastMetrics are the metrics of the most recent validation.
	LastMetrics Metrics `cbor:"8,keyasint,omitempty" json:"last_metrics,omitempty"`
}

// Clone returns a deep copy of s.
func (s RoundState) Clone() RoundState {
	out := s
	if s.BestSnapshot != nil {
		out.BestSnapshot = s.BestSnapshot.Clone()
	}
	if s.LastMetrics != nil {
		out.LastMetrics = make(Metrics, len(s.LastMetrics))
		for k, v := range s.LastMetrics {
			out.LastMetrics[k] = v
		}
	}
	return out
}
