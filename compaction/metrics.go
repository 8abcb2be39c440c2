package compaction

import (
	"expvar"
	"fmt"
)

// Metrics are the expvar counters updated by a Compactor.
type Metrics struct {
	Runs             *expvar.Int
	Failures         *expvar.Int
	EntriesRead      *expvar.Int
	EntriesWritten   *expvar.Int
	EntriesDropped   *expvar.Int
	MessagesRetained *expvar.Int
	LatencyMs        *expvar.Int
}

// NewMetrics publishes the counters under prefix, e.g. "rawbatch_compaction_runs".
// Publishing the same prefix twice reuses and resets the existing variables.
func NewMetrics(prefix string) *Metrics {
	return &Metrics{
		Runs:             publishExpvarInt(prefix + "_runs"),
		Failures:         publishExpvarInt(prefix + "_failures"),
		EntriesRead:      publishExpvarInt(prefix + "_entries_read"),
		EntriesWritten:   publishExpvarInt(prefix + "_entries_written"),
		EntriesDropped:   publishExpvarInt(prefix + "_entries_dropped"),
		MessagesRetained: publishExpvarInt(prefix + "_messages_retained"),
		LatencyMs:        publishExpvarInt(prefix + "_last_latency_ms"),
	}
}

// newLocalMetrics returns counters that are not published.
func newLocalMetrics() *Metrics {
	return &Metrics{
		Runs:             new(expvar.Int),
		Failures:         new(expvar.Int),
		EntriesRead:      new(expvar.Int),
		EntriesWritten:   new(expvar.Int),
		EntriesDropped:   new(expvar.Int),
		MessagesRetained: new(expvar.Int),
		LatencyMs:        new(expvar.Int),
	}
}

func (m *Metrics) record(stats *Stats, err error) {
	m.Runs.Add(1)
	if err != nil {
		m.Failures.Add(1)
	}
	m.EntriesRead.Add(int64(stats.EntriesRead))
	m.EntriesWritten.Add(int64(stats.EntriesWritten))
	m.EntriesDropped.Add(int64(stats.EntriesDropped))
	m.MessagesRetained.Add(int64(stats.MessagesRetained))
	m.LatencyMs.Set(stats.Duration.Milliseconds())
}

// publishExpvarInt safely publishes an expvar.Int.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}
