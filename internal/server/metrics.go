package server

// Recorder is the sink for admission metrics. Implementations bridge to
// whatever metrics backend the embedding application runs.
type Recorder interface {
	// Add increments a counter.
	Add(name string, value float64, tags map[string]string)
	// Observe records a sample in a distribution (latencies, sizes).
	Observe(name string, value float64, tags map[string]string)
}

// NoopRecorder discards everything. Having it as the default keeps nil
// checks out of the request path.
type NoopRecorder struct{}

func (NoopRecorder) Add(string, float64, map[string]string)     {}
func (NoopRecorder) Observe(string, float64, map[string]string) {}
