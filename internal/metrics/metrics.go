package metrics

type Counter interface {
	Inc()
}

// LabeledGauge is a gauge partitioned by symbol.
type LabeledGauge interface {
	Set(label string, value float64)
}

type Metrics struct {
	Ticks              Counter
	TicksDeferred      Counter
	FetchFailures      Counter
	BreakerTrips       Counter
	EntriesCommitted   Counter
	ExitsCommitted     Counter
	ExecutionsAborted  Counter
	PartialFailures    Counter
	CompensationFailed Counter
	Unverified         Counter

	Premium       LabeledGauge
	ZScore        LabeledGauge
	OpenPositions LabeledGauge
	Exposure      LabeledGauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(string, float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		Ticks:              n,
		TicksDeferred:      n,
		FetchFailures:      n,
		BreakerTrips:       n,
		EntriesCommitted:   n,
		ExitsCommitted:     n,
		ExecutionsAborted:  n,
		PartialFailures:    n,
		CompensationFailed: n,
		Unverified:         n,
		Premium:            g,
		ZScore:             g,
		OpenPositions:      g,
		Exposure:           g,
	}
}
