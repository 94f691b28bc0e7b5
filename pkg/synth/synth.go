// Package synth generates labelled security events for demos, tests and
// offline evaluation.
package synth

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/eventguard/pkg/event"
)

// Epoch is the Monday all generated timestamps are offset from.
var Epoch = time.Date(2025, time.January, 6, 0, 0, 0, 0, time.UTC)

var (
	normalTypes  = []string{"login", "file_access", "network_request"}
	anomalyTypes = []string{"suspicious_login", "data_exfiltration", "privilege_escalation"}
)

// Dataset holds generated events and whether each one is anomalous.
type Dataset struct {
	Events []event.SecurityEvent
	Labels []bool
}

// Anomalies counts the anomalous events.
func (d Dataset) Anomalies() int {
	n := 0
	for _, l := range d.Labels {
		if l {
			n++
		}
	}
	return n
}

// Generator draws events from a seeded source.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator returns a Generator; equal seeds yield equal sequences.
func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Normal returns a business-hours weekday event from the internal network:
// mostly successful, ~200ms responses, ~1KiB transfers.
func (g *Generator) Normal() event.SecurityEvent {
	e := event.SecurityEvent{
		ID:               g.id(),
		UserID:           fmt.Sprintf("user_%d", 1+g.rng.Intn(99)),
		SourceIP:         fmt.Sprintf("192.168.1.%d", 1+g.rng.Intn(254)),
		EventType:        normalTypes[g.rng.Intn(len(normalTypes))],
		Success:          g.rng.Float64() < 0.9,
		ResponseTime:     g.normal(0.2, 0.05),
		BytesTransferred: int64(g.normal(1024, 256)),
	}
	return e.WithTime(g.at(g.rng.Intn(5), 8+g.rng.Intn(10)))
}

// Anomaly returns an event from an external address at any hour, usually
// failing, slow and moving a lot of data.
func (g *Generator) Anomaly() event.SecurityEvent {
	e := event.SecurityEvent{
		ID:               g.id(),
		UserID:           fmt.Sprintf("user_%d", 1+g.rng.Intn(99)),
		SourceIP:         fmt.Sprintf("10.0.0.%d", 1+g.rng.Intn(254)),
		EventType:        anomalyTypes[g.rng.Intn(len(anomalyTypes))],
		Success:          g.rng.Float64() < 0.3,
		ResponseTime:     g.normal(2, 1),
		BytesTransferred: int64(g.normal(10000, 5000)),
	}
	return e.WithTime(g.at(g.rng.Intn(7), g.rng.Intn(24)))
}

// Generate returns n shuffled events of which round(n*anomalyRatio) are anomalous.
func Generate(n int, anomalyRatio float64, seed int64) Dataset {
	g := NewGenerator(seed)
	anomalies := int(math.Round(float64(n) * math.Min(math.Max(anomalyRatio, 0), 1)))

	ds := Dataset{
		Events: make([]event.SecurityEvent, n),
		Labels: make([]bool, n),
	}
	for i := 0; i < n; i++ {
		if i < anomalies {
			ds.Events[i], ds.Labels[i] = g.Anomaly(), true
		} else {
			ds.Events[i] = g.Normal()
		}
	}
	g.rng.Shuffle(n, func(i, j int) {
		ds.Events[i], ds.Events[j] = ds.Events[j], ds.Events[i]
		ds.Labels[i], ds.Labels[j] = ds.Labels[j], ds.Labels[i]
	})
	return ds
}

// normal draws from N(mean, std) truncated at zero.
func (g *Generator) normal(mean, std float64) float64 {
	return math.Max(0, mean+std*g.rng.NormFloat64())
}

func (g *Generator) at(day, hour int) time.Time {
	week := g.rng.Intn(4)
	minute := g.rng.Intn(60)
	return Epoch.AddDate(0, 0, 7*week+day).
		Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func (g *Generator) id() string {
	id, err := uuid.NewRandomFromReader(g.rng)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
