package background

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestHealthProberProbesOnlyReadyProviders(t *testing.T) {
	ready := &fakeSweepable{id: "ready", state: "READY", healthy: true}
	cold := &fakeSweepable{id: "cold", state: "COLD", healthy: true}
	lister := &fakeLister{providers: []Sweepable{ready, cold}}
	events := &fakeEventSink{}

	p := NewHealthProber(lister, 10*time.Millisecond, time.Second, zerolog.Nop(), events)
	p.Start()
	defer p.Stop()

	assert.Eventually(t, func() bool {
		return ready.healthHits.Load() >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), cold.healthHits.Load())
	assert.Eventually(t, func() bool { return events.count("health_check") >= 1 }, time.Second, 5*time.Millisecond)
}

func TestHealthProberSurvivesPanicInOneProvider(t *testing.T) {
	panicker := &fakeSweepable{id: "bad", state: "READY", panicOn: "health"}
	fine := &fakeSweepable{id: "good", state: "READY", healthy: true}
	lister := &fakeLister{providers: []Sweepable{panicker, fine}}

	p := NewHealthProber(lister, 10*time.Millisecond, time.Second, zerolog.Nop(), nil)
	p.Start()
	defer p.Stop()

	assert.Eventually(t, func() bool {
		return fine.healthHits.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}
