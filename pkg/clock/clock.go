// Package clock abstracts the wall clock so tests can drive time
// deterministically. All timestamps in the service are seconds since the
// unix epoch as float64, matching the wire and storage formats.
package clock

import (
	"sync"
	"time"
)

// MaxClientSkew bounds how far a client-supplied timestamp may diverge from
// the server clock before it is discarded in favor of the server's.
const MaxClientSkew = 300.0

type Clock interface {
	// Now returns the current time in seconds since the unix epoch.
	Now() float64
}

// Real reads the system clock.
type Real struct{}

func (Real) Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Virtual is a settable clock for tests.
type Virtual struct {
	mtx sync.Mutex
	now float64
}

func NewVirtual(now float64) *Virtual {
	return &Virtual{now: now}
}

func (v *Virtual) Now() float64 {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	return v.now
}

func (v *Virtual) Advance(seconds float64) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	v.now += seconds
}

func (v *Virtual) Set(now float64) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	v.now = now
}

// Reconcile returns the client-supplied timestamp when it is within
// MaxClientSkew of the server's view, otherwise the server's. Clients report
// their own clock to keep per-trace timestamps self-consistent across hosts.
func Reconcile(server, client float64) float64 {
	if client > 0 && abs(server-client) < MaxClientSkew {
		return client
	}
	return server
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
