package resumer

import (
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// flightState is the lifecycle of one recording on this node.
type flightState int

const (
	flightOpen flightState = iota
	flightClosed
)

// flight is the per-conversation coordination point for an in-progress
// recording: offsets, refcounts and the cancel flag live here. All fields are
// guarded by mu; notify is closed and replaced on every mutation readers may
// wait on.
type flight struct {
	mu     sync.Mutex
	notify chan struct{}

	filePath string
	state    flightState

	// charOffset counts decoded characters (the external resume unit);
	// byteOffset counts file bytes (the internal tailing unit). byteOffset
	// is published only after the bytes are flushed, so a reader that
	// observes it is guaranteed to see them.
	charOffset int64
	byteOffset int64
	// finalCharOffset freezes charOffset when the recording closes.
	finalCharOffset int64

	writers         int
	readers         int
	cancelRequested bool
}

func newFlight(filePath string) *flight {
	return &flight{
		filePath: filePath,
		notify:   make(chan struct{}),
		writers:  1,
	}
}

// wake signals every waiter. Callers hold mu.
func (f *flight) wake() {
	close(f.notify)
	f.notify = make(chan struct{})
}

// waitCh returns the channel the next mutation will close.
func (f *flight) waitCh() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notify
}

// publish advances the offsets after a flushed write.
func (f *flight) publish(charDelta, byteDelta int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charOffset += charDelta
	f.byteOffset += byteDelta
	f.wake()
}

// markClosed freezes the final offset and releases the writer.
func (f *flight) markClosed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == flightClosed {
		return
	}
	f.state = flightClosed
	f.finalCharOffset = f.charOffset
	if f.writers > 0 {
		f.writers--
	}
	f.wake()
}

// requestCancel flips the cancel flag once.
func (f *flight) requestCancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelRequested {
		return
	}
	f.cancelRequested = true
	f.wake()
}

func (f *flight) cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelRequested
}

// snapshot returns the reader-visible state in one lock acquisition.
func (f *flight) snapshot() (byteOffset, finalCharOffset int64, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byteOffset, f.finalCharOffset, f.state == flightClosed
}

// closable reports whether the temp file can be deleted.
func (f *flight) closable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == flightClosed && f.readers == 0 && f.writers == 0
}

func (f *flight) addReader() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readers++
}

func (f *flight) removeReader() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readers > 0 {
		f.readers--
	}
}

// inflightRegistry is the process-wide map of recordings on this node.
type inflightRegistry struct {
	mu      sync.Mutex
	flights map[uuid.UUID]*flight
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{flights: make(map[uuid.UUID]*flight)}
}

func (r *inflightRegistry) get(id uuid.UUID) *flight {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flights[id]
}

// register installs a new flight. A previous entry for the same conversation
// is marked closed so its readers drain and terminate; the new recording
// takes over.
func (r *inflightRegistry) register(id uuid.UUID, fl *flight) {
	r.mu.Lock()
	prev := r.flights[id]
	r.flights[id] = fl
	r.mu.Unlock()
	if prev != nil {
		log.Warn().Str("conversationId", id.String()).
			Msg("replacing in-flight recording; previous entry closed")
		prev.markClosed()
	}
}

// cleanupIfPossible deletes the temp file and drops the entry once the flight
// has no writers or readers left.
func (r *inflightRegistry) cleanupIfPossible(id uuid.UUID, fl *flight) {
	if !fl.closable() {
		return
	}
	r.mu.Lock()
	if r.flights[id] == fl {
		delete(r.flights, id)
	}
	r.mu.Unlock()
	if err := os.Remove(fl.filePath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", fl.filePath).Msg("failed to remove response temp file")
	}
}

// cleanupClosedEntries sweeps every closable flight. Run periodically so
// entries whose readers vanished without cleanup do not pin temp files.
func (r *inflightRegistry) cleanupClosedEntries() {
	r.mu.Lock()
	type pair struct {
		id uuid.UUID
		fl *flight
	}
	var candidates []pair
	for id, fl := range r.flights {
		candidates = append(candidates, pair{id, fl})
	}
	r.mu.Unlock()
	for _, c := range candidates {
		r.cleanupIfPossible(c.id, c.fl)
	}
}
