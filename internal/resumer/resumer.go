package resumer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	tempFilePrefix = "response-resume-"
	tempFileSuffix = ".tokens"

	// replayWaitTick bounds how long a parked reader waits before
	// re-checking cancellation.
	replayWaitTick = time.Second
)

// Config tunes the resumer backend.
type Config struct {
	// TempDir holds the per-recording spill files; defaults to os.TempDir().
	TempDir string
	// TempFileRetention is the age past which leftover spill files found at
	// startup are deleted.
	TempFileRetention time.Duration
	// LocatorTTL is the registry key TTL; RefreshInterval must be smaller.
	LocatorTTL      time.Duration
	RefreshInterval time.Duration
	// AdvertisedAddress is this node's "host:port" fallback when a caller
	// does not supply one.
	AdvertisedAddress string
}

func (c *Config) withDefaults() {
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.TempFileRetention <= 0 {
		c.TempFileRetention = 24 * time.Hour
	}
	if c.LocatorTTL <= 0 {
		c.LocatorTTL = 30 * time.Second
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 10 * time.Second
	}
}

// Validate rejects configurations the refresh loop cannot keep alive.
func (c Config) Validate() error {
	if c.LocatorTTL > 0 && c.RefreshInterval >= c.LocatorTTL {
		return fmt.Errorf("locator refresh interval %s must be below locator ttl %s", c.RefreshInterval, c.LocatorTTL)
	}
	return nil
}

// Resumer owns this node's recordings and the shared locator registry view.
type Resumer struct {
	cfg      Config
	registry LocatorRegistry
	flights  *inflightRegistry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Resumer, sweeps stale spill files from previous runs and
// starts the periodic closed-entry cleanup.
func New(cfg Config, registry LocatorRegistry) (*Resumer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Resumer{
		cfg:      cfg,
		registry: registry,
		flights:  newInflightRegistry(),
		stop:     make(chan struct{}),
	}
	r.sweepStaleFiles()
	r.wg.Add(1)
	go r.sweepLoop()
	return r, nil
}

// Close stops the background sweeper. In-progress recordings keep their
// files; the next start sweeps them by age.
func (r *Resumer) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Resumer) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flights.cleanupClosedEntries()
		case <-r.stop:
			return
		}
	}
}

// sweepStaleFiles deletes spill files from dead processes.
func (r *Resumer) sweepStaleFiles() {
	entries, err := os.ReadDir(r.cfg.TempDir)
	if err != nil {
		log.Warn().Err(err).Str("dir", r.cfg.TempDir).Msg("cannot scan resume temp dir")
		return
	}
	cutoff := time.Now().Add(-r.cfg.TempFileRetention)
	for _, de := range entries {
		name := de.Name()
		if !strings.HasPrefix(name, tempFilePrefix) || !strings.HasSuffix(name, tempFileSuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(r.cfg.TempDir, name)
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("failed to remove stale resume file")
		} else {
			log.Info().Str("file", path).Msg("removed stale resume file")
		}
	}
}

// Enabled reports whether the locator registry is reachable; without it the
// resumer records locally but cannot redirect remote readers.
func (r *Resumer) Enabled(ctx context.Context) bool {
	return r.registry.Available(ctx)
}

// WaitUntilAvailable polls the registry with a fixed back-off until it
// responds or the timeout elapses.
func (r *Resumer) WaitUntilAvailable(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if r.registry.Available(ctx) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("locator registry unavailable after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// HasResponseInProgress reports whether any node is recording for the
// conversation.
func (r *Resumer) HasResponseInProgress(ctx context.Context, id uuid.UUID) bool {
	loc, err := r.registry.Get(ctx, id)
	return err == nil && loc != nil
}

// Check bulk-tests recording existence.
func (r *Resumer) Check(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	return r.registry.Check(ctx, ids)
}

// advertisedLocator resolves the node identity a new recording publishes.
func (r *Resumer) advertisedLocator(callerAddr, fileName string) Locator {
	addr := callerAddr
	if addr == "" {
		addr = r.cfg.AdvertisedAddress
	}
	if addr == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		addr = host
	}
	host, port := ParseAddress(addr)
	if port == 0 {
		log.Warn().Str("address", addr).
			Msg("recording with port 0: replays from other nodes cannot be redirected here")
	}
	return Locator{Host: host, Port: port, FileName: fileName}
}

// Recorder is the write side of one recording. Record and Complete are safe
// for concurrent producers; writes serialize on an internal lock.
type Recorder struct {
	res       *Resumer
	id        uuid.UUID
	fl        *flight
	file      *os.File
	writeMu   sync.Mutex
	completed atomic.Bool
	done      chan struct{}
}

// NewRecorder opens a recording for the conversation and publishes this
// node's locator. An existing recording for the same conversation is closed;
// its readers drain to the frozen final offset while the new locator wins.
func (r *Resumer) NewRecorder(ctx context.Context, id uuid.UUID, callerAddr string) (*Recorder, error) {
	f, err := os.CreateTemp(r.cfg.TempDir, tempFilePrefix+"*"+tempFileSuffix)
	if err != nil {
		return nil, fmt.Errorf("create spill file: %w", err)
	}
	fl := newFlight(f.Name())
	r.flights.register(id, fl)

	loc := r.advertisedLocator(callerAddr, filepath.Base(f.Name()))
	if err := r.registry.Put(ctx, id, loc, r.cfg.LocatorTTL); err != nil {
		// Degrade to local-only: recording continues, remote replays just
		// cannot find this node.
		log.Warn().Err(err).Str("conversationId", id.String()).
			Msg("locator publish failed; recording is local-only")
	}

	rec := &Recorder{res: r, id: id, fl: fl, file: f, done: make(chan struct{})}
	r.wg.Add(1)
	go rec.refreshLoop(loc)
	log.Info().Str("conversationId", id.String()).Str("file", f.Name()).
		Str("node", loc.Address()).Msg("response recording started")
	return rec, nil
}

// refreshLoop keeps the locator alive while recording. Re-putting instead of
// just extending the TTL heals keys that expired during a registry outage.
func (rec *Recorder) refreshLoop(loc Locator) {
	defer rec.res.wg.Done()
	ticker := time.NewTicker(rec.res.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			err := rec.res.registry.Put(ctx, rec.id, loc, rec.res.cfg.LocatorTTL)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("conversationId", rec.id.String()).
					Msg("locator refresh failed; retrying next tick")
			}
		case <-rec.done:
			return
		case <-rec.res.stop:
			return
		}
	}
}

// Record appends one token. Empty tokens and calls after Complete are
// absorbed silently. The byte offset is published only after the write
// returns, so readers observing it will find the bytes in the file.
func (rec *Recorder) Record(token string) error {
	if token == "" || rec.completed.Load() {
		return nil
	}
	rec.writeMu.Lock()
	defer rec.writeMu.Unlock()
	if rec.completed.Load() {
		return nil
	}
	if _, err := rec.file.WriteString(token); err != nil {
		return fmt.Errorf("append token: %w", err)
	}
	rec.fl.publish(int64(utf8.RuneCountInString(token)), int64(len(token)))
	return nil
}

// Complete closes the recording: the final offset freezes, the locator is
// removed and the spill file is deleted once the last reader finishes.
// Subsequent calls are no-ops.
func (rec *Recorder) Complete(ctx context.Context) error {
	if !rec.completed.CompareAndSwap(false, true) {
		return nil
	}
	close(rec.done)
	rec.writeMu.Lock()
	err := rec.file.Close()
	rec.writeMu.Unlock()
	rec.fl.markClosed()
	if derr := rec.res.registry.Delete(ctx, rec.id); derr != nil {
		log.Warn().Err(derr).Str("conversationId", rec.id.String()).
			Msg("locator delete failed; key expires by ttl")
	}
	rec.res.flights.cleanupIfPossible(rec.id, rec.fl)
	log.Info().Str("conversationId", rec.id.String()).Msg("response recording completed")
	return err
}

// CancelStream returns a single-emission channel that delivers one value
// when cancellation is requested for the recording (immediately if it
// already was) and then closes. Recorders wire this to their upstream token
// producer.
func (r *Resumer) CancelStream(ctx context.Context, id uuid.UUID) <-chan struct{} {
	ch := make(chan struct{}, 1)
	fl := r.flights.get(id)
	if fl == nil {
		close(ch)
		return ch
	}
	go func() {
		defer close(ch)
		for {
			w := fl.waitCh()
			if fl.cancelled() {
				ch <- struct{}{}
				return
			}
			select {
			case <-w:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// RequestCancel asks the node hosting the recording to stop producing. A
// non-local recording yields a RedirectError carrying the owning node.
func (r *Resumer) RequestCancel(ctx context.Context, id uuid.UUID, callerAddr string) error {
	loc, err := r.registry.Get(ctx, id)
	if err != nil {
		log.Warn().Err(err).Msg("locator lookup failed; trying local cancel")
		loc = nil
	}
	if loc != nil && callerAddr != "" && !loc.SameNode(callerAddr) {
		return &RedirectError{Target: loc.Address()}
	}
	fl := r.flights.get(id)
	if fl == nil {
		return nil
	}
	fl.requestCancel()
	log.Info().Str("conversationId", id.String()).Msg("response cancel requested")
	return nil
}

// Replay tails the recording from resumeChars (a character offset; 0 replays
// everything). The returned channel is lazy, single-subscriber and closes
// when the recording completes and all bytes are drained; cancel via ctx. A
// recording hosted elsewhere yields a RedirectError; no recording yields an
// immediately-closed channel.
func (r *Resumer) Replay(ctx context.Context, id uuid.UUID, callerAddr string, resumeChars int64) (<-chan string, error) {
	loc, err := r.registry.Get(ctx, id)
	if err != nil {
		log.Warn().Err(err).Msg("locator lookup failed; trying local replay")
		loc = nil
	}
	if loc != nil && callerAddr != "" && !loc.SameNode(callerAddr) {
		return nil, &RedirectError{Target: loc.Address()}
	}
	fl := r.flights.get(id)
	if fl == nil {
		ch := make(chan string)
		close(ch)
		return ch, nil
	}
	f, err := os.Open(fl.filePath)
	if err != nil {
		return nil, fmt.Errorf("open spill file: %w", err)
	}
	fl.addReader()
	ch := make(chan string)
	go r.replayLoop(ctx, id, fl, f, resumeChars, ch)
	return ch, nil
}

func (r *Resumer) replayLoop(ctx context.Context, id uuid.UUID, fl *flight, f *os.File, resumeChars int64, ch chan<- string) {
	defer func() {
		close(ch)
		f.Close()
		fl.removeReader()
		r.flights.cleanupIfPossible(id, fl)
	}()

	var readBytes int64
	if resumeChars > 0 {
		skipped, err := skipChars(f, fl, resumeChars)
		if err != nil {
			log.Warn().Err(err).Str("conversationId", id.String()).Msg("resume seek failed")
			return
		}
		readBytes = skipped
	}

	for {
		// Grab the wait channel before the snapshot so a publish between the
		// two cannot be missed.
		w := fl.waitCh()
		byteOff, _, closed := fl.snapshot()

		if byteOff > readBytes {
			buf := make([]byte, byteOff-readBytes)
			if _, err := io.ReadFull(f, buf); err != nil {
				log.Warn().Err(err).Str("conversationId", id.String()).Msg("replay read failed")
				return
			}
			readBytes = byteOff
			select {
			case ch <- string(buf):
			case <-ctx.Done():
				return
			}
			continue
		}
		if closed && readBytes >= byteOff {
			return
		}
		select {
		case <-w:
		case <-ctx.Done():
			return
		case <-time.After(replayWaitTick):
		}
	}
}

// skipChars advances f past the first n characters of the published bytes
// and returns the byte offset reached. Token writes are whole UTF-8 strings,
// so published byte offsets never split a rune.
func skipChars(f *os.File, fl *flight, n int64) (int64, error) {
	byteOff, _, _ := fl.snapshot()
	buf := make([]byte, byteOff)
	if _, err := io.ReadFull(f, buf); err != nil {
		return 0, err
	}
	var chars, off int64
	for off < int64(len(buf)) {
		if chars >= n {
			break
		}
		_, size := utf8.DecodeRune(buf[off:])
		off += int64(size)
		chars++
	}
	// Rewind to the computed position; the sequential reads that follow
	// continue from here.
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return off, nil
}
