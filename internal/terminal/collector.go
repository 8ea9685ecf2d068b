package terminal

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/specforge/specforge/internal/telemetry"
)

const (
	// MarkerPrefix starts the completion marker printed after an injected command.
	MarkerPrefix = "__SPECFORGE_EXIT_"
	// MarkerSuffix ends the completion marker.
	MarkerSuffix = "__"

	// DefaultCollectTimeout applies when Arm is given a non-positive timeout.
	DefaultCollectTimeout = 30 * time.Minute

	// markerScanOverlap bounds how far back into already-scanned bytes a new
	// scan must start so a marker split across chunks is still found.
	markerScanOverlap = 64
)

var markerPattern = regexp.MustCompile(regexp.QuoteMeta(MarkerPrefix) + `(\d+)` + regexp.QuoteMeta(MarkerSuffix))

var (
	// ErrSuperseded settles a collection replaced by a newer Arm on the same session.
	ErrSuperseded = errors.New("collector superseded")
	// ErrSessionExited settles a collection whose session ended before the marker arrived.
	ErrSessionExited = errors.New("session exited during collection")
	// ErrCollectTimeout settles a collection whose deadline passed.
	ErrCollectTimeout = errors.New("collector timed out")
	// ErrDisarmed settles a collection removed by Disarm.
	ErrDisarmed = errors.New("collector disarmed")
)

// MarkerCommand returns the shell snippet that prints the completion marker
// carrying the previous command's exit status.
func MarkerCommand() string {
	return "echo " + MarkerPrefix + "$?" + MarkerSuffix
}

// Completion is the result of a resolved collection.
type Completion struct {
	Output   string
	ExitCode int
}

// Collection is a one-shot wait for the completion marker on one session.
// It settles exactly once.
type Collection struct {
	sessionID string
	buf       bytes.Buffer
	scanned   int
	timer     *time.Timer
	done      chan struct{}
	settled   bool
	result    Completion
	err       error
	metrics   *telemetry.Metrics
}

func newCollection(sessionID string, metrics *telemetry.Metrics) *Collection {
	return &Collection{
		sessionID: sessionID,
		done:      make(chan struct{}),
		metrics:   metrics,
	}
}

// SessionID returns the session this collection watches.
func (c *Collection) SessionID() string {
	return c.sessionID
}

// Done is closed once the collection settles.
func (c *Collection) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the collection settles or ctx ends. A ctx error does not
// settle the collection; callers that give up should Disarm it.
func (c *Collection) Wait(ctx context.Context) (Completion, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

// feed appends chunk and reports whether the marker is now present. Callers
// hold the registry lock.
func (c *Collection) feed(chunk []byte) (Completion, bool) {
	if c.settled {
		return Completion{}, false
	}
	c.buf.Write(chunk)

	from := c.scanned - markerScanOverlap
	if from < 0 {
		from = 0
	}
	data := c.buf.Bytes()
	c.scanned = len(data)

	loc := markerPattern.FindSubmatchIndex(data[from:])
	if loc == nil {
		return Completion{}, false
	}
	code, err := strconv.Atoi(string(data[from+loc[2] : from+loc[3]]))
	if err != nil {
		code = -1
	}
	return Completion{Output: string(data[:from+loc[0]]), ExitCode: code}, true
}

// settle delivers the single outcome and releases the timer and buffer.
// Callers hold the registry lock. Later calls are ignored.
func (c *Collection) settle(result Completion, err error) bool {
	if c.settled {
		return false
	}
	c.settled = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.buf = bytes.Buffer{}
	c.result = result
	c.err = err
	close(c.done)
	c.metrics.CollectorSettled(outcomeLabel(err))
	return true
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeResolved
	case errors.Is(err, ErrCollectTimeout):
		return telemetry.OutcomeTimeout
	case errors.Is(err, ErrSessionExited):
		return telemetry.OutcomeSessionExited
	case errors.Is(err, ErrSuperseded):
		return telemetry.OutcomeSuperseded
	default:
		return telemetry.OutcomeDisarmed
	}
}
