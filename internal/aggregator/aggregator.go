// Package aggregator turns streaming transcript events into stable text
// chunks. One goroutine owns all per-speaker state; timers only post
// messages back into that goroutine.
package aggregator

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/metrics"
)

// Config holds the trigger policy.
type Config struct {
	// InactivityTimeout releases pending text when no delta arrives in time.
	InactivityTimeout time.Duration
	// WordThreshold releases pending text once this many words accumulated.
	WordThreshold int
	// LocalSegments is how many sealed segments of the same speaker form
	// the local context.
	LocalSegments int
	// GlobalWindow bounds the age of segments in the global context.
	GlobalWindow   time.Duration
	GlobalMaxChars int
	HistorySize    int
}

// DefaultConfig returns the default trigger policy.
func DefaultConfig() Config {
	return Config{
		InactivityTimeout: 800 * time.Millisecond,
		WordThreshold:     12,
		LocalSegments:     2,
		GlobalWindow:      30 * time.Second,
		GlobalMaxChars:    1000,
		HistorySize:       20,
	}
}

type segment struct {
	id           string
	speaker      domain.Speaker
	text         string
	emittedWords int
	startedAt    time.Time
	timer        *time.Timer
	gen          uint64
}

type sealedSegment struct {
	id      string
	speaker domain.Speaker
	text    string
	at      time.Time
}

// maxClosed bounds how many sealed segment IDs are remembered for late
// completions.
const maxClosed = 32

type timerFire struct {
	speaker domain.Speaker
	gen     uint64
}

// Aggregator maintains the open segment of each speaker plus a short history
// of sealed segments, and emits a TextChunk whenever one of the competing
// triggers (completed, inactivity, word count) fires.
type Aggregator struct {
	cfg    Config
	out    chan<- domain.TextChunk
	logger *slog.Logger
	now    func() time.Time

	open    map[domain.Speaker]*segment
	history []sealedSegment
	// closed maps recently sealed segment IDs to the number of words
	// already released for them.
	closed      map[string]int
	closedOrder []string
	gen     uint64
	fires   chan timerFire
	done    chan struct{}
}

// New creates an aggregator writing chunks to out.
func New(cfg Config, out chan<- domain.TextChunk, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.WordThreshold <= 0 {
		cfg.WordThreshold = def.WordThreshold
	}
	if cfg.LocalSegments <= 0 {
		cfg.LocalSegments = def.LocalSegments
	}
	if cfg.GlobalWindow <= 0 {
		cfg.GlobalWindow = def.GlobalWindow
	}
	if cfg.GlobalMaxChars <= 0 {
		cfg.GlobalMaxChars = def.GlobalMaxChars
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	return &Aggregator{
		cfg:    cfg,
		out:    out,
		logger: logger,
		now:    time.Now,
		open:   make(map[domain.Speaker]*segment),
		closed: make(map[string]int),
		fires:  make(chan timerFire, 8),
		done:   make(chan struct{}),
	}
}

// Run consumes transcript events until ctx is cancelled or in is closed.
// All pending timers are stopped before it returns.
func (a *Aggregator) Run(ctx context.Context, in <-chan domain.TranscriptEvent) error {
	defer a.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if err := a.handle(ctx, ev); err != nil {
				return nil
			}
		case f := <-a.fires:
			if err := a.handleFire(ctx, f); err != nil {
				return nil
			}
		}
	}
}

func (a *Aggregator) handle(ctx context.Context, ev domain.TranscriptEvent) error {
	if ev.Kind == domain.TranscriptCompletedKind {
		return a.handleCompleted(ctx, ev)
	}
	return a.handleDelta(ctx, ev)
}

func (a *Aggregator) handleDelta(ctx context.Context, ev domain.TranscriptEvent) error {
	if _, ok := a.closed[ev.SegmentID]; ok {
		a.logger.Debug("[AGG] Dropping delta for sealed segment", "speaker", ev.Speaker, "segment_id", ev.SegmentID)
		return nil
	}
	seg := a.open[ev.Speaker]
	if seg != nil && seg.id != ev.SegmentID {
		// A new utterance from the same speaker seals the previous one.
		if err := a.seal(ctx, seg, seg.text); err != nil {
			return err
		}
		seg = nil
	}
	if seg == nil {
		seg = a.openSegment(ev)
	}

	seg.text += ev.Text

	words := strings.Fields(seg.text)
	if len(words)-seg.emittedWords >= a.cfg.WordThreshold {
		a.disarm(seg)
		text := strings.Join(words[seg.emittedWords:], " ")
		seg.emittedWords = len(words)
		return a.emit(ctx, seg.speaker, seg.id, text, strings.Join(words, " "), domain.TriggerWordCount)
	}

	a.arm(seg)
	return nil
}

func (a *Aggregator) handleCompleted(ctx context.Context, ev domain.TranscriptEvent) error {
	if released, ok := a.closed[ev.SegmentID]; ok {
		return a.lateCompletion(ctx, ev, released)
	}
	seg := a.open[ev.Speaker]
	if seg != nil && seg.id != ev.SegmentID {
		if err := a.seal(ctx, seg, seg.text); err != nil {
			return err
		}
		seg = nil
	}
	if seg == nil {
		seg = a.openSegment(ev)
	}
	return a.seal(ctx, seg, ev.Text)
}

// seal closes a segment with its final text and emits whatever part of it
// was not already released by an earlier trigger.
func (a *Aggregator) seal(ctx context.Context, seg *segment, final string) error {
	a.disarm(seg)
	delete(a.open, seg.speaker)

	final = strings.TrimSpace(final)
	words := strings.Fields(final)
	var text string
	switch {
	case seg.emittedWords == 0:
		text = final
	case seg.emittedWords < len(words):
		text = strings.Join(words[seg.emittedWords:], " ")
	}
	a.markClosed(seg.id, max(seg.emittedWords, len(words)))

	var err error
	if text != "" {
		err = a.emit(ctx, seg.speaker, seg.id, text, final, domain.TriggerCompleted)
	}

	if final != "" {
		a.history = append(a.history, sealedSegment{id: seg.id, speaker: seg.speaker, text: final, at: a.now()})
		if len(a.history) > a.cfg.HistorySize {
			a.history = a.history[len(a.history)-a.cfg.HistorySize:]
		}
	}
	return err
}

// lateCompletion handles a completion for a segment that was already sealed
// because the speaker's next utterance started streaming first. Only words
// beyond those already released are emitted; the history entry takes the
// final text.
func (a *Aggregator) lateCompletion(ctx context.Context, ev domain.TranscriptEvent, released int) error {
	final := strings.TrimSpace(ev.Text)
	words := strings.Fields(final)
	for i := len(a.history) - 1; i >= 0 && final != ""; i-- {
		if a.history[i].id == ev.SegmentID {
			a.history[i].text = final
			break
		}
	}
	if len(words) <= released {
		return nil
	}
	a.closed[ev.SegmentID] = len(words)
	return a.emit(ctx, ev.Speaker, ev.SegmentID, strings.Join(words[released:], " "), final, domain.TriggerCompleted)
}

func (a *Aggregator) markClosed(id string, released int) {
	if _, ok := a.closed[id]; !ok {
		a.closedOrder = append(a.closedOrder, id)
		if len(a.closedOrder) > maxClosed {
			delete(a.closed, a.closedOrder[0])
			a.closedOrder = a.closedOrder[1:]
		}
	}
	a.closed[id] = released
}

func (a *Aggregator) handleFire(ctx context.Context, f timerFire) error {
	seg := a.open[f.speaker]
	if seg == nil || seg.gen != f.gen {
		// Superseded by a later delta or by the completion.
		return nil
	}
	seg.timer = nil

	words := strings.Fields(seg.text)
	if len(words) <= seg.emittedWords {
		return nil
	}
	text := strings.Join(words[seg.emittedWords:], " ")
	seg.emittedWords = len(words)
	return a.emit(ctx, seg.speaker, seg.id, text, strings.Join(words, " "), domain.TriggerInactivity)
}

func (a *Aggregator) openSegment(ev domain.TranscriptEvent) *segment {
	started := ev.Timestamp
	if started.IsZero() {
		started = a.now()
	}
	seg := &segment{id: ev.SegmentID, speaker: ev.Speaker, startedAt: started}
	a.open[ev.Speaker] = seg
	return seg
}

func (a *Aggregator) arm(seg *segment) {
	a.disarm(seg)
	a.gen++
	seg.gen = a.gen
	fire := timerFire{speaker: seg.speaker, gen: seg.gen}
	seg.timer = time.AfterFunc(a.cfg.InactivityTimeout, func() {
		select {
		case a.fires <- fire:
		case <-a.done:
		}
	})
}

func (a *Aggregator) disarm(seg *segment) {
	if seg.timer != nil {
		seg.timer.Stop()
		seg.timer = nil
	}
	// Invalidate a fire that may already be queued.
	a.gen++
	seg.gen = a.gen
}

func (a *Aggregator) emit(ctx context.Context, speaker domain.Speaker, segmentID, text, utterance string, trigger domain.Trigger) error {
	chunk := domain.TextChunk{
		Speaker:       speaker,
		SegmentID:     segmentID,
		Text:          text,
		Utterance:     utterance,
		Trigger:       trigger,
		LocalContext:  a.localContext(speaker),
		GlobalContext: a.globalContext(),
		Timestamp:     a.now(),
	}
	metrics.ChunksEmitted.WithLabelValues(string(trigger)).Inc()
	a.logger.Debug("[AGG] Chunk ready", "speaker", speaker, "segment_id", segmentID, "trigger", trigger, "words", len(strings.Fields(text)))

	select {
	case a.out <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// localContext joins the last sealed segments of one speaker.
func (a *Aggregator) localContext(speaker domain.Speaker) string {
	var parts []string
	for i := len(a.history) - 1; i >= 0 && len(parts) < a.cfg.LocalSegments; i-- {
		if a.history[i].speaker == speaker {
			parts = append(parts, a.history[i].text)
		}
	}
	slices.Reverse(parts)
	return strings.Join(parts, " ")
}

// globalContext renders recent dialogue across both speakers, newest lines
// kept first when the character budget runs out.
func (a *Aggregator) globalContext() string {
	cutoff := a.now().Add(-a.cfg.GlobalWindow)
	var lines []string
	total := 0
	for i := len(a.history) - 1; i >= 0; i-- {
		h := a.history[i]
		if h.at.Before(cutoff) {
			break
		}
		line := "[" + string(h.speaker) + "] " + h.text
		if total+len(line) > a.cfg.GlobalMaxChars {
			break
		}
		lines = append(lines, line)
		total += len(line)
	}
	slices.Reverse(lines)
	return strings.Join(lines, "\n")
}

func (a *Aggregator) stop() {
	close(a.done)
	for _, seg := range a.open {
		a.disarm(seg)
	}
}
