// Package session runs one client connection: it buffers inbound audio,
// commits utterances at end of speech, and drives each utterance through
// transcription, correction, the dialogue roster, and synthesis before
// streaming the reply back as packetized audio and JSON events.
//
// A [Controller] owns two loops. The inbound loop ([Controller.HandleFrame],
// [Controller.HandleControl]) only decodes frames and feeds the
// [voice.SignalBuffer]; it never waits on a provider. The outbound loop
// ([Controller.Run]) waits on the end-of-speech gate and processes one
// utterance at a time, so conversation history has a single writer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/carevox/internal/conversation"
	"github.com/MrWong99/carevox/internal/dialogue"
	"github.com/MrWong99/carevox/internal/journal"
	"github.com/MrWong99/carevox/internal/observe"
	"github.com/MrWong99/carevox/internal/transcript/correct"
	"github.com/MrWong99/carevox/internal/voice"
	"github.com/MrWong99/carevox/pkg/audio"
	"github.com/MrWong99/carevox/pkg/provider/stt"
	"github.com/MrWong99/carevox/pkg/provider/tts"
)

// Apology is spoken for a turn that failed outside the dialogue engine.
const Apology = "I'm sorry, I'm having trouble processing your request. Please try again."

// journalTimeout bounds a journal write after the turn has finished.
const journalTimeout = 3 * time.Second

// ─── Config ───────────────────────────────────────────────────────────────────

// Config tunes a Controller. Use [DefaultConfig] as the starting point; zero
// fields passed to [WithConfig] are replaced by the defaults.
type Config struct {
	FlushThreshold     int
	SilenceThreshold   float64
	MaxSilenceRun      int
	MaxUtterance       time.Duration
	FrameFloor         float64
	PacketSize         int
	MinTranscriptChars int
	ConfidenceGate     float64

	GateWait          time.Duration
	TranscribeTimeout time.Duration
	CorrectTimeout    time.Duration
	DialogueTimeout   time.Duration

	AdvancedSTT stt.Config
	DegradedSTT stt.Config

	// DefaultAgent starts every conversation. Empty uses the runner's roster
	// default.
	DefaultAgent string
}

// AdvancedSTTPrompt biases recognition toward careful clinical transcription.
const AdvancedSTTPrompt = "You are an advanced speech-to-text transcription AI. " +
	"Accurately transcribe spoken English audio into written text with proper grammar and punctuation, " +
	"preserving the speaker's intent. Handle different accents and background noise. " +
	"If the audio is unclear, mark uncertain words as [inaudible] or [unclear] instead of guessing."

// DefaultConfig returns the tuning used when nothing is configured.
func DefaultConfig() Config {
	zero := 0.0
	return Config{
		FlushThreshold:     voice.DefaultFlushThreshold,
		SilenceThreshold:   voice.DefaultSilenceThreshold,
		MaxSilenceRun:      voice.DefaultMaxSilenceRun,
		MaxUtterance:       30 * time.Second,
		FrameFloor:         50,
		PacketSize:         voice.DefaultPacketSize,
		MinTranscriptChars: 2,
		ConfidenceGate:     correct.DefaultGate,
		GateWait:           time.Second,
		TranscribeTimeout:  20 * time.Second,
		CorrectTimeout:     10 * time.Second,
		DialogueTimeout:    60 * time.Second,
		AdvancedSTT: stt.Config{
			Prompt:   AdvancedSTTPrompt,
			Language: "en-US",
			TurnDetection: &stt.TurnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 200,
			},
			Temperature: &zero,
		},
		DegradedSTT: stt.Config{
			Language:      "hi",
			TurnDetection: &stt.TurnDetection{Type: "server_vad"},
		},
	}
}

// withDefaults fills zero fields of c from [DefaultConfig].
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = d.FlushThreshold
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = d.SilenceThreshold
	}
	if c.MaxSilenceRun <= 0 {
		c.MaxSilenceRun = d.MaxSilenceRun
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = d.MaxUtterance
	}
	if c.FrameFloor <= 0 {
		c.FrameFloor = d.FrameFloor
	}
	if c.PacketSize <= 0 {
		c.PacketSize = d.PacketSize
	}
	if c.MinTranscriptChars <= 0 {
		c.MinTranscriptChars = d.MinTranscriptChars
	}
	if c.ConfidenceGate <= 0 {
		c.ConfidenceGate = d.ConfidenceGate
	}
	if c.GateWait <= 0 {
		c.GateWait = d.GateWait
	}
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = d.TranscribeTimeout
	}
	if c.CorrectTimeout <= 0 {
		c.CorrectTimeout = d.CorrectTimeout
	}
	if c.DialogueTimeout <= 0 {
		c.DialogueTimeout = d.DialogueTimeout
	}
	if isZeroSTT(c.AdvancedSTT) {
		c.AdvancedSTT = d.AdvancedSTT
	}
	if isZeroSTT(c.DegradedSTT) {
		c.DegradedSTT = d.DegradedSTT
	}
	return c
}

// maxUtteranceSamples converts MaxUtterance to samples, never less than one
// flush.
func (c Config) maxUtteranceSamples() int {
	return max(int(c.MaxUtterance.Seconds()*audio.SampleRate), c.FlushThreshold)
}

func isZeroSTT(c stt.Config) bool {
	return c.Prompt == "" && c.Language == "" && c.TurnDetection == nil && c.Temperature == nil
}

// ─── Deps ─────────────────────────────────────────────────────────────────────

// Corrector is the transcript correction stage. [correct.Corrector]
// satisfies it.
type Corrector interface {
	Correct(ctx context.Context, raw string, history []conversation.Turn) correct.Result
}

// DialogueRunner starts dialogue turns. [dialogue.Runner] satisfies it.
type DialogueRunner interface {
	Run(ctx context.Context, agent string, history []conversation.Turn) (*dialogue.Turn, error)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Transcriber stt.Provider
	Corrector   Corrector
	Runner      DialogueRunner
	Synthesizer tts.Provider
	Voice       tts.VoiceProfile

	// Journal records committed turns. Nil disables journaling.
	Journal journal.Writer

	// Metrics is optional.
	Metrics *observe.Metrics
}

// ─── Controller ───────────────────────────────────────────────────────────────

// Option configures a Controller.
type Option func(*Controller)

// WithConfig replaces the default tuning.
func WithConfig(cfg Config) Option {
	return func(c *Controller) {
		c.cfg = cfg
	}
}

// WithSessionID sets the session identifier. Default: a random UUID.
func WithSessionID(id string) Option {
	return func(c *Controller) {
		c.id = id
	}
}

// WithLogger sets the base logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.log = l
	}
}

// Controller runs a single client session. Create one per connection with
// [New]; it must not be reused after [Controller.Run] returns.
type Controller struct {
	id   string
	cfg  Config
	deps Deps
	sink EventSink
	log  *slog.Logger

	conv    *conversation.State
	buffer  *voice.SignalBuffer
	packets *voice.Packetizer

	// Chunks forwarded by the buffer, waiting for the outbound loop.
	qmu      sync.Mutex
	queue    [][]int16
	queueLen int
	speech   bool
	full     bool

	stmu  sync.Mutex
	state State

	// seq is only touched by the outbound loop.
	seq int
}

// New returns a Controller that writes its output to sink.
func New(deps Deps, sink EventSink, opts ...Option) *Controller {
	c := &Controller{
		cfg:  DefaultConfig(),
		deps: deps,
		sink: sink,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.deps.Journal == nil {
		c.deps.Journal = journal.Nop{}
	}
	c.cfg = c.cfg.withDefaults()
	c.log = c.log.With("session_id", c.id)

	agent := c.cfg.DefaultAgent
	if agent == "" {
		if r, ok := deps.Runner.(interface{ Roster() *dialogue.Roster }); ok {
			agent = r.Roster().Default()
		}
	}
	c.conv = conversation.New(agent, conversation.WithLogger(c.log))
	c.buffer = voice.NewSignalBuffer(c.enqueue,
		voice.WithFlushThreshold(c.cfg.FlushThreshold),
		voice.WithSilenceThreshold(c.cfg.SilenceThreshold),
		voice.WithMaxSilenceRun(c.cfg.MaxSilenceRun),
	)
	c.packets = voice.NewPacketizer(c.cfg.PacketSize)
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// Conversation returns the session's conversation state.
func (c *Controller) Conversation() *conversation.State { return c.conv }

// State returns the current pipeline phase.
func (c *Controller) State() State {
	c.stmu.Lock()
	defer c.stmu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.stmu.Lock()
	prev := c.state
	c.state = s
	c.stmu.Unlock()
	if prev != s {
		c.log.Debug("session: state change", "from", prev, "to", s)
	}
}

// ─── Inbound ──────────────────────────────────────────────────────────────────

// HandleFrame ingests one binary frame of PCM16 audio. Frames whose mean
// absolute amplitude is below the configured floor are dropped.
func (c *Controller) HandleFrame(ctx context.Context, data []byte) {
	samples := audio.DecodePCM16(data)
	if len(samples) == 0 {
		c.dropFrame(ctx, "empty")
		return
	}
	if audio.MeanAbs(samples) < c.cfg.FrameFloor {
		c.dropFrame(ctx, "low_energy")
		return
	}
	c.buffer.Add(samples)
}

func (c *Controller) dropFrame(ctx context.Context, reason string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordDroppedFrame(ctx, reason)
	}
}

// controlMessage is the inbound JSON text frame.
type controlMessage struct {
	Type string `json:"type"`
}

// HandleControl handles one text frame. Only {"type":"end_of_speech"} is
// recognised; anything else is logged and ignored. The returned error comes
// from the sink and means the client is gone.
func (c *Controller) HandleControl(ctx context.Context, data []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug("session: ignoring non-JSON text frame", "len", len(data))
		return nil
	}
	switch msg.Type {
	case "end_of_speech":
		c.buffer.SignalEndOfSpeech()
		return c.sink.Notify(ctx, lifecycleEvent(LifecycleProcessingSpeech))
	default:
		c.log.Debug("session: ignoring control message", "type", msg.Type)
		return nil
	}
}

// enqueue receives chunks forwarded by the signal buffer. The queue never
// holds much more than MaxUtterance: reaching it with speech queued fires the
// current gate so the outbound loop commits the utterance, and chunks arriving
// before that commit is taken are dropped. Without speech the oldest noise is
// discarded instead.
func (c *Controller) enqueue(chunk []int16) {
	limit := c.cfg.maxUtteranceSamples()

	c.qmu.Lock()
	if c.full {
		c.qmu.Unlock()
		c.dropFrame(context.Background(), "utterance_overflow")
		return
	}
	c.queue = append(c.queue, chunk)
	c.queueLen += len(chunk)
	if audio.MeanAbs(chunk) >= c.cfg.SilenceThreshold {
		c.speech = true
	}
	commit := false
	if c.queueLen >= limit {
		if c.speech {
			c.full = true
			commit = true
		} else {
			c.queue = [][]int16{chunk}
			c.queueLen = len(chunk)
		}
	}
	c.qmu.Unlock()

	if commit {
		c.log.Info("session: utterance reached the length limit, committing", "samples", limit)
		c.buffer.Gate().Signal()
	}
}

// take returns every queued sample in arrival order and empties the queue.
func (c *Controller) take() (pcm []int16, speech bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	n := 0
	for _, q := range c.queue {
		n += len(q)
	}
	pcm = make([]int16, 0, n)
	for _, q := range c.queue {
		pcm = append(pcm, q...)
	}
	speech = c.speech
	c.queue = nil
	c.queueLen = 0
	c.speech = false
	c.full = false
	return pcm, speech
}

func (c *Controller) queued() (chunks int, speech, full bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return len(c.queue), c.speech, c.full
}

// ─── Outbound ─────────────────────────────────────────────────────────────────

// Run is the outbound loop. It commits an utterance when the end-of-speech
// gate fires, when the queue reaches MaxUtterance, or when the buffer's
// silence run is exhausted after speech was captured, and processes it to
// completion before waiting for the next one.
// Gate wait timeouts only re-check the silence run. Run returns when ctx is
// done or the client can no longer be reached.
func (c *Controller) Run(ctx context.Context) error {
	for {
		signaled := c.buffer.Gate().Wait(ctx, c.cfg.GateWait)
		if err := ctx.Err(); err != nil {
			return err
		}

		if !signaled {
			n, speech, full := c.queued()
			if n > 0 {
				c.setState(StateListening)
			}
			if !full && !c.buffer.SilenceExceeded() {
				continue
			}
			if !speech {
				// Nothing but room noise: discard it and start over.
				c.take()
				c.buffer.Rearm()
				c.setState(StateIdle)
				continue
			}
		}

		pcm, _ := c.take()
		c.buffer.Rearm()
		if err := c.processUtterance(ctx, pcm); err != nil {
			return err
		}
		c.setState(StateIdle)
	}
}

// processUtterance drives one committed utterance through the pipeline. It
// only returns an error when ctx is done or the client can no longer be
// reached; every other failure ends in error recovery.
func (c *Controller) processUtterance(ctx context.Context, pcm []int16) (err error) {
	c.seq++
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "session.turn",
		trace.WithAttributes(
			attribute.String("session.id", c.id),
			attribute.Int("turn.seq", c.seq),
			attribute.Int("turn.samples", len(pcm)),
		),
	)
	defer span.End()

	entry := &journal.Entry{
		SessionID: c.id,
		Seq:       c.seq,
		StartedAt: start.UTC(),
	}
	log := c.log.With("seq", c.seq)

	defer func() {
		if r := recover(); r != nil {
			log.Error("session: panic in turn", "panic", r)
			err = c.recoverTurn(ctx, entry, fmt.Errorf("session: panic: %v", r))
		}
		c.finishTurn(ctx, entry, start)
	}()

	if len(pcm) == 0 {
		entry.Outcome = journal.OutcomeSkipped
		return c.complete(ctx)
	}

	c.setState(StateCorrecting)
	raw, err := c.transcribe(ctx, pcm)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.recoverTurn(ctx, entry, err)
	}
	entry.RawText = raw
	if len([]rune(strings.TrimSpace(raw))) < c.cfg.MinTranscriptChars {
		log.Debug("session: skipping short transcript", "text", raw)
		entry.Outcome = journal.OutcomeSkipped
		return c.complete(ctx)
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CorrectTimeout)
	res := c.deps.Corrector.Correct(cctx, raw, c.conv.History())
	cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	userText := res.Text(c.cfg.ConfidenceGate)
	entry.CorrectedText = res.CorrectedText
	entry.Confidence = res.Confidence
	entry.LanguageDetected = res.LanguageDetected
	entry.NeedsHumanReview = res.NeedsHumanReview
	entry.UserText = userText

	if err := c.sink.Notify(ctx, transcriptionEvent(userText)); err != nil {
		return err
	}
	c.conv.AppendUserTurn(userText)

	c.setState(StateResponding)
	if err := c.sink.Notify(ctx, lifecycleEvent(LifecycleTurnStarted)); err != nil {
		return err
	}
	reply, dt, err := c.respond(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var se *sinkError
		if errors.As(err, &se) {
			return se.err
		}
		return c.recoverTurn(ctx, entry, err)
	}

	if reply != "" {
		if err := c.sink.Notify(ctx, agentResponseEvent(reply)); err != nil {
			return err
		}
	}

	out := dt.Result()
	c.conv.Reconcile(out, reply)
	if out.Kind == conversation.OutcomeOK && out.Agent != "" {
		c.conv.SetActiveAgent(out.Agent)
	}
	entry.Agent = c.conv.ActiveAgent()
	entry.Reply = reply
	if dt.Failed() {
		entry.Outcome = journal.OutcomeDialogueFailed
	} else {
		entry.Outcome = journal.OutcomeOK
	}
	return c.complete(ctx)
}

// transcribe runs STT with the advanced config, retrying once with the
// degraded config when the provider rejects it.
func (c *Controller) transcribe(ctx context.Context, pcm []int16) (string, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TranscribeTimeout)
	defer cancel()

	adv, deg := c.cfg.AdvancedSTT, c.cfg.DegradedSTT
	adv.SampleRate = audio.SampleRate
	deg.SampleRate = audio.SampleRate
	text, err := stt.TranscribeWithFallback(ctx, c.deps.Transcriber, pcm, adv, deg)
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordStage(ctx, observe.StageSTT, time.Since(start))
	}
	if err != nil {
		return "", fmt.Errorf("session: transcribe: %w", err)
	}
	return text, nil
}

// sinkError marks a failure to reach the client, as opposed to a provider
// failure that error recovery can answer.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// respond runs the dialogue turn and streams its audio. Fragments are split
// into sentences for synthesis; synthesized audio is packetized and sent as
// it arrives, and the remainder is flushed once the stream ends. The
// returned reply is [dialogue.Turn.Reply], so a turn that failed mid-stream
// answers with the apology alone. A synthesizer that cannot start degrades
// the turn to text only. Once ctx is done nothing more is sent and a
// partially built packet is discarded.
func (c *Controller) respond(ctx context.Context) (string, *dialogue.Turn, error) {
	// Sends use the session context; the dialogue deadline only bounds the
	// providers.
	sendCtx := ctx
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialogueTimeout)
	defer cancel()

	dt, err := c.deps.Runner.Run(ctx, c.conv.ActiveAgent(), c.conv.History())
	if err != nil {
		return "", nil, fmt.Errorf("session: start dialogue: %w", err)
	}

	var audioCh <-chan []byte
	text := make(chan string, 8)
	if c.deps.Synthesizer != nil {
		audioCh, err = c.deps.Synthesizer.SynthesizeStream(ctx, text, c.deps.Voice)
		if err != nil {
			c.log.Warn("session: synthesis unavailable, replying with text only", "err", err)
			audioCh = nil
		}
	}
	speak := audioCh != nil
	ttsDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(text)
		var sentences voice.SentenceSplitter
		send := func(s string) {
			if !speak {
				return
			}
			select {
			case text <- s:
			case <-ttsDone:
			case <-gctx.Done():
			}
		}
		for frag := range dt.Fragments() {
			if frag == dialogue.Apology {
				// Spoken on its own, after whatever was already said.
				if rest := sentences.Flush(); rest != "" {
					send(rest)
				}
			}
			for _, s := range sentences.Write(frag) {
				send(s)
			}
		}
		if rest := sentences.Flush(); rest != "" {
			send(rest)
		}
		return nil
	})

	if speak {
		g.Go(func() error {
			defer close(ttsDone)
			start := time.Now()
			var stream audio.SampleStream
			var sendErr error
			for b := range audioCh {
				if sendCtx.Err() != nil {
					audio.Drain(audioCh)
					break
				}
				c.packets.Push(stream.Write(b))
				if pkt, ok := c.packets.MaybeFlush(); ok {
					if err := c.sink.SendAudio(sendCtx, pkt); err != nil {
						sendErr = &sinkError{err: err}
						cancel()
						audio.Drain(audioCh)
						break
					}
				}
			}
			if c.deps.Metrics != nil {
				c.deps.Metrics.RecordStage(sendCtx, observe.StageTTS, time.Since(start))
			}
			return sendErr
		})
	}

	if err := g.Wait(); err != nil {
		c.packets.Reset()
		return "", dt, err
	}
	<-dt.Done()

	if err := sendCtx.Err(); err != nil {
		c.packets.Reset()
		return "", dt, err
	}
	if dt.Err() != nil && !dt.Failed() {
		// Timed out before the engine could apologise.
		c.packets.Reset()
		return "", dt, fmt.Errorf("session: dialogue: %w", dt.Err())
	}

	if pkt, ok := c.packets.ForceFlush(); ok {
		if err := c.sink.SendAudio(sendCtx, pkt); err != nil {
			return "", dt, &sinkError{err: err}
		}
	}
	return dt.Reply(), dt, nil
}

// recoverTurn is the error-recovery path: record the apology, flush pending
// audio, tell the client, and release it with processing_complete.
func (c *Controller) recoverTurn(ctx context.Context, entry *journal.Entry, cause error) error {
	if err := ctx.Err(); err != nil {
		c.packets.Reset()
		return err
	}
	c.setState(StateErrorRecovery)
	c.log.Error("session: turn failed", "seq", entry.Seq, "err", cause)

	c.conv.AppendAssistantTurn(Apology)
	entry.Reply = Apology
	entry.Outcome = journal.OutcomeError
	entry.Agent = c.conv.ActiveAgent()

	if pkt, ok := c.packets.ForceFlush(); ok {
		if err := c.sink.SendAudio(ctx, pkt); err != nil {
			return err
		}
	}
	if err := c.sink.Notify(ctx, errorEvent(Apology)); err != nil {
		return err
	}
	return c.sink.Notify(ctx, Event{Type: EventProcessingComplete})
}

// complete ends a turn with the completed lifecycle event followed by
// processing_complete.
func (c *Controller) complete(ctx context.Context) error {
	if err := c.sink.Notify(ctx, lifecycleEvent(LifecycleCompleted)); err != nil {
		return err
	}
	return c.sink.Notify(ctx, Event{Type: EventProcessingComplete})
}

// finishTurn records metrics and the journal entry of a finished turn.
func (c *Controller) finishTurn(ctx context.Context, entry *journal.Entry, start time.Time) {
	if entry.Outcome == "" {
		return
	}
	entry.Duration = time.Since(start)
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordTurn(ctx, entry.Outcome, entry.Duration)
	}

	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := c.deps.Journal.Write(jctx, *entry); err != nil {
		c.log.Warn("session: journal write failed", "seq", entry.Seq, "err", err)
	}
}
