package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// DefaultHandoffTimeout bounds a single Sink.Handoff call.
const DefaultHandoffTimeout = 5 * time.Second

// maxAckText caps the MSA-3 text carried on AE/AR acknowledgments.
const maxAckText = 80

// FacilityContext describes where a record came from.
type FacilityContext struct {
	SendingApplication   string    `json:"sendingApplication"`
	SendingFacility      string    `json:"sendingFacility"`
	ReceivingApplication string    `json:"receivingApplication"`
	ReceivingFacility    string    `json:"receivingFacility"`
	RemoteAddr           string    `json:"remoteAddr,omitempty"`
	ReceivedAt           time.Time `json:"receivedAt"`
}

// Sink accepts projected records. A nil error means the record has been
// taken over durably; only then is the message acknowledged AA.
type Sink interface {
	Handoff(ctx context.Context, kind MessageKind, rec Record, fc FacilityContext) error
}

// Notifier fans accepted records out to real-time subscribers. Failures are
// logged and never change the acknowledgment.
type Notifier interface {
	Notify(ctx context.Context, event string, payload interface{}) error
}

// Notifiers fans one notification out to several notifiers. Every notifier
// is called; their errors are joined.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, event string, payload interface{}) error {
	var errs []error
	for _, n := range ns {
		if err := n.Notify(ctx, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Metrics receives pipeline counters. *telemetry.Provider satisfies it.
type Metrics interface {
	FrameReceived()
	AckSent(code string)
	MessageRouted(kind string)
	ConnectionOpened()
	ConnectionClosed()
	ObserveProcessing(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) FrameReceived()                  {}
func (nopMetrics) AckSent(string)                  {}
func (nopMetrics) MessageRouted(string)            {}
func (nopMetrics) ConnectionOpened()               {}
func (nopMetrics) ConnectionClosed()               {}
func (nopMetrics) ObserveProcessing(time.Duration) {}

// ConnState is a step of the per-connection pipeline. A connection always
// returns to StateAwaitingFrame after an acknowledgment is written.
type ConnState int

const (
	StateAwaitingFrame ConnState = iota
	StateFrameComplete
	StateParsing
	StateRouting
	StateProjecting
	StateHandoff
	StateAcknowledging
)

func (s ConnState) String() string {
	switch s {
	case StateAwaitingFrame:
		return "awaiting_frame"
	case StateFrameComplete:
		return "frame_complete"
	case StateParsing:
		return "parsing"
	case StateRouting:
		return "routing"
	case StateProjecting:
		return "projecting"
	case StateHandoff:
		return "handoff"
	case StateAcknowledging:
		return "acknowledging"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Interpretation is everything the pure part of the pipeline learns about a
// payload. Fields are populated in pipeline order and stay nil past the step
// that failed.
type Interpretation struct {
	Message *Message       `json:"-"`
	Header  *MessageHeader `json:"header,omitempty"`
	Route   Route          `json:"route"`
	Record  Record         `json:"record,omitempty"`
}

// Interpret parses, routes and projects payload without side effects. On
// failure the returned Interpretation holds whatever was learned before the
// failing step.
func Interpret(payload []byte) (*Interpretation, error) {
	in := &Interpretation{}

	msg, err := Parse(payload)
	if err != nil {
		return in, err
	}
	in.Message = msg

	h, err := ExtractHeader(msg)
	if err != nil {
		return in, err
	}
	in.Header = h

	in.Route = RouteMessage(h)
	if !in.Route.Supported() {
		return in, in.Route.Err()
	}

	rec, err := Project(msg, h, in.Route)
	if err != nil {
		return in, err
	}
	in.Record = rec
	return in, nil
}

// Result is the outcome of processing one frame.
type Result struct {
	Interpretation
	ControlID string        `json:"controlId"`
	Code      AckCode       `json:"ackCode"`
	Err       error         `json:"-"`
	Ack       *Message      `json:"-"`
	Duration  time.Duration `json:"durationNs"`
}

// AckBytes returns the acknowledgment payload, unframed.
func (r *Result) AckBytes() []byte { return r.Ack.Encode() }

// Processor runs the parse → route → project → handoff → acknowledge
// pipeline for one frame at a time. A Processor holds no per-message state
// and may be shared by all connections.
type Processor struct {
	acker    *Acker
	sink     Sink
	notifier Notifier
	metrics  Metrics
	logger   zerolog.Logger

	// HandoffTimeout bounds each Sink call; zero selects
	// DefaultHandoffTimeout.
	HandoffTimeout time.Duration
}

// NewProcessor creates a Processor. sink and notifier may be nil.
func NewProcessor(acker *Acker, sink Sink, notifier Notifier, logger zerolog.Logger) *Processor {
	return &Processor{
		acker:    acker,
		sink:     sink,
		notifier: notifier,
		metrics:  nopMetrics{},
		logger:   logger,
	}
}

// SetMetrics installs a metrics recorder.
func (p *Processor) SetMetrics(m Metrics) {
	if m == nil {
		m = nopMetrics{}
	}
	p.metrics = m
}

// Process turns one frame payload into exactly one acknowledgment. It never
// returns nil and never panics: a panic raised while processing is recovered
// and acknowledged AE.
func (p *Processor) Process(ctx context.Context, payload []byte, remoteAddr string) (res *Result) {
	start := time.Now()
	log := p.logger.With().Str("remote_addr", remoteAddr).Logger()
	res = &Result{}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("control_id", res.ControlID).
				Msg("recovered panic while processing message")
			res.Record = nil
			res.Err = fmt.Errorf("hl7v2: internal error: %v", r)
			res.Code = AckError
			p.acknowledge(log, res)
		}
		res.Duration = time.Since(start)
		p.metrics.AckSent(string(res.Code))
		p.metrics.ObserveProcessing(res.Duration)
		p.logAck(log, res)
	}()

	p.transition(log, StateParsing)
	in, err := Interpret(payload)
	res.Interpretation = *in
	if in.Header != nil {
		res.ControlID = in.Header.ControlID
	} else {
		res.ControlID = salvageControlID(payload)
	}
	if in.Header != nil {
		p.transition(log, StateRouting)
		p.metrics.MessageRouted(string(in.Route.Kind))
		if in.Route.Supported() {
			p.transition(log, StateProjecting)
		}
	}

	if err == nil {
		p.transition(log, StateHandoff)
		err = p.handoff(ctx, in, remoteAddr)
	}
	res.Err = err
	res.Code = AckCodeFor(err)
	if res.Code != AckAccept {
		res.Record = nil
	}

	if res.Code == AckAccept {
		p.notify(ctx, log, in.Record)
	}

	p.acknowledge(log, res)
	return res
}

func (p *Processor) handoff(ctx context.Context, in *Interpretation, remoteAddr string) error {
	if p.sink == nil {
		return nil
	}
	timeout := p.HandoffTimeout
	if timeout <= 0 {
		timeout = DefaultHandoffTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fc := FacilityContext{
		SendingApplication:   in.Header.SendingApplication,
		SendingFacility:      in.Header.SendingFacility,
		ReceivingApplication: in.Header.ReceivingApplication,
		ReceivingFacility:    in.Header.ReceivingFacility,
		RemoteAddr:           remoteAddr,
		ReceivedAt:           time.Now().UTC(),
	}
	if err := p.sink.Handoff(ctx, in.Route.Kind, in.Record, fc); err != nil {
		return &HandoffError{Err: err}
	}
	return nil
}

func (p *Processor) notify(ctx context.Context, log zerolog.Logger, rec Record) {
	if p.notifier == nil || rec == nil {
		return
	}
	event := EventName(rec)
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("event", event).Msg("notifier panicked")
		}
	}()
	if err := p.notifier.Notify(ctx, event, rec); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("notification failed")
	}
}

func (p *Processor) acknowledge(log zerolog.Logger, res *Result) {
	p.transition(log, StateAcknowledging)
	text := ""
	if res.Err != nil {
		text = ackText(res.Err)
	}
	res.Ack = p.acker.Generate(res.Header, res.ControlID, res.Code, text)
}

func (p *Processor) transition(log zerolog.Logger, s ConnState) {
	log.Debug().Stringer("state", s).Msg("connection state")
}

func (p *Processor) logAck(log zerolog.Logger, res *Result) {
	var ev *zerolog.Event
	switch {
	case res.Err == nil:
		ev = log.Info()
	case errors.Is(res.Err, ErrHandoff):
		ev = log.Error().Err(res.Err)
	default:
		ev = log.Warn().Err(res.Err)
	}
	msgType := ""
	if res.Header != nil {
		msgType = res.Header.Type()
	}
	ev.Str("control_id", res.ControlID).
		Str("message_type", msgType).
		Str("ack_code", string(res.Code)).
		Dur("duration", res.Duration).
		Msg("message acknowledged")
}

// EventName is the fan-out event published for an accepted record:
// hl7.adt.<event>, hl7.orm.order or hl7.oru.result.
func EventName(rec Record) string {
	switch r := rec.(type) {
	case *ADTMessage:
		return "hl7.adt." + string(r.Event)
	case *ORMMessage:
		return "hl7.orm.order"
	case *ORUMessage:
		return "hl7.oru.result"
	default:
		return "hl7." + string(rec.Kind())
	}
}

// ackText is the MSA-3 text for err, at most maxAckText bytes. A long
// message is cut before its first quoted excerpt, otherwise on a rune
// boundary.
func ackText(err error) string {
	s := err.Error()
	if len(s) <= maxAckText {
		return s
	}
	if i := strings.IndexByte(s, '"'); i > 0 && i <= maxAckText {
		if t := strings.TrimRight(s[:i], " :,"); t != "" {
			return t
		}
	}
	cut := maxAckText
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// salvageControlID pulls MSH-10 out of a payload whose header could not be
// fully read, so that even a reject can be correlated. It returns "" when
// the payload does not start with a recognisable header.
func salvageControlID(payload []byte) string {
	payload = bytes.TrimLeft(payload, " \t\r\n")
	if len(payload) < 4 || !bytes.HasPrefix(payload, []byte(headerSegment)) {
		return ""
	}
	line := payload
	if i := bytes.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	fields := bytes.Split(line, line[3:4])
	// fields[0] is "MSH", so MSH-n is fields[n-1].
	if len(fields) < MSHControlID {
		return ""
	}
	return string(fields[MSHControlID-1])
}
