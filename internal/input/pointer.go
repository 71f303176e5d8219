// Package input carries remote pointer events from the viewer's data channel
// to a local injector.
package input

import (
	"encoding/json"
	"fmt"

	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
)

// Pointer event kinds, mirroring the browser pointer event names the viewer
// emits.
const (
	PointerDown   = "pointerdown"
	PointerMove   = "pointermove"
	PointerUp     = "pointerup"
	PointerCancel = "pointercancel"
)

// ModifierKeys is the keyboard modifier state captured with the event.
type ModifierKeys struct {
	CtrlKey  bool `json:"ctrlKey"`
	ShiftKey bool `json:"shiftKey"`
}

// PenExtra carries stylus-only fields.
type PenExtra struct {
	TiltX int32  `json:"tiltX"`
	TiltY int32  `json:"tiltY"`
	Twist uint32 `json:"twist"`
}

// PointerEvent is one pointer sample. X and Y are normalized to the sender's
// viewport; Width and Height give that viewport so the host can map
// coordinates onto the captured surface.
type PointerEvent struct {
	Type        string       `json:"type"`
	PointerID   int64        `json:"pointerId"`
	IsPrimary   bool         `json:"isPrimary"`
	X           float64      `json:"x"`
	Y           float64      `json:"y"`
	Width       float64      `json:"width"`
	Height      float64      `json:"height"`
	Pressure    float64      `json:"pressure"`
	PointerType string       `json:"pointerType"`
	PenExtra    *PenExtra    `json:"penExtra,omitempty"`
	Modifiers   ModifierKeys `json:"modifierKeys"`
}

// Decode parses and validates one pointer event frame.
func Decode(data []byte) (PointerEvent, error) {
	var event PointerEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return PointerEvent{}, fmt.Errorf("decode pointer event: %w", err)
	}
	switch event.Type {
	case PointerDown, PointerMove, PointerUp, PointerCancel:
	default:
		return PointerEvent{}, fmt.Errorf("unknown pointer event type %q", event.Type)
	}
	return event, nil
}

// Injector applies remote pointer events to the local desktop.
type Injector interface {
	Inject(event PointerEvent) error
}

// LogInjector records events instead of injecting them; the default until a
// platform hook is configured.
type LogInjector struct {
	log logging.LeveledLogger
}

// NewLogInjector returns an injector that only logs.
func NewLogInjector(loggerFactory logging.LoggerFactory) *LogInjector {
	return &LogInjector{log: loggerFactory.NewLogger("input")}
}

// Inject implements Injector.
func (l *LogInjector) Inject(event PointerEvent) error {
	l.log.Infof("%s %s id=%d primary=%v at (%.3f, %.3f) pressure=%.2f",
		event.PointerType, event.Type, event.PointerID, event.IsPrimary,
		event.X, event.Y, event.Pressure)
	return nil
}

// Dispatcher decodes pointer frames from a data channel and forwards them to
// the injector. Malformed frames are dropped.
type Dispatcher struct {
	injector Injector
	log      logging.LeveledLogger
}

// NewDispatcher wraps an injector.
func NewDispatcher(injector Injector, loggerFactory logging.LoggerFactory) *Dispatcher {
	return &Dispatcher{
		injector: injector,
		log:      loggerFactory.NewLogger("input"),
	}
}

// Bind attaches the dispatcher to an input data channel.
func (d *Dispatcher) Bind(dc *pion.DataChannel) {
	dc.OnOpen(func() {
		d.log.Infof("input channel %q open", dc.Label())
	})
	dc.OnClose(func() {
		d.log.Infof("input channel %q closed", dc.Label())
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		d.handleFrame(msg.Data)
	})
}

func (d *Dispatcher) handleFrame(data []byte) {
	event, err := Decode(data)
	if err != nil {
		d.log.Warnf("dropping input frame: %v", err)
		return
	}
	if err := d.injector.Inject(event); err != nil {
		d.log.Errorf("inject %s: %v", event.Type, err)
	}
}
