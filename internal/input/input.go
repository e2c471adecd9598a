// Package input turns button presses into recorder-side actions.
package input

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
)

type Button int

const (
	ButtonMenu Button = iota
	ButtonPlay
	ButtonUp
	ButtonDown
)

func (b Button) String() string {
	switch b {
	case ButtonMenu:
		return "menu"
	case ButtonPlay:
		return "play"
	case ButtonUp:
		return "up"
	case ButtonDown:
		return "down"
	default:
		return fmt.Sprintf("button(%d)", int(b))
	}
}

type Press int

const (
	PressShort Press = iota
	PressLong
)

func (p Press) String() string {
	if p == PressLong {
		return "long"
	}
	return "short"
}

// Event is one button press.
type Event struct {
	Button Button
	Press  Press
}

var ErrUnknownButton = errors.New("unknown button")

// ParseEvent reads names like "menu" and "long".
func ParseEvent(button, press string) (Event, error) {
	var ev Event
	switch strings.ToLower(button) {
	case "menu":
		ev.Button = ButtonMenu
	case "play":
		ev.Button = ButtonPlay
	case "up":
		ev.Button = ButtonUp
	case "down":
		ev.Button = ButtonDown
	default:
		return ev, fmt.Errorf("%w: %q", ErrUnknownButton, button)
	}
	switch strings.ToLower(press) {
	case "", "short":
		ev.Press = PressShort
	case "long":
		ev.Press = PressLong
	default:
		return ev, fmt.Errorf("unknown press %q", press)
	}
	return ev, nil
}

// Actions are what button presses can do.
type Actions struct {
	// ToggleScreen flips the status display and returns the new state.
	ToggleScreen func() bool
	// RequeueAll queues every pending clip and returns how many.
	RequeueAll func() (int, error)
}

const DefaultEventBuffer = 16

// Dispatcher drains button events on its own goroutine.
type Dispatcher struct {
	events  chan Event
	actions Actions
	logger  recorderlog.Logger
}

func NewDispatcher(actions Actions, buffer int, logger recorderlog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	if logger == nil {
		logger = recorderlog.L()
	}
	return &Dispatcher{
		events:  make(chan Event, buffer),
		actions: actions,
		logger:  logger.Named("input"),
	}
}

// Submit queues an event without blocking; false means it was dropped.
func (d *Dispatcher) Submit(ev Event) bool {
	select {
	case d.events <- ev:
		return true
	default:
		d.logger.Warn("Button event dropped", recorderlog.String("button", ev.Button.String()))
		return false
	}
}

// Run handles events until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			d.handle(ev)
		}
	}
}

func (d *Dispatcher) handle(ev Event) {
	log := d.logger.With(
		recorderlog.String("button", ev.Button.String()),
		recorderlog.String("press", ev.Press.String()))

	switch {
	case ev.Button == ButtonMenu && ev.Press == PressShort:
		if d.actions.ToggleScreen == nil {
			return
		}
		on := d.actions.ToggleScreen()
		log.Info("Status screen toggled", recorderlog.Bool("on", on))
	case ev.Button == ButtonPlay && ev.Press == PressLong:
		if d.actions.RequeueAll == nil {
			return
		}
		n, err := d.actions.RequeueAll()
		if err != nil {
			log.Warn("Bulk requeue failed", recorderlog.Int("queued", n), recorderlog.Error(err))
			return
		}
		log.Info("Bulk requeue", recorderlog.Int("queued", n))
	default:
		log.Debug("Button ignored")
	}
}
