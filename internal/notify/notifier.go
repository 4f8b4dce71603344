package notify

import (
	"context"
	"time"

	"github.com/nholik/exposure-sentinel/internal/exposure"
)

// Outcome is the result of one detection run, or a change of the persisted
// last error outside a run.
type Outcome struct {
	Success      bool
	Kind         string
	Error        string
	NewExposures []exposure.Exposure
	At           time.Time
}

// RequiresAcknowledgment reports whether the outcome should be acted upon by
// the user.
func (o Outcome) RequiresAcknowledgment() bool {
	return !o.Success
}

// Quiet reports whether there is nothing worth telling the user.
func (o Outcome) Quiet() bool {
	return o.Success && len(o.NewExposures) == 0
}

// Alert is a standalone user-facing message. A resolved alert withdraws an
// earlier alert with the same ID.
type Alert struct {
	ID       string
	Title    string
	Body     string
	Resolved bool
	At       time.Time
}

// AlertBluetoothOff is raised when detection is authorized but Bluetooth is off.
const AlertBluetoothOff = "bluetooth-off"

// Notifier delivers detection outcomes and alerts to external systems.
type Notifier interface {
	Notify(ctx context.Context, outcome Outcome) error
	Alert(ctx context.Context, alert Alert) error
}
