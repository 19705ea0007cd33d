package notify

import (
	"github.com/gen2brain/beeep"

	"github.com/recmeet/recmeet/pkg/logger"
)

// Notifier sends best-effort desktop notifications. Failures are never
// surfaced to the pipeline.
type Notifier interface {
	Notify(title, body string)
}

// Ensure both implementations satisfy the interface
var (
	_ Notifier = (*Desktop)(nil)
	_ Notifier = (*Nop)(nil)
)

// Desktop delivers notifications through the platform notification
// service.
type Desktop struct {
	logger *logger.Logger
}

// NewDesktop creates a desktop notifier.
func NewDesktop(log *logger.Logger) *Desktop {
	return &Desktop{logger: log.Named("notify")}
}

// Notify sends one notification. Errors are logged and swallowed: a
// missing notification daemon must not affect a recording.
func (d *Desktop) Notify(title, body string) {
	if err := beeep.Notify("recmeet: "+title, body, ""); err != nil {
		d.logger.Debug("Notification failed",
			logger.String("title", title),
			logger.Error(err))
	}
}

// Nop discards all notifications. Used by headless front ends and tests.
type Nop struct{}

func (Nop) Notify(title, body string) {}
