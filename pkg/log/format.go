package log

import (
	"fmt"
	"strings"
)

// Format renders an event as a single human-readable line.
func Format(e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-3s %-9s", e.Timestamp.Format("15:04:05.000000"), e.Direction, e.Layer)
	if e.PV != "" {
		fmt.Fprintf(&b, " %s", e.PV)
	}

	switch {
	case e.Frame != nil:
		fmt.Fprintf(&b, " frame %dB", e.Frame.Size)
		if e.Frame.Truncated {
			b.WriteString(" (truncated)")
		}
	case e.Message != nil:
		m := e.Message
		fmt.Fprintf(&b, " %s", m.Kind)
		if m.MessageID != 0 {
			fmt.Fprintf(&b, " #%d", m.MessageID)
		}
		if m.Operation != nil {
			fmt.Fprintf(&b, " %s", m.Operation)
		}
		if m.Channel != "" {
			fmt.Fprintf(&b, " %s", m.Channel)
		}
		if m.Status != nil {
			fmt.Fprintf(&b, " %s", m.Status)
		}
		if m.Event != nil {
			fmt.Fprintf(&b, " %s", m.Event)
		}
		if m.SubscriptionID != 0 {
			fmt.Fprintf(&b, " sub=%d", m.SubscriptionID)
		}
		if m.Payload != nil {
			fmt.Fprintf(&b, " %v", m.Payload)
		}
		if m.ProcessingTime != nil {
			fmt.Fprintf(&b, " (%s)", *m.ProcessingTime)
		}
	case e.StateChange != nil:
		s := e.StateChange
		fmt.Fprintf(&b, " %s %s -> %s", s.Entity, s.OldState, s.NewState)
		if s.Reason != "" {
			fmt.Fprintf(&b, " (%s)", s.Reason)
		}
	case e.ControlMsg != nil:
		fmt.Fprintf(&b, " %s seq=%d", e.ControlMsg.Type, e.ControlMsg.Sequence)
	case e.Error != nil:
		fmt.Fprintf(&b, " error: %s", e.Error.Message)
		if e.Error.Context != "" {
			fmt.Fprintf(&b, " [%s]", e.Error.Context)
		}
	}
	return b.String()
}
