package connectivity

import (
	"context"
	"time"
)

// debounce coalesces rapid transitions: events arriving within interval of
// each other collapse into the last one. The returned channel closes when
// the input closes or the context is cancelled; a pending event is flushed
// on input close.
func debounce(ctx context.Context, input <-chan Event, interval time.Duration) <-chan Event {
	output := make(chan Event)

	go func() {
		defer close(output)

		var timer *time.Timer
		var timerChan <-chan time.Time
		var pending *Event

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case event, ok := <-input:
				if !ok {
					if pending != nil {
						select {
						case output <- *pending:
						case <-ctx.Done():
						}
					}
					return
				}

				pending = &event

				if timer == nil {
					timer = time.NewTimer(interval)
					timerChan = timer.C
					continue
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(interval)
				timerChan = timer.C

			case <-timerChan:
				if pending != nil {
					select {
					case output <- *pending:
					case <-ctx.Done():
						return
					}
					pending = nil
				}
				timerChan = nil
			}
		}
	}()

	return output
}
