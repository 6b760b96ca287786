package logx

import "sync"

// Deduper suppresses repeated identical error messages from a single
// worker so a persistent downstream outage logs once instead of flooding
// the sink on every sweep retry.
type Deduper struct {
	mu   sync.Mutex
	last string
}

// Report logs msg via Error unless it is identical to the last message
// reported through this Deduper. It returns true if the message was logged.
func (d *Deduper) Report(msg string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if msg == d.last {
		return false
	}
	d.last = msg
	Error("%s", msg)
	return true
}

// Reset clears the last-seen message, so the next Report always logs.
func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = ""
}
