package serialmux

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
)

// DisabledSerialMux stands in for the scanner when the daemon runs without
// a dongle. It never produces lines; commands are counted and discarded so
// region and ranging requests still succeed.
type DisabledSerialMux struct {
	mu      sync.Mutex
	subs    map[string]chan string
	closed  bool
	dropped atomic.Int64
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subs: make(map[string]chan string)}
}

// Subscribe returns a channel that only ever closes. After Close the
// channel comes back already closed.
func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
	} else {
		d.subs[id] = ch
	}
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subs[id]; ok {
		delete(d.subs, id)
		close(ch)
	}
}

// SendCommand discards command.
func (d *DisabledSerialMux) SendCommand(command string) error {
	if d.dropped.Add(1) == 1 {
		logf("scanner disabled, discarding commands (first: %q)", command)
	}
	return nil
}

// DroppedCommands returns how many commands were discarded.
func (d *DisabledSerialMux) DroppedCommands() int64 {
	return d.dropped.Load()
}

// Monitor blocks until ctx is done.
func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for id, ch := range d.subs {
		delete(d.subs, id)
		close(ch)
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/scanner-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "scanner disabled, %d command(s) discarded\n", d.DroppedCommands())
	})
}
