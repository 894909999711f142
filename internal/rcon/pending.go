package rcon

import (
	"strings"
	"time"
)

type result struct {
	body string
	err  error
}

// request is one in-flight Execute. Response fragments accumulate in buf
// until the empty end-marker reply arrives.
type request struct {
	id      int32
	command string
	started time.Time
	buf     strings.Builder
	frags   int
	done    chan result
}

func newRequest(id int32, command string) *request {
	return &request{
		id:      id,
		command: command,
		started: time.Now(),
		done:    make(chan result, 1),
	}
}

// resolve delivers the outcome. done is buffered and each request is
// resolved at most once because it is removed from the table first.
func (r *request) resolve(body string, err error) {
	r.done <- result{body: body, err: err}
}

// pendingTable maps request ids to in-flight requests. It does no locking
// of its own; Session.mu guards it together with the id allocator.
type pendingTable struct {
	entries map[int32]*request
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[int32]*request)}
}

func (t *pendingTable) add(r *request) {
	t.entries[r.id] = r
}

func (t *pendingTable) get(id int32) (*request, bool) {
	r, ok := t.entries[id]
	return r, ok
}

func (t *pendingTable) has(id int32) bool {
	_, ok := t.entries[id]
	return ok
}

// remove deletes r if it is still the entry registered under its id.
func (t *pendingTable) remove(r *request) bool {
	if cur, ok := t.entries[r.id]; ok && cur == r {
		delete(t.entries, r.id)
		return true
	}
	return false
}

func (t *pendingTable) len() int {
	return len(t.entries)
}

// failAll resolves and removes every entry.
func (t *pendingTable) failAll(err error) int {
	n := len(t.entries)
	for id, r := range t.entries {
		delete(t.entries, id)
		r.resolve("", err)
	}
	return n
}
