// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package coroutine

import (
	"fmt"
)

// Engine is a cooperative scheduler that runs exactly one coroutine at a
// time. The zero value is not usable; use NewEngine. An Engine must not
// be shared between goroutines: its methods are called only from Start
// and from the coroutines it runs. Each coroutine runs on its own
// goroutine, and those goroutines are not pinned to the OS thread Start
// runs on.
type Engine struct {
	nextID  int
	alive   []*Coroutine
	blocked []*Coroutine
	current *Coroutine
	idle    *Coroutine
}

// NewEngine creates an Engine whose idle hook is idleFn. idleFn is
// expected to perform one round of external readiness work (an
// epoll_wait round in the reactor) and then return; the engine calls it
// in a loop for as long as any non-idle coroutine remains alive or
// blocked.
func NewEngine(idleFn func()) *Engine {
	e := &Engine{}
	e.idle = newCoroutine(e, -1, func() {
		for !e.Terminated() {
			idleFn()
			e.Yield()
		}
	})
	go e.idle.run()
	return e
}

// Terminated reports whether every ordinary coroutine has reached Done:
// both the alive and blocked lists are empty. The idle coroutine itself
// is never on either list, so this does not count it.
func (e *Engine) Terminated() bool {
	return len(e.alive) == 0 && len(e.blocked) == 0
}

// Current returns the coroutine presently running.
func (e *Engine) Current() *Coroutine {
	return e.current
}

// AllBlocked reports true exactly when alive is empty and blocked is
// non-empty -- every live coroutine is waiting on something.
func (e *Engine) AllBlocked() bool {
	return len(e.alive) == 0 && len(e.blocked) > 0
}

// Start records entry as the first ordinary coroutine and runs the
// dispatch loop until every coroutine -- including the idle one --
// reaches Done. A panic inside any coroutine is fatal to the whole
// engine: it is recovered at the point of suspension and re-raised here,
// on Start's own goroutine.
func (e *Engine) Start(entry func()) {
	first := e.newAndRegister(entry)
	e.runLoop(first)
}

// newAndRegister allocates a coroutine, starts its goroutine (parked on
// its first resume), and appends it to the alive list.
func (e *Engine) newAndRegister(fn func()) *Coroutine {
	e.nextID++
	co := newCoroutine(e, e.nextID, fn)
	e.alive = append(e.alive, co)
	go co.run()
	return co
}

// Spawn allocates a new coroutine, pushes it onto the alive list, and
// immediately enters it. Control returns to Spawn's caller once the new
// coroutine first suspends (yields, blocks, or runs to completion).
func (e *Engine) Spawn(fn func()) *Coroutine {
	child := e.newAndRegister(fn)
	co := e.current
	co.pendingIntent = intentSpawnChild
	co.spawnTarget = child
	e.handoff(co)
	return child
}

// Yield switches to another runnable coroutine, per policy: the head of
// the alive list, or its successor if the head is the current coroutine;
// if current is the only alive coroutine, Yield returns immediately
// without switching; if no coroutine is alive at all, Yield enters the
// idle coroutine.
func (e *Engine) Yield() {
	co := e.current
	if len(e.alive) == 1 && e.alive[0] == co {
		return
	}
	co.pendingIntent = intentYield
	e.handoff(co)
}

// Sched switches directly to target. A nil target behaves like Yield.
// Scheduling to the current coroutine is a silent no-op.
func (e *Engine) Sched(target *Coroutine) {
	if target == nil {
		e.Yield()
		return
	}
	co := e.current
	if target == co {
		return
	}
	co.pendingIntent = intentSchedTarget
	co.schedTarget = target
	e.handoff(co)
}

// Block marks the current coroutine as blocked, moves it from alive to
// blocked, and yields.
func (e *Engine) Block() {
	co := e.current
	e.removeFromAlive(co)
	co.state = Blocked
	e.blocked = append(e.blocked, co)
	co.pendingIntent = intentBlock
	e.handoff(co)
}

// Wake moves a blocked coroutine back onto the alive list without
// switching to it.
func (e *Engine) Wake(c *Coroutine) {
	if c.state != Blocked {
		return
	}
	e.removeFromBlocked(c)
	c.state = Ready
	e.alive = append(e.alive, c)
}

// WakeAll wakes every coroutine currently on the blocked list.
func (e *Engine) WakeAll() {
	for _, c := range append([]*Coroutine(nil), e.blocked...) {
		e.Wake(c)
	}
}

// handoff is called by a coroutine's own goroutine to suspend itself: it
// signals the dispatcher (parked in resumeAndWait) that it has an
// intent recorded, then parks on its own resume channel until the
// dispatcher runs it again.
func (e *Engine) handoff(co *Coroutine) {
	if co.state != Blocked {
		co.state = Ready
	}
	co.yielded <- struct{}{}
	<-co.resume
	co.state = Running
}

// runLoop is the dispatcher: it repeatedly resumes a chosen coroutine
// and waits for it to suspend, then interprets that coroutine's recorded
// intent to decide what runs next.
func (e *Engine) runLoop(first *Coroutine) {
	e.resumeAndWait(first)
	for {
		co := e.current
		switch co.pendingIntent {
		case intentDone:
			next := e.pickNextOrIdle()
			if next == nil {
				return
			}
			e.resumeAndWait(next)

		case intentSpawnChild:
			// Whatever the child's first suspension turns out to be
			// (yield, block, or immediate completion), resumeAndWait
			// has already applied its bookkeeping; control now goes
			// straight back to the coroutine that spawned it.
			child := co.spawnTarget
			co.spawnTarget = nil
			e.resumeAndWait(child)
			e.resumeAndWait(co)

		case intentSchedTarget:
			target := co.schedTarget
			co.schedTarget = nil
			e.resumeAndWait(target)

		case intentYield, intentBlock:
			next := e.pickNextOrIdle()
			if next == nil {
				return
			}
			e.resumeAndWait(next)
		}
	}
}

// resumeAndWait grants target the CPU and blocks until it suspends
// again. If that suspension was completion, it applies the done
// bookkeeping immediately (removing it from alive/blocked, re-raising a
// captured panic) so every call site -- plain yield/block dispatch,
// sched, or the spawn-child fast path -- observes a consistent list
// state afterward.
func (e *Engine) resumeAndWait(target *Coroutine) {
	e.current = target
	target.state = Running
	target.resume <- struct{}{}
	<-target.yielded

	if target.pendingIntent == intentDone {
		if target.panicValue != nil {
			panic(fmt.Sprintf("coroutine %d panicked: %v", target.id, target.panicValue))
		}
		e.onDone(target)
	}
}

// onDone removes a finished coroutine from whichever list it was on.
func (e *Engine) onDone(co *Coroutine) {
	e.removeFromAlive(co)
	e.removeFromBlocked(co)
}

// pickNextOrIdle applies the yield scheduling policy: head of alive,
// successor if head is current, or the idle coroutine if alive is empty.
func (e *Engine) pickNextOrIdle() *Coroutine {
	if len(e.alive) == 0 {
		if e.idle.state == Done {
			return nil
		}
		return e.idle
	}
	head := e.alive[0]
	if head != e.current {
		return head
	}
	if len(e.alive) > 1 {
		return e.alive[1]
	}
	if e.idle.state == Done {
		return nil
	}
	return e.idle
}

func (e *Engine) removeFromAlive(co *Coroutine) {
	for i, c := range e.alive {
		if c == co {
			e.alive = append(e.alive[:i], e.alive[i+1:]...)
			return
		}
	}
}

func (e *Engine) removeFromBlocked(co *Coroutine) {
	for i, c := range e.blocked {
		if c == co {
			e.blocked = append(e.blocked[:i], e.blocked[i+1:]...)
			return
		}
	}
}
