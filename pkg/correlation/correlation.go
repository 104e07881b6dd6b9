// Package correlation carries a per-request correlation identifier through a
// call chain.
//
// A logical task is a context.Context returned by Fork. Each task owns a slot
// holding at most one identifier. Forking copies the parent's current value
// into a fresh slot, so later writes in the parent or the child are invisible
// to the other. Code that receives the context reads the identifier with
// Current without any extra parameter.
//
//	ctx = correlation.Fork(ctx)
//	tok := correlation.Install(ctx, correlation.Generate())
//	defer correlation.Restore(ctx, tok)
//
// WithScope wraps the install/restore pair:
//
//	err := correlation.WithScope(ctx, "", func(ctx context.Context) error {
//		log.WithContext(ctx).Info("stamped with a fresh id")
//		return nil
//	})
//
// Misuse (writing to a context with no task, reusing a token, restoring a
// token on a task other than the one it came from) panics.
package correlation

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
)

// Header is the HTTP header used to carry the identifier across process boundaries.
const Header = "X-Correlation-ID"

var (
	// ErrNoTask is the panic value when a write targets a context that was never forked.
	ErrNoTask = errors.New("correlation: context has no task slot, call Fork first")
	// ErrTokenReused is the panic value when a token is restored twice.
	ErrTokenReused = errors.New("correlation: token already restored")
	// ErrForeignToken is the panic value when a token is restored on another task.
	ErrForeignToken = errors.New("correlation: token restored on a different task")
)

type taskKey struct{}

// slot is owned by one logical task. The value is swapped as a whole so reads
// from other goroutines (a Fork racing a write) never see a torn string.
type slot struct {
	value atomic.Pointer[string]
}

// Token captures the value that was active before an Install.
type Token struct {
	slot *slot
	prev *string
	used atomic.Bool
}

// Generate returns a new random 36-character canonical UUID.
func Generate() string {
	return uuid.NewString()
}

// Valid reports whether id is a canonical 36-character UUID.
func Valid(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// Fork starts a child task. The child sees the parent's current identifier at
// the moment of the call and nothing the parent installs afterwards.
func Fork(ctx context.Context) context.Context {
	child := &slot{}
	if parent := slotFrom(ctx); parent != nil {
		child.value.Store(parent.value.Load())
	}
	return context.WithValue(ctx, taskKey{}, child)
}

// HasTask reports whether ctx belongs to a forked task.
func HasTask(ctx context.Context) bool {
	return slotFrom(ctx) != nil
}

// Current returns the identifier active for the task, if any.
func Current(ctx context.Context) (string, bool) {
	s := slotFrom(ctx)
	if s == nil {
		return "", false
	}
	if v := s.value.Load(); v != nil {
		return *v, true
	}
	return "", false
}

// CurrentOrCreate returns the active identifier, generating and installing one
// when the task has none. Repeated calls on the same task return the same value.
func CurrentOrCreate(ctx context.Context) string {
	s := mustSlot(ctx)
	if v := s.value.Load(); v != nil {
		return *v
	}
	id := Generate()
	s.value.Store(&id)
	return id
}

// Install makes id the active identifier for the task and returns a token that
// restores the previous value.
func Install(ctx context.Context, id string) *Token {
	s := mustSlot(ctx)
	tok := &Token{slot: s, prev: s.value.Load()}
	s.value.Store(&id)
	return tok
}

// Restore puts back the value captured by tok. Each token is good for one call.
func Restore(ctx context.Context, tok *Token) {
	if tok == nil || tok.slot == nil {
		panic(ErrForeignToken)
	}
	if slotFrom(ctx) != tok.slot {
		panic(ErrForeignToken)
	}
	if !tok.used.CompareAndSwap(false, true) {
		panic(ErrTokenReused)
	}
	tok.slot.value.Store(tok.prev)
}

// Clear removes the active identifier from the task.
func Clear(ctx context.Context) {
	mustSlot(ctx).value.Store(nil)
}

// WithScope runs fn with id installed, generating an id when it is empty. The
// previous value is restored however fn exits. A context without a task is
// forked first, so the scope never writes to a caller's slot it did not own.
func WithScope(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	if !HasTask(ctx) {
		ctx = Fork(ctx)
	}
	if id == "" {
		id = Generate()
	}
	tok := Install(ctx, id)
	defer Restore(ctx, tok)
	return fn(ctx)
}

func slotFrom(ctx context.Context) *slot {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(taskKey{}).(*slot)
	return s
}

func mustSlot(ctx context.Context) *slot {
	s := slotFrom(ctx)
	if s == nil {
		panic(ErrNoTask)
	}
	return s
}
