package domain

import (
	"fmt"

	"go.trai.ch/zerr"
)

// Invariantf reports an engine invariant violation: a condition that should
// be provably impossible given the store and scheduler algorithms, such as a
// double finalize or inconsistent reverse-dependency bookkeeping. It panics
// with full diagnostic context and must never be recovered by engine code;
// continuing after corrupted bookkeeping would risk silently wrong
// incremental results in future builds.
func Invariantf(format string, args ...any) {
	panic(zerr.With(zerr.New("engine invariant violation"), "detail", fmt.Sprintf(format, args...)))
}
