// Package errors provides standardized error handling for the kernel
// and its managers.
//
// Errors are classified into three classes: Transient (temporary,
// retried per pkg/retry), Invalid (bad input, never retried), and
// Fatal (unrecoverable, stop processing). Malformed metadata and
// bloom filters wrap as Invalid; file and socket errors as Transient;
// event contract violations as Fatal.
//
// The Wrap family attaches component/operation context in the
// "component.method: action failed" pattern and classifies in one
// step:
//
//	if err != nil {
//	    return errors.WrapTransient(err, "protocol", "Send", "write payload")
//	}
//
// Classification helpers (IsTransient, IsInvalid, IsFatal, Classify)
// inspect both the ClassifiedError wrapper and a set of well-known
// sentinel errors, so callers can branch on class without matching
// error strings.
package errors
