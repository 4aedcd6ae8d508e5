/*
 *	Copyright 2024 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package flow provides the symbolic control-flow constructs If and While
// over batched, possibly per-lane-divergent conditions, plus the state
// tracker that maps a (possibly nested) user state value to and from a flat
// sequence of variable handles.
//
// User state is any composition of leaves (values implementing Leaf, such as
// *Var), slices/arrays, maps with string keys, and named structs; everything
// else is carried through opaquely. A condition that is a plain Go bool (or
// forced scalar by ModeScalar) takes a direct fast path with no tracing.
package flow

import (
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/coreerrors"
	"github.com/gomlx/lanes/types/handles"
)

// Mode selects how If and While execute.
type Mode string

const (
	// ModeAuto picks the scalar fast path for Go bool conditions and the
	// traced path otherwise.
	ModeAuto Mode = "auto"

	// ModeScalar forces the condition to be read back as a single scalar and
	// runs the construct directly, with no tracing.
	ModeScalar Mode = "scalar"

	// ModeSymbolic and ModeEvaluated force the traced path; whether the
	// backend records a symbolic construct or physically re-executes is the
	// backend's choice.
	ModeSymbolic  Mode = "symbolic"
	ModeEvaluated Mode = "evaluated"
)

func (m Mode) check(construct, name string) {
	switch m {
	case ModeAuto, ModeScalar, ModeSymbolic, ModeEvaluated:
	default:
		coreerrors.Panicf(coreerrors.KindConfiguration, construct, name,
			"invalid mode %q, expected one of auto/scalar/symbolic/evaluated", string(m))
	}
}

// Leaf is a handle-bearing state value the tracker can traverse. *Var is the
// built-in implementation; user types may implement it directly.
type Leaf interface {
	// LeafBackend returns the backend the handle is bound to.
	LeafBackend() backends.Backend

	// LeafHandle returns the current variable handle (borrowed).
	LeafHandle() handles.Handle

	// WithLeafHandle returns a new leaf of the same concrete type bound to h
	// (stealing the caller's references of h).
	WithLeafHandle(h handles.Handle) Leaf
}
