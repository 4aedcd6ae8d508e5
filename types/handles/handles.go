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

// Package handles defines Handle, the opaque 64-bit identifier of a batched
// (lane-indexed) variable.
//
// The low 32 bits name the data node inside the JIT backend collaborator; the
// high 32 bits optionally name an AD tape node, and are non-zero iff the value
// participates in differentiation. A Handle of value 0 denotes
// "absent/uninitialized" and must never be dereferenced.
//
// Ownership is reference counted by the collaborators (the backend counts the
// data part, the AD tape counts the gradient part). This package only provides
// the bit-packing and small list helpers that keep the borrow/steal discipline
// auditable at call sites.
package handles

import "fmt"

// Handle names a batched variable: data node id in the low 32 bits, optional
// AD node id in the high 32 bits.
type Handle uint64

// FromData creates a Handle with only a data node id (no gradient tracking).
func FromData(data uint32) Handle {
	return Handle(data)
}

// Join combines an AD node id and a data node id into a Handle.
func Join(grad, data uint32) Handle {
	return Handle(grad)<<32 | Handle(data)
}

// Data returns the data node id of the handle (0 when absent).
func (h Handle) Data() uint32 {
	return uint32(h)
}

// Grad returns the AD node id of the handle, or 0 if the value is not tracked.
func (h Handle) Grad() uint32 {
	return uint32(h >> 32)
}

// IsNull reports whether the handle denotes "absent/uninitialized".
func (h Handle) IsNull() bool {
	return h == 0
}

// Tracked reports whether the handle carries an AD node.
func (h Handle) Tracked() bool {
	return h.Grad() != 0
}

// Detached returns the handle stripped of its AD node id.
func (h Handle) Detached() Handle {
	return Handle(h.Data())
}

// String implements fmt.Stringer, using the r<data>/a<grad> notation of the
// backend logs.
func (h Handle) String() string {
	if !h.Tracked() {
		return fmt.Sprintf("r%d", h.Data())
	}
	return fmt.Sprintf("r%d/a%d", h.Data(), h.Grad())
}

// DataIds extracts the data node ids of a slice of handles.
func DataIds(hs []Handle) []uint32 {
	ids := make([]uint32, len(hs))
	for ii, h := range hs {
		ids[ii] = h.Data()
	}
	return ids
}

// AnyTracked reports whether any handle of the slice carries an AD node.
func AnyTracked(hs []Handle) bool {
	for _, h := range hs {
		if h.Tracked() {
			return true
		}
	}
	return false
}
