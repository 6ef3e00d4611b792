// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gum

import "github.com/0xDC00/frida-gum/internal/contract"

// Iterator abstracts the relocator and code writer over one guest basic
// block being compiled. A Transformer drives translation by calling
// Next() until it returns false, choosing for each instruction between
// Keep (virtualize and emit), PutCallout (inject a user callback), or
// doing nothing (skip the instruction entirely).
type Iterator = contract.Iterator

// Transformer is the caller-supplied rewrite callback passed to Follow /
// FollowMe. DefaultTransformer is used when a caller passes nil.
type Transformer = contract.Transformer

// TransformerFunc adapts a plain function to Transformer.
type TransformerFunc = contract.TransformerFunc

// DefaultTransformer keeps every instruction unmodified.
var DefaultTransformer = contract.DefaultTransformer

// CalloutFunc is a user callback registered via Iterator.PutCallout,
// which records it with the compiled block; the translated block does
// not call it.
type CalloutFunc = contract.CalloutFunc
