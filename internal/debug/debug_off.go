//go:build !debug

// Package debug provides build-tag gated invariant assertions. Built without
// the "debug" tag every function here is a zero-cost no-op; build with
// `-tags debug` to turn §5's lock-ownership and state invariants into panics
// instead of silently trusted comments.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import "sync"

func ON() bool { return false }

func Assert(_ bool, _ ...any)            {}
func Assertf(_ bool, _ string, _ ...any) {}
func AssertNoErr(_ error)                {}
func AssertFunc(_ func() bool, _ ...any) {}

func AssertMutexLocked(_ *sync.Mutex)     {}
func AssertRWMutexLocked(_ *sync.RWMutex) {}
