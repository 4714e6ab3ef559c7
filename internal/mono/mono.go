// Package mono provides low-level monotonic time readings.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

// NanoTime returns a monotonic nanosecond timestamp. Only deltas between
// two NanoTime() values are meaningful; the absolute value carries no
// wall-clock interpretation.
func NanoTime() int64 { return int64(time.Since(start)) }

var start = time.Now()

// Since returns the elapsed duration since a prior NanoTime() reading.
func Since(start int64) time.Duration { return time.Duration(NanoTime() - start) }
