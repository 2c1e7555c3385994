//go:build !linux

package sched

import "errors"

var errNoRealtime = errors.New("realtime scheduling not supported on this platform")

func setRealtime(int) error { return errNoRealtime }

func lockMemory() error { return errNoRealtime }
