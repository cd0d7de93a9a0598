//go:build !linux

package translator

func lowerPriority() error { return nil }
