//go:build !linux

package vfio

import "fmt"

func newEventFD() (int, error) {
	return -1, fmt.Errorf("vfio: eventfd unsupported on this platform")
}

func closeEventFD(fd int) error {
	return nil
}
