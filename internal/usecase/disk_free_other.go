//go:build !linux && !darwin

package usecase

import "errors"

func diskFreeBytes(string) (int64, error) {
	return 0, errors.New("disk space check not supported on this platform")
}
