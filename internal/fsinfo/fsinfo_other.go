//go:build !darwin && !linux

package fsinfo

import "fmt"

func detectType(path string) (string, error) {
	return "", fmt.Errorf("filesystem detection is unsupported on this platform")
}
