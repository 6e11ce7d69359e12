//go:build !linux && !darwin

package rerank

import "fmt"

func locateORTLibrary(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	return "", fmt.Errorf("ONNX runtime probing is not supported on this platform, set rerank.ort_library_path")
}
