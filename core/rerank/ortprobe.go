//go:build linux || darwin

package rerank

import (
	"fmt"
	"os"

	"github.com/ebitengine/purego"
)

// ortSearchPaths lists where the ONNX runtime shared library is commonly
// installed. Checked in order; the first loadable path wins.
var ortSearchPaths = []string{
	"/usr/lib/libonnxruntime.so",
	"/usr/lib64/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	"/opt/onnxruntime/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.dylib",
	"/opt/homebrew/lib/libonnxruntime.dylib",
}

// locateORTLibrary finds a loadable ONNX runtime shared library. An
// explicit override is verified but not searched around; otherwise the
// ORT_LIBRARY_PATH environment variable and then the standard install
// locations are probed with dlopen.
func locateORTLibrary(override string) (string, error) {
	if override != "" {
		if err := probeLibrary(override); err != nil {
			return "", fmt.Errorf("configured ONNX runtime library %s: %w", override, err)
		}
		return override, nil
	}

	candidates := ortSearchPaths
	if env := os.Getenv("ORT_LIBRARY_PATH"); env != "" {
		candidates = append([]string{env}, candidates...)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := probeLibrary(path); err != nil {
			continue
		}
		return path, nil
	}

	return "", fmt.Errorf("no loadable ONNX runtime library found, set ORT_LIBRARY_PATH or rerank.ort_library_path")
}

// probeLibrary dlopens the path to confirm the dynamic linker can
// actually load it, then leaves the handle open. ORT stays resident for
// the process lifetime anyway once hugot initializes it.
func probeLibrary(path string) error {
	_, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return fmt.Errorf("dlopen: %w", err)
	}
	return nil
}
