package platform

import (
	"os"
	"os/exec"
	"strings"
)

// runNvidiaSMI executes nvidia-smi and returns its output. Swapped out in tests.
var runNvidiaSMI = func() (string, error) {
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return "", err
	}
	out, err := exec.Command(path).CombinedOutput()
	return string(out), err
}

// Detect returns the platform tag for the current machine: a CUDA tag when a
// compatible GPU driver is found, TagCPU otherwise.
func Detect() string {
	if tag := CUDAToTag(DetectCUDAVersion()); tag != "" {
		return tag
	}
	return TagCPU
}

// DetectCUDAVersion tries to detect the installed CUDA version, first from
// nvidia-smi output, then from common CUDA environment variables. Returns a
// string like "12.1" or "" when nothing was detected.
func DetectCUDAVersion() string {
	if out, err := runNvidiaSMI(); err == nil {
		if v := ParseCUDAVersion(out); v != "" {
			return v
		}
	}

	for _, env := range []string{"CUDA_VERSION", "CUDA_HOME", "CUDA_ROOT"} {
		val := os.Getenv(env)
		if val == "" || !strings.Contains(val, ".") {
			continue
		}
		// CUDA_HOME may be a path like /usr/local/cuda-11.8
		if idx := strings.LastIndexByte(val, '-'); idx >= 0 && idx < len(val)-1 {
			val = val[idx+1:]
		}
		parts := strings.Split(val, ".")
		if len(parts) >= 2 && isDigits(parts[0]) && isDigits(parts[1]) {
			return parts[0] + "." + parts[1]
		}
	}
	return ""
}

// ParseCUDAVersion extracts the CUDA version from nvidia-smi banner output,
// e.g. "| NVIDIA-SMI 535.86.10  Driver Version: 535.86.10  CUDA Version: 12.1 |".
func ParseCUDAVersion(out string) string {
	for _, line := range strings.Split(out, "\n") {
		_, rest, ok := strings.Cut(line, "CUDA Version")
		if !ok {
			continue
		}
		rest = strings.TrimLeft(rest, ": \t")
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v := fields[0]
		if strings.Contains(v, ".") && isDigits(strings.SplitN(v, ".", 2)[0]) {
			return v
		}
	}
	return ""
}

// CUDAToTag maps a detected CUDA version to a wheel platform tag like "cu121".
// Unknown or older versions map to "" (callers fall back to CPU builds).
func CUDAToTag(cudaVersion string) string {
	v := strings.TrimSpace(cudaVersion)
	switch {
	case strings.HasPrefix(v, "12.1"):
		return TagCUDA121
	case strings.HasPrefix(v, "12.0"):
		return TagCUDA120
	case strings.HasPrefix(v, "11.8"):
		return TagCUDA118
	case strings.HasPrefix(v, "11.7"):
		return TagCUDA117
	case strings.HasPrefix(v, "11.6"):
		return TagCUDA116
	default:
		return ""
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
