package platform

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCUDAVersion(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want string
	}{
		{
			name: "typical banner",
			out:  "+-----------------------------+\n| NVIDIA-SMI 535.86.10    Driver Version: 535.86.10    CUDA Version: 12.1     |\n",
			want: "12.1",
		},
		{
			name: "older driver",
			out:  "| NVIDIA-SMI 470.57.02 Driver Version: 470.57.02 CUDA Version: 11.7 |",
			want: "11.7",
		},
		{
			name: "no cuda line",
			out:  "some unrelated tool output",
			want: "",
		},
		{
			name: "garbage after label",
			out:  "CUDA Version: n/a",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCUDAVersion(tt.out))
		})
	}
}

func TestCUDAToTag(t *testing.T) {
	tests := []struct {
		version string
		want    string
	}{
		{"12.1", TagCUDA121},
		{"12.0", TagCUDA120},
		{"11.8", TagCUDA118},
		{"11.7", TagCUDA117},
		{"11.6", TagCUDA116},
		{"10.2", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CUDAToTag(tt.version), "version %q", tt.version)
	}
}

func TestDetect_FallsBackToCPU(t *testing.T) {
	orig := runNvidiaSMI
	defer func() { runNvidiaSMI = orig }()
	runNvidiaSMI = func() (string, error) { return "", errors.New("not installed") }

	t.Setenv("CUDA_VERSION", "")
	t.Setenv("CUDA_HOME", "")
	t.Setenv("CUDA_ROOT", "")

	assert.Equal(t, TagCPU, Detect())
}

func TestDetect_FromNvidiaSMI(t *testing.T) {
	orig := runNvidiaSMI
	defer func() { runNvidiaSMI = orig }()
	runNvidiaSMI = func() (string, error) {
		return "| NVIDIA-SMI 535.86.10 Driver Version: 535.86.10 CUDA Version: 12.1 |", nil
	}

	assert.Equal(t, TagCUDA121, Detect())
}

func TestDetectCUDAVersion_FromEnv(t *testing.T) {
	orig := runNvidiaSMI
	defer func() { runNvidiaSMI = orig }()
	runNvidiaSMI = func() (string, error) { return "", errors.New("not installed") }

	t.Setenv("CUDA_VERSION", "11.8")
	assert.Equal(t, "11.8", DetectCUDAVersion())

	t.Setenv("CUDA_VERSION", "")
	t.Setenv("CUDA_HOME", "/usr/local/cuda-12.1")
	assert.Equal(t, "12.1", DetectCUDAVersion())
}

func TestIsValidTag(t *testing.T) {
	assert.True(t, IsValidTag("cpu"))
	assert.True(t, IsValidTag("cu121"))
	assert.False(t, IsValidTag("cu999"))
	assert.False(t, IsValidTag(""))
}
