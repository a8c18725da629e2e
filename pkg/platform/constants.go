package platform

// Package platform provides detection and validation of the wheel platform
// tag mlget selects artifacts for (CUDA builds vs CPU builds).

const (
	// TagCPU represents CPU-only builds, the fallback when no GPU is detected.
	TagCPU = "cpu"

	// TagCUDA121 represents CUDA 12.1 builds.
	TagCUDA121 = "cu121"
	// TagCUDA120 represents CUDA 12.0 builds.
	TagCUDA120 = "cu120"
	// TagCUDA118 represents CUDA 11.8 builds.
	TagCUDA118 = "cu118"
	// TagCUDA117 represents CUDA 11.7 builds.
	TagCUDA117 = "cu117"
	// TagCUDA116 represents CUDA 11.6 builds.
	TagCUDA116 = "cu116"
)

// ValidTags returns the platform tags mlget knows how to resolve.
func ValidTags() []string {
	return []string{
		TagCPU,
		TagCUDA121,
		TagCUDA120,
		TagCUDA118,
		TagCUDA117,
		TagCUDA116,
	}
}
