package pipeline

import "strings"

// classifyBuildFailure maps common docker build failures to a short hint that
// is appended to the error log so users do not have to dig through raw
// builder output.
func classifyBuildFailure(output string) string {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "no such file or directory"),
		strings.Contains(lower, "not found: not found"),
		strings.Contains(lower, "file not found"):
		return "a file referenced by the build is missing from the repository"
	case strings.Contains(lower, "permission denied"):
		return "the build hit a permission error; check file modes in the repository"
	case strings.Contains(lower, "i/o timeout"),
		strings.Contains(lower, "tls handshake timeout"),
		strings.Contains(lower, "temporary failure in name resolution"):
		return "a network timeout occurred while pulling images or packages"
	case strings.Contains(lower, "no space left on device"):
		return "the host is out of disk space"
	default:
		return ""
	}
}
