package completion

import "testing"

func TestPatternClassifier(t *testing.T) {
	c := NewDefaultClassifier()

	tests := []struct {
		name     string
		exitCode int
		output   string
		want     Type
	}{
		{"exit zero", 0, "", Success},
		{"exit zero wins over network text", 0, "connection refused", Success},
		{"exit zero wins over permission text", 0, "tool use was denied", Success},
		{"plain failure", 1, "panic: index out of range", Failed},
		{"empty output", 2, "", Failed},
		{"connection refused", 1, "dial tcp 127.0.0.1:443: Connection Refused", NetworkError},
		{"dns", 1, "curl: (6) Could not resolve host: api.example.com", NetworkError},
		{"node style", 1, "Error: getaddrinfo ENOTFOUND api.example.com", NetworkError},
		{"timeout", 124, "request TIMED OUT after 30s", NetworkError},
		{"socket", 1, "socket hang up", NetworkError},
		{"permission", 1, "Claude requested permission to use Bash", PermissionBlocked},
		{"approval", 1, "this command requires approval", PermissionBlocked},
		{"denied", 1, "Tool use was denied by the user", PermissionBlocked},
		{"network wins over permission", 1, "tool use was denied: connection refused", NetworkError},
		{"generic permission denied is a failure", 1, "open /etc/shadow: permission denied", Failed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.exitCode, tt.output); got != tt.want {
				t.Errorf("Classify(%d, %q) = %v, want %v", tt.exitCode, tt.output, got, tt.want)
			}
		})
	}
}

func TestPatternClassifierCustomPatterns(t *testing.T) {
	c := NewPatternClassifier([]string{"Upstream Down"}, []string{"sandbox says no"})

	if got := c.Classify(1, "upstream down"); got != NetworkError {
		t.Errorf("custom network pattern: got %v", got)
	}
	if got := c.Classify(1, "SANDBOX SAYS NO"); got != PermissionBlocked {
		t.Errorf("custom permission pattern: got %v", got)
	}
	if got := c.Classify(1, "connection refused"); got != Failed {
		t.Errorf("default patterns must not leak into custom classifier: got %v", got)
	}
}

func TestTypeString(t *testing.T) {
	tests := map[Type]string{
		Success:           "success",
		Failed:            "failed",
		NetworkError:      "network_error",
		PermissionBlocked: "permission_blocked",
		Type(99):          "unknown",
	}
	for typ, want := range tests {
		if got := typ.String(); got != want {
			t.Errorf("Type(%d).String() = %q, want %q", int(typ), got, want)
		}
	}
}

func TestTypeRetryable(t *testing.T) {
	if Success.Retryable() || PermissionBlocked.Retryable() {
		t.Error("success and permission-blocked must not consume retries")
	}
	if !Failed.Retryable() || !NetworkError.Retryable() {
		t.Error("failed and network errors must consume retries")
	}
	if PermissionBlocked.Backoff() {
		t.Error("permission-blocked must not contribute to backoff")
	}
}
