package daemon

import "testing"

func TestIsChild(t *testing.T) {
	t.Setenv(reexecEnvVar, "")
	if IsChild() {
		t.Fatalf("expected IsChild to be false without the marker")
	}
	t.Setenv(reexecEnvVar, "1")
	if !IsChild() {
		t.Fatalf("expected IsChild to be true with the marker set")
	}
}
