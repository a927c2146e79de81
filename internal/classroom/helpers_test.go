package classroom

import "testing"

func mustSubject(t *testing.T, raw string) Subject {
	t.Helper()
	subject, err := NewSubject(raw)
	if err != nil {
		t.Fatalf("failed to build subject %q: %v", raw, err)
	}
	return subject
}

func millisPtr(v int64) *int64 {
	return &v
}
