package rpc

import "testing"

// TestNextTagWrapsToZero is spec scenario S4: set the generator one below
// max_tag, draw two tags, and observe (max_tag, 0) -- mirroring
// hg_gen_request_tag's wrap target of 0, not 1.
func TestNextTagWrapsToZero(t *testing.T) {
	r := &Registry{maxTag: 5}
	r.tag = r.maxTag - 1

	if got := r.nextTag(); got != r.maxTag {
		t.Fatalf("first draw = %d, want %d", got, r.maxTag)
	}
	if got := r.nextTag(); got != 0 {
		t.Fatalf("second draw = %d, want 0", got)
	}
}
