package decay

import "testing"

func TestRetentionRestoreIdempotent(t *testing.T) {
	b := NewRetentionBuffer()
	b.Restore(42) // no-op, nothing buffered
	if b.Contains(42) {
		t.Error("restore of never-buffered index should be a no-op")
	}
}

func TestRetentionMarkOrTickLifecycle(t *testing.T) {
	b := NewRetentionBuffer()
	for i := 0; i < DefaultRetentionTTL; i++ {
		if b.MarkOrTick(7) {
			t.Fatalf("tick %d archived too early", i)
		}
	}
	if !b.Contains(7) {
		t.Error("index should still be buffered before TTL expires")
	}
	if !b.MarkOrTick(7) {
		t.Error("final tick should report archival")
	}
	if b.Contains(7) {
		t.Error("index should be removed from buffer after archival")
	}
}

func TestRetentionRestoreDuringBuffering(t *testing.T) {
	b := NewRetentionBuffer()
	b.MarkOrTick(3)
	b.Restore(3)
	if b.Contains(3) {
		t.Error("restore should remove the entry entirely")
	}
}
