package outbound

import (
	"strings"
	"testing"
)

func TestSplitMessage_ShortPassesThrough(t *testing.T) {
	got := SplitMessage("hello there", 100)
	if len(got) != 1 || got[0] != "hello there" {
		t.Errorf("got %v", got)
	}
}

func TestSplitMessage_Empty(t *testing.T) {
	if got := SplitMessage("  \n ", 100); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestSplitMessage_PrefersParagraphBreaks(t *testing.T) {
	body := "First paragraph with some text.\n\nSecond paragraph that continues the thought."
	got := SplitMessage(body, 50)
	if len(got) != 2 {
		t.Fatalf("got %d segments: %v", len(got), got)
	}
	if got[0] != "First paragraph with some text." {
		t.Errorf("first segment %q", got[0])
	}
	if got[1] != "Second paragraph that continues the thought." {
		t.Errorf("second segment %q", got[1])
	}
}

func TestSplitMessage_FallsBackToSentences(t *testing.T) {
	body := "This is one sentence. This is another sentence that makes it longer."
	got := SplitMessage(body, 40)
	if len(got) < 2 {
		t.Fatalf("got %v", got)
	}
	if got[0] != "This is one sentence." {
		t.Errorf("first segment %q", got[0])
	}
}

func TestSplitMessage_WordBoundary(t *testing.T) {
	body := "word another word again and again and again"
	for _, seg := range SplitMessage(body, 15) {
		if len(seg) > 15 {
			t.Errorf("segment %q exceeds limit", seg)
		}
		if strings.HasPrefix(seg, " ") || strings.HasSuffix(seg, " ") {
			t.Errorf("segment %q not trimmed", seg)
		}
	}
}

func TestSplitMessage_UnbrokenRunGetsCut(t *testing.T) {
	body := strings.Repeat("a", 25)
	got := SplitMessage(body, 10)
	if len(got) != 3 {
		t.Fatalf("got %d segments", len(got))
	}
	total := 0
	for _, seg := range got {
		if len(seg) > 10 {
			t.Errorf("segment %q exceeds limit", seg)
		}
		total += len(seg)
	}
	if total != 25 {
		t.Errorf("content lost: %d of 25 chars", total)
	}
}
