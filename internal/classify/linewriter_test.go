package classify

import "testing"

func TestLineWriter_ReassemblesSplitWrites(t *testing.T) {
	var got []Line
	w := NewClassifier().NewLineWriter(Stdout, func(l Line) { got = append(got, l) })

	// One line arriving in three writes, then a second complete line.
	w.Write([]byte("Application "))
	w.Write([]byte("startup "))
	w.Write([]byte("complete.\nplain progress line\n"))

	if len(got) != 2 {
		t.Fatalf("Expected 2 lines, got %d: %v", len(got), got)
	}
	if got[0].Kind != KindReady {
		t.Errorf("First line should classify ready, got %v", got[0].Kind)
	}
	if got[1].Kind != KindLog || got[1].Text != "plain progress line" {
		t.Errorf("Second line = %+v, want plain log line", got[1])
	}
}

func TestLineWriter_FlushDeliversTrailingPartialLine(t *testing.T) {
	var got []Line
	w := NewClassifier().NewLineWriter(Stdout, func(l Line) { got = append(got, l) })

	w.Write([]byte("Token acquired successfully"))
	if len(got) != 0 {
		t.Fatalf("Partial line must not be delivered before Flush, got %v", got)
	}

	w.Flush()
	if len(got) != 1 || got[0].Kind != KindReady {
		t.Fatalf("Flush should deliver the classified partial line, got %v", got)
	}

	// Flush with nothing buffered is a no-op.
	w.Flush()
	if len(got) != 1 {
		t.Errorf("Empty Flush delivered a line: %v", got)
	}
}

func TestLineWriter_StripsCarriageReturns(t *testing.T) {
	var got []Line
	w := NewClassifier().NewLineWriter(Stderr, func(l Line) { got = append(got, l) })

	w.Write([]byte("INFO:     Uvicorn running on http://0.0.0.0:8000\r\n"))

	if len(got) != 1 {
		t.Fatalf("Expected 1 line, got %d", len(got))
	}
	if got[0].Kind != KindReady {
		t.Errorf("CRLF line should still match the ready marker, got %v", got[0].Kind)
	}
}
