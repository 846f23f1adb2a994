package classify

import "bytes"

// LineWriter adapts a Classifier into an io.Writer suitable for a child
// process output stream: raw writes are reassembled into lines and each
// classified line is delivered to the callback as soon as its newline
// arrives. One LineWriter serves one stream and must not be written to
// concurrently; give stdout and stderr a writer each.
type LineWriter struct {
	classifier *Classifier
	stream     Stream
	emit       func(Line)
	partial    bytes.Buffer
}

// NewLineWriter creates a LineWriter delivering classified lines from
// the given stream to emit.
func (c *Classifier) NewLineWriter(stream Stream, emit func(Line)) *LineWriter {
	return &LineWriter{
		classifier: c,
		stream:     stream,
		emit:       emit,
	}
}

// Write implements io.Writer. It never fails: a write is buffered until
// a newline completes the line.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.partial.Write(p)
	for {
		raw := w.partial.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := string(raw[:i])
		w.partial.Next(i + 1)
		w.deliver(line)
	}
}

// Flush delivers any trailing partial line. Call it after the stream has
// ended: a process killed mid-line still gets its last words classified.
func (w *LineWriter) Flush() {
	if w.partial.Len() == 0 {
		return
	}
	line := w.partial.String()
	w.partial.Reset()
	w.deliver(line)
}

func (w *LineWriter) deliver(raw string) {
	for _, line := range w.classifier.Scan(w.stream, raw) {
		w.emit(line)
	}
}
