package agent

import (
	"io"
	"iter"

	"github.com/nugget/mcprelay/internal/llm"
)

// Relay narrows a run's event stream to its text. Token fragments are
// forwarded in order and everything else is dropped. Stopping the range
// over the result stops the underlying run.
func Relay(events iter.Seq2[llm.StreamEvent, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for ev, err := range events {
			if err != nil {
				yield("", err)
				return
			}
			if ev.Kind != llm.KindToken || ev.Token == "" {
				continue
			}
			if !yield(ev.Token, nil) {
				return
			}
		}
	}
}

type flusher interface {
	Flush() error
}

type httpFlusher interface {
	Flush()
}

// RelayTo writes a run's text to w as it arrives, flushing after each
// fragment when w supports it. It returns the number of bytes written.
func RelayTo(w io.Writer, events iter.Seq2[llm.StreamEvent, error]) (int64, error) {
	var n int64
	for token, err := range Relay(events) {
		if err != nil {
			return n, err
		}
		written, err := io.WriteString(w, token)
		n += int64(written)
		if err != nil {
			return n, err
		}
		switch f := w.(type) {
		case flusher:
			if err := f.Flush(); err != nil {
				return n, err
			}
		case httpFlusher:
			f.Flush()
		}
	}
	return n, nil
}
