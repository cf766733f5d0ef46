package producer

// Splitter turns an arbitrary byte stream into discrete records. A record
// ends at the separator byte or, to bound memory against unterminated input,
// when the buffered partial line reaches maxLen (forced split). Payloads
// never contain the separator.
type Splitter struct {
	sep    byte
	maxLen int

	buf []byte
	// forced remembers that the last record was emitted by a length cutoff,
	// so a separator arriving right after it terminates that record instead
	// of producing an empty one.
	forced bool
}

func NewSplitter(sep byte, maxLen int) *Splitter {
	if maxLen < 1 {
		maxLen = 1
	}
	return &Splitter{sep: sep, maxLen: maxLen}
}

// Feed consumes one input chunk, calling emit for every completed record.
// The emitted slice is handed off: the splitter never touches it again.
func (s *Splitter) Feed(p []byte, emit func([]byte) error) error {
	for _, c := range p {
		if c == s.sep {
			if s.forced && len(s.buf) == 0 {
				s.forced = false
				continue
			}
			if err := emit(s.take()); err != nil {
				return err
			}
			continue
		}
		s.forced = false
		s.buf = append(s.buf, c)
		if len(s.buf) >= s.maxLen {
			if err := emit(s.take()); err != nil {
				return err
			}
			s.forced = true
		}
	}
	return nil
}

// Flush emits any non-empty remaining partial record. Called on end-of-input,
// where a missing trailing separator must not swallow the last record.
func (s *Splitter) Flush(emit func([]byte) error) error {
	if len(s.buf) == 0 {
		return nil
	}
	return emit(s.take())
}

// Pending reports how many bytes of an incomplete record are buffered.
func (s *Splitter) Pending() int { return len(s.buf) }

func (s *Splitter) take() []byte {
	out := s.buf
	s.buf = nil
	s.forced = false
	return out
}
