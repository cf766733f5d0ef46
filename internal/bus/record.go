package bus

import "time"

// Kind tells data records apart from synthetic announcements.
type Kind uint8

const (
	KindData Kind = iota
	KindOverrun
	KindBackpressure
	KindHello
	KindEOF
)

func (k Kind) Announcement() bool { return k != KindData }

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindOverrun:
		return "overrun"
	case KindBackpressure:
		return "backpressure"
	case KindHello:
		return "hello"
	case KindEOF:
		return "eof"
	default:
		return "unknown"
	}
}

// Record is one broadcast unit. It is immutable once created: the same
// Payload slice is shared by the history ring and every session queue, so
// nobody may write to it after Submit.
//
// Announcements carry no sequence number (Seq stays 0) and, for KindOverrun,
// the number of records the session missed in Overruns.
type Record struct {
	Seq      uint64
	Elapsed  time.Duration
	Payload  []byte
	Kind     Kind
	Overruns uint64
}

// sequencer stamps data records with a strictly increasing sequence number
// (starting at 1) and the elapsed monotonic time since the bus was built.
// It is only touched from the producer context, under the bus mutex.
type sequencer struct {
	start time.Time
	seq   uint64
}

func (sq *sequencer) stamp(payload []byte) Record {
	sq.seq++
	return Record{
		Seq:     sq.seq,
		Elapsed: time.Since(sq.start),
		Payload: payload,
		Kind:    KindData,
	}
}

func (sq *sequencer) elapsed() time.Duration { return time.Since(sq.start) }
