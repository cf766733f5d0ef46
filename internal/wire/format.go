// Package wire renders records into the per-client text format.
//
// Each row is: optional timestamp column, optional sequence column, payload,
// terminated by the separator byte. Present columns are tab-separated, with
// one exception that lets clients tell synthetic rows from data on the wire:
// when timestamps are enabled, the column immediately before an announcement
// payload is a space instead of a tab. Announcements never carry a sequence
// column.
package wire

import (
	"fmt"
	"strconv"

	"linetap/internal/bus"
)

// DefaultHello is the hello payload when no custom text is configured.
const DefaultHello = "HELLO"

type Config struct {
	// Timestamps prefixes rows with elapsed time as two fixed-width
	// zero-padded decimal fields (seconds, microseconds) joined by ".".
	Timestamps bool
	// SeqNums prefixes data rows with the record's sequence number.
	SeqNums bool
	// Separator terminates every row; also the input record separator.
	Separator byte
	// Hello is the payload of the hello announcement.
	Hello string
}

type Encoder struct {
	cfg Config
}

func NewEncoder(cfg Config) *Encoder {
	if cfg.Hello == "" {
		cfg.Hello = DefaultHello
	}
	return &Encoder{cfg: cfg}
}

// Append renders one record and appends it to dst.
func (e *Encoder) Append(dst []byte, r bus.Record) []byte {
	ann := r.Kind.Announcement()
	if e.cfg.Timestamps {
		dst = appendTimestamp(dst, r)
		if ann {
			dst = append(dst, ' ')
		} else {
			dst = append(dst, '\t')
		}
	}
	if ann {
		dst = e.appendAnnouncement(dst, r)
	} else {
		if e.cfg.SeqNums {
			dst = strconv.AppendUint(dst, r.Seq, 10)
			dst = append(dst, '\t')
		}
		dst = append(dst, r.Payload...)
	}
	return append(dst, e.cfg.Separator)
}

func (e *Encoder) appendAnnouncement(dst []byte, r bus.Record) []byte {
	switch r.Kind {
	case bus.KindOverrun:
		dst = append(dst, "OVERRUN "...)
		return strconv.AppendUint(dst, r.Overruns, 10)
	case bus.KindBackpressure:
		return append(dst, "BACKPRESSURE"...)
	case bus.KindHello:
		return append(dst, e.cfg.Hello...)
	case bus.KindEOF:
		return append(dst, "EOF"...)
	default:
		return append(dst, r.Payload...)
	}
}

func appendTimestamp(dst []byte, r bus.Record) []byte {
	secs := r.Elapsed / 1e9
	micros := (r.Elapsed % 1e9) / 1e3
	return fmt.Appendf(dst, "%06d.%06d", int64(secs), int64(micros))
}
