package main

import (
	"fmt"
	"io"
	"os"

	"github.com/omochice/netdebug/internal/capture"
	"github.com/omochice/netdebug/internal/console"
)

// dump prints every record of a capture file.
func dump(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open capture file: %w", err)
	}
	defer f.Close()

	rd := capture.NewReader(f)
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		printRecord(w, rec)
	}
}

func printRecord(w io.Writer, rec capture.Record) {
	ts := rec.Time.Format("2006-01-02 15:04:05.000")
	if rec.Direction == capture.DirectionEvent {
		fmt.Fprintf(w, "[%s] %-5s %s\n", ts, rec.Direction, rec.Note)
		return
	}
	fmt.Fprintf(w, "[%s] %-5s %s|%d bytes\n  %s\n", ts, rec.Direction, rec.Peer, len(rec.Payload), console.FormatHex(rec.Payload))
}
