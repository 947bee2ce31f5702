package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omochice/netdebug/internal/capture"
)

func TestDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cap")
	rec, err := capture.Create(path)
	require.NoError(t, err)

	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.Local)
	require.NoError(t, rec.Record(capture.Record{Time: ts, Direction: capture.DirectionIn, Peer: "127.0.0.1:9000", Payload: []byte{0xca, 0xfe}}))
	require.NoError(t, rec.Record(capture.Record{Time: ts, Direction: capture.DirectionEvent, Note: "client 127.0.0.1:9000 disconnected"}))
	require.NoError(t, rec.Close())

	var out bytes.Buffer
	require.NoError(t, dump(path, &out))
	require.Equal(t,
		"[2024-05-01 08:00:00.000] IN    127.0.0.1:9000|2 bytes\n  CA FE\n"+
			"[2024-05-01 08:00:00.000] EVENT client 127.0.0.1:9000 disconnected\n",
		out.String())
}

func TestDumpMissingFile(t *testing.T) {
	var out bytes.Buffer
	require.Error(t, dump(filepath.Join(t.TempDir(), "none.cap"), &out))
}
