package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ringboard/ringboard/mimetype"
	"github.com/ringboard/ringboard/ringid"
)

func TestRequestRoundTrip(t *testing.T) {
	cases := []Request{
		{Op: OpAdd, To: ringid.Main, Mime: mimetype.Type("image/png")},
		{Op: OpMoveToFront, ID: ringid.Composite(ringid.Main, 7), HasTo: true, To: ringid.Favorites},
		{Op: OpMoveToFront, ID: ringid.Composite(ringid.Main, 7)}, // HasTo false: to == from
		{Op: OpSwap, ID: ringid.Composite(ringid.Favorites, 1), ID2: ringid.Composite(ringid.Main, 2)},
		{Op: OpRemove, ID: ringid.Composite(ringid.Main, 3)},
		{Op: OpGarbageCollect, MaxWastedBytes: 4096},
	}
	for _, c := range cases {
		buf, err := c.Encode()
		require.NoError(t, err)
		require.Len(t, buf, RequestSize)

		got, err := DecodeRequest(buf)
		require.NoError(t, err)
		require.Equal(t, c, got)
	}
}

func TestRequestRejectsOversizedMime(t *testing.T) {
	r := Request{Op: OpAdd, Mime: mimetype.Type(make([]byte, mimetype.MaxLen+1))}
	_, err := r.Encode()
	require.Error(t, err)
}

func TestDecodeRequestRejectsWrongSize(t *testing.T) {
	_, err := DecodeRequest(make([]byte, RequestSize-1))
	require.Error(t, err)
}

func TestResponseRoundTrip(t *testing.T) {
	cases := []Response{
		{Sequence: 1, Op: OpAdd, ID: ringid.Composite(ringid.Main, 0)},
		{Sequence: 2, Op: OpMoveToFront, Err1: IDErrInvalidEntry},
		{Sequence: 3, Op: OpSwap, Err1: IDErrInvalidRing, Err2: IDErrOK},
		{Sequence: 4, Op: OpGarbageCollect, BytesFreed: 12345},
	}
	for _, c := range cases {
		buf := c.Encode()
		require.Len(t, buf, ResponseSize)

		got, err := DecodeResponse(buf)
		require.NoError(t, err)
		require.Equal(t, c, got)
	}
}

func TestPasteCommandRoundTrip(t *testing.T) {
	c := PasteCommand{
		Version:      Version,
		TriggerPaste: true,
		ID:           ringid.Composite(ringid.Favorites, 9),
		Mime:         mimetype.Type("text/plain"),
	}
	buf, err := c.Encode()
	require.NoError(t, err)
	require.Len(t, buf, PasteCommandSize)

	got, err := DecodePasteCommand(buf)
	require.NoError(t, err)
	require.Equal(t, c, got)
}
