package xbuffer

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 7, 64, 127, 128} {
		b := New(128)
		msg := bytes.Repeat([]byte{'x'}, n)
		for i := range msg {
			msg[i] = byte('a' + i%26)
		}
		if rc := b.Write(msg); rc != -1 {
			t.Fatalf("n=%d: Write returned %d, want -1", n, rc)
		}
		b.Forward(Infinite)
		got := make([]byte, n)
		b.Peek(got)
		if !bytes.Equal(got, msg) {
			t.Fatalf("n=%d: round-trip mismatch: got %q want %q", n, got, msg)
		}
		if !b.Invariant() {
			t.Fatalf("n=%d: invariant violated after write", n)
		}
	}
}

func TestWriteTooLarge(t *testing.T) {
	b := New(8)
	if rc := b.Write(make([]byte, 9)); rc != -2 {
		t.Fatalf("Write(9 bytes into 8-byte buffer) = %d, want -2", rc)
	}
}

func TestWriteReportsContiguousFree(t *testing.T) {
	b := New(8)
	b.Write([]byte("abcd"))
	b.Forward(4)
	b.Advance(4) // drain; an emptied buffer resets its cursors to 0
	b.Write([]byte("efgh"))
	rc := b.Write([]byte("too much")) // fits size 8, not the 4 free bytes
	if rc == -1 || rc == -2 {
		t.Fatalf("Write over capacity returned %d, want a positive retry hint", rc)
	}
}

func TestForwardAdditive(t *testing.T) {
	b := New(32)
	b.Write([]byte("0123456789"))
	// Write already commits its bytes to send_max, so the forwarding
	// budget accumulates in to_forward.
	b.Forward(3)
	if b.ToForward() != 3 {
		t.Fatalf("ToForward after Forward(3) = %d, want 3", b.ToForward())
	}
	b.Forward(4)
	if b.ToForward() != 7 {
		t.Fatalf("ToForward after Forward(3)+Forward(4) = %d, want 7 (k+m)", b.ToForward())
	}
}

func TestForwardSaturatesInfinite(t *testing.T) {
	b := New(16)
	b.Write([]byte("hello"))
	b.Forward(Infinite)
	if b.ToForward() != Infinite {
		t.Fatalf("ToForward = %d, want Infinite", b.ToForward())
	}
	if b.SendMax() != int64(b.Len()) {
		t.Fatalf("SendMax = %d, want l = %d once infinite", b.SendMax(), b.Len())
	}
}

func TestReplaceNoopOnEmptyRange(t *testing.T) {
	b := New(32)
	b.Write([]byte("abcdef"))
	before := make([]byte, b.Len())
	b.Peek(before)
	if ok := b.Replace(2, 2, nil); !ok {
		t.Fatalf("Replace(pos,pos,\"\") should succeed")
	}
	after := make([]byte, b.Len())
	b.Peek(after)
	if !bytes.Equal(before, after) {
		t.Fatalf("Replace(pos,pos,\"\") mutated buffer: %q -> %q", before, after)
	}
}

func TestReplaceSplice(t *testing.T) {
	b := New(32)
	b.Write([]byte("GET /old HTTP/1.0"))
	if ok := b.Replace(4, 8, []byte("/new/path")); !ok {
		t.Fatalf("Replace failed")
	}
	got := make([]byte, b.Len())
	b.Peek(got)
	if string(got) != "GET /new/path HTTP/1.0" {
		t.Fatalf("Replace produced %q", got)
	}
}

func TestInsertLine(t *testing.T) {
	b := New(64)
	b.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
	if ok := b.InsertLine(0, []byte("X-Forwarded-For: 1.2.3.4")); !ok {
		t.Fatalf("InsertLine failed")
	}
	got := make([]byte, b.Len())
	b.Peek(got)
	want := "X-Forwarded-For: 1.2.3.4\r\nGET / HTTP/1.0\r\n\r\n"
	if string(got) != want {
		t.Fatalf("InsertLine produced %q, want %q", got, want)
	}
}

func TestPeekLineNoNewlineYet(t *testing.T) {
	b := New(32)
	b.Write([]byte("partial"))
	b.Forward(Infinite)
	if n := b.PeekLine(make([]byte, 16)); n != 0 {
		t.Fatalf("PeekLine on partial data = %d, want 0", n)
	}
}

func TestPeekLineReturnsLine(t *testing.T) {
	b := New(32)
	b.Write([]byte("line1\nline2"))
	b.Forward(Infinite)
	dst := make([]byte, 16)
	n := b.PeekLine(dst)
	if n != 6 || string(dst[:n]) != "line1\n" {
		t.Fatalf("PeekLine = %d (%q), want 6 (\"line1\\n\")", n, dst[:n])
	}
}

func TestPeekLineShutReturnsNegative(t *testing.T) {
	b := New(32)
	b.Write([]byte("noeol"))
	b.Forward(Infinite)
	b.Flags |= SHUTR
	if n := b.PeekLine(make([]byte, 16)); n >= 0 {
		t.Fatalf("PeekLine on shut buffer = %d, want <0", n)
	}
}

func TestFullAndOutEmptyFlags(t *testing.T) {
	b := New(8)
	b.SetMaxLen(8)
	if b.Flags&OutEmpty == 0 {
		t.Fatalf("OUT_EMPTY not set while send_max is 0")
	}
	b.Write([]byte("12345678"))
	if b.Flags&Full == 0 {
		t.Fatalf("FULL not set when l >= max_len")
	}
	b.Forward(4)
	if b.Flags&OutEmpty != 0 {
		t.Fatalf("OUT_EMPTY still set after Write() and Forward(4)")
	}
}

func TestBounceRealignPreservesContent(t *testing.T) {
	b := New(8)
	b.Write([]byte("abcdef"))
	b.Forward(Infinite)
	b.Advance(4) // w wraps forward, making the remaining content "wrap-eligible"
	b.Write([]byte("XYZW"))
	var before [8]byte
	n := b.Peek(before[:])
	b.BounceRealign()
	var after [8]byte
	m := b.Peek(after[:])
	if n != m || !bytes.Equal(before[:n], after[:m]) {
		t.Fatalf("BounceRealign changed content: %q -> %q", before[:n], after[:m])
	}
	if !b.Invariant() {
		t.Fatalf("invariant violated after BounceRealign")
	}
}

func TestShutdownIdempotence(t *testing.T) {
	b := New(16)
	apply := func() {
		if b.Flags&AutoClose != 0 && b.Flags&SHUTR != 0 && b.Flags&Hijack == 0 {
			b.Flags |= SHUTWNow
		}
	}
	b.Flags |= AutoClose | SHUTR
	apply()
	first := b.Flags
	apply()
	if b.Flags != first {
		t.Fatalf("applying shutdown propagation twice changed flags: %v -> %v", first, b.Flags)
	}
}
