package wire

import (
	"errors"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestRoundTripPrimitives(t *testing.T) {
	w := NewWriter()
	w.Uint8(7)
	w.Bool(true)
	w.Int32(-12345)
	w.Uint32(0xaabbccdd)
	w.Varint32(-300)
	w.Varuint32(300)
	w.Varint64(-1 << 40)
	w.Varuint64(1 << 40)
	w.Float32(3.5)
	w.String("héllo")
	w.Vec3(mgl32.Vec3{1, 2, 3})

	r := NewReader(w.Bytes())
	if got := r.Uint8(); got != 7 {
		t.Fatalf("uint8: got %v", got)
	}
	if !r.Bool() {
		t.Fatalf("bool: got false")
	}
	if got := r.Int32(); got != -12345 {
		t.Fatalf("int32: got %v", got)
	}
	if got := r.Uint32(); got != 0xaabbccdd {
		t.Fatalf("uint32: got %#x", got)
	}
	if got := r.Varint32(); got != -300 {
		t.Fatalf("varint32: got %v", got)
	}
	if got := r.Varuint32(); got != 300 {
		t.Fatalf("varuint32: got %v", got)
	}
	if got := r.Varint64(); got != -1<<40 {
		t.Fatalf("varint64: got %v", got)
	}
	if got := r.Varuint64(); got != 1<<40 {
		t.Fatalf("varuint64: got %v", got)
	}
	if got := r.Float32(); got != 3.5 {
		t.Fatalf("float32: got %v", got)
	}
	if got := r.String(); got != "héllo" {
		t.Fatalf("string: got %q", got)
	}
	if got := r.Vec3(); got != (mgl32.Vec3{1, 2, 3}) {
		t.Fatalf("vec3: got %v", got)
	}
	if r.Remaining() != 0 {
		t.Fatalf("expected all bytes consumed, %v left", r.Remaining())
	}
}

func TestVaruintIsLEB128(t *testing.T) {
	w := NewWriter()
	w.Varuint32(300)
	// 300 = 0b10_0101100: low seven bits with continuation, then the rest.
	want := []byte{0xac, 0x02}
	got := w.Bytes()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %#v on the wire, got %#v", want, got)
	}
}

func TestFloatIsLittleEndian(t *testing.T) {
	w := NewWriter()
	w.Float32(1.0)
	got := w.Bytes()
	want := []byte{0x00, 0x00, 0x80, 0x3f}
	if len(got) != 4 {
		t.Fatalf("expected 4 bytes, got %v", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %#v on the wire, got %#v", want, got)
		}
	}
}

func TestQuatNormalizedRoundTrip(t *testing.T) {
	q := mgl32.QuatRotate(1.2, mgl32.Vec3{0, 1, 0}).Normalize()

	w := NewWriter()
	w.Quat(q, true)
	if w.Len() != 12 {
		t.Fatalf("expected 12 bytes for a normalized quaternion, got %v", w.Len())
	}

	r := NewReader(w.Bytes())
	got := r.Quat(true)
	if math.Abs(float64(got.W-q.W)) > 1e-5 {
		t.Fatalf("expected w %v to be recovered, got %v", q.W, got.W)
	}
	for i := 0; i < 3; i++ {
		if got.V[i] != q.V[i] {
			t.Fatalf("expected vector part %v, got %v", q.V, got.V)
		}
	}
}

func TestQuatFullRoundTrip(t *testing.T) {
	q := mgl32.Quat{W: -0.5, V: mgl32.Vec3{0.1, 0.2, 0.3}}

	w := NewWriter()
	w.Quat(q, false)
	if w.Len() != 16 {
		t.Fatalf("expected 16 bytes for a full quaternion, got %v", w.Len())
	}
	r := NewReader(w.Bytes())
	if got := r.Quat(false); got != q {
		t.Fatalf("expected %v, got %v", q, got)
	}
}

func TestCatchTurnsTruncationIntoError(t *testing.T) {
	w := NewWriter()
	w.Varuint32(1)

	read := func(b []byte) (err error) {
		defer Catch(&err)
		r := NewReader(b)
		r.Float32()
		return nil
	}
	err := read(w.Bytes())
	if err == nil {
		t.Fatalf("expected an error reading a float from one byte")
	}
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestWriterReset(t *testing.T) {
	w := NewWriter()
	w.Varuint32(1)
	w.Reset()
	if w.Len() != 0 {
		t.Fatalf("expected empty writer after reset, got %v bytes", w.Len())
	}
	w.Uint8(9)
	r := NewReader(w.Bytes())
	if got := r.Uint8(); got != 9 {
		t.Fatalf("expected 9 after reset, got %v", got)
	}
}
