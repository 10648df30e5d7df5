// Package wire implements the binary codec used by the simulation sync
// protocol. All multi-byte primitives are little-endian, variable-length
// integers are unsigned LEB128 and signed variable-length integers are zig-zag
// encoded, matching the encoding of the underlying protocol library.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/sandertv/gophertunnel/minecraft/protocol"
)

// Packet type identifiers, written as the first byte of every packet.
const (
	IDExecCommands   uint8 = 0x01
	IDSyncSimulation uint8 = 0x02
)

// ErrMalformed is wrapped by every error produced while decoding a packet that
// was truncated or otherwise invalid.
var ErrMalformed = errors.New("malformed packet")

// Writer encodes values into an in-memory packet buffer.
type Writer struct {
	buf *bytes.Buffer
	w   *protocol.Writer
}

// NewWriter creates a Writer with an empty buffer.
func NewWriter() *Writer {
	buf := bytes.NewBuffer(make([]byte, 0, 256))
	return &Writer{buf: buf, w: protocol.NewWriter(buf, 0)}
}

// Bytes returns the bytes written so far. The slice is only valid until the
// next Reset call.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return w.buf.Len() }

// Reset discards all bytes written so far, retaining the buffer.
func (w *Writer) Reset() { w.buf.Reset() }

func (w *Writer) Uint8(x uint8)      { w.w.Uint8(&x) }
func (w *Writer) Bool(x bool)        { w.w.Bool(&x) }
func (w *Writer) Int32(x int32)      { w.w.Int32(&x) }
func (w *Writer) Uint32(x uint32)    { v := int32(x); w.w.Int32(&v) }
func (w *Writer) Varint32(x int32)   { w.w.Varint32(&x) }
func (w *Writer) Varuint32(x uint32) { w.w.Varuint32(&x) }
func (w *Writer) Varint64(x int64)   { w.w.Varint64(&x) }
func (w *Writer) Varuint64(x uint64) { w.w.Varuint64(&x) }
func (w *Writer) Float32(x float32)  { w.w.Float32(&x) }
func (w *Writer) String(x string)    { w.w.String(&x) }
func (w *Writer) Vec3(x mgl32.Vec3)  { w.w.Vec3(&x) }

// Quat writes a quaternion. If normalized is true, only the vector part is
// written and the reader recovers w from the unit-length constraint.
func (w *Writer) Quat(q mgl32.Quat, normalized bool) {
	w.Float32(q.V[0])
	w.Float32(q.V[1])
	w.Float32(q.V[2])
	if !normalized {
		w.Float32(q.W)
	}
}

// Reader decodes values from a packet buffer. Methods panic on malformed
// input; packet-level decoders recover the panic through Catch, following the
// error model of the protocol library.
type Reader struct {
	buf *bytes.Reader
	r   *protocol.Reader
}

// NewReader creates a Reader decoding the packet payload passed.
func NewReader(b []byte) *Reader {
	buf := bytes.NewReader(b)
	return &Reader{buf: buf, r: protocol.NewReader(buf, 0, false)}
}

// Remaining returns the number of bytes left to be read.
func (r *Reader) Remaining() int { return r.buf.Len() }

func (r *Reader) Uint8() uint8 {
	var x uint8
	r.r.Uint8(&x)
	return x
}

func (r *Reader) Bool() bool {
	var x bool
	r.r.Bool(&x)
	return x
}

func (r *Reader) Int32() int32 {
	var x int32
	r.r.Int32(&x)
	return x
}

func (r *Reader) Uint32() uint32 {
	var x int32
	r.r.Int32(&x)
	return uint32(x)
}

func (r *Reader) Varint32() int32 {
	var x int32
	r.r.Varint32(&x)
	return x
}

func (r *Reader) Varuint32() uint32 {
	var x uint32
	r.r.Varuint32(&x)
	return x
}

func (r *Reader) Varint64() int64 {
	var x int64
	r.r.Varint64(&x)
	return x
}

func (r *Reader) Varuint64() uint64 {
	var x uint64
	r.r.Varuint64(&x)
	return x
}

func (r *Reader) Float32() float32 {
	var x float32
	r.r.Float32(&x)
	return x
}

func (r *Reader) String() string {
	var x string
	r.r.String(&x)
	return x
}

func (r *Reader) Vec3() mgl32.Vec3 {
	var x mgl32.Vec3
	r.r.Vec3(&x)
	return x
}

// Quat reads a quaternion written by Writer.Quat. For normalized quaternions
// the w component is recovered as sqrt(max(0, 1-x²-y²-z²)).
func (r *Reader) Quat(normalized bool) mgl32.Quat {
	var q mgl32.Quat
	q.V[0] = r.Float32()
	q.V[1] = r.Float32()
	q.V[2] = r.Float32()
	if normalized {
		d := 1 - q.V[0]*q.V[0] - q.V[1]*q.V[1] - q.V[2]*q.V[2]
		if d < 0 {
			d = 0
		}
		q.W = sqrt32(d)
	} else {
		q.W = r.Float32()
	}
	return q
}

func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// Catch recovers a codec panic raised by Reader methods and stores it in err,
// wrapped with ErrMalformed. It must be deferred around any packet decode.
func Catch(err *error) {
	if v := recover(); v != nil {
		switch e := v.(type) {
		case error:
			*err = fmt.Errorf("%w: %s", ErrMalformed, e)
		default:
			*err = fmt.Errorf("%w: %v", ErrMalformed, v)
		}
	}
}
