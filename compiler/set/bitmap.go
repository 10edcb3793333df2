package set

import (
	"math/bits"

	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/ppcrec/compiler/alloc"
)

type (
	// Bitmap is a dense bit set.
	// Storage is either grown on demand or supplied up front by Alloc,
	// in which case Set beyond the allocated size is not allowed.
	Bitmap struct {
		b  []uint64
		b0 [1]uint64
	}

	// Matrix is a set of equally sized bitmaps sharing one allocation.
	Matrix struct {
		w    []uint64
		rowW int
	}
)

func NewBitmap(len int) *Bitmap {
	s := MakeBitmap(len)
	return &s
}

func MakeBitmap(Len int) Bitmap {
	s := Bitmap{}
	s.b = s.b0[:]

	Len = words(Len)

	if Len > len(s.b) {
		s.b = make([]uint64, Len)
	}

	return s
}

// Alloc returns a bitmap for n bits with storage approved by a.
func Alloc(a alloc.Allocator, n int) (Bitmap, error) {
	w, err := alloc.Make[uint64](a, words(n))
	if err != nil {
		return Bitmap{}, err
	}

	return Bitmap{b: w}, nil
}

// Free returns allocated storage to a.
func (s *Bitmap) Free(a alloc.Allocator) {
	alloc.Free(a, s.b)
	s.b = nil
}

func (s *Bitmap) Set(i int) {
	i, j := s.ij(i)

	s.grow(i)

	s.b[i] |= 1 << j
}

func (s *Bitmap) Clear(i int) {
	i, j := s.ij(i)

	if i >= len(s.b) {
		return
	}

	s.b[i] &^= 1 << j
}

func (s *Bitmap) IsSet(i int) bool {
	i, j := s.ij(i)

	if i >= len(s.b) {
		return false
	}

	return (s.b[i] & (1 << j)) != 0
}

func (s *Bitmap) Or(x Bitmap) {
	s.grow(len(x.b) - 1)

	for i, x := range x.b {
		s.b[i] |= x
	}
}

func (s *Bitmap) And(x Bitmap) {
	for i := range s.b {
		if i >= len(x.b) {
			s.b[i] = 0
			continue
		}

		s.b[i] &= x.b[i]
	}
}

func (s *Bitmap) AndNot(x Bitmap) {
	for i, x := range x.b {
		if i == len(s.b) {
			break
		}

		s.b[i] &^= x
	}
}

// CopyFrom overwrites s with x. Both must have the same storage size.
func (s *Bitmap) CopyFrom(x Bitmap) {
	copy(s.b, x.b)
}

// Equal reports whether s and x have the same bits set.
func (s *Bitmap) Equal(x Bitmap) bool {
	n := len(s.b)
	if len(x.b) > n {
		n = len(x.b)
	}

	for i := 0; i < n; i++ {
		var p, q uint64

		if i < len(s.b) {
			p = s.b[i]
		}

		if i < len(x.b) {
			q = x.b[i]
		}

		if p != q {
			return false
		}
	}

	return true
}

func (s *Bitmap) FillSet(l, r int) {
	for i := l; i < r; i++ {
		s.Set(i)
	}
}

func (s *Bitmap) Copy() Bitmap {
	r := MakeBitmap(s.Len())
	r.Or(*s)
	return r
}

func (s *Bitmap) Size() (r int) {
	if s == nil {
		return 0
	}

	for _, c := range s.b {
		r += bits.OnesCount64(c)
	}

	return r
}

func (s *Bitmap) Reset() {
	for i := range s.b {
		s.b[i] = 0
	}
}

func (s *Bitmap) Range(f func(i int) bool) {
	for i, x := range s.b {
		for x != 0 {
			j := bits.TrailingZeros64(x)
			x &^= 1 << j

			if !f(i*64 + j) {
				return
			}
		}
	}
}

func (s *Bitmap) First() int {
	for i, x := range s.b {
		if x == 0 {
			continue
		}

		j := bits.TrailingZeros64(x)

		return i*64 + j
	}

	return -1
}

func (s *Bitmap) Last() int {
	for i := len(s.b) - 1; i >= 0; i-- {
		if s.b[i] == 0 {
			continue
		}

		j := 64 - bits.LeadingZeros64(s.b[i]) - 1

		return i*64 + j
	}

	return -1
}

func (s *Bitmap) Len() int {
	return s.Last() + 1
}

func (s Bitmap) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	if s.b == nil {
		return e.AppendNil(b)
	}

	b = e.AppendTag(b, tlwire.Array, -1)

	s.Range(func(i int) bool {
		b = e.AppendInt(b, i)

		return true
	})

	b = e.AppendBreak(b)

	return b
}

func (s *Bitmap) ij(pos int) (i int, j int) {
	i, j = pos/64, pos%64

	return i, j
}

func (s *Bitmap) grow(i int) {
	for i >= len(s.b) {
		s.b = append(s.b, 0)
	}
}

// AllocMatrix returns rows bitmaps of n bits each in a single allocation.
func AllocMatrix(a alloc.Allocator, rows, n int) (Matrix, error) {
	rw := words(n)

	w, err := alloc.Make[uint64](a, rows*rw)
	if err != nil {
		return Matrix{}, err
	}

	return Matrix{w: w, rowW: rw}, nil
}

// Row returns a view of row i. Changes to the view are visible in m.
func (m Matrix) Row(i int) Bitmap {
	return Bitmap{b: m.w[i*m.rowW : (i+1)*m.rowW : (i+1)*m.rowW]}
}

func (m *Matrix) Free(a alloc.Allocator) {
	alloc.Free(a, m.w)
	m.w = nil
}

func words(n int) int {
	return (n + 63) / 64
}
