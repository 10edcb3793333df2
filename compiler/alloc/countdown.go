package alloc

import "tlog.app/go/errors"

type (
	// Countdown is an allocator which fails exactly one request:
	// the Nth one after Arm(n). Reserve, AllocCode and ReallocCode
	// share the counter, so the failing call is fully determined
	// by the order the core asks for memory.
	Countdown struct {
		Base interface {
			Allocator
			CodeAllocator
		}

		left  int
		calls int
		fails int
	}
)

var _ interface {
	Allocator
	CodeAllocator
} = &Countdown{}

func NewCountdown() *Countdown {
	return &Countdown{Base: Heap{}}
}

// Arm makes the nth following request fail. Arm(0) disarms.
func (c *Countdown) Arm(n int) {
	c.left = n
}

// Calls returns the number of requests seen so far.
func (c *Countdown) Calls() int { return c.calls }

// Fails returns the number of requests refused so far.
func (c *Countdown) Fails() int { return c.fails }

// Reset zeroes the counters and disarms.
func (c *Countdown) Reset() {
	c.left = 0
	c.calls = 0
	c.fails = 0
}

func (c *Countdown) tick() error {
	c.calls++

	if c.left == 0 {
		return nil
	}

	c.left--
	if c.left != 0 {
		return nil
	}

	c.fails++

	return errors.Wrap(ErrNoMemory, "request %d refused", c.calls)
}

func (c *Countdown) Reserve(size int) error {
	if err := c.tick(); err != nil {
		return err
	}

	return c.Base.Reserve(size)
}

func (c *Countdown) Release(size int) {
	c.Base.Release(size)
}

func (c *Countdown) AllocCode(size int) ([]byte, error) {
	if err := c.tick(); err != nil {
		return nil, err
	}

	return c.Base.AllocCode(size)
}

func (c *Countdown) ReallocCode(b []byte, size int) ([]byte, error) {
	if err := c.tick(); err != nil {
		return b, err
	}

	return c.Base.ReallocCode(b, size)
}

func (c *Countdown) FreeCode(b []byte) {
	c.Base.FreeCode(b)
}
