package endian_test

import (
	"testing"

	"github.com/go-virtio/virtio-core/endian"
)

func TestRoundTrip16(t *testing.T) {
	t.Parallel()

	for _, order := range []endian.Order{endian.LE, endian.BE} {
		c := endian.New(order)
		for _, v := range []uint16{0, 1, 0x1234, 0xffff} {
			if got := c.Host16(c.Guest16(v)); got != v {
				t.Fatalf("order=%v: Host16(Guest16(%#x)) = %#x", order, v, got)
			}
		}
	}
}

func TestRoundTrip32(t *testing.T) {
	t.Parallel()

	for _, order := range []endian.Order{endian.LE, endian.BE} {
		c := endian.New(order)
		for _, v := range []uint32{0, 1, 0x12345678, 0xffffffff} {
			if got := c.Host32(c.Guest32(v)); got != v {
				t.Fatalf("order=%v: Host32(Guest32(%#x)) = %#x", order, v, got)
			}
		}
	}
}

func TestRoundTrip64(t *testing.T) {
	t.Parallel()

	for _, order := range []endian.Order{endian.LE, endian.BE} {
		c := endian.New(order)
		for _, v := range []uint64{0, 1, 0x0123456789abcdef, 0xffffffffffffffff} {
			if got := c.Host64(c.Guest64(v)); got != v {
				t.Fatalf("order=%v: Host64(Guest64(%#x)) = %#x", order, v, got)
			}
		}
	}
}

func TestLEIsIdentity(t *testing.T) {
	t.Parallel()

	c := endian.New(endian.LE)
	if c.Host32(0xdeadbeef) != 0xdeadbeef {
		t.Fatal("LE converter must be the identity function")
	}
}

func TestBEActuallySwaps(t *testing.T) {
	t.Parallel()

	c := endian.New(endian.BE)
	if c.Host16(0x0100) != 1 {
		t.Fatalf("BE guest 0x0100 should host-decode to 1, got %#x", c.Host16(0x0100))
	}
}
