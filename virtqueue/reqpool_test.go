package virtqueue_test

import (
	"testing"

	"github.com/go-virtio/virtio-core/virtqueue"
)

func TestRequestPoolRejectsDoubleInFlight(t *testing.T) {
	t.Parallel()

	pool := virtqueue.NewRequestPool(8)

	if !pool.Acquire(3, virtqueue.Request{Head: 3}) {
		t.Fatal("first Acquire should succeed")
	}

	if pool.Acquire(3, virtqueue.Request{Head: 3}) {
		t.Fatal("second Acquire on the same head before Release must fail (P1/invariant 2)")
	}

	pool.Release(3)

	if !pool.Acquire(3, virtqueue.Request{Head: 3}) {
		t.Fatal("Acquire should succeed again after Release")
	}
}

func TestRequestPoolGetMissing(t *testing.T) {
	t.Parallel()

	pool := virtqueue.NewRequestPool(4)

	if _, ok := pool.Get(0); ok {
		t.Fatal("Get on an empty pool should report ok=false")
	}
}
