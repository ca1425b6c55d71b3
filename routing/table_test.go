package routing

import (
	"testing"

	"sybildht/krpc"
)

func wellFormedID(b byte) krpc.NodeID {
	buf := make([]byte, krpc.NodeIDLen)
	for i := range buf {
		buf[i] = b
	}
	return krpc.NodeID(buf)
}

func TestAddRejectsBogusIDAndZeroPort(t *testing.T) {
	tbl := New(NewCap(10, 2))
	tbl.Add(krpc.NodeID("short"), krpc.NodeAddress{Port: 6881})
	if tbl.Len() != 0 {
		t.Fatalf("bogus id should be rejected, Len() = %d", tbl.Len())
	}
	tbl.Add(wellFormedID('a'), krpc.NodeAddress{Port: 0})
	if tbl.Len() != 0 {
		t.Fatalf("zero port should be rejected, Len() = %d", tbl.Len())
	}
}

func TestAddStopsAtCap(t *testing.T) {
	tbl := New(NewCap(2, 1))
	tbl.Add(wellFormedID('a'), krpc.NodeAddress{Port: 1})
	tbl.Add(wellFormedID('b'), krpc.NodeAddress{Port: 2})
	tbl.Add(wellFormedID('c'), krpc.NodeAddress{Port: 3})
	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (capped)", tbl.Len())
	}
}

func TestClearEmptiesTable(t *testing.T) {
	tbl := New(NewCap(10, 1))
	tbl.Add(wellFormedID('a'), krpc.NodeAddress{Port: 1})
	tbl.Clear()
	if tbl.Len() != 0 {
		t.Fatalf("Len() after Clear() = %d, want 0", tbl.Len())
	}
}

func TestCapShrinkReportsBelowFloor(t *testing.T) {
	c := NewCap(200, 100)
	if below := c.Shrink(); below {
		t.Fatalf("200*9/10=180, should not be below floor 100")
	}
	// Repeated shrinks eventually cross the floor.
	var below bool
	for i := 0; i < 20 && !below; i++ {
		below = c.Shrink()
	}
	if !below {
		t.Fatal("expected repeated shrinking to eventually cross the floor")
	}
}

func TestCapGrowIsUnboundedMultiplication(t *testing.T) {
	c := NewCap(1000, 0)
	c.Grow()
	if got, want := c.Value(), 1000*101/100; got != want {
		t.Fatalf("Value() = %d, want %d", got, want)
	}
}

func TestCapShrinkIsIntegerNineTenths(t *testing.T) {
	c := NewCap(2000, 0)
	c.Shrink()
	if got, want := c.Value(), 2000*9/10; got != want {
		t.Fatalf("Value() = %d, want %d", got, want)
	}
}
