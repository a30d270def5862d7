package network

import "testing"

func TestIPLimiterConnCap(t *testing.T) {
	lim := newIPLimiter(1, 0)
	if !lim.acquireConn("10.0.0.7") {
		t.Fatalf("expected first conn acquire")
	}
	if lim.acquireConn("10.0.0.7") {
		t.Fatalf("expected conn cap")
	}
	lim.releaseConn("10.0.0.7")
	if !lim.acquireConn("10.0.0.7") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterStreamCapPerAddress(t *testing.T) {
	lim := newIPLimiter(0, 2)
	if !lim.acquireStream("10.0.0.7") || !lim.acquireStream("10.0.0.7") {
		t.Fatalf("expected stream acquire")
	}
	if lim.acquireStream("10.0.0.7") {
		t.Fatalf("expected stream cap")
	}
	if !lim.acquireStream("10.0.0.8") {
		t.Fatalf("expected separate address to have its own budget")
	}
	lim.releaseStream("10.0.0.7")
	if !lim.acquireStream("10.0.0.7") {
		t.Fatalf("expected acquire after release")
	}
	// zero means unlimited
	if !lim.acquireConn("10.0.0.7") || !lim.acquireConn("10.0.0.7") {
		t.Fatalf("expected unlimited conns")
	}
}
