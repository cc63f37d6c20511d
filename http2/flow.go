package http2

// flow is one send-window account. Stream-level instances chain to the
// connection-level one, so available() is the min of both credits. Windows
// are signed because a SETTINGS_INITIAL_WINDOW_SIZE decrease can push an
// existing stream's window below zero.
type flow struct {
	n int32

	// conn points to the connection-level flow that this stream-level flow
	// also draws on; nil for the connection-level flow itself.
	conn *flow
}

func (f *flow) setConnFlow(cf *flow) { f.conn = cf }

func (f *flow) available() int32 {
	n := f.n
	if f.conn != nil && f.conn.n < n {
		n = f.conn.n
	}
	if n < 0 {
		return 0
	}
	return n
}

func (f *flow) take(n int32) {
	if n > f.available() {
		panic("internal error: took too much")
	}
	f.n -= n
	if f.conn != nil {
		f.conn.n -= n
	}
}

// add returns false if the window would exceed 2^31-1, which the protocol
// treats as a flow-control error rather than wrapping.
func (f *flow) add(n int32) bool {
	sum := f.n + n
	if (sum > n) == (f.n > 0) {
		f.n = sum
		return true
	}
	return false
}

// adjust applies a SETTINGS_INITIAL_WINDOW_SIZE delta. Unlike add it may
// legally drive the window negative; only WINDOW_UPDATEs bring it back.
func (f *flow) adjust(delta int32) {
	f.n += delta
}
