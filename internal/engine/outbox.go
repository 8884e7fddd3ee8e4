package engine

// outbox is a FIFO of encoded PDUs with a write offset into the head, so a
// short nonblocking write resumes where it stopped.
type outbox struct {
	items  [][]byte
	offset int
	bytes  int
}

func (o *outbox) push(raw []byte) {
	o.items = append(o.items, raw)
	o.bytes += len(raw)
}

func (o *outbox) empty() bool {
	return len(o.items) == 0
}

func (o *outbox) len() int {
	return len(o.items)
}

// head returns the unwritten remainder of the first item.
func (o *outbox) head() []byte {
	if o.empty() {
		return nil
	}
	return o.items[0][o.offset:]
}

// advance records n written bytes, popping completed items.
func (o *outbox) advance(n int) {
	for n > 0 && !o.empty() {
		rest := len(o.items[0]) - o.offset
		if n < rest {
			o.offset += n
			o.bytes -= n
			return
		}
		n -= rest
		o.bytes -= rest
		o.items[0] = nil
		o.items = o.items[1:]
		o.offset = 0
	}
}

func (o *outbox) reset() {
	o.items = nil
	o.offset = 0
	o.bytes = 0
}
