package media

import (
	"errors"
	"image"
	"sync"
)

var errEndOfStream = errors.New("media: end of stream")

// Allocator sizes the destination buffer for a decoded picture of width x
// height. It runs on the host thread and may reuse or resize old, or return a
// buffer of a different size; frames are scaled into whatever it returns.
type Allocator func(width, height int, old *image.RGBA) *image.RGBA

func DefaultAllocator(width, height int, old *image.RGBA) *image.RGBA {
	if old != nil && old.Rect.Dx() == width && old.Rect.Dy() == height {
		return old
	}
	return image.NewRGBA(image.Rect(0, 0, width, height))
}

// Frame is a presented picture. The buffer is owned by whoever holds the
// Frame; FrameQueue.Consume swaps buffers instead of copying them.
type Frame struct {
	Image *image.RGBA
	PTS   float64

	srcW, srcH int
}

type picture struct {
	frame Frame

	serial    int
	dropped   bool
	allocated bool
	reqW      int
	reqH      int
}

// PictureRef identifies the picture the presenter is scheduling.
type PictureRef struct {
	Index  int
	PTS    float64
	Serial int
}

// FrameQueue is the fixed ring of decoded pictures between the video decode
// goroutine (writer), the presenter (which releases pictures when they are
// due) and the host (which consumes released pictures).
type FrameQueue struct {
	pictures []picture
	max      int

	head, tail, count int
	due               int

	mutex sync.Mutex
	cond  *sync.Cond

	allocPending bool
	serial       int
	eos          bool
	aborted      bool
}

func NewFrameQueue(max int) *FrameQueue {
	fq := &FrameQueue{
		pictures: make([]picture, max),
		max:      max,
	}

	fq.cond = sync.NewCond(&fq.mutex)
	return fq
}

// BeginWrite returns the next write slot, blocking while every slot is
// committed but not yet consumed.
func (fq *FrameQueue) BeginWrite() (int, error) {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	for !fq.aborted && fq.count >= fq.max {
		fq.cond.Wait()
	}

	if fq.aborted {
		return 0, ErrQuit
	}

	return fq.tail, nil
}

// Target returns the buffer of the slot being written, allocating it through
// the host first when it does not match width x height.
func (fq *FrameQueue) Target(slot, width, height int) (*image.RGBA, error) {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	p := &fq.pictures[slot]
	if p.frame.Image != nil && p.frame.srcW == width && p.frame.srcH == height {
		return p.frame.Image, nil
	}

	p.allocated = false
	p.reqW, p.reqH = width, height
	fq.allocPending = true
	fq.cond.Broadcast()

	for !fq.aborted && !p.allocated {
		fq.cond.Wait()
	}

	if fq.aborted {
		return nil, ErrQuit
	}

	return p.frame.Image, nil
}

// Allocate services a pending allocation request. It must run on the host
// thread and reports whether a request was pending.
func (fq *FrameQueue) Allocate(alloc Allocator) bool {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	if !fq.allocPending || fq.aborted {
		return false
	}

	p := &fq.pictures[fq.tail]
	p.frame.Image = alloc(p.reqW, p.reqH, p.frame.Image)
	p.frame.srcW, p.frame.srcH = p.reqW, p.reqH
	p.allocated = true
	fq.allocPending = false

	fq.cond.Broadcast()
	return true
}

// CommitWrite publishes the slot. Pictures decoded under an older serial are
// discarded and CommitWrite returns false.
func (fq *FrameQueue) CommitWrite(slot int, pts float64, serial int) bool {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	if fq.aborted || serial != fq.serial || slot != fq.tail {
		fq.cond.Broadcast()
		return false
	}

	p := &fq.pictures[slot]
	p.frame.PTS = pts
	p.serial = serial
	p.dropped = false

	fq.tail = (fq.tail + 1) % fq.max
	fq.count += 1

	fq.cond.Broadcast()
	return true
}

// Next blocks until a committed picture is waiting to be scheduled.
func (fq *FrameQueue) Next() (PictureRef, error) {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	for {
		if fq.aborted {
			return PictureRef{}, ErrQuit
		}

		if fq.count > fq.due {
			i := (fq.head + fq.due) % fq.max
			return PictureRef{
				Index:  i,
				PTS:    fq.pictures[i].frame.PTS,
				Serial: fq.pictures[i].serial,
			}, nil
		}

		if fq.eos {
			return PictureRef{}, errEndOfStream
		}

		fq.cond.Wait()
	}
}

// Pending reports committed pictures not yet released by the presenter.
func (fq *FrameQueue) Pending() int {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()
	return fq.count - fq.due
}

// Release hands the scheduled picture to the host, flagged dropped when it
// was skipped to catch up. It fails if the queue was flushed meanwhile.
func (fq *FrameQueue) Release(ref PictureRef, dropped bool) bool {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	if fq.aborted || ref.Serial != fq.serial || fq.count <= fq.due {
		return false
	}

	i := (fq.head + fq.due) % fq.max
	if i != ref.Index {
		return false
	}

	fq.pictures[i].dropped = dropped
	fq.due += 1
	return true
}

// Consume takes the oldest released picture that was not dropped and swaps
// its buffer with cur, which becomes the spare for a future write. Dropped
// pictures on the way are skipped and counted.
func (fq *FrameQueue) Consume(cur Frame) (f Frame, dropped int, ok bool) {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	for fq.due > 0 {
		p := &fq.pictures[fq.head]

		fq.head = (fq.head + 1) % fq.max
		fq.count -= 1
		fq.due -= 1
		fq.cond.Broadcast()

		if p.dropped {
			dropped++
			continue
		}

		f = p.frame
		p.frame = cur
		ok = true
		return
	}

	return
}

// Flush discards every committed picture and switches to serial.
func (fq *FrameQueue) Flush(serial int) {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	fq.serial = serial
	fq.head = fq.tail
	fq.count = 0
	fq.due = 0
	fq.eos = false

	fq.cond.Broadcast()
}

func (fq *FrameQueue) Serial() int {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()
	return fq.serial
}

// SetEOS tells the presenter no more pictures will be written.
func (fq *FrameQueue) SetEOS() {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	fq.eos = true
	fq.cond.Broadcast()
}

func (fq *FrameQueue) Abort() {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	fq.aborted = true
	fq.cond.Broadcast()
}

// Free drops every picture buffer. Call it once all writers are joined.
func (fq *FrameQueue) Free() {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	for i := range fq.pictures {
		fq.pictures[i] = picture{}
	}
	fq.head, fq.tail, fq.count, fq.due = 0, 0, 0, 0
}

// Buffers counts allocated picture buffers held by the queue.
func (fq *FrameQueue) Buffers() int {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	n := 0
	for i := range fq.pictures {
		if fq.pictures[i].frame.Image != nil {
			n++
		}
	}
	return n
}
