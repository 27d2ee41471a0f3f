package media

import (
	"sync"
)

// PacketQueue is a FIFO of compressed units bounded by their cumulative byte
// size. Put blocks while the queue is over capacity; a unit larger than the
// whole capacity is still admitted into an empty queue.
type PacketQueue struct {
	mutex    sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	packets []Packet
	size    int
	max     int
	serial  int
	aborted bool
}

func NewPacketQueue(max int) *PacketQueue {
	pq := &PacketQueue{
		max: max,
	}
	pq.notEmpty = sync.NewCond(&pq.mutex)
	pq.notFull = sync.NewCond(&pq.mutex)
	return pq
}

func (pq *PacketQueue) Put(pkt Packet) error {
	return pq.put(pkt, anySerial)
}

// PutSerial is Put for a unit read while the session was at serial. The unit
// is dropped if the queue has been flushed to another serial since.
func (pq *PacketQueue) PutSerial(pkt Packet, serial int) error {
	return pq.put(pkt, serial)
}

// PutEOS appends an end-of-stream marker.
func (pq *PacketQueue) PutEOS() error {
	return pq.put(Packet{kind: packetEOS, PTS: NoPTS}, anySerial)
}

// PutEOSSerial is PutEOS with the serial check of PutSerial.
func (pq *PacketQueue) PutEOSSerial(serial int) error {
	return pq.put(Packet{kind: packetEOS, PTS: NoPTS}, serial)
}

const anySerial = -1

func (pq *PacketQueue) put(pkt Packet, serial int) error {
	pq.mutex.Lock()
	defer pq.mutex.Unlock()

	for !pq.aborted && pq.size > 0 && pq.size+pkt.size() > pq.max {
		if serial != anySerial && serial != pq.serial {
			return nil
		}
		pq.notFull.Wait()
	}

	if pq.aborted {
		return ErrQuit
	}
	if serial != anySerial && serial != pq.serial {
		return nil
	}

	pkt.serial = pq.serial
	pq.packets = append(pq.packets, pkt)
	pq.size += pkt.size()

	pq.notEmpty.Signal()
	return nil
}

// Get pops the oldest unit. It returns ErrQuit once the queue is aborted,
// even if units are still queued, and ErrQueueEmpty when block is false and
// nothing is queued.
func (pq *PacketQueue) Get(block bool) (Packet, error) {
	pq.mutex.Lock()
	defer pq.mutex.Unlock()

	for {
		if pq.aborted {
			return Packet{}, ErrQuit
		}

		if len(pq.packets) > 0 {
			pkt := pq.packets[0]
			pq.packets[0] = Packet{}
			pq.packets = pq.packets[1:]
			pq.size -= pkt.size()

			pq.notFull.Broadcast()
			return pkt, nil
		}

		if !block {
			return Packet{}, ErrQueueEmpty
		}

		pq.notEmpty.Wait()
	}
}

// Flush drops every queued unit, switches the queue to serial and enqueues a
// flush sentinel carrying it. Units put afterwards carry the new serial.
func (pq *PacketQueue) Flush(serial int) {
	pq.mutex.Lock()
	defer pq.mutex.Unlock()

	pq.packets = pq.packets[:0]
	pq.size = 0
	pq.serial = serial

	pq.packets = append(pq.packets, Packet{kind: packetFlush, PTS: NoPTS, serial: serial})

	pq.notFull.Broadcast()
	pq.notEmpty.Broadcast()
}

// Abort wakes every waiter; all later calls fail with ErrQuit.
func (pq *PacketQueue) Abort() {
	pq.mutex.Lock()
	defer pq.mutex.Unlock()

	pq.aborted = true
	pq.notEmpty.Broadcast()
	pq.notFull.Broadcast()
}

// Release drops queued units after an abort.
func (pq *PacketQueue) Release() {
	pq.mutex.Lock()
	defer pq.mutex.Unlock()

	pq.packets = nil
	pq.size = 0
}

func (pq *PacketQueue) Size() int {
	pq.mutex.Lock()
	defer pq.mutex.Unlock()
	return pq.size
}

func (pq *PacketQueue) Len() int {
	pq.mutex.Lock()
	defer pq.mutex.Unlock()
	return len(pq.packets)
}

func (pq *PacketQueue) Serial() int {
	pq.mutex.Lock()
	defer pq.mutex.Unlock()
	return pq.serial
}
