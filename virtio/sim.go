package virtio

import (
	"encoding/binary"
	"io"
	"sync"
)

// simRegisters is an in-memory stand-in for a virtio-mmio register window,
// used by tests in place of real memory-mapped hardware. It plays the
// device side of the legacy handshake and, once attached to a Disk, the
// device side of request processing: draining the avail ring on
// QUEUE_NOTIFY and servicing each request against a backing
// io.ReaderAt/io.WriterAt that stands in for the simulated disk's media.
type simRegisters struct {
	mu     sync.Mutex
	regs   map[uintptr]uint32
	media  io.ReaderAt
	writer io.WriterAt

	disk          *Disk
	interruptHook func()
}

// NewSimRegisters returns a Registers implementation backed by media for
// reads. If media also implements io.WriterAt, WriteSector requests are
// applied to it; otherwise writes are accepted but discarded, which is
// enough to exercise the protocol without mutating a read-only fixture.
func NewSimRegisters(media io.ReaderAt) *simRegisters {
	s := &simRegisters{
		regs:  make(map[uintptr]uint32),
		media: media,
	}
	if w, ok := media.(io.WriterAt); ok {
		s.writer = w
	}
	s.regs[regMagicValue] = magicValue
	s.regs[regVersion] = legacyVersion
	s.regs[regDeviceID] = blockDeviceID
	s.regs[regVendorID] = vendorID
	s.regs[regQueueNumMax] = NumDescriptors
	s.regs[regDeviceFeatures] = 0xffffffff
	return s
}

// Attach links the simulated device to the Disk that was constructed
// against it, so QUEUE_NOTIFY can be serviced. virtio.New returns the Disk
// only after the handshake completes, so this must be called once
// immediately after New succeeds.
func (s *simRegisters) Attach(d *Disk) {
	s.mu.Lock()
	s.disk = d
	s.mu.Unlock()
}

// OnInterrupt registers a callback invoked synchronously whenever the
// simulated device would have raised an interrupt line, in place of the
// default direct call to disk.HandleInterrupt().
func (s *simRegisters) OnInterrupt(f func()) {
	s.mu.Lock()
	s.interruptHook = f
	s.mu.Unlock()
}

func (s *simRegisters) Read32(offset uintptr) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[offset]
}

func (s *simRegisters) Write32(offset uintptr, v uint32) {
	s.mu.Lock()
	s.regs[offset] = v
	s.mu.Unlock()

	if offset == regInterruptStatus {
		return
	}
	if offset == regQueueNotify {
		s.service()
		return
	}
	if offset == regInterruptACK {
		s.mu.Lock()
		s.regs[regInterruptStatus] = 0
		s.mu.Unlock()
	}
}

// service drains every newly-published avail ring entry, performs the
// requested sector transfer against the backing media, and posts the
// completion to the used ring, then fires the interrupt hook exactly once
// per batch the way real hardware coalesces completions.
func (s *simRegisters) service() {
	s.mu.Lock()
	d := s.disk
	s.mu.Unlock()
	if d == nil {
		return
	}

	var serviced []int
	s.drainAvail(d, &serviced)

	if len(serviced) > 0 {
		if s.interruptHook != nil {
			s.interruptHook()
		} else {
			d.HandleInterrupt()
		}
	}
}

func (s *simRegisters) drainAvail(d *Disk, serviced *[]int) {
	for {
		d.mu.Lock()
		if d.simSeen == d.availIdx() {
			d.mu.Unlock()
			return
		}
		slot := int(d.simSeen) % NumDescriptors
		off := 4 + slot*2
		head := int(binary.LittleEndian.Uint16(d.avail[off : off+2]))
		d.simSeen++
		d.mu.Unlock()

		req, buf, ok := d.pendingRequest(head)
		if !ok {
			continue
		}

		status := byte(0)
		data := buf
		if req.Type == blkTypeOut {
			if s.writer != nil {
				if _, err := s.writer.WriteAt(buf, int64(req.Sector)*SectorSize); err != nil {
					status = 1
				}
			}
		} else {
			data = make([]byte, SectorSize)
			if _, err := s.media.ReadAt(data, int64(req.Sector)*SectorSize); err != nil && err != io.EOF {
				status = 1
			}
		}

		d.completeRequest(head, status, data, req.Type == blkTypeIn)
		*serviced = append(*serviced, head)
	}
}
