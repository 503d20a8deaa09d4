package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
)

const (
	blkDeviceID = 2

	blkTypeIn    = 0
	blkTypeOut   = 1
	blkTypeFlush = 4
	blkTypeGetID = 8

	blkStatusOK          = 0
	blkStatusIOErr       = 1
	blkStatusUnsupported = 2

	blkSectorSize = 512
	blkIDLength   = 20

	blkQueueSize = 256
)

// BlockBacking is the storage behind a block device.
type BlockBacking interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// Block is a virtio-blk device model. One request queue; requests
// carry a 16-byte header, optional data buffers and a trailing
// status byte.
type Block struct {
	backing  BlockBacking
	capacity uint64 // sectors
	serial   string
}

func NewBlock(backing BlockBacking, sizeBytes uint64, serial string) *Block {
	return &Block{
		backing:  backing,
		capacity: sizeBytes / blkSectorSize,
		serial:   serial,
	}
}

func (b *Block) DeviceID() uint32        { return blkDeviceID }
func (b *Block) Features() uint64        { return 0 }
func (b *Block) QueueMaxSizes() []uint16 { return []uint16{blkQueueSize} }
func (b *Block) Reset()                  {}

// ReadConfig serves the virtio-blk config space; only capacity (a
// 64-bit sector count at offset 0) is populated.
func (b *Block) ReadConfig(offset uint64) uint32 {
	var cfg [8]byte
	binary.LittleEndian.PutUint64(cfg[:], b.capacity)
	if offset+4 <= uint64(len(cfg)) {
		return binary.LittleEndian.Uint32(cfg[offset:])
	}
	return 0
}

func (b *Block) WriteConfig(offset uint64, value uint32) {}

func (b *Block) Notify(d *Device, queue int) error {
	if queue != 0 {
		return fmt.Errorf("virtio-blk: notify for queue %d: %w", queue, ErrMalformedChain)
	}
	return d.ProcessQueue(0, func(chain *Chain) (uint32, error) {
		return b.handleRequest(d.Queue(0), chain)
	})
}

// handleRequest executes one request chain. Protocol violations
// (short header, missing or read-only status buffer) are malformed
// chains; backing I/O failures report through the status byte.
func (b *Block) handleRequest(q *Queue, chain *Chain) (uint32, error) {
	if len(chain.Buffers) < 2 {
		return 0, fmt.Errorf("virtio-blk: %d-buffer request: %w", len(chain.Buffers), ErrMalformedChain)
	}

	header := chain.Buffers[0]
	if header.Writable || header.Len < 16 {
		return 0, fmt.Errorf("virtio-blk: bad request header: %w", ErrMalformedChain)
	}
	status := chain.Buffers[len(chain.Buffers)-1]
	if !status.Writable || status.Len < 1 {
		return 0, fmt.Errorf("virtio-blk: bad status buffer: %w", ErrMalformedChain)
	}
	data := chain.Buffers[1 : len(chain.Buffers)-1]

	hdr, err := q.ReadBuffer(header)
	if err != nil {
		return 0, err
	}
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	written, result := b.execute(q, reqType, sector, data)
	if err := q.WriteBuffer(status, []byte{result}); err != nil {
		return 0, err
	}
	return written + 1, nil
}

func (b *Block) execute(q *Queue, reqType uint32, sector uint64, data []Buffer) (uint32, byte) {
	switch reqType {
	case blkTypeIn:
		return b.read(q, sector, data)
	case blkTypeOut:
		return 0, b.write(q, sector, data)
	case blkTypeFlush:
		if err := b.backing.Sync(); err != nil {
			slog.Error("virtio-blk: flush failed", "err", err)
			return 0, blkStatusIOErr
		}
		return 0, blkStatusOK
	case blkTypeGetID:
		return b.deviceID(q, data)
	default:
		return 0, blkStatusUnsupported
	}
}

func (b *Block) read(q *Queue, sector uint64, data []Buffer) (uint32, byte) {
	offset := int64(sector * blkSectorSize)
	var written uint32
	for _, buf := range data {
		if !buf.Writable {
			return written, blkStatusIOErr
		}
		out := make([]byte, buf.Len)
		if _, err := b.backing.ReadAt(out, offset); err != nil && err != io.EOF {
			slog.Error("virtio-blk: read failed", "sector", sector, "err", err)
			return written, blkStatusIOErr
		}
		if err := q.WriteBuffer(buf, out); err != nil {
			return written, blkStatusIOErr
		}
		offset += int64(buf.Len)
		written += buf.Len
	}
	return written, blkStatusOK
}

func (b *Block) write(q *Queue, sector uint64, data []Buffer) byte {
	offset := int64(sector * blkSectorSize)
	for _, buf := range data {
		if buf.Writable {
			return blkStatusIOErr
		}
		in, err := q.ReadBuffer(buf)
		if err != nil {
			return blkStatusIOErr
		}
		if _, err := b.backing.WriteAt(in, offset); err != nil {
			slog.Error("virtio-blk: write failed", "sector", sector, "err", err)
			return blkStatusIOErr
		}
		offset += int64(buf.Len)
	}
	return blkStatusOK
}

func (b *Block) deviceID(q *Queue, data []Buffer) (uint32, byte) {
	if len(data) != 1 || !data[0].Writable || data[0].Len < blkIDLength {
		return 0, blkStatusIOErr
	}
	id := make([]byte, blkIDLength)
	copy(id, b.serial)
	if err := q.WriteBuffer(data[0], id); err != nil {
		return 0, blkStatusIOErr
	}
	return blkIDLength, blkStatusOK
}
