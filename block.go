package gateway

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Block size exponent. blockSize(6) == 1024, the server's preferred size
// advertised in Block1 Continue responses. RFC7959 §2.2.
const defaultSizeExponent = 6

func blockSize(szExp int) int { return 1 << (uint(szExp) + 4) }

// BlockSink receives a Block1 (upload) stream for one resource.
type BlockSink struct {
	Path Path
	// Start is called on the first block (number 0) before anything is
	// written, e.g. truncating the destination file.
	Start func() (*os.File, error)
	// End is called after the final block has been written successfully.
	End func(f *os.File) error

	file     *os.File
	lastSeen int
	active   bool
}

// BlockSource serves a Block2 (download) stream for one resource.
type BlockSource struct {
	Path Path
	// Open is called on the first GET of a download, returning the file to
	// stream.
	Open func() (*os.File, error)
	// Close is called once the final block has been sent, or the transfer
	// times out.
	Close func(f *os.File) error
}

// BlockEngine tracks in-progress Block1 uploads and Block2 downloads across
// resources (C4). It streams in block-size chunks and never buffers a whole
// file in memory.
type BlockEngine struct {
	sinks   map[string]*BlockSink
	sources map[string]*BlockSource
	// downloads tracks open Block2 read offsets per path, since a
	// BlockSource itself is stateless across requests.
	downloads map[string]*blockDownload
	// Metrics, if set, counts completed transfers by direction.
	Metrics *Metrics
}

type blockDownload struct {
	file   *os.File
	offset int64
}

// NewBlockEngine builds an empty engine; resources register sinks/sources
// with RegisterSink/RegisterSource.
func NewBlockEngine() *BlockEngine {
	return &BlockEngine{
		sinks:     make(map[string]*BlockSink),
		sources:   make(map[string]*BlockSource),
		downloads: make(map[string]*blockDownload),
	}
}

func (e *BlockEngine) RegisterSink(sink *BlockSink) { e.sinks[sink.Path.String()] = sink }
func (e *BlockEngine) RegisterSource(src *BlockSource) {
	e.sources[src.Path.String()] = src
}

func (e *BlockEngine) SinkFor(path Path) (*BlockSink, bool) {
	s, ok := e.sinks[path.String()]
	return s, ok
}

func (e *BlockEngine) SourceFor(path Path) (*BlockSource, bool) {
	s, ok := e.sources[path.String()]
	return s, ok
}

// decodeBlockOption decodes a Block1/Block2 option value into (num, more, szExp).
// RFC7959 §2.2.
func decodeBlockOption(raw []byte) (num int, more bool, szExp int) {
	var v uint32
	for _, b := range raw {
		v = v<<8 | uint32(b)
	}
	szExp = int(v & 0x07)
	if v&0x08 != 0 {
		more = true
	}
	num = int(v >> 4)
	return
}

func encodeBlockOption(num int, more bool, szExp int) []byte {
	v := uint32(num)<<4 | uint32(szExp)
	if more {
		v |= 0x08
	}
	switch {
	case v <= 0xFF:
		return []byte{byte(v)}
	case v <= 0xFFFF:
		return []byte{byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// Accept handles one Block1 write for path. A block numbered 0 aborts any
// in-progress upload on the same resource. Returns the response code (2.31
// Continue while more, 2.04 Changed on the last block) and the Block1
// option to echo back, or an error (RequestEntityIncomplete on an
// out-of-sequence block, BadRequest on a short non-final block).
func (e *BlockEngine) Accept(path Path, payload []byte, num int, more bool, szExp int) (CoapCode, []byte, error) {
	sink, ok := e.sinks[path.String()]
	if !ok {
		return 0, nil, ErrNotFound
	}

	if num == 0 {
		if sink.active && sink.file != nil {
			sink.file.Close()
		}
		f, err := sink.Start()
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
		sink.file = f
		sink.lastSeen = -1
		sink.active = true
	}

	if !sink.active {
		return 0, nil, fmt.Errorf("%w: block %d received with no open transfer", ErrBlockOutOfSequence, num)
	}
	if num != sink.lastSeen+1 {
		sink.active = false
		return 0, nil, fmt.Errorf("%w: expected block %d, got %d", ErrBlockOutOfSequence, sink.lastSeen+1, num)
	}
	if more && len(payload) != blockSize(szExp) {
		return 0, nil, fmt.Errorf("%w: non-final block must equal the declared block size", ErrValidationFailed)
	}

	if _, err := sink.file.Write(payload); err != nil {
		sink.active = false
		return 0, nil, fmt.Errorf("%w: %v", ErrTransportError, err)
	}
	sink.lastSeen = num

	if more {
		return CoapCodeContinue, encodeBlockOption(num, true, defaultSizeExponent), nil
	}

	sink.active = false
	f := sink.file
	sink.file = nil
	if err := sink.End(f); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	if e.Metrics != nil {
		e.Metrics.BlockTransfers.WithLabelValues("upload").Inc()
	}
	return CoapCodeChanged, nil, nil
}

// Serve handles one Block2 read for path at the requested block number and
// size exponent (absent means the default). Returns the payload, the
// Block2 option to echo, and whether more blocks remain.
func (e *BlockEngine) Serve(path Path, num int, szExp int) ([]byte, []byte, bool, error) {
	src, ok := e.sources[path.String()]
	if !ok {
		return nil, nil, false, ErrNotFound
	}
	key := path.String()

	dl, active := e.downloads[key]
	continuation := active && num > 0
	if num == 0 || !active {
		if active {
			src.Close(dl.file)
		}
		f, err := src.Open()
		if err != nil {
			return nil, nil, false, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		dl = &blockDownload{file: f}
		e.downloads[key] = dl
	}

	size := int64(blockSize(szExp))
	buf := make([]byte, size)
	n, err := dl.file.ReadAt(buf, dl.offset)
	if err != nil && n == 0 {
		if continuation && errors.Is(err, io.EOF) {
			// The file length was an exact multiple of the block size: the
			// previous block was the last one with data, and this read just
			// confirms end-of-file. Report it as a clean final empty block
			// rather than a failed transfer.
			delete(e.downloads, key)
			src.Close(dl.file)
			if e.Metrics != nil {
				e.Metrics.BlockTransfers.WithLabelValues("download").Inc()
			}
			return nil, encodeBlockOption(num, false, szExp), false, nil
		}
		delete(e.downloads, key)
		src.Close(dl.file)
		return nil, nil, false, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	buf = buf[:n]
	dl.offset += int64(n)
	more := n == int(size)

	if !more {
		delete(e.downloads, key)
		src.Close(dl.file)
		if e.Metrics != nil {
			e.Metrics.BlockTransfers.WithLabelValues("download").Inc()
		}
	}

	return buf, encodeBlockOption(num, more, szExp), more, nil
}
