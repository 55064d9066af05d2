package vm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// CompressionType is the block compression used in a process dump
type CompressionType uint8

const (
	CompressionNone   CompressionType = 0
	CompressionLZ4    CompressionType = 1
	CompressionSnappy CompressionType = 2
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("CompressionType(%d)", uint8(c))
	}
}

// ParseCompressionType maps a configuration string to a CompressionType
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "snappy":
		return CompressionSnappy, nil
	default:
		return CompressionNone, fmt.Errorf("invalid dump compression: %s (must be none, lz4, or snappy)", s)
	}
}

// Dump layout:
//
//	header: magic "HXPD" | version u16 | pid u32 | page count u32
//	block:  va u64 | flags u16 | compression u8 | reserved u8 |
//	        stored size u32 | crc32 of page u32 | stored bytes
//
// All integers are little endian.
const (
	dumpMagic       = "HXPD"
	dumpVersion     = 1
	dumpHeaderSize  = 14
	blockHeaderSize = 20

	// minCompressionSavings is the least number of bytes a block must
	// shrink by to be stored compressed
	minCompressionSavings = 100
)

// DumpedPage is one page of a process dump
type DumpedPage struct {
	VA    uintptr
	Flags Flags
	Data  []byte
}

// OnDisk reports whether the page was in the swap store when dumped
func (p *DumpedPage) OnDisk() bool {
	return p.Flags.Has(FlagOnDisk)
}

// ProcessDump is a decoded process memory image
type ProcessDump struct {
	PID   int
	Pages []DumpedPage
}

// Dump writes every mapped page of the process, resident or swapped, to w
// in address order. Swapped pages are read from the swap store without
// being brought back into memory.
func (pm *ProcessMemory) Dump(w io.Writer, compression CompressionType) error {
	pm.enter("Dump")
	defer pm.leave()

	type page struct {
		va    uintptr
		frame Frame
		flags Flags
	}
	var pages []page
	pm.space.Walk(func(va uintptr, frame Frame, flags Flags) bool {
		if flags.Has(FlagPresent) || flags.Has(FlagOnDisk) {
			pages = append(pages, page{va: va, frame: frame, flags: flags})
		}
		return true
	})

	bw := bufio.NewWriter(w)
	header := make([]byte, dumpHeaderSize)
	copy(header[0:4], dumpMagic)
	binary.LittleEndian.PutUint16(header[4:6], dumpVersion)
	binary.LittleEndian.PutUint32(header[6:10], uint32(pm.pid))
	binary.LittleEndian.PutUint32(header[10:14], uint32(len(pages)))
	if _, err := bw.Write(header); err != nil {
		return fmt.Errorf("failed to write dump header: %w", err)
	}

	buf := make([]byte, PageSize)
	for _, p := range pages {
		if p.flags.Has(FlagPresent) {
			if err := pm.env.Frames.ReadFrame(p.frame, buf); err != nil {
				return err
			}
		} else {
			rec, ok := pm.table.FindByAddress(p.va)
			if !ok || rec.state != PageOnDisk {
				return ErrInternal("Dump", "on-disk page has no swap record").withProcess(pm.pid).withAddress(p.va)
			}
			if err := pm.swap.ReadIn(rec, buf); err != nil {
				return withProcessContext(err, pm.pid)
			}
		}
		if err := writeBlock(bw, p.va, p.flags, buf, compression); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeBlock(w io.Writer, va uintptr, flags Flags, data []byte, compression CompressionType) error {
	stored, used, err := compressBlock(data, compression)
	if err != nil {
		return err
	}

	header := make([]byte, blockHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], uint64(va))
	binary.LittleEndian.PutUint16(header[8:10], uint16(flags))
	header[10] = uint8(used)
	header[11] = 0
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(stored)))
	binary.LittleEndian.PutUint32(header[16:20], crc32.ChecksumIEEE(data))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write block header: %w", err)
	}
	if _, err := w.Write(stored); err != nil {
		return fmt.Errorf("failed to write block data: %w", err)
	}
	return nil
}

// compressBlock returns the stored form of data and the compression that
// was actually applied
func compressBlock(data []byte, compression CompressionType) ([]byte, CompressionType, error) {
	var compressed []byte

	switch compression {
	case CompressionNone:
		return data, CompressionNone, nil

	case CompressionLZ4:
		compressed = make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, compressed, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("LZ4 compression failed: %w", err)
		}
		if n == 0 {
			// incompressible
			return data, CompressionNone, nil
		}
		compressed = compressed[:n]

	case CompressionSnappy:
		compressed = snappy.Encode(nil, data)

	default:
		return nil, 0, fmt.Errorf("unsupported compression type: %d", compression)
	}

	if len(data)-len(compressed) < minCompressionSavings {
		return data, CompressionNone, nil
	}
	return compressed, compression, nil
}

func decompressBlock(stored []byte, compression CompressionType) ([]byte, error) {
	switch compression {
	case CompressionNone:
		if len(stored) != PageSize {
			return nil, fmt.Errorf("uncompressed block is %d bytes, expected %d", len(stored), PageSize)
		}
		return stored, nil

	case CompressionLZ4:
		out := make([]byte, PageSize)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, fmt.Errorf("LZ4 decompression failed: %w", err)
		}
		if n != PageSize {
			return nil, fmt.Errorf("LZ4 decompression size mismatch: got %d, expected %d", n, PageSize)
		}
		return out, nil

	case CompressionSnappy:
		out, err := snappy.Decode(nil, stored)
		if err != nil {
			return nil, fmt.Errorf("snappy decompression failed: %w", err)
		}
		if len(out) != PageSize {
			return nil, fmt.Errorf("snappy decompression size mismatch: got %d, expected %d", len(out), PageSize)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported compression type: %d", compression)
	}
}

// ReadDump decodes a process dump written by Dump
func ReadDump(r io.Reader) (*ProcessDump, error) {
	br := bufio.NewReader(r)

	header := make([]byte, dumpHeaderSize)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("failed to read dump header: %w", err)
	}
	if string(header[0:4]) != dumpMagic {
		return nil, fmt.Errorf("invalid dump magic: %q", header[0:4])
	}
	if v := binary.LittleEndian.Uint16(header[4:6]); v != dumpVersion {
		return nil, fmt.Errorf("unsupported dump version %d", v)
	}

	dump := &ProcessDump{
		PID: int(binary.LittleEndian.Uint32(header[6:10])),
	}
	count := binary.LittleEndian.Uint32(header[10:14])

	block := make([]byte, blockHeaderSize)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(br, block); err != nil {
			return nil, fmt.Errorf("failed to read block %d header: %w", i, err)
		}
		va := uintptr(binary.LittleEndian.Uint64(block[0:8]))
		flags := Flags(binary.LittleEndian.Uint16(block[8:10]))
		compression := CompressionType(block[10])
		size := binary.LittleEndian.Uint32(block[12:16])
		checksum := binary.LittleEndian.Uint32(block[16:20])

		if size > uint32(lz4.CompressBlockBound(PageSize)) {
			return nil, fmt.Errorf("block %d too large: %d bytes", i, size)
		}
		stored := make([]byte, size)
		if _, err := io.ReadFull(br, stored); err != nil {
			return nil, fmt.Errorf("failed to read block %d data: %w", i, err)
		}

		data, err := decompressBlock(stored, compression)
		if err != nil {
			return nil, fmt.Errorf("block %d (va 0x%x): %w", i, va, err)
		}
		if sum := crc32.ChecksumIEEE(data); sum != checksum {
			return nil, fmt.Errorf("block %d (va 0x%x): checksum mismatch: got %08x, expected %08x", i, va, sum, checksum)
		}

		dump.Pages = append(dump.Pages, DumpedPage{VA: va, Flags: flags, Data: data})
	}
	return dump, nil
}
