package frame

import "fmt"

// Command identifies the kind of frame carried in header byte 0.
type Command uint8

const (
	// CmdRequest opens a transfer; the flag selects upload or download.
	CmdRequest Command = 0x01
	// CmdAck is the common acknowledgement (success/continue or fail/stop).
	CmdAck Command = 0x02
	// CmdTransferAck reports the final outcome of a transfer.
	CmdTransferAck Command = 0x03
	// CmdFileInfo prefixes the 61-byte file-info record.
	CmdFileInfo Command = 0x04
	// CmdDownload asks the device for a named file.
	CmdDownload Command = 0x05
	// CmdFileData carries one chunk of file contents.
	CmdFileData Command = 0x06
	// CmdFileTransFail is sent by the data sender after a failed write.
	CmdFileTransFail Command = 0x07
	// CmdFileTransFailAck is the receiver's answer carrying the resume offset.
	CmdFileTransFailAck Command = 0x08
)

// String returns a readable name for logging.
func (c Command) String() string {
	switch c {
	case CmdRequest:
		return "REQUEST"
	case CmdAck:
		return "ACK"
	case CmdTransferAck:
		return "TRANSFER_ACK"
	case CmdFileInfo:
		return "FILE_INFO"
	case CmdDownload:
		return "DOWNLOAD"
	case CmdFileData:
		return "FILE_DATA"
	case CmdFileTransFail:
		return "FILE_TRANS_FAIL"
	case CmdFileTransFailAck:
		return "FILE_TRANS_FAIL_ACK"
	default:
		return fmt.Sprintf("Command(0x%02x)", uint8(c))
	}
}

// Flag values. Their meaning depends on the command they accompany.
const (
	// FlagUpload selects the upload sub-command of CmdRequest.
	FlagUpload byte = 0x01
	// FlagDownload selects the download sub-command of CmdRequest.
	FlagDownload byte = 0x02

	// FlagSuccess marks a positive CmdAck or CmdTransferAck.
	FlagSuccess byte = 0x01
	// FlagFail marks a negative CmdAck or CmdTransferAck.
	FlagFail byte = 0x00

	// FlagContinue tells the peer to resume after a fail exchange.
	FlagContinue = FlagSuccess
	// FlagStop tells the peer to abandon the transfer after a fail exchange.
	FlagStop = FlagFail

	// FlagMore marks a FILE_DATA chunk that is followed by further chunks.
	FlagMore byte = 0x00
	// FlagEnd marks the final FILE_DATA chunk of a transfer.
	FlagEnd byte = 0x01
)

// Sizes of the fixed wire structures.
const (
	HeaderSize       = 8
	ValueOffset      = 4
	FileNameSize     = 32
	MD5Size          = 16
	FileInfoBodySize = 1 + 4 + FileNameSize + MD5Size
	FileInfoSize     = HeaderSize + FileInfoBodySize
	FailIndexSize    = 4
	DownloadReqSize  = HeaderSize + FileNameSize
)

// MaxChunkPayload is the largest payload carried by one FILE_DATA frame.
const MaxChunkPayload = 3072

// Header is one encoded 8-byte frame header.
type Header [HeaderSize]byte

// Command returns header byte 0.
func (h Header) Command() Command { return Command(h[0]) }

// Flag returns header byte 1.
func (h Header) Flag() byte { return h[1] }

// Value returns the little-endian value at bytes 4-7.
func (h Header) Value() uint32 { return DecodeInt(h[:], ValueOffset, 4) }

// Is reports whether the header carries the given command and flag.
func (h Header) Is(cmd Command, flag byte) bool {
	return h.Command() == cmd && h.Flag() == flag
}

// ParseHeader copies the first HeaderSize bytes of b into a Header.
// Missing bytes are left zero.
func ParseHeader(b []byte) Header {
	var h Header
	copy(h[:], b)
	return h
}

// DecodeInt reads a little-endian integer of up to width bytes starting at
// offset. An offset outside b yields 0 and a field running past the end of b
// is clipped to the bytes that remain. Widths above 4 are treated as 4.
func DecodeInt(b []byte, offset, width int) uint32 {
	if offset < 0 || offset >= len(b) || width <= 0 {
		return 0
	}
	if width > 4 {
		width = 4
	}
	if rest := len(b) - offset; width > rest {
		width = rest
	}

	var v uint32
	for i := 0; i < width; i++ {
		v |= uint32(b[offset+i]) << (8 * i)
	}
	return v
}

// putInt writes the low width bytes of v little-endian at offset, clipped to b.
func putInt(b []byte, offset int, v uint32, width int) {
	if width > 4 {
		width = 4
	}
	for i := 0; i < width && offset+i < len(b); i++ {
		b[offset+i] = byte(v >> (8 * i))
	}
}

// EncodeHeader builds a header. value is written little-endian from byte 4
// using valueWidth bytes; pass 0 for commands without a numeric payload.
func EncodeHeader(cmd Command, flag byte, value uint32, valueWidth int) Header {
	var h Header
	h[0] = byte(cmd)
	h[1] = flag
	putInt(h[:], ValueOffset, value, valueWidth)
	return h
}

// EncodeChunk returns a FILE_DATA header followed by payload, ready for a
// single pipeline write.
func EncodeChunk(flag byte, payload []byte) []byte {
	h := EncodeHeader(CmdFileData, flag, uint32(len(payload)), 4)
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, h[:]...)
	return append(buf, payload...)
}

// EncodeFailIndex encodes the standalone 4-byte resume offset that follows a
// FILE_TRANS_FAIL header during a download.
func EncodeFailIndex(offset uint32) [FailIndexSize]byte {
	var b [FailIndexSize]byte
	putInt(b[:], 0, offset, FailIndexSize)
	return b
}

// ChunkKind classifies an incoming data-phase header.
type ChunkKind uint8

const (
	// ChunkContinuing is a FILE_DATA frame; Length payload bytes follow.
	ChunkContinuing ChunkKind = iota + 1
	// ChunkFailed is a FILE_TRANS_FAIL notice from the sender.
	ChunkFailed
)

// ChunkResult is the decoded form of a data-phase header.
type ChunkResult struct {
	Kind   ChunkKind
	Length uint32
	Last   bool
}

// DecodeDataCmd classifies a data-phase header. The boolean is false for a
// short header or any command other than FILE_DATA and FILE_TRANS_FAIL.
func DecodeDataCmd(b []byte) (ChunkResult, bool) {
	if len(b) < HeaderSize {
		return ChunkResult{}, false
	}
	h := ParseHeader(b)
	switch h.Command() {
	case CmdFileData:
		return ChunkResult{Kind: ChunkContinuing, Length: h.Value(), Last: h.Flag() == FlagEnd}, true
	case CmdFileTransFail:
		return ChunkResult{Kind: ChunkFailed, Length: h.Value()}, true
	default:
		return ChunkResult{}, false
	}
}

// ChunkCount returns how many FILE_DATA frames carry a file of size n.
// An empty file still needs one (empty) END chunk.
func ChunkCount(n int64) int64 {
	if n <= 0 {
		return 1
	}
	return (n + MaxChunkPayload - 1) / MaxChunkPayload
}

// ChunkLen returns the payload size of the chunk starting at offset in a file
// of size total.
func ChunkLen(total, offset int64) int {
	rest := total - offset
	if rest <= 0 {
		return 0
	}
	if rest > MaxChunkPayload {
		return MaxChunkPayload
	}
	return int(rest)
}
