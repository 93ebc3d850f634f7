package frame

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// ErrNotFileInfo indicates a record whose first byte is not CmdFileInfo.
var ErrNotFileInfo = errors.New("frame is not a file-info record")

// ErrShortRecord indicates a file-info record shorter than FileInfoSize.
var ErrShortRecord = errors.New("file-info record truncated")

// ErrUnknownCharset indicates a charset name that cannot be resolved.
var ErrUnknownCharset = errors.New("unknown filename charset")

// DefaultCharset is the legacy double-byte charset existing devices use for
// filenames.
var DefaultCharset encoding.Encoding = simplifiedchinese.GBK

// FileInfo describes a file offered for transfer.
type FileInfo struct {
	// Exists is only meaningful in a download response.
	Exists bool
	Length uint32
	Name   string
	MD5    [MD5Size]byte
}

// Codec encodes and decodes the records that carry filenames.
type Codec struct {
	charset encoding.Encoding
}

// NewCodec returns a codec that writes filenames in the given charset.
// A nil charset selects DefaultCharset.
func NewCodec(charset encoding.Encoding) *Codec {
	if charset == nil {
		charset = DefaultCharset
	}
	return &Codec{charset: charset}
}

// LookupCharset resolves an IANA charset name such as "GBK" or "Shift_JIS".
func LookupCharset(name string) (encoding.Encoding, error) {
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownCharset, name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("%w: %s is not supported", ErrUnknownCharset, name)
	}
	return enc, nil
}

// EncodeFileName encodes name into the fixed 32-byte field. Characters that
// would not fit whole are dropped, and the rest of the field is NUL padded.
func (c *Codec) EncodeFileName(name string) [FileNameSize]byte {
	var field [FileNameSize]byte
	enc := encoding.ReplaceUnsupported(c.charset.NewEncoder())

	n := 0
	for _, r := range name {
		b, err := enc.String(string(r))
		if err != nil || n+len(b) > FileNameSize {
			break
		}
		n += copy(field[n:], b)
	}
	return field
}

// DecodeFileName decodes a filename field, stopping at the first NUL or 0xFF.
func (c *Codec) DecodeFileName(field []byte) (string, error) {
	end := len(field)
	for i, b := range field {
		if b == 0x00 || b == 0xFF {
			end = i
			break
		}
	}
	out, err := c.charset.NewDecoder().Bytes(field[:end])
	if err != nil {
		return "", fmt.Errorf("decode filename: %w", err)
	}
	return strings.TrimRight(string(out), "\x00"), nil
}

// EncodeFileInfo lays out a 61-byte file-info record.
func (c *Codec) EncodeFileInfo(info FileInfo) [FileInfoSize]byte {
	var rec [FileInfoSize]byte
	h := EncodeHeader(CmdFileInfo, 0, 0, 0)
	copy(rec[:], h[:])

	if info.Exists {
		rec[HeaderSize] = 1
	}
	putInt(rec[:], HeaderSize+1, info.Length, 4)
	name := c.EncodeFileName(info.Name)
	copy(rec[HeaderSize+5:], name[:])
	copy(rec[HeaderSize+5+FileNameSize:], info.MD5[:])
	return rec
}

// DecodeFileInfo parses a file-info record.
func (c *Codec) DecodeFileInfo(b []byte) (FileInfo, error) {
	if len(b) == 0 || Command(b[0]) != CmdFileInfo {
		return FileInfo{}, ErrNotFileInfo
	}
	if len(b) < FileInfoSize {
		return FileInfo{}, fmt.Errorf("%w: got %d of %d bytes", ErrShortRecord, len(b), FileInfoSize)
	}

	body := b[HeaderSize:FileInfoSize]
	name, err := c.DecodeFileName(body[5 : 5+FileNameSize])
	if err != nil {
		return FileInfo{}, err
	}

	info := FileInfo{
		Exists: body[0] == 1,
		Length: DecodeInt(body, 1, 4),
		Name:   name,
	}
	copy(info.MD5[:], body[5+FileNameSize:])
	return info, nil
}

// EncodeDownloadRequest returns a DOWNLOAD header followed by the 32-byte
// filename field.
func (c *Codec) EncodeDownloadRequest(name string) [DownloadReqSize]byte {
	var req [DownloadReqSize]byte
	h := EncodeHeader(CmdDownload, 0, 0, 0)
	copy(req[:], h[:])
	field := c.EncodeFileName(name)
	copy(req[HeaderSize:], field[:])
	return req
}
