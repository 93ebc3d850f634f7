// Package frame implements the binary wire format spoken over a pipeline
// between a controller and a remote device.
//
// # Overview
//
// Every control message starts with a fixed 8-byte header:
//
//	offset 0   command   (1 byte)
//	offset 1   flag      (1 byte, meaning depends on command)
//	offset 2-3 reserved  (always zero)
//	offset 4-7 value     (little-endian, may be narrowed per command)
//
// The value field is written with as many bytes as a command needs, so
// DecodeInt tolerates narrow or truncated fields and never fails:
//
//	h := frame.EncodeHeader(frame.CmdFileData, frame.FlagContinue, 3072, 4)
//	n := frame.DecodeInt(h[:], 4, 4) // 3072
//
// # File-info record
//
// Before chunked data flows, both sides exchange a 61-byte record describing
// the file: existence flag, length, a 32-byte filename and the MD5 digest.
// Filenames use a legacy double-byte charset rather than UTF-8, so the charset
// is an explicit parameter of Codec:
//
//	codec := frame.NewCodec(simplifiedchinese.GBK)
//	rec := codec.EncodeFileInfo(frame.FileInfo{Name: "log.bin", Length: 5000})
//	info, err := codec.DecodeFileInfo(rec[:])
//
// Names longer than 32 encoded bytes are truncated on a character boundary.
// Decoding returns the truncated name, not the original one.
//
// # Chunks
//
// File contents travel as FILE_DATA frames carrying at most MaxChunkPayload
// bytes each. The final chunk has FlagEnd set; all others FlagContinue.
// DecodeDataCmd classifies an incoming chunk header and reports an unknown
// command through its boolean result.
//
// The package performs no I/O and holds no state.
package frame
