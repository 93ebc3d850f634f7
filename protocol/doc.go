// Package protocol implements the upload and download state machines of the
// pipeline file-transfer protocol.
//
// # Overview
//
// Each direction is a strictly sequential exchange: a request frame, an
// acknowledgement, a run of FILE_DATA chunks, and a final TRANSFER_ACK. The
// engines block on every read and write, so callers run each direction on its
// own goroutine (see package session).
//
//	dl := protocol.NewDownloader(pipe, store, protocol.NewOptions())
//	dl.OnEvent(func(ev protocol.Event) { ... })
//	res := dl.Download(ctx, "flight_0001.log", "flight_0001.log")
//
//	ul := protocol.NewUploader(pipe, store, protocol.NewOptions())
//	res = ul.Upload(ctx, "mission.kmz", "mission.kmz")
//
// # Download States
//
//	Idle -> AwaitHandshakeAck -> AwaitFileInfo -> ReceivingChunks -> Verifying -> Succeeded
//	                     \______________\________________\__________________________-> Aborted
//
// Verifying always sends a TRANSFER_ACK and ends in Succeeded; the integrity
// outcome is reported in Result.Verified, not as an abort.
//
// # Upload States
//
//	Idle -> AwaitHandshakeAck -> AwaitInfoAck -> SendingChunks -> AwaitFinalAck -> Succeeded
//	                     \______________\_______________\_______________\--------> Aborted
//
// # Failure Handling
//
//   - A pipeline.ErrClosing from any read or write aborts at once. Nothing
//     further is sent.
//   - A transient write failure during upload starts the fail/ack resume
//     exchange: FILE_TRANS_FAIL(bytes sent), the device's FILE_TRANS_FAIL_ACK
//     with its offset, then ACK(continue) and a resend of the same chunk, or
//     ACK(stop) and an abort when the offsets differ.
//   - During download the device starts the exchange: a FILE_TRANS_FAIL
//     header, then a separate 4-byte offset. The engine answers
//     FILE_TRANS_FAIL_ACK(offset), reads ACK(continue|stop), and on continue
//     seeks the local file back to the offset.
//   - Malformed frames are always fatal.
//
// Retries are unbounded: the engines keep resuming for as long as the
// pipeline stays up. Callers that want a bound wrap the engine with a deadline
// or an attempt policy (session.Options.MaxAttempts, TransferTimeout).
//
// # Events
//
// Engines report through a sum type delivered to the OnEvent callback:
// ProgressEvent after every chunk, FileInfoEvent when a download's record
// arrives, and one ResultEvent at the end of every transfer.
//
// # Cancellation
//
// There is no mid-frame cancellation. Closing the pipeline surfaces as
// ErrClosing on the next read or write. The context is checked between frames
// and while polling an idle pipeline.
package protocol
