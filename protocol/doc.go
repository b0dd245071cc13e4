package protocol

// This package implements encoding and decoding of the HiQnet frames that
// hiqbridge exchanges with audio nodes.
//
// Only the subset of HiQnet that hiqbridge needs is implemented:
//
// - discovery and keepalive (`DiscoInfo`, `GetNetworkInfo`, `Hello`, `Goodbye`)
// - parameter get/set/subscribe (`MultiParamSet`, `MultiObjectParamSet`,
//   `ParamSetPercent`, `MultiParamGet`, `MultiParamSubscribe`,
//   `ParamSubscribePercent`, `MultiParamUnsubscribe`)
// - device attributes (`GetAttributes`)
// - scene recall (`Recall`)
//
// Multi-part messages and session-layer authentication are NOT supported,
// frames that use them fail with ErrDecodeFailed.
//
// === Frame layout
//
// All integers are big endian.
//
//   ```
//   [version:1][headerLen:1][totalLen:4]
//   [srcAddr:6][dstAddr:6][msgId:2][flags:2][hopCount:1][seq:2]
//   [sessionId:2, only if the session flag is set]
//   [payload]
//   ```
//
// `headerLen` counts the whole header including the version, headerLen and
// totalLen fields. `totalLen` counts the entire frame.
//
// An address is `[device:2][vdevice:1][object:3]`. The device 0xFFFF is the
// broadcast address.
//
// === Flags
//
//   ```
//   0x0100 session id present
//   0x0040 multi part            (unsupported)
//   0x0020 guaranteed delivery   (TCP)
//   0x0008 error header          (decode fails with the carried error)
//   0x0004 information           (reply, as opposed to a query)
//   0x0002 acknowledgement
//   0x0001 request acknowledgement
//   ```
//
// === Streams vs datagrams
//
// A buffer may hold several back-to-back frames. DecodeAll keeps going
// after a bad frame and returns one Result per frame. TCP streams are split
// into frames by a FrameReader before decoding.
//
