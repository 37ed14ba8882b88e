// Package binary implements the framed binary protocol spoken by embedded
// devices and the gateway that bridges those devices onto the hub.
//
// # Wire Format
//
// Every message is a frame:
//
//	┌──────┬──────┬─────────┬───────┬──────────┬──────────┬────────┬──────────┐
//	│ 0xC5 │ 0xC3 │ version │ flags │ len (LE) │ intent   │ data   │ checksum │
//	│  1   │  1   │    1    │   1   │    2     │ 2 (LE)   │ len    │    1     │
//	└──────┴──────┴─────────┴───────┴──────────┴──────────┴────────┴──────────┘
//
// The checksum is the additive sum, mod 256, of the header and data bytes.
// Readers resynchronise on the signature so a serial line with leading noise
// recovers at the next frame.
//
// # Intents
//
// Intents 0-3 are reserved (request registration, register, notify command
// result, JSON register). Intents from 256 upward are assigned per device in
// its registration and are only valid for the lifetime of that connection.
//
// # Parameters
//
// Command and notification payloads are encoded from a Parameter schema
// exchanged at registration. Absent values are written as the zero value of
// their type, so decode(encode(v)) reproduces v with missing fields defaulted.
//
// # Gateway
//
// Gateway accepts device connections (serial ports or TCP), runs a Session per
// connection and relays registrations, notifications and command results to a
// devicehost.DeviceService.
package binary
