// Package protocol encodes and decodes the messages exchanged between doctor
// supervisors over their shared health port.
//
// Every message travels on its own short-lived TCP connection and starts with
// a single tag byte:
//
//	Probe    0x01                      reply: one byte, 0x01 alive, 0x00 unhealthy
//	Vote     0x02 <candidate uint32 BE>
//	Decision 0x03 <leader uint32 BE>
//	Announce 0x04 <leader uint32 BE>
//
// The 4-byte payload is always written, for id 0 as well. Receivers always
// read exactly 4 bytes after a Vote, Decision or Announce tag.
package protocol
