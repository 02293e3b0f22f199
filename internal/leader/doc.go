// Package leader elects one participant among several sharing a bus and a
// storage mirror, and decides per WhatsApp event whether that participant
// raises a desktop notification, an in-app notification, or nothing.
//
// Election is eventually consistent: participants claim, heartbeat and
// release over a Channel, mirroring every message into Storage for peers
// that can only observe storage changes. Brief multi-leader windows during
// races resolve within one heartbeat round: the participant holding the
// older leadership term wins, ties go to the smaller participant id.
package leader
