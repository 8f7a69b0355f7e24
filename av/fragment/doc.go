// Package fragment splits encoded video units into transport packets and
// reassembles them on the receiving side.
//
// [Packetizer] cuts a unit into fixed-size fragments tagged with frame id,
// fragment index, fragment count and the keyframe flag. Fragmentation is
// deterministic and concatenating fragments in index order reproduces the
// unit byte for byte.
//
// [Depacketizer] collects fragments per frame id. It ignores duplicates,
// rejects fragments whose count disagrees with the entry, and discards any
// entry that is still incomplete when its deadline (first arrival plus the
// configured latency) passes. Lost fragments are never requested again.
//
// [JitterBuffer] sits on top of the depacketizer and releases complete units
// strictly in frame id order. A missing frame is waited for at most
// ReorderWindow before it is skipped, and frames arriving after a later one
// was released are dropped as late.
package fragment
