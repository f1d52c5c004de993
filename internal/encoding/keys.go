package encoding

// Compound secondary-index key layouts.
//
//   exp_by_collective : 16-byte collective id || 8-byte BE timestamp || 16-byte experience id  (40 bytes)
//   exp_by_type       : 16-byte collective id || 1-byte type tag || 16-byte experience id       (33 bytes)
//   relations_by_*    : 16-byte collective-scoped experience id || 16-byte experience id         (32 bytes)

// ExpByCollectiveKey builds the (collective, created_at, id) key used
// for the recency scan index. Big-endian timestamp bytes make
// lexicographic descent equal chronological descent.
func ExpByCollectiveKey(collective [16]byte, createdAtMillis int64, id [16]byte) []byte {
	key := make([]byte, 0, 40)
	key = append(key, collective[:]...)
	key = append(key, EncodeUint64BE(uint64(createdAtMillis))...)
	key = append(key, id[:]...)
	return key
}

// ExpByCollectivePrefix returns the shared prefix for all experiences
// in a collective, for ranged prefix scans.
func ExpByCollectivePrefix(collective [16]byte) []byte {
	return append([]byte{}, collective[:]...)
}

// SplitExpByCollectiveKey recovers the (createdAt, id) suffix of an
// exp_by_collective key whose prefix has already been matched.
func SplitExpByCollectiveKey(key []byte) (createdAtMillis int64, id [16]byte, ok bool) {
	if len(key) != 40 {
		return 0, id, false
	}
	createdAtMillis = int64(DecodeUint64BE(key[16:24]))
	copy(id[:], key[24:40])
	return createdAtMillis, id, true
}

// ExpByTypeKey builds the (collective, type_tag, id) key for the
// type-scoped secondary index.
func ExpByTypeKey(collective [16]byte, typeTag byte, id [16]byte) []byte {
	key := make([]byte, 0, 33)
	key = append(key, collective[:]...)
	key = append(key, typeTag)
	key = append(key, id[:]...)
	return key
}

// RelKey builds the 32-byte key used by both relations_by_source and
// relations_by_target: the endpoint id followed by the relation id,
// so a prefix scan over the endpoint yields every relation touching it.
func RelKey(endpoint, relationID [16]byte) []byte {
	key := make([]byte, 0, 32)
	key = append(key, endpoint[:]...)
	key = append(key, relationID[:]...)
	return key
}

// ActivityKey builds the (collective, agent_id) key the activities
// table is keyed by. A prefix scan over the collective id alone yields
// every agent's activity row in that collective.
func ActivityKey(collective [16]byte, agentID string) []byte {
	key := make([]byte, 0, 16+len(agentID))
	key = append(key, collective[:]...)
	key = append(key, []byte(agentID)...)
	return key
}
