package protocol

import "slices"

// Instruction packet builders

// PingFrame creates a ping instruction packet.
func PingFrame(id byte) Frame {
	return Frame{ID: id, Instruction: InstPing}
}

// ReadFrame creates a read instruction packet.
func ReadFrame(id, address, length byte) Frame {
	return Frame{
		ID:          id,
		Instruction: InstRead,
		Parameters:  []byte{address, length},
	}
}

// WriteFrame creates a write instruction packet.
func WriteFrame(id, address byte, data []byte) Frame {
	return Frame{
		ID:          id,
		Instruction: InstWrite,
		Parameters:  addressed(address, data),
	}
}

// RegWriteFrame creates a reg write (buffered write) instruction packet.
func RegWriteFrame(id, address byte, data []byte) Frame {
	return Frame{
		ID:          id,
		Instruction: InstRegWrite,
		Parameters:  addressed(address, data),
	}
}

// ActionFrame creates an action instruction packet (triggers reg writes).
func ActionFrame() Frame {
	return Frame{ID: BroadcastID, Instruction: InstAction}
}

// ResetFrame creates a reset instruction packet.
func ResetFrame(id byte) Frame {
	return Frame{ID: id, Instruction: InstReset}
}

// SyncWriteFrame creates a sync write instruction packet.
// servoData maps servo ID to the data bytes to write; ids are emitted in
// ascending order.
func SyncWriteFrame(address, dataLen byte, servoData map[byte][]byte) Frame {
	ids := make([]byte, 0, len(servoData))
	for id := range servoData {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	// Parameters: address(1) + dataLen(1) + [id(1) + data(n)]...
	params := make([]byte, 0, 2+len(servoData)*(1+int(dataLen)))
	params = append(params, address, dataLen)
	for _, id := range ids {
		params = append(params, id)
		params = append(params, servoData[id]...)
	}

	return Frame{
		ID:          BroadcastID,
		Instruction: InstSyncWrite,
		Parameters:  params,
	}
}

// SyncWriteFrames is SyncWriteFrame split into as many frames as needed to
// keep each within MaxParams. It returns nil when dataLen alone cannot fit.
func SyncWriteFrames(address, dataLen byte, servoData map[byte][]byte) []Frame {
	per := (MaxParams - 2) / (1 + int(dataLen))
	if per == 0 {
		return nil
	}

	ids := make([]byte, 0, len(servoData))
	for id := range servoData {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var frames []Frame
	for chunk := range slices.Chunk(ids, per) {
		part := make(map[byte][]byte, len(chunk))
		for _, id := range chunk {
			part[id] = servoData[id]
		}
		frames = append(frames, SyncWriteFrame(address, dataLen, part))
	}
	return frames
}

// SyncReadFrame creates a sync read instruction packet.
func SyncReadFrame(address, dataLen byte, ids []byte) Frame {
	params := make([]byte, 0, 2+len(ids))
	params = append(params, address, dataLen)
	params = append(params, ids...)

	return Frame{
		ID:          BroadcastID,
		Instruction: InstSyncRead,
		Parameters:  params,
	}
}

// SyncReadFrames is SyncReadFrame split into as many frames as needed to
// keep each within MaxParams.
func SyncReadFrames(address, dataLen byte, ids []byte) []Frame {
	var frames []Frame
	for chunk := range slices.Chunk(ids, MaxParams-2) {
		frames = append(frames, SyncReadFrame(address, dataLen, chunk))
	}
	return frames
}

// SyncReadIDs returns the ids a sync read frame addresses.
func SyncReadIDs(f Frame) []byte {
	if f.Instruction != InstSyncRead || len(f.Parameters) < 2 {
		return nil
	}
	return f.Parameters[2:]
}

func addressed(address byte, data []byte) []byte {
	params := make([]byte, 1+len(data))
	params[0] = address
	copy(params[1:], data)
	return params
}
