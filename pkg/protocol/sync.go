package protocol

import "fmt"

// SyncDoc is the document side of the sync handshake.
type SyncDoc interface {
	ApplyUpdate(update []byte) error
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)
}

// ReadSyncMessage drives one step of the handshake. A SyncStep1 is answered with the SyncStep2
// frame to send back; a SyncStep2 or SyncUpdate is applied to doc and yields no reply.
func ReadSyncMessage(m Message, doc SyncDoc) ([]byte, error) {
	if m.Type != MessageSync {
		return nil, fmt.Errorf("%w: not a sync message", ErrUnknownMessage)
	}
	switch m.SyncType {
	case SyncStep1:
		diff, err := doc.EncodeStateAsUpdate(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to compute diff: %w", err)
		}
		return EncodeSyncStep2(diff), nil
	case SyncStep2, SyncUpdate:
		if err := doc.ApplyUpdate(m.Payload); err != nil {
			return nil, fmt.Errorf("failed to apply update: %w", err)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: sync type %d", ErrUnknownMessage, m.SyncType)
	}
}
