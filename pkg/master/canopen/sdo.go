package canopen

import (
	"encoding/binary"
	"time"

	"github.com/samsamfire/goservo/pkg/can"
	"github.com/samsamfire/goservo/pkg/master"
)

// SDO command specifiers
const (
	sdoDownloadExpedited uint8 = 0x23
	sdoDownloadResponse  uint8 = 0x60
	sdoAbort             uint8 = 0x80
	sdoMaxExpedited            = 4
)

// Expedited download to a node, one transfer at a time
func (m *Master) sdoDownload(nodeId uint8, index uint16, subindex uint8, data []byte) error {
	if len(data) == 0 || len(data) > sdoMaxExpedited {
		return master.AbortUnsupportedAccess
	}
	m.sdoMu.Lock()
	defer m.sdoMu.Unlock()

	select {
	case <-m.sdoResponse:
	default:
	}
	request := can.NewFrame(idSdoServerRx+uint32(nodeId), 0, 8)
	// Size indicated as 4-n bytes unused
	request.Data[0] = sdoDownloadExpedited | uint8(sdoMaxExpedited-len(data))<<2
	binary.LittleEndian.PutUint16(request.Data[1:3], index)
	request.Data[3] = subindex
	copy(request.Data[4:], data)
	m.logger.Debugf("[TX] expedited download x%x | x%x:x%x %v", nodeId, index, subindex, data)
	if err := m.send(request); err != nil {
		return err
	}

	timer := time.NewTimer(m.sdoTimeout)
	defer timer.Stop()
	for {
		select {
		case response := <-m.sdoResponse:
			if response.ID&can.CanSffMask != idSdoServerTx+uint32(nodeId) ||
				binary.LittleEndian.Uint16(response.Data[1:3]) != index ||
				response.Data[3] != subindex {
				m.logger.Warnf("ignoring sdo response %x", response.Data)
				continue
			}
			switch response.Data[0] {
			case sdoDownloadResponse:
				return nil
			case sdoAbort:
				abort := master.SDOAbortCode(binary.LittleEndian.Uint32(response.Data[4:]))
				m.logger.Warnf("[RX] abort x%x | x%x:x%x %v", nodeId, index, subindex, abort)
				return abort
			default:
				return master.AbortGeneral
			}
		case <-timer.C:
			return master.AbortTimeout
		}
	}
}
