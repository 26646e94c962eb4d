package ncp

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zdo"
	"zigbee-toolkit/internal/zigbee"
)

func (n *ZBOSS) handleIndication(f *zbossFrame) {
	n.handlerMu.RLock()
	onJoined := n.onJoined
	onLeft := n.onLeft
	onAnnounce := n.onAnnounce
	onNwkAddrUpdate := n.onNwkAddrUpdate
	onReset := n.onReset
	n.handlerMu.RUnlock()

	p := f.Payload
	switch f.HL.CallID {
	case zbossCmdZDODevAnnceInd:
		// nwk(2) + ieee(8) + capability(1)
		if len(p) >= 11 && onAnnounce != nil {
			onAnnounce(DeviceAnnounceEvent{
				ShortAddr:  zigbee.NWK(binary.LittleEndian.Uint16(p[0:2])),
				IEEEAddr:   zigbee.IEEEFromWire(p[2:10]),
				Capability: p[10],
			})
		}

	case zbossCmdZDODevUpdateInd:
		// ieee(8) + nwk(2) + status(1)
		if len(p) < 11 {
			return
		}
		ieee := zigbee.IEEEFromWire(p[0:8])
		short := zigbee.NWK(binary.LittleEndian.Uint16(p[8:10]))
		status := p[10]
		n.logger.Info("device update", "ieee", ieee, "short", short, "status", zbossDevUpdateNames[status])
		switch status {
		case zbossDevUpdateSecureRejoin, zbossDevUpdateUnsecureJoin, zbossDevUpdateTCRejoin:
			if onJoined != nil {
				onJoined(DeviceJoinedEvent{ShortAddr: short, IEEEAddr: ieee})
			}
		case zbossDevUpdateLeft:
			if onLeft != nil {
				onLeft(DeviceLeftEvent{ShortAddr: short, IEEEAddr: ieee})
			}
		default:
			n.logger.Warn("device update with unknown status", "status", status)
		}

	case zbossCmdNwkLeaveInd:
		// ieee(8) + rejoin(1)
		if len(p) < 8 {
			return
		}
		ieee := zigbee.IEEEFromWire(p[0:8])
		rejoin := len(p) >= 9 && p[8] != 0
		n.logger.Info("device leave", "ieee", ieee, "rejoin", rejoin)
		if onLeft != nil && !rejoin {
			onLeft(DeviceLeftEvent{IEEEAddr: ieee})
		}

	case zbossCmdAPSDEDataInd:
		ind, err := parseAPSDataInd(p)
		if err != nil {
			n.logger.Warn("bad APSDE data indication", "err", err)
			return
		}
		n.handleAPSData(ind)

	case zbossCmdNCPResetInd:
		n.logger.Warn("NCP reset indication")
		select {
		case n.resetIndCh <- struct{}{}:
		default:
		}
		if onReset != nil {
			onReset()
		}

	case zbossCmdSecurTCLKInd:
		if len(p) >= 8 {
			n.logger.Info("TC link key exchanged", "ieee", zigbee.IEEEFromWire(p[0:8]))
		}

	case zbossCmdSecurTCLKExchangeFailInd:
		if len(p) >= 2 {
			n.logger.Error("TC link key exchange failed", "status", zbossStatusName(p[0], p[1]))
		}

	case zbossCmdZDODevAuthorizedInd:
		if len(p) >= 8 {
			n.logger.Info("device authorized", "ieee", zigbee.IEEEFromWire(p[0:8]))
		}

	case zbossCmdNwkAddrUpdateInd:
		if len(p) >= 2 {
			addr := zigbee.NWK(binary.LittleEndian.Uint16(p[0:2]))
			n.logger.Warn("device changed short address", "new_short", addr)
			if onNwkAddrUpdate != nil {
				onNwkAddrUpdate(addr)
			}
		}

	case zbossCmdNwkStartedInd:
		n.logger.Info("network started")

	default:
		n.logger.Warn("zboss unhandled indication",
			"cmd", zbossCmdName(f.HL.CallID),
			"payload", fmt.Sprintf("%X", p))
	}
}

// handleAPSData routes incoming APS data: ZDO responses to their waiters,
// ZCL responses to their waiters, everything else to the callbacks.
func (n *ZBOSS) handleAPSData(ind *apsDataInd) {
	if ind.ProfileID == ProfileZDO && ind.DstEP == 0 {
		if len(ind.Data) < 1 || ind.ClusterID&zdo.ResponseBit == 0 {
			return
		}
		key := zdoKey{cluster: ind.ClusterID, tsn: ind.Data[0]}
		if !n.zdoWait.deliver(key, append([]byte(nil), ind.Data[1:]...)) {
			n.logger.Debug("unsolicited ZDO message", "cluster", fmt.Sprintf("0x%04X", ind.ClusterID), "src", ind.SrcAddr)
		}
		return
	}

	frame, err := zcl.ParseFrame(ind.Data)
	if err != nil {
		n.logger.Debug("dropping non-ZCL APS data", "src", ind.SrcAddr, "err", err)
		return
	}
	// Copy out of the read buffer before handing to other goroutines.
	frame.Payload = append([]byte(nil), frame.Payload...)

	if frame.IsGlobal() && frame.CommandID == zcl.FoundationReportAttributes {
		n.dispatchReports(ind, frame)
		return
	}
	if n.zclWait.deliver(zclKey{src: ind.SrcAddr, seq: frame.Seq}, frame) {
		return
	}
	if frame.IsGlobal() {
		return
	}

	if ind.ClusterID == zcl.ClusterOTA && frame.CommandID == zcl.CmdOTAQueryNextImage && !frame.ServerToClient {
		n.logger.Info("OTA query, no image available", "short", ind.SrcAddr, "ep", ind.SrcEP)
		// request() needs readLoop to deliver its ACK, so it cannot run here.
		go n.replyNoImage(ind.SrcAddr, ind.SrcEP, ind.ProfileID, frame.Seq)
		return
	}

	n.handlerMu.RLock()
	onClusterCmd := n.onClusterCmd
	n.handlerMu.RUnlock()
	if onClusterCmd != nil {
		onClusterCmd(ClusterCommandEvent{
			SrcAddr:   ind.SrcAddr,
			SrcEP:     ind.SrcEP,
			ClusterID: ind.ClusterID,
			CommandID: frame.CommandID,
			Payload:   frame.Payload,
			LQI:       ind.LQI,
			RSSI:      ind.RSSI,
		})
	}
}

func (n *ZBOSS) dispatchReports(ind *apsDataInd, frame *zcl.Frame) {
	n.handlerMu.RLock()
	onReport := n.onReport
	n.handlerMu.RUnlock()
	if onReport == nil {
		return
	}
	records, err := zcl.ParseAttributeReports(frame.Payload)
	if err != nil {
		n.logger.Warn("partial attribute report", "src", ind.SrcAddr, "cluster", fmt.Sprintf("0x%04X", ind.ClusterID), "err", err)
	}
	for _, rec := range records {
		onReport(AttributeReportEvent{
			SrcAddr:   ind.SrcAddr,
			SrcEP:     ind.SrcEP,
			ClusterID: ind.ClusterID,
			Record:    rec,
			LQI:       ind.LQI,
			RSSI:      ind.RSSI,
		})
	}
}

func (n *ZBOSS) replyNoImage(dst zigbee.NWK, dstEP uint8, profile uint16, seq uint8) {
	resp := zcl.NewClusterCommand(seq, zcl.CmdOTAQueryNextImageResp, true, 0, []byte{zcl.StatusNoImage})
	resp.DisableDefaultResponse = true
	req := apsDataReq{
		DstMode:   zbossAddrModeShort,
		DstShort:  dst,
		ProfileID: profile,
		ClusterID: zcl.ClusterOTA,
		DstEP:     dstEP,
		SrcEP:     1,
		Radius:    zbossDefaultRadius,
		TxOptions: zbossTxOptACK,
		Data:      resp.Marshal(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := n.request(ctx, zbossCmdAPSDEDataReq, req.marshal()); err != nil {
		n.logger.Warn("OTA no-image reply failed", "err", err)
	}
}
