package ncp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zigbee"
)

const (
	llACKTimeout = 500 * time.Millisecond
	llMaxRetries = 3

	readBackoffMin = 10 * time.Millisecond
	readBackoffMax = 5 * time.Second

	reconnectAttempts = 30
)

type zdoKey struct {
	cluster uint16
	tsn     uint8
}

type zclKey struct {
	src zigbee.NWK
	seq uint8
}

// ZBOSS implements NCP for a Nordic nRF52840 running the ZBOSS NCP firmware
// over USB CDC ACM.
type ZBOSS struct {
	port     serial.Port
	portName string
	portMode *serial.Mode
	reader   *bufio.Reader
	logger   *slog.Logger

	hlTSN   atomic.Uint32
	hlWait  *pending[uint8, *zbossFrame]
	zdoTSN  atomic.Uint32
	zdoWait *pending[zdoKey, []byte]
	zclSeq  atomic.Uint32
	zclWait *pending[zclKey, *zcl.Frame]

	// LL 2-bit packet sequence and ACK delivery.
	llPktSeq uint8
	llSeqMu  sync.Mutex
	llAckCh  chan uint8
	writeMu  sync.Mutex

	handlerMu       sync.RWMutex
	onJoined        func(DeviceJoinedEvent)
	onLeft          func(DeviceLeftEvent)
	onAnnounce      func(DeviceAnnounceEvent)
	onReport        func(AttributeReportEvent)
	onClusterCmd    func(ClusterCommandEvent)
	onNwkAddrUpdate func(zigbee.NWK)
	onReset         func()

	resetIndCh chan struct{}

	infoMu  sync.RWMutex
	ncpInfo NCPInfo

	// lifecycleMu guards port, done, llAckCh and closeOnce across
	// reconnects and Close.
	lifecycleMu sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool
	wg          sync.WaitGroup
}

// NewZBOSS opens the serial port and starts the read loop.
func NewZBOSS(portName string, baudRate int, logger *slog.Logger) (*ZBOSS, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openPort(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("zboss ncp: open %s: %w", portName, err)
	}
	n := newZBOSS(port, logger)
	n.portName = portName
	n.portMode = mode
	n.wg.Add(1)
	go n.readLoop()
	return n, nil
}

func newZBOSS(port serial.Port, logger *slog.Logger) *ZBOSS {
	n := &ZBOSS{
		port:       port,
		logger:     logger.With("component", "zboss"),
		hlWait:     newPending[uint8, *zbossFrame](),
		zdoWait:    newPending[zdoKey, []byte](),
		zclWait:    newPending[zclKey, *zcl.Frame](),
		llAckCh:    make(chan uint8, 4),
		resetIndCh: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if port != nil {
		n.reader = bufio.NewReader(port)
	}
	return n
}

func openPort(name string, mode *serial.Mode) (serial.Port, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	// USB CDC ACM: the firmware waits for DTR/RTS.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	return port, nil
}

func (n *ZBOSS) nextTSN() uint8    { return uint8(n.hlTSN.Add(1)) }
func (n *ZBOSS) nextZDOTSN() uint8 { return uint8(n.zdoTSN.Add(1)) }
func (n *ZBOSS) nextZCLSeq() uint8 { return uint8(n.zclSeq.Add(1)) }

// nextPktSeq cycles 1, 2, 3, 1.
func (n *ZBOSS) nextPktSeq() uint8 {
	n.llSeqMu.Lock()
	defer n.llSeqMu.Unlock()
	n.llPktSeq = n.llPktSeq%3 + 1
	return n.llPktSeq
}

func (n *ZBOSS) doneCh() <-chan struct{} {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()
	return n.done
}

// request sends an HL request and waits for its response. A non-OK status
// is returned as *StatusError together with the response frame.
func (n *ZBOSS) request(ctx context.Context, callID uint16, payload []byte) (*zbossFrame, error) {
	tsn := n.nextTSN()
	ch, cancel := n.hlWait.add(tsn)
	defer cancel()

	pktSeq := n.nextPktSeq()
	if err := n.writeWithACK(ctx, zbossEncodeRequest(callID, tsn, pktSeq, payload), pktSeq); err != nil {
		return nil, fmt.Errorf("zboss write %s: %w", zbossCmdName(callID), err)
	}
	name := zbossCmdName(callID)
	n.logger.Debug("zboss TX", "cmd", name, "tsn", tsn, "payload", fmt.Sprintf("%X", payload))

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("zboss %s: %w", name, ErrClosed)
		}
		if !resp.HL.ok() {
			n.logger.Warn("zboss RX", "cmd", name, "tsn", tsn,
				"status", zbossStatusName(resp.HL.StatusCat, resp.HL.StatusCode))
			return resp, &StatusError{Cmd: name, Category: resp.HL.StatusCat, Code: resp.HL.StatusCode}
		}
		n.logger.Debug("zboss RX", "cmd", name, "tsn", tsn, "payload", fmt.Sprintf("%X", resp.Payload))
		return resp, nil
	case <-ctx.Done():
		n.logger.Warn("zboss timeout", "cmd", name, "tsn", tsn, "err", ctx.Err())
		return nil, ctx.Err()
	case <-n.doneCh():
		return nil, ErrClosed
	}
}

func (n *ZBOSS) write(frame []byte) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	_, err := n.port.Write(frame)
	return err
}

// writeWithACK writes frame and waits for the matching LL ACK, retrying on timeout.
func (n *ZBOSS) writeWithACK(ctx context.Context, frame []byte, pktSeq uint8) error {
	done := n.doneCh()
	for attempt := 1; attempt <= llMaxRetries+1; attempt++ {
		if err := n.write(frame); err != nil {
			return fmt.Errorf("serial write: %w", err)
		}
		timer := time.NewTimer(llACKTimeout)
		acked, err := n.awaitACK(ctx, done, timer.C, pktSeq)
		timer.Stop()
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
		n.logger.Warn("zboss LL ACK timeout", "attempt", attempt, "pkt_seq", pktSeq)
	}
	return fmt.Errorf("zboss LL ACK timeout after %d attempts", llMaxRetries+1)
}

func (n *ZBOSS) awaitACK(ctx context.Context, done <-chan struct{}, timeout <-chan time.Time, pktSeq uint8) (bool, error) {
	for {
		select {
		case seq := <-n.llAckCh:
			if seq == pktSeq {
				return true, nil
			}
			n.logger.Debug("zboss stale LL ACK", "got", seq, "want", pktSeq)
		case <-timeout:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-done:
			return false, ErrClosed
		}
	}
}

func (n *ZBOSS) readLoop() {
	defer n.wg.Done()
	done := n.doneCh()
	backoff := readBackoffMin
	for {
		raw, err := readRawZBOSSFrame(n.reader)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if !errors.Is(err, io.EOF) {
				n.logger.Error("zboss read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-done:
				return
			}
			backoff = min(backoff*2, readBackoffMax)
			continue
		}
		backoff = readBackoffMin

		frame, err := zbossDecodeFrame(raw)
		if err != nil {
			n.logger.Warn("zboss decode error", "err", err)
			continue
		}
		n.dispatchFrame(frame)
	}
}

func (n *ZBOSS) dispatchFrame(frame *zbossFrame) {
	if zbossLLIsACK(frame.LL.Flags) {
		select {
		case n.llAckCh <- zbossLLAckSeq(frame.LL.Flags):
		default:
		}
		return
	}
	if err := n.write(zbossEncodeACK(zbossLLPktSeq(frame.LL.Flags))); err != nil {
		n.logger.Error("zboss send ACK failed", "err", err)
	}

	switch frame.HL.PacketType {
	case zbossHLResponse:
		if !n.hlWait.deliver(frame.HL.TSN, frame) {
			n.logger.Warn("zboss orphaned response",
				"cmd", zbossCmdName(frame.HL.CallID),
				"tsn", frame.HL.TSN,
				"status", zbossStatusName(frame.HL.StatusCat, frame.HL.StatusCode))
		}
	case zbossHLIndication:
		n.handleIndication(frame)
	}
}

// ZBOSS reset options.
const (
	zbossResetNoOption   uint8 = 0x00
	zbossResetEraseNVRAM uint8 = 0x01
	zbossResetFactory    uint8 = 0x02
)

// resetAndReconnect resets the NCP and reopens the port once USB
// re-enumerates.
func (n *ZBOSS) resetAndReconnect(ctx context.Context, option uint8) error {
	what := "reset"
	if option == zbossResetFactory {
		what = "factory reset"
	}

	// The NCP's expected LL sequence is unknown after a host restart, so the
	// reset goes out once per sequence. It reboots without ACKing.
	tsn := n.nextTSN()
	for seq := uint8(1); seq <= 3; seq++ {
		_ = n.write(zbossEncodeRequest(zbossCmdNCPReset, tsn, seq, []byte{option}))
	}
	time.Sleep(100 * time.Millisecond)
	n.logger.Info("NCP "+what+" sent, waiting for USB reconnect")
	n.stopReader()

	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
		port, err := openPort(n.portName, n.portMode)
		if err != nil {
			n.logger.Debug("waiting for NCP USB", "attempt", attempt, "err", err)
			continue
		}
		n.resetState(port)

		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_, err = n.request(probeCtx, zbossCmdGetModuleVersion, nil)
		cancel()
		if err != nil {
			n.logger.Debug("NCP not ready yet", "attempt", attempt, "err", err)
			n.stopReader()
			continue
		}

		n.logger.Info("NCP reconnected after "+what, "attempts", attempt)
		// Formation right after reboot fails with NO_MATCH until the stack
		// reports ready.
		select {
		case <-n.resetIndCh:
		case <-time.After(3 * time.Second):
			n.logger.Warn("NCPResetInd not received, proceeding anyway")
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	return fmt.Errorf("NCP did not recover after %s", what)
}

// stopReader closes the port and waits for readLoop to exit.
func (n *ZBOSS) stopReader() {
	n.lifecycleMu.Lock()
	n.closeOnce.Do(func() { close(n.done) })
	if n.port != nil {
		n.port.Close()
	}
	n.lifecycleMu.Unlock()
	n.wg.Wait()
}

// resetState installs a new port and restarts the read loop. The previous
// readLoop must have exited.
func (n *ZBOSS) resetState(port serial.Port) {
	n.lifecycleMu.Lock()
	n.port = port
	n.reader = bufio.NewReader(port)
	n.done = make(chan struct{})
	n.llAckCh = make(chan uint8, 4)
	n.resetIndCh = make(chan struct{}, 1)
	n.closeOnce = sync.Once{}
	n.lifecycleMu.Unlock()

	n.hlWait.closeAll()
	n.zdoWait.closeAll()
	n.zclWait.closeAll()

	n.llSeqMu.Lock()
	n.llPktSeq = 0
	n.llSeqMu.Unlock()
	n.hlTSN.Store(0)

	n.wg.Add(1)
	go n.readLoop()
}

func (n *ZBOSS) Reset(ctx context.Context) error {
	return n.resetAndReconnect(ctx, zbossResetNoOption)
}

func (n *ZBOSS) FactoryReset(ctx context.Context) error {
	return n.resetAndReconnect(ctx, zbossResetFactory)
}

// Close stops the NCP and waits for readLoop to exit.
func (n *ZBOSS) Close() error {
	n.lifecycleMu.Lock()
	if n.closed {
		n.lifecycleMu.Unlock()
		return nil
	}
	n.closed = true
	n.closeOnce.Do(func() { close(n.done) })
	var err error
	if n.port != nil {
		err = n.port.Close()
	}
	n.lifecycleMu.Unlock()
	n.wg.Wait()

	n.hlWait.closeAll()
	n.zdoWait.closeAll()
	n.zclWait.closeAll()
	return err
}
