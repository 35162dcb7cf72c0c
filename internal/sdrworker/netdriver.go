package sdrworker

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/cwsl/groundstation/internal/ferr"
)

// soapyRemoteDriver reads cf32_le IQ datagrams from a SoapySDR network
// server over UDP multicast, with a TCP line-JSON control connection for
// retune/gain/rate commands. The multicast socket sets
// SO_REUSEADDR+SO_REUSEPORT so several consumers can bind, then joins the
// group explicitly per interface.
type soapyRemoteDriver struct {
	cfg     Config
	control net.Conn
	reader  *bufio.Reader
	data    *net.UDPConn

	chunk   []complex64
	pending []complex64
	buf     []byte
}

func newSoapyRemoteDriver() *soapyRemoteDriver {
	return &soapyRemoteDriver{}
}

func (d *soapyRemoteDriver) Open(cfg Config) error {
	if cfg.Host == "" || cfg.Port == 0 {
		return ferr.Configurationf("sdrworker", "soapy-remote driver requires host and port")
	}
	d.cfg = cfg

	control, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), 5*time.Second)
	if err != nil {
		return ferr.NewTransient("soapy_connect", err)
	}
	d.control = control
	d.reader = bufio.NewReader(control)

	for _, cmd := range []struct {
		name  string
		value float64
	}{
		{"set_frequency", cfg.CenterFreqHz},
		{"set_sample_rate", cfg.SampleRateHz},
		{"set_gain", cfg.GainDb},
	} {
		if err := d.sendControl(cmd.name, cmd.value); err != nil {
			control.Close()
			return err
		}
	}
	if cfg.Antenna != "" {
		if err := d.sendControlString("set_antenna", cfg.Antenna); err != nil {
			control.Close()
			return err
		}
	}

	// The multicast group address, port included, comes back from the
	// stream request.
	group, err := d.requestStream()
	if err != nil {
		control.Close()
		return err
	}
	conn, err := joinMulticast(group)
	if err != nil {
		control.Close()
		return ferr.NewTransient("soapy_stream", err)
	}
	d.data = conn

	d.chunk = make([]complex64, 0, cfg.chunkSize())
	d.buf = make([]byte, 65536)
	return nil
}

// joinMulticast binds a reusable UDP socket to the group address and joins
// the group on every multicast-capable interface plus loopback.
func joinMulticast(group *net.UDPAddr) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp4", group.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", group, err)
	}
	udpConn := conn.(*net.UDPConn)
	udpConn.SetReadBuffer(1024 * 1024)

	p := ipv4.NewPacketConn(udpConn)
	ifaces, _ := net.Interfaces()
	joined := 0
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagMulticast == 0 && iface.Flags&net.FlagLoopback == 0 {
			continue
		}
		if err := p.JoinGroup(&iface, group); err == nil {
			joined++
		}
	}
	if joined == 0 {
		udpConn.Close()
		return nil, fmt.Errorf("failed to join multicast group %s on any interface", group)
	}
	return udpConn, nil
}

type soapyCommand struct {
	Cmd    string  `json:"cmd"`
	Value  float64 `json:"value,omitempty"`
	String string  `json:"string,omitempty"`
}

type soapyReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Group string `json:"group,omitempty"`
}

func (d *soapyRemoteDriver) roundTrip(cmd soapyCommand) (soapyReply, error) {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return soapyReply{}, err
	}
	d.control.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := d.control.Write(append(raw, '\n')); err != nil {
		return soapyReply{}, ferr.NewTransient("soapy_control", err)
	}
	line, err := d.reader.ReadBytes('\n')
	if err != nil {
		return soapyReply{}, ferr.NewTransient("soapy_control", err)
	}
	var reply soapyReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return soapyReply{}, ferr.NewTransient("soapy_control", err)
	}
	if !reply.OK {
		return reply, ferr.Configurationf("soapy_control", "%s rejected: %s", cmd.Cmd, reply.Error)
	}
	return reply, nil
}

func (d *soapyRemoteDriver) sendControl(cmd string, value float64) error {
	_, err := d.roundTrip(soapyCommand{Cmd: cmd, Value: value})
	return err
}

func (d *soapyRemoteDriver) sendControlString(cmd, value string) error {
	_, err := d.roundTrip(soapyCommand{Cmd: cmd, String: value})
	return err
}

func (d *soapyRemoteDriver) requestStream() (*net.UDPAddr, error) {
	reply, err := d.roundTrip(soapyCommand{Cmd: "start_stream"})
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp4", reply.Group)
	if err != nil {
		return nil, ferr.Configurationf("soapy_stream", "server returned bad group %q: %v", reply.Group, err)
	}
	return addr, nil
}

// ReadChunk accumulates cf32_le datagrams until a full chunk is ready.
func (d *soapyRemoteDriver) ReadChunk() ([]complex64, error) {
	size := d.cfg.chunkSize()
	out := d.chunk[:0]
	out = append(out, d.pending...)
	d.pending = d.pending[:0]

	for len(out) < size {
		d.data.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := d.data.ReadFromUDP(d.buf)
		if err != nil {
			return nil, ferr.NewTransient("soapy_read", err)
		}
		samples := n / 8
		for i := 0; i < samples; i++ {
			re := math.Float32frombits(binary.LittleEndian.Uint32(d.buf[i*8:]))
			im := math.Float32frombits(binary.LittleEndian.Uint32(d.buf[i*8+4:]))
			out = append(out, complex(re, im))
		}
	}

	if len(out) > size {
		d.pending = append(d.pending, out[size:]...)
		out = out[:size]
	}
	result := make([]complex64, len(out))
	copy(result, out)
	return result, nil
}

func (d *soapyRemoteDriver) Retune(centerFreqHz float64) error {
	if err := d.sendControl("set_frequency", centerFreqHz); err != nil {
		return err
	}
	d.cfg.CenterFreqHz = centerFreqHz
	return nil
}

func (d *soapyRemoteDriver) SetSampleRate(sampleRateHz float64) error {
	if err := d.sendControl("set_sample_rate", sampleRateHz); err != nil {
		return err
	}
	d.cfg.SampleRateHz = sampleRateHz
	return nil
}

func (d *soapyRemoteDriver) SetGain(gainDb float64) error {
	return d.sendControl("set_gain", gainDb)
}

func (d *soapyRemoteDriver) SetAGC(enabled bool) error {
	v := 0.0
	if enabled {
		v = 1.0
	}
	return d.sendControl("set_agc", v)
}

func (d *soapyRemoteDriver) SetAntenna(antenna string) error {
	return d.sendControlString("set_antenna", antenna)
}

func (d *soapyRemoteDriver) Close() error {
	if d.data != nil {
		d.data.Close()
	}
	if d.control != nil {
		d.sendControl("stop_stream", 0)
		return d.control.Close()
	}
	return nil
}
