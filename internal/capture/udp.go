package capture

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/n0needt0/go-goodies/log"
	"github.com/n0needt0/goodies/eventpipe/internal/pipeline"
)

type UDPConfig struct {
	Host                string
	Port                int
	ReadBufferSizeBytes int
}

// UDPListener is a capture plugin that accepts newline-delimited JSON
// events over UDP. Datagrams that fail to decode are counted and dropped,
// there is no way to reply to the sender.
type UDPListener struct {
	config   UDPConfig
	dispatch pipeline.Dispatch
	conn     *net.UDPConn
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	bufferPool sync.Pool
}

func NewUDPFactory(cfg UDPConfig) pipeline.PluginFactory {
	if cfg.ReadBufferSizeBytes <= 0 {
		cfg.ReadBufferSizeBytes = 64 * 1024
	}
	return func(dispatch pipeline.Dispatch) pipeline.Plugin {
		return &UDPListener{
			config:   cfg,
			dispatch: dispatch,
			quit:     make(chan struct{}),
			bufferPool: sync.Pool{
				New: func() interface{} {
					return make([]byte, cfg.ReadBufferSizeBytes)
				},
			},
		}
	}
}

func (l *UDPListener) Name() string {
	return "udp"
}

func (l *UDPListener) Start() error {
	addr := &net.UDPAddr{
		IP:   net.ParseIP(l.config.Host),
		Port: l.config.Port,
	}

	var err error
	l.conn, err = net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP %s: %w", addr.String(), err)
	}

	if err := l.conn.SetReadBuffer(l.config.ReadBufferSizeBytes); err != nil {
		l.conn.Close()
		return fmt.Errorf("failed to set read buffer for %s: %w", addr.String(), err)
	}

	log.Infof("UDP capture listening on %s", addr.String())

	l.wg.Add(1)
	go l.readLoop()

	return nil
}

func (l *UDPListener) Stop() error {
	l.stopOnce.Do(func() {
		close(l.quit)
		if l.conn != nil {
			l.conn.Close()
		}
	})
	l.wg.Wait()
	return nil
}

func (l *UDPListener) readLoop() {
	defer l.wg.Done()

	for {
		buf := l.bufferPool.Get().([]byte)

		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			l.bufferPool.Put(buf) //nolint:staticcheck
			select {
			case <-l.quit:
				return
			default:
				log.Errorf("UDP read error: %v", err)
				continue
			}
		}

		l.handleDatagram(buf[:n], remote)
		l.bufferPool.Put(buf) //nolint:staticcheck
	}
}

// handleDatagram splits a datagram into newline-delimited payloads and
// dispatches every event that decodes.
func (l *UDPListener) handleDatagram(data []byte, remote *net.UDPAddr) {
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		events, err := decodeEvents(line)
		if err != nil {
			log.Debugf("dropping undecodable datagram line from %s: %v", remote, err)
			continue
		}

		for _, event := range events {
			if err := l.dispatch(context.Background(), event); err != nil {
				log.Errorf("failed to queue captured event: %v", err)
			}
		}
	}
}
