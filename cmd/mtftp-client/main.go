// Command mtftp-client drives one file transfer against an mtftp-server,
// the operational counterpart to the plain TFTP client/server pairs in
// the broader example pack: point it at a remote address and a
// file_index and it streams the file to a local path, printing a line
// when the transfer completes, times out or is aborted, followed by the
// elapsed time.
package main

import (
	"flag"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/mtftp/internal/mtftp"
	"github.com/aetherflow/mtftp/internal/mtftp/client"
	"github.com/aetherflow/mtftp/internal/mtftp/clock"
	"github.com/aetherflow/mtftp/internal/mtftpd/store"
	"github.com/aetherflow/mtftp/internal/mtftpd/transport"
)

var (
	remoteAddr = flag.String("addr", "127.0.0.1:6969", "mtftp-server address")
	fileIndex  = flag.Uint("file-index", 0, "remote file_index to request")
	outPath    = flag.String("out", "out.bin", "local path to write the received file to")
	windowSize = flag.Uint("window", 16, "requested window size")
	blockLen   = flag.Uint("block-len", 512, "block length, must match the server")
	verbose    = flag.Bool("v", false, "verbose logging")
)

func main() {
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	defer logger.Sync()

	cfg := mtftp.DefaultConfig()
	cfg.BlockLen = uint16(*blockLen)
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid protocol config", zap.Error(err))
	}

	conn, err := transport.Dial(*remoteAddr, logger)
	if err != nil {
		logger.Fatal("failed to dial server", zap.Error(err))
	}
	defer conn.Close()

	files := store.NewFileStore()
	defer files.Close()
	if err := files.RegisterReceived(uint16(*fileIndex), *outPath); err != nil {
		logger.Fatal("failed to open output file", zap.Error(err))
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	finish := func() { closeOnce.Do(func() { close(done) }) }
	host := &clientHost{conn: conn, files: files}

	c, err := client.New(cfg, host, client.Callbacks{
		OnTransferEnd: func() {
			fmt.Println("transfer complete")
			finish()
		},
		OnTimeout: func() {
			fmt.Println("transfer timed out")
			finish()
		},
		OnIdle: func() {
			fmt.Println("transfer aborted")
			finish()
		},
	}, clock.Real{}, logger)
	if err != nil {
		logger.Fatal("failed to construct client", zap.Error(err))
	}

	start := time.Now()
	c.BeginRead(uint16(*fileIndex), 0, uint16(*windowSize))

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			fmt.Printf("elapsed: %s\n", time.Since(start))
			return
		case <-ticker.C:
			drainOnce(conn, c)
			c.Tick()
		}
	}
}

func drainOnce(conn *transport.Conn, c *client.Client) {
	for _, pkt := range conn.Drain(64) {
		c.OnPacketRecv(pkt.Data)
	}
}

// clientHost implements client.Host for a single connected peer.
type clientHost struct {
	conn  *transport.Conn
	files *store.FileStore
}

func (h *clientHost) SendPacket(b []byte) {
	_ = h.conn.Send(b)
}

func (h *clientHost) WriteFile(fileIndex uint16, fileOffset uint32, data []byte) bool {
	return h.files.WriteFile(fileIndex, fileOffset, data)
}
