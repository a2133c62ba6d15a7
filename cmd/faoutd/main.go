package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gousb"
	"golang.org/x/sys/unix"

	"faoutd/internal/config"
	"faoutd/internal/jtag"
	"faoutd/internal/reactor"
	"faoutd/internal/registry"
	"faoutd/internal/rpc"
	"faoutd/internal/usbbridge"
)

var (
	configPath = flag.String("config", "config.json", "path to config.json")
	addrFlag   = flag.String("addr", "", "override Server.port's listen address (host:port)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("faoutd: %v", err)
	}

	addr := *addrFlag
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Server.Port)
	}

	ln, err := listenReusable(addr)
	if err != nil {
		log.Fatalf("faoutd: listen: %v", err)
	}
	log.Printf("faoutd starting, listening on %s", addr)

	r := reactor.New()
	go r.Run()

	programmer := jtag.New(nil, unimplementedAlgorithm)

	// listener is assigned below, but the registry's event callbacks need
	// to close over it; they are never invoked until after bridge.Run and
	// listener.Run start, so the forward reference is always valid by the
	// time it fires.
	var listener *rpc.Listener

	reg := registry.New(r, cfg, programmer, log.New(os.Stderr, "registry: ", log.LstdFlags),
		func(serial, name string) {
			log.Printf("device added: %s (%s)", serial, name)
			listener.BroadcastAdded(serial, name)
		},
		func(serial string) {
			log.Printf("device removed: %s", serial)
			listener.BroadcastRemoved(serial)
		},
		func(serial string, change registry.RegChange) {
			listener.BroadcastRegChanged(serial, change.Addr, change.Port, change.Value)
		},
	)

	bridge := usbbridge.New(r, reg.HandleArrival, reg.HandleDeparture)
	dispatcher := rpc.NewDispatcher(reg)
	listener = rpc.NewListener(r, ln, dispatcher, log.New(os.Stderr, "rpc: ", log.LstdFlags))

	reg.StartPolling()

	ctx, cancel := context.WithCancel(r.Context())
	go bridge.Run(ctx)
	go listener.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	<-sigCh
	log.Println("faoutd: shutting down")
	cancel()
	reg.StopPolling()
	listener.Close()
	bridge.Close()
	r.Stop()
}

// listenReusable binds addr with SO_REUSEADDR set, matching the original
// server's acceptor.set_option(tcp::acceptor::reuse_address(true)).
func listenReusable(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// unimplementedAlgorithm is the placeholder bitstream-loading algorithm;
// the real array-programming routine for a given FPGA family is supplied
// externally and is out of scope for this daemon (see internal/jtag).
func unimplementedAlgorithm(iface *gousb.Interface, family jtag.Family, bitfile string) error {
	return fmt.Errorf("jtag: no bitstream programming algorithm linked in")
}
