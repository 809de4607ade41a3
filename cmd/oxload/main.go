// Bulk copy between a local file and endpoint memory
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/omnixtend/oxhost/internal/bulk"
	"github.com/omnixtend/oxhost/internal/cfg"
	"github.com/omnixtend/oxhost/internal/logging"
	"github.com/omnixtend/oxhost/internal/metrics"
	"github.com/omnixtend/oxhost/internal/netio"
	"github.com/omnixtend/oxhost/internal/session"
)

type opts struct {
	ifname      string
	myMAC       string
	otherMAC    string
	file        string
	baseAddr    uint64
	ox10        bool
	isRead      bool
	size        uint64
	metricsAddr string
}

func main() {
	var o opts
	flag.StringVar(&o.ifname, "interface", "", "network interface to use")
	flag.StringVar(&o.myMAC, "my-mac", "00:00:00:00:00:01", "local MAC override")
	flag.StringVar(&o.otherMAC, "other-mac", "00:00:00:00:00:00", "endpoint MAC")
	flag.StringVar(&o.file, "file", "", "file to copy from or into")
	flag.Uint64Var(&o.baseAddr, "base-address", 0, "endpoint base address")
	flag.BoolVar(&o.ox10, "ox10-mode", false, "OmniXtend 1.0 compat mode")
	flag.BoolVar(&o.isRead, "is-read", false, "read endpoint memory into the file")
	flag.Uint64Var(&o.size, "size", 0, "bytes to read (read mode only)")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "optional prometheus listen address")
	flag.Parse()

	log := logging.FromEnv()
	defer log.Sync()

	if o.ifname == "" || o.file == "" {
		fmt.Fprintln(os.Stderr, "missing -interface or -file")
		flag.Usage()
		os.Exit(1)
	}

	if err := run(&o, log); err != nil {
		log.Error("fatal", zap.Error(err))
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(o *opts, log *zap.Logger) error {
	otherMAC, err := net.ParseMAC(o.otherMAC)
	if err != nil {
		return fmt.Errorf("invalid MAC address: %w", err)
	}

	sock, err := netio.Open(o.ifname, log)
	if err != nil {
		return err
	}
	if o.myMAC != "" {
		myMAC, err := net.ParseMAC(o.myMAC)
		if err != nil {
			return fmt.Errorf("invalid MAC address: %w", err)
		}
		sock.OverrideMAC(myMAC)
	}

	if o.metricsAddr != "" {
		go func() {
			if err := metrics.Serve(o.metricsAddr); err != nil {
				log.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	host := session.NewHost(sock, session.HostConfig{Compat: o.ox10, Log: log})
	host.Run()
	defer host.Shutdown()

	cancel := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("interrupted")
		close(cancel)
	}()

	peer := host.Connect(otherMAC)

	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	if interactive {
		fmt.Println("Waiting for connection...")
	}
	if !peer.WaitActive(5 * time.Second) {
		return fmt.Errorf("connection to %s did not become active", otherMAC)
	}
	if interactive {
		fmt.Println("Connection active.")
	}

	copier := bulk.NewCopier(log)
	start := time.Now()

	var size int
	if o.isRead {
		size = int(o.size)
		if interactive {
			fmt.Printf("Reading %d bytes from %#x@%s into %s\n", size, o.baseAddr, otherMAC, o.file)
		}
		buf := copier.ReadMem(peer, o.baseAddr, size, cancel)
		if err := os.WriteFile(o.file, buf, 0o644); err != nil {
			return err
		}
	} else {
		data, cleanup, err := bulk.MapFile(o.file)
		if err != nil {
			return err
		}
		defer cleanup()
		size = len(data)
		if interactive {
			fmt.Printf("Writing %s (%d bytes) to %#x@%s\n", o.file, size, o.baseAddr, otherMAC)
		}
		copier.WriteMem(peer, o.baseAddr, data, cancel)
	}

	elapsed := time.Since(start)
	if interactive {
		fmt.Printf("Done in %s (%.1f MiB/s).\n", elapsed,
			float64(size)/elapsed.Seconds()/(1<<20))
	}

	if err := peer.Conn.Close(cfg.CloseTimeout); err != nil {
		log.Error("connection did not close before timeout expired", zap.Error(err))
	}
	peer.Ops.Close()
	return nil
}
