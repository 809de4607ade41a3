// Interactive OmniXtend host: connect to endpoints, read, write and watch
// the coherent cache.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/omnixtend/oxhost/internal/logging"
	"github.com/omnixtend/oxhost/internal/metrics"
	"github.com/omnixtend/oxhost/internal/netio"
	"github.com/omnixtend/oxhost/internal/session"
	"github.com/omnixtend/oxhost/internal/tui"
)

func main() {
	ifname := flag.String("interface", "", "network interface to use")
	ox10 := flag.Bool("ox10-mode", false, "OmniXtend 1.0 compat mode: no handshake, peer-granted credits only")
	logFile := flag.String("log-file", "oxtui.log", "log file path (the TUI owns the terminal)")
	metricsAddr := flag.String("metrics-addr", "", "optional prometheus listen address")
	flag.Parse()

	if *ifname == "" {
		fmt.Fprintln(os.Stderr, "missing -interface")
		flag.Usage()
		os.Exit(1)
	}

	log := logging.FromEnvFile(*logFile)
	defer log.Sync()

	if err := run(*ifname, *ox10, *metricsAddr, log); err != nil {
		log.Error("fatal", zap.Error(err))
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(ifname string, ox10 bool, metricsAddr string, log *zap.Logger) error {
	sock, err := netio.Open(ifname, log)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		go func() {
			if err := metrics.Serve(metricsAddr); err != nil {
				log.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	host := session.NewHost(sock, session.HostConfig{Compat: ox10, Log: log})
	host.Run()
	defer host.Shutdown()

	return tui.Run(host)
}
