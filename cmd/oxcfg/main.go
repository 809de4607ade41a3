// Endpoint configuration: register file inspection, MAC programming and
// connection resets through the UIO register window.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/omnixtend/oxhost/internal/logging"
	"github.com/omnixtend/oxhost/internal/regs"
)

const usage = `usage: oxcfg [flags] <command>

commands:
  print-regs           list all status and control registers
  enable-jumbo         enable jumbo frames on the SFP controller
  set-mac MAC          program the endpoint MAC register
  print-active-con     list connections that are not idle
  reset-con N          reset connection slot N
`

func main() {
	device := flag.String("device", "/dev/uio0", "UIO device node of the endpoint")
	sfpDevice := flag.String("sfp-device", "/dev/uio1", "UIO device node of the SFP controller")
	windowSize := flag.Int("window-size", 1<<16, "size of the mapped register window")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	log := logging.FromEnv()
	defer log.Sync()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(*device, *sfpDevice, *windowSize, flag.Args(), log); err != nil {
		log.Error("fatal", zap.Error(err))
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(device, sfpDevice string, windowSize int, args []string, log *zap.Logger) error {
	switch args[0] {
	case "print-regs":
		return withClient(device, windowSize, func(c *regs.Client) error {
			rs, err := c.Registers()
			if err != nil {
				return err
			}
			log.Info("found registers", zap.Int("count", len(rs)))
			printRegs(rs)
			return nil
		})

	case "print-active-con":
		return withClient(device, windowSize, func(c *regs.Client) error {
			active, err := c.ActiveConnections()
			if err != nil {
				return err
			}
			for _, r := range active {
				fmt.Printf("Connection %s state %d.\n", r.Name, r.Value)
			}
			return nil
		})

	case "set-mac":
		if len(args) < 2 {
			return fmt.Errorf("set-mac needs a MAC address")
		}
		mac, err := net.ParseMAC(args[1])
		if err != nil {
			return fmt.Errorf("invalid MAC address: %w", err)
		}
		return withClient(device, windowSize, func(c *regs.Client) error {
			fmt.Printf("Setting MAC to %s.\n", mac)
			return c.SetMAC(mac)
		})

	case "reset-con":
		if len(args) < 2 {
			return fmt.Errorf("reset-con needs a connection number")
		}
		n, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid connection number: %w", err)
		}
		return withClient(device, windowSize, func(c *regs.Client) error {
			fmt.Printf("Reset connection %d.\n", n)
			return c.ResetConnection(n)
		})

	case "enable-jumbo":
		u, err := regs.OpenUIO(sfpDevice, windowSize)
		if err != nil {
			return err
		}
		defer u.Close()
		log.Info("enabling jumbo frames")
		stats, err := regs.EnableJumbo(u)
		if err != nil {
			return err
		}
		printRegs(stats)
		return nil

	default:
		return fmt.Errorf("invalid subcommand %q", args[0])
	}
}

func withClient(device string, windowSize int, f func(*regs.Client) error) error {
	u, err := regs.OpenUIO(device, windowSize)
	if err != nil {
		return err
	}
	defer u.Close()
	return f(regs.NewClient(u))
}

func printRegs(rs []regs.Register) {
	for _, r := range rs {
		fmt.Printf("%-10s %20d  %#016x\n", r.Name, r.Value, r.Value)
	}
}
