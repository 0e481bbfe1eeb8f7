// Command glass-scan lists nearby smart glasses.
// Run it with the glasses out of their case; it prints every matching
// advertisement until the timeout or Ctrl+C.
//
// Usage:
//
//	go run ./cmd/glass-scan [--variant g1|activelook] [--timeout 10s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/chaz8081/glassbridge/internal/ble"
)

func main() {
	variant := flag.String("variant", "", "only show this variant: g1 or activelook")
	timeout := flag.Duration("timeout", 10*time.Second, "how long to scan")
	flag.Parse()

	filter, err := scanFilter(*variant)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	adapter := ble.NewTinyGoAdapter()
	if err := adapter.Enable(); err != nil {
		fmt.Fprintf(os.Stderr, "enabling bluetooth: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	fmt.Printf("Scanning for %s...\n", *timeout)
	devices, err := adapter.Scan(ctx, filter)
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	if len(devices) == 0 {
		fmt.Println("No glasses found.")
		return
	}
	for _, d := range devices {
		fmt.Printf("%-20s %s  %4d dBm\n", d.MAC, d.Name, d.RSSI)
	}
}

// scanFilter returns the advertisement filter for a variant.
func scanFilter(variant string) (ble.ScanFilter, error) {
	switch variant {
	case "":
		return ble.ScanFilter{}, nil
	case "g1":
		return ble.ScanFilter{NameContains: []string{"G1_"}}, nil
	case "activelook":
		return ble.ScanFilter{ServiceUUID: "0783b03e-8535-b5a0-7140-a304d2495cb7"}, nil
	default:
		return ble.ScanFilter{}, fmt.Errorf("unknown variant %q", variant)
	}
}
