package api

import (
	"fmt"
	"log/slog"

	"github.com/grandcat/zeroconf"

	"github.com/chaz8081/glassbridge/internal/glasses"
)

// MDNSService is the DNS-SD service type the API is advertised under.
const MDNSService = "_glassbridge._tcp"

// Advertise announces the API on the local network. The returned function
// withdraws the announcement.
func Advertise(name string, port int, variant glasses.Variant) (func(), error) {
	txt := []string{
		"path=/",
		fmt.Sprintf("variant=%s", variant),
	}
	server, err := zeroconf.Register(name, MDNSService, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("api: mdns register: %w", err)
	}
	slog.Info("[API] mdns: advertised", "name", name, "service", MDNSService, "port", port)
	return server.Shutdown, nil
}
