package gateway

import (
	"net"
	"os"
	"strings"
	"time"
)

// systemTime and systemMemory are minimal stdlib-only implementations of
// TimeSource and MemorySource for cmd/ig60-lwm2md. The real platform
// bindings (RTC, /proc/meminfo) are out of scope per spec §1; these exist
// only so the daemon has something concrete to run against.
type systemTime struct{}

func (systemTime) Now() int64 { return time.Now().Unix() }

// SystemTimeSource returns the stdlib-backed TimeSource cmd/ig60-lwm2md
// wires into Object 3's current-time resource.
func SystemTimeSource() TimeSource { return systemTime{} }

// systemMemory reports zero for both fields: reading /proc/meminfo is a
// Linux-specific concern the spec deliberately excludes from this package,
// and a concrete MemorySource still has to exist for Object 3 to build.
type systemMemory struct{}

func (systemMemory) Memory() (freeKB, totalKB int64) { return 0, 0 }

// SystemMemorySource returns the stub MemorySource.
func SystemMemorySource() MemorySource { return systemMemory{} }

// noopReboot stands in for the platform reboot action. Actually rebooting
// is out of scope; it does nothing and reports success.
func noopReboot() error { return nil }

// SystemReboot is the RebootFunc cmd/ig60-lwm2md wires into Object 3's
// reboot resource.
var SystemReboot RebootFunc = noopReboot

// ReadMachineSerial reads /etc/machine-id as the device serial, matching
// original_source's use of the systemd machine id where no hardware serial
// EEPROM binding is in scope for this package.
func ReadMachineSerial() (string, error) {
	b, err := os.ReadFile("/etc/machine-id")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// DefaultNetworkInfo returns the stdlib-only NetworkInfo implementation.
func DefaultNetworkInfo() NetworkInfo { return interfaceNetworkInfo{} }

// DefaultWifiProfileSink returns a WifiProfileSink reporting no profiles,
// for devices with no NetworkManager binding wired up.
func DefaultWifiProfileSink() WifiProfileSink { return noWifiProfiles{} }

// interfaceNetworkInfo is a minimal NetworkInfo built from net.Interfaces,
// enough to drive the bearer supervisor's candidate search without any
// NetworkManager/D-Bus dependency. It reports no cellular or router
// information, since neither is obtainable from net alone.
type interfaceNetworkInfo struct{}

func (interfaceNetworkInfo) AvailableConnections() []Connection {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []Connection
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		conn := Connection{Interface: iface.Name}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				conn.IPv4 = append(conn.IPv4, ip4.String())
			} else {
				conn.IPv6 = append(conn.IPv6, ipNet.IP.String())
			}
		}
		if len(conn.IPv4) == 0 && len(conn.IPv6) == 0 {
			continue
		}
		out = append(out, conn)
	}
	return out
}

func (interfaceNetworkInfo) FindInterfaceByAddr(addr string) (string, bool) {
	for _, conn := range (interfaceNetworkInfo{}).AvailableConnections() {
		for _, ip := range conn.IPv4 {
			if ip == addr {
				return conn.Interface, true
			}
		}
	}
	return "", false
}

func (interfaceNetworkInfo) HardwareAddr(name string) ([]byte, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	return iface.HardwareAddr, nil
}

// noWifiProfiles is a WifiProfileSink stub for devices with no Wi-Fi
// hardware or no NetworkManager binding wired up; Object 12 then reports
// zero instances, which spec §4.7 permits.
type noWifiProfiles struct{}

func (noWifiProfiles) ListProfiles() []string                     { return nil }
func (noWifiProfiles) ReadProfile(string) (string, string, error) { return "", "", ErrNotFound }
func (noWifiProfiles) WriteProfile(string, string, string) error  { return ErrMethodNotAllowed }
func (noWifiProfiles) DeleteProfile(string) error                 { return ErrMethodNotAllowed }
