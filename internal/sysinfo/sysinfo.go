package sysinfo

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// Collect gathers system information for display. dataPath, if set, adds
// the usage of the disk captures are stored on.
func Collect(dataPath string) (map[string]interface{}, error) {
	data := make(map[string]interface{})

	hInfo, err := host.Info()
	if err == nil {
		data["Hostname"] = hInfo.Hostname
		data["OS"] = hInfo.OS
		data["Platform"] = hInfo.Platform
		data["PlatformVersion"] = hInfo.PlatformVersion
		data["KernelVersion"] = hInfo.KernelVersion
		data["Arch"] = hInfo.KernelArch
		data["Uptime"] = fmt.Sprintf("%dh", hInfo.Uptime/3600)
	}

	cInfos, err := cpu.Info()
	if err == nil && len(cInfos) > 0 {
		data["CPU Model"] = cInfos[0].ModelName
		data["CPU Cores"] = len(cInfos)
	}

	mInfo, err := mem.VirtualMemory()
	if err == nil {
		data["Total RAM"] = fmt.Sprintf("%d MB", mInfo.Total/1024/1024)
	}

	if dataPath != "" {
		if usage, err := disk.Usage(dataPath); err == nil {
			data["Data Disk Free"] = fmt.Sprintf("%d MB", usage.Free/1024/1024)
			data["Data Disk Used"] = fmt.Sprintf("%.1f%%", usage.UsedPercent)
		}
	}

	if mac, ip := primaryInterface(); mac != "" {
		data["MAC Address"] = mac
		if ip != "" {
			data["IP Address"] = ip
		}
	}

	data["Go Version"] = runtime.Version()

	return data, nil
}

// DeviceContext is the compact host description attached to ingest requests.
func DeviceContext() map[string]string {
	ctx := map[string]string{
		"arch": runtime.GOARCH,
		"os":   runtime.GOOS,
	}
	if hInfo, err := host.Info(); err == nil {
		ctx["hostname"] = hInfo.Hostname
		ctx["platform"] = hInfo.Platform
		ctx["platform_version"] = hInfo.PlatformVersion
		ctx["kernel_version"] = hInfo.KernelVersion
	}
	return ctx
}

// Online reports whether a non-loopback interface is up with an address.
func Online() (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, err
	}
	for _, iface := range ifaces {
		if hasFlag(iface.Flags, "loopback") || !hasFlag(iface.Flags, "up") {
			continue
		}
		if len(iface.Addrs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func primaryInterface() (mac, ip string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", ""
	}
	for _, iface := range ifaces {
		if hasFlag(iface.Flags, "loopback") || iface.HardwareAddr == "" {
			continue
		}
		mac = iface.HardwareAddr
		for _, addr := range iface.Addrs {
			if strings.Contains(addr.Addr, ".") {
				return mac, addr.Addr
			}
		}
	}
	return mac, ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
