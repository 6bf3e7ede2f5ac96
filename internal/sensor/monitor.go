package sensor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/nholik/host-sentinel/internal/probe"
)

const monitorIDScript = `Get-CimInstance WmiMonitorID -Namespace root\wmi | ForEach-Object { ($_.UserFriendlyName -ne 0 | ForEach-Object { [char]$_ }) -join '' }`

const (
	edidBlockSize  = 128
	edidNameTag    = 0xFC
	edidDescriptor = 54
)

var edidHeader = []byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}

// drmConnectors lists connector directories under class/drm that expose EDID,
// in name order.
func drmConnectors(sysRoot string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(sysRoot, "class/drm/*/edid"))
	if err != nil {
		return nil, err
	}
	dirs := make([]string, 0, len(matches))
	for _, match := range matches {
		dirs = append(dirs, filepath.Dir(match))
	}
	slices.Sort(dirs)
	return dirs, nil
}

func (p *BoardProbe) drmEDID(context.Context) (string, error) {
	dirs, err := drmConnectors(p.opts.SysRoot)
	if err != nil {
		return "", err
	}
	if len(dirs) == 0 {
		return "", fmt.Errorf("%w: no display connectors", probe.ErrNotSupported)
	}
	var names []string
	for _, dir := range dirs {
		data, err := os.ReadFile(filepath.Join(dir, "edid"))
		if err != nil || len(data) == 0 {
			continue
		}
		if name := edidName(data); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: no connected display reports EDID", probe.ErrNotSupported)
	}
	return strings.Join(names, " + "), nil
}

// edidName returns the monitor name descriptor, or the manufacturer and
// product code when the display carries no name.
func edidName(data []byte) string {
	if len(data) < edidBlockSize || !bytes.Equal(data[:len(edidHeader)], edidHeader) {
		return ""
	}
	for off := edidDescriptor; off+18 <= edidBlockSize; off += 18 {
		d := data[off : off+18]
		if d[0] != 0 || d[1] != 0 || d[3] != edidNameTag {
			continue
		}
		text := d[5:18]
		if end := bytes.IndexByte(text, 0x0A); end >= 0 {
			text = text[:end]
		}
		if name := strings.TrimSpace(string(text)); name != "" {
			return name
		}
	}
	return fmt.Sprintf("%s %04X", edidManufacturer(data[8], data[9]), uint16(data[10])|uint16(data[11])<<8)
}

// edidManufacturer decodes the three 5-bit letters packed big-endian into two bytes.
func edidManufacturer(hi, lo byte) string {
	id := uint16(hi)<<8 | uint16(lo)
	letters := []byte{
		byte(id>>10&0x1F) + 'A' - 1,
		byte(id>>5&0x1F) + 'A' - 1,
		byte(id&0x1F) + 'A' - 1,
	}
	return string(letters)
}

// drmResolution names the first connected display by its preferred mode.
func (p *BoardProbe) drmResolution(context.Context) (string, error) {
	dirs, err := drmConnectors(p.opts.SysRoot)
	if err != nil {
		return "", err
	}
	for _, dir := range dirs {
		if status := sysfsStringOr(filepath.Join(dir, "status")); status != "" && status != "connected" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, "modes"))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(bytes.NewReader(data))
		if scanner.Scan() {
			if mode := strings.TrimSpace(scanner.Text()); mode != "" {
				return fmt.Sprintf("Generic Display (%s)", mode), nil
			}
		}
	}
	return "", fmt.Errorf("%w: no connected display", probe.ErrNotSupported)
}

func (p *BoardProbe) wmiMonitorID(ctx context.Context) (string, error) {
	out, err := powershell(ctx, p.opts.run, monitorIDScript)
	if err != nil {
		return "", err
	}
	return parseMonitorNames(out)
}

// parseMonitorNames joins one name per line, one line per display.
func parseMonitorNames(out []byte) (string, error) {
	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: no monitor reported", probe.ErrNotSupported)
	}
	return strings.Join(names, " + "), nil
}
