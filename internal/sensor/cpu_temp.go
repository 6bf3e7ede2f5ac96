package sensor

import (
	"bufio"
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/nholik/host-sentinel/internal/probe"
)

const (
	minPlausibleTempC = 5.0
	maxPlausibleTempC = 115.0
	kelvinOffset      = 273.15
)

const (
	perfThermalZoneScript = `(Get-Counter '\Thermal Zone Information(*)\Temperature').CounterSamples | Select-Object -ExpandProperty CookedValue`
	acpiThermalZoneScript = `Get-CimInstance -Namespace root/wmi -ClassName MSAcpi_ThermalZoneTemperature | Select-Object -ExpandProperty CurrentTemperature`
	ohmSensorScript       = `Get-CimInstance -Namespace root/OpenHardwareMonitor -ClassName Sensor | Where-Object { $_.SensorType -eq 'Temperature' -and $_.Name -like '*CPU*' } | Select-Object -ExpandProperty Value`
)

// cpuSensorHints match sensor keys and thermal zone types that describe the package.
var cpuSensorHints = []string{"coretemp", "k10temp", "package", "tctl", "tdie", "cpu", "x86_pkg_temp", "soc"}

func temperatureStages(opts Options) []probe.Stage[float64] {
	goos := opts.GOOS
	run := opts.run
	return []probe.Stage[float64]{
		{Name: "sensors", Timeout: 500 * time.Millisecond, Run: gopsutilTemperature, Accept: acceptTemperature},
		platformStage(goos, probe.Stage[float64]{
			Name: "sysfs-thermal", Timeout: 200 * time.Millisecond, Accept: acceptTemperature,
			Run: func(context.Context) (float64, error) { return sysfsThermal(opts.SysRoot) },
		}, "linux"),
		platformStage(goos, probe.Stage[float64]{
			Name: "perf-thermal-zone", Timeout: 2 * time.Second, Accept: acceptTemperature,
			Run: func(ctx context.Context) (float64, error) {
				return powershellTemperature(ctx, run, perfThermalZoneScript, kelvinToCelsius)
			},
		}, "windows"),
		platformStage(goos, probe.Stage[float64]{
			Name: "acpi-thermal-zone", Timeout: 2 * time.Second, Accept: acceptTemperature,
			Run: func(ctx context.Context) (float64, error) {
				return powershellTemperature(ctx, run, acpiThermalZoneScript, deciKelvinToCelsius)
			},
		}, "windows"),
		platformStage(goos, probe.Stage[float64]{
			Name: "openhardwaremonitor", Timeout: 2 * time.Second, Accept: acceptTemperature,
			Run: func(ctx context.Context) (float64, error) {
				return powershellTemperature(ctx, run, ohmSensorScript, func(v float64) float64 { return v })
			},
		}, "windows"),
	}
}

func gopsutilTemperature(ctx context.Context) (float64, error) {
	// Some hosts return readings together with warnings for unreadable chips.
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if len(temps) == 0 {
		if err != nil {
			return 0, err
		}
		return 0, probe.ErrNotSupported
	}

	hottest := math.Inf(-1)
	for _, t := range temps {
		if matchesCPUHint(t.SensorKey) && t.Temperature > hottest {
			hottest = t.Temperature
		}
	}
	if math.IsInf(hottest, -1) {
		return 0, probe.ErrNotSupported
	}
	return hottest, nil
}

// sysfsThermal returns the hottest CPU-like thermal zone, or the hottest zone
// when no zone type identifies the processor.
func sysfsThermal(sysRoot string) (float64, error) {
	zones, err := filepath.Glob(filepath.Join(sysRoot, "class/thermal/thermal_zone*"))
	if err != nil {
		return 0, err
	}
	if len(zones) == 0 {
		return 0, os.ErrNotExist
	}

	cpuHottest, anyHottest := math.Inf(-1), math.Inf(-1)
	var lastErr error
	for _, zone := range zones {
		milli, err := readSysfsInt(filepath.Join(zone, "temp"))
		if err != nil {
			lastErr = err
			continue
		}
		celsius := float64(milli) / 1000
		anyHottest = math.Max(anyHottest, celsius)
		if matchesCPUHint(sysfsStringOr(filepath.Join(zone, "type"))) {
			cpuHottest = math.Max(cpuHottest, celsius)
		}
	}
	switch {
	case !math.IsInf(cpuHottest, -1):
		return cpuHottest, nil
	case !math.IsInf(anyHottest, -1):
		return anyHottest, nil
	default:
		return 0, lastErr
	}
}

func powershellTemperature(ctx context.Context, run commandRunner, script string, convert func(float64) float64) (float64, error) {
	out, err := powershell(ctx, run, script)
	if err != nil {
		return 0, err
	}
	values, err := parseNumberLines(out)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, probe.ErrNotSupported
	}
	hottest := math.Inf(-1)
	for _, v := range values {
		hottest = math.Max(hottest, convert(v))
	}
	return hottest, nil
}

// parseNumberLines parses one number per non-empty line. Windows locales may
// use a decimal comma.
func parseNumberLines(out []byte) ([]float64, error) {
	var values []float64
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(line, ",", "."), 64)
		if err != nil {
			return nil, probe.Implausible("non-numeric sensor output %q", line)
		}
		values = append(values, v)
	}
	return values, scanner.Err()
}

func kelvinToCelsius(v float64) float64 {
	return v - kelvinOffset
}

func deciKelvinToCelsius(v float64) float64 {
	return v/10 - kelvinOffset
}

func matchesCPUHint(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range cpuSensorHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func acceptTemperature(celsius float64) error {
	if math.IsNaN(celsius) || celsius < minPlausibleTempC || celsius > maxPlausibleTempC {
		return probe.Implausible("temperature %.1fC outside %.0f..%.0fC", celsius, minPlausibleTempC, maxPlausibleTempC)
	}
	return nil
}
