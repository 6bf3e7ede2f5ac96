package sensor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// readSysfsString reads a single-value sysfs attribute and trims it.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// sysfsStringOr reads an attribute and returns "" for any failure.
// Optional attributes such as drive models are commonly missing.
func sysfsStringOr(path string) string {
	value, err := readSysfsString(path)
	if err != nil {
		return ""
	}
	return value
}

func readSysfsUint(path string) (uint64, error) {
	value, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return parsed, nil
}

func readSysfsInt(path string) (int64, error) {
	value, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return parsed, nil
}
