//go:build windows

package sensor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows/registry"
)

// readRegistry reads string and integer values below HKEY_LOCAL_MACHINE.
// Missing values are left out of the result; a missing key is an error.
func readRegistry(path string, names ...string) (map[string]string, error) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE)
	if err != nil {
		return nil, fmt.Errorf("open HKLM\\%s: %w", path, err)
	}
	defer key.Close()

	values := make(map[string]string, len(names))
	for _, name := range names {
		if s, _, err := key.GetStringValue(name); err == nil {
			values[name] = s
			continue
		} else if !errors.Is(err, registry.ErrUnexpectedType) {
			continue
		}
		if n, _, err := key.GetIntegerValue(name); err == nil {
			values[name] = fmt.Sprintf("%d", n)
		}
	}
	return values, nil
}
