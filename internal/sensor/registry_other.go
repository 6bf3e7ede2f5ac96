//go:build !windows

package sensor

import "github.com/nholik/host-sentinel/internal/probe"

func readRegistry(string, ...string) (map[string]string, error) {
	return nil, probe.ErrNotSupported
}
