package shell

import "strings"

// Mount maps a directory of the caller's filesystem to the path it has inside a backend.
type Mount struct {
	Host     string
	Internal string
}

// Mounts implements the path mapping half of Shell for backends that see parts of the caller's
// filesystem under other paths. The longest matching mount wins; paths outside every mount are unchanged.
type Mounts []Mount

func (m Mounts) MapToInternalPath(hostPath string) string {
	return m.remap(hostPath, func(mt Mount) (string, string) { return mt.Host, mt.Internal })
}

func (m Mounts) MapToHostPath(internalPath string) string {
	return m.remap(internalPath, func(mt Mount) (string, string) { return mt.Internal, mt.Host })
}

func (m Mounts) remap(p string, dir func(Mount) (from, to string)) string {
	best, bestLen := "", -1
	for _, mt := range m {
		from, to := dir(mt)
		from = strings.TrimSuffix(from, "/")
		if p != from && !strings.HasPrefix(p, from+"/") {
			continue
		}
		if len(from) > bestLen {
			best, bestLen = strings.TrimSuffix(to, "/")+p[len(from):], len(from)
		}
	}
	if bestLen < 0 {
		return p
	}
	if best == "" {
		return "/"
	}
	return best
}
